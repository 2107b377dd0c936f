// Package msg renders and delivers player-facing notifications from
// configured templates. Placeholders use {name} syntax and unresolved
// placeholders are left in place so broken templates stay visible.
package msg

import (
	"strings"

	"go.uber.org/zap"

	"github.com/chumbucket/crossrtp/internal/config"
	"github.com/chumbucket/crossrtp/internal/game"
)

// Well-known template keys.
const (
	KeySearchingLocal  = "status.searching-local"
	KeySearchingRemote = "status.searching-remote"
	KeyTeleportingIn   = "status.teleporting-in"
	KeySwitching       = "status.switching"
	KeySwitchingOther  = "status.switching-other"

	KeyTeleported      = "success.teleported"
	KeyTeleportedOther = "success.teleported-other"

	KeyNoSafeLocation    = "errors.no-safe-location"
	KeyComputeTimeout    = "errors.compute-timeout"
	KeyCancelledMoved    = "errors.teleport-cancelled-moved"
	KeyUnknownServer     = "errors.unknown-server"
	KeyServerDisabled    = "errors.server-disabled"
	KeyUnknownWorld      = "errors.unknown-world"
	KeyWorldDisabled     = "errors.world-disabled"
	KeyNoEnabledBackends = "errors.no-enabled-backends"
	KeyPlayerOnly        = "errors.player-only"
	KeyPlayerNotFound    = "errors.player-not-found"
	KeyNoPermission      = "errors.no-permission"
	KeyReloadFailed      = "errors.reload-failed"

	KeyCooldownActive = "cooldown.active"
	KeyReloaded       = "admin.reloaded"
	KeyUsage          = "help.usage"
)

// Notifier delivers a templated message to a player.
type Notifier interface {
	Send(p game.Player, key string, placeholders map[string]string)
}

// TemplateNotifier resolves templates from the live messages config. Missing
// keys are logged and dropped.
type TemplateNotifier struct {
	log *zap.Logger
	cfg *config.Provider
}

func NewTemplateNotifier(log *zap.Logger, cfg *config.Provider) *TemplateNotifier {
	return &TemplateNotifier{log: log.Named("msg"), cfg: cfg}
}

func (n *TemplateNotifier) Send(p game.Player, key string, placeholders map[string]string) {
	mcfg := n.cfg.Get().Messages
	if p == nil || !mcfg.Chat {
		return
	}
	tpl, ok := mcfg.Templates[key]
	if !ok || strings.TrimSpace(tpl) == "" {
		n.log.Debug("no template for message key", zap.String("key", key))
		return
	}
	p.SendMessage(Render(tpl, placeholders))
}

// Render substitutes {name} placeholders into the template.
func Render(tpl string, placeholders map[string]string) string {
	out := tpl
	for k, v := range placeholders {
		if k == "" {
			continue
		}
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return strings.TrimSpace(out)
}
