// Package command parses and dispatches the /rtp command for players and
// the console.
package command

import (
	"math/rand"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chumbucket/crossrtp/internal/config"
	"github.com/chumbucket/crossrtp/internal/game"
	"github.com/chumbucket/crossrtp/internal/msg"
	"github.com/chumbucket/crossrtp/internal/rtp"
	"github.com/chumbucket/crossrtp/internal/store"
)

const (
	PermAdmin  = "crossrtp.admin"
	PermReload = "crossrtp.reload"
)

// Friendly world tokens users can type instead of folder names.
var worldAliases = []string{"overworld", "nether", "end"}

// Folder names covered by aliases, hidden from tab completion.
var aliasedWorldNames = map[string]bool{
	"world":         true,
	"world_nether":  true,
	"world_the_end": true,
}

// Sender issues a command: a player or the console.
type Sender interface {
	Name() string
	HasPermission(node string) bool
	Reply(text string)
	AsPlayer() (game.Player, bool)
}

// PlayerSender adapts a player to the Sender surface.
type PlayerSender struct {
	P game.Player
}

func (s PlayerSender) Name() string { return s.P.Name() }

func (s PlayerSender) HasPermission(node string) bool { return s.P.HasPermission(node) }

func (s PlayerSender) Reply(text string) { s.P.SendMessage(text) }

func (s PlayerSender) AsPlayer() (game.Player, bool) { return s.P, true }

// ConsoleSender is the server console: full permissions, replies to the log.
type ConsoleSender struct {
	Log *zap.Logger
}

func (s ConsoleSender) Name() string { return "console" }

func (s ConsoleSender) HasPermission(string) bool { return true }

func (s ConsoleSender) Reply(text string) { s.Log.Info(text) }

func (s ConsoleSender) AsPlayer() (game.Player, bool) { return nil, false }

// Handler executes /rtp.
type Handler struct {
	log    *zap.Logger
	cfg    *config.Provider
	host   game.Host
	svc    *rtp.Service
	st     store.Store
	reload func() error
	rnd    *rand.Rand
}

func NewHandler(log *zap.Logger, cfg *config.Provider, host game.Host, svc *rtp.Service, st store.Store, reload func() error) *Handler {
	return &Handler{
		log:    log.Named("command"),
		cfg:    cfg,
		host:   host,
		svc:    svc,
		st:     st,
		reload: reload,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute runs /rtp with the given arguments. Game thread.
func (h *Handler) Execute(s Sender, args []string) {
	if len(args) >= 1 && strings.EqualFold(args[0], "reload") {
		h.execReload(s)
		return
	}

	sp, isPlayer := s.AsPlayer()
	if !isPlayer {
		h.send(s, msg.KeyPlayerOnly, nil)
		return
	}

	// Admin form: /rtp <player> [server|alias] [world|alias]
	if len(args) >= 1 && s.HasPermission(PermAdmin) {
		if target, ok := h.host.PlayerByName(args[0]); ok {
			h.execAdmin(s, sp, target, args[1:])
			return
		}
	}

	switch len(args) {
	case 0:
		server := h.chooseDefaultServer()
		if server == "" {
			h.send(s, msg.KeyNoEnabledBackends, nil)
			return
		}
		world, ok := h.resolveWorldOrDefault(s, server, "")
		if !ok {
			return
		}
		h.svc.Start(sp, sp, server, world, false)

	case 1:
		arg := args[0]
		rtpCfg := &h.cfg.Get().RTP

		if _, known := rtpCfg.Server(arg); known {
			if !h.validateServer(s, arg) {
				return
			}
			world, ok := h.resolveWorldOrDefault(s, arg, "")
			if !ok {
				return
			}
			h.svc.Start(sp, sp, arg, world, false)
			return
		}

		if isWorldAlias(arg) {
			server := h.chooseDefaultServer()
			if server == "" {
				h.send(s, msg.KeyNoEnabledBackends, nil)
				return
			}
			if !h.validateServer(s, server) {
				return
			}
			world, ok := h.resolveWorldOrDefault(s, server, mapWorldAlias(arg))
			if !ok {
				return
			}
			h.svc.Start(sp, sp, server, world, false)
			return
		}

		h.send(s, msg.KeyUnknownServer, map[string]string{"server": arg})

	default:
		server := args[0]
		if !h.validateServer(s, server) {
			return
		}
		world, ok := h.resolveWorldOrDefault(s, server, mapWorldAlias(args[1]))
		if !ok {
			return
		}
		h.svc.Start(sp, sp, server, world, false)
	}
}

func (h *Handler) execReload(s Sender) {
	if !s.HasPermission(PermReload) && !s.HasPermission(PermAdmin) {
		h.send(s, msg.KeyNoPermission, nil)
		return
	}
	if err := h.reload(); err != nil {
		h.log.Error("reload failed", zap.Error(err))
		h.send(s, msg.KeyReloadFailed, nil)
		return
	}
	h.send(s, msg.KeyReloaded, nil)
}

func (h *Handler) execAdmin(s Sender, feedback game.Player, target game.Player, rest []string) {
	rtpCfg := &h.cfg.Get().RTP

	var server, world string
	if len(rest) >= 1 {
		arg := rest[0]
		if _, known := rtpCfg.Server(arg); known {
			server = arg
			if len(rest) >= 2 {
				world = rest[1]
			}
		} else if isWorldAlias(arg) {
			server = h.chooseDefaultServer()
			if server == "" {
				h.send(s, msg.KeyNoEnabledBackends, nil)
				return
			}
			world = arg
		} else {
			h.send(s, msg.KeyUnknownServer, map[string]string{"server": arg})
			return
		}
	}

	if strings.TrimSpace(server) == "" {
		server = h.chooseDefaultServer()
		if server == "" {
			h.send(s, msg.KeyNoEnabledBackends, nil)
			return
		}
	} else if !h.validateServer(s, server) {
		return
	}

	world, ok := h.resolveWorldOrDefault(s, server, mapWorldAlias(world))
	if !ok {
		return
	}
	h.svc.Start(target, feedback, server, world, true)
}

// TabComplete suggests completions for the current argument.
func (h *Handler) TabComplete(s Sender, args []string) []string {
	rtpCfg := &h.cfg.Get().RTP

	switch len(args) {
	case 1:
		var out []string
		if s.HasPermission(PermReload) || s.HasPermission(PermAdmin) {
			out = append(out, "reload")
		}
		if s.HasPermission(PermAdmin) {
			for _, p := range h.host.OnlinePlayers() {
				out = append(out, p.Name())
			}
		}
		out = append(out, h.enabledServers()...)
		out = append(out, worldAliases...)
		return prefixFilter(out, args[0])

	case 2:
		if s.HasPermission(PermAdmin) {
			if _, ok := h.host.PlayerByName(args[0]); ok {
				out := append(h.enabledServers(), worldAliases...)
				return prefixFilter(out, args[1])
			}
		}
		srv, ok := rtpCfg.Server(args[0])
		if !ok {
			return nil
		}
		return prefixFilter(worldSuggestions(srv), args[1])

	case 3:
		if !s.HasPermission(PermAdmin) {
			return nil
		}
		if _, ok := h.host.PlayerByName(args[0]); !ok {
			return nil
		}
		srv, ok := rtpCfg.Server(args[1])
		if !ok {
			return nil
		}
		return prefixFilter(worldSuggestions(srv), args[2])
	}
	return nil
}

// ---------------- resolution ----------------

func (h *Handler) chooseDefaultServer() string {
	cfg := h.cfg.Get()
	rtpCfg := &cfg.RTP

	if rtpCfg.ServerEnabled(cfg.ServerName) {
		return cfg.ServerName
	}
	if !h.st.Running() {
		return ""
	}

	var enabled []string
	for _, srv := range rtpCfg.FallbackEnabledServers {
		if rtpCfg.ServerEnabled(srv) {
			enabled = append(enabled, srv)
		}
	}
	if len(enabled) == 0 {
		return ""
	}
	if rtpCfg.FallbackMode == config.FallbackRandom {
		return enabled[h.rnd.Intn(len(enabled))]
	}
	return enabled[0]
}

func (h *Handler) validateServer(s Sender, server string) bool {
	cfg := h.cfg.Get()
	rtpCfg := &cfg.RTP

	if _, ok := rtpCfg.Server(server); !ok {
		h.send(s, msg.KeyUnknownServer, map[string]string{"server": server})
		return false
	}
	if !rtpCfg.ServerEnabled(server) {
		h.send(s, msg.KeyServerDisabled, map[string]string{"server": server})
		return false
	}
	if !strings.EqualFold(cfg.ServerName, server) && !h.st.Running() {
		h.send(s, msg.KeyNoEnabledBackends, nil)
		return false
	}
	return true
}

func (h *Handler) resolveWorldOrDefault(s Sender, server, world string) (string, bool) {
	rtpCfg := &h.cfg.Get().RTP
	srv, ok := rtpCfg.Server(server)
	if !ok {
		h.send(s, msg.KeyUnknownServer, map[string]string{"server": server})
		return "", false
	}

	resolved := world
	if strings.TrimSpace(resolved) == "" {
		resolved = srv.DefaultWorld
	}

	if _, known := srv.Worlds[resolved]; !known {
		h.send(s, msg.KeyUnknownWorld, map[string]string{"server": server, "world": resolved})
		return "", false
	}
	if !srv.WorldEnabled(resolved) {
		h.send(s, msg.KeyWorldDisabled, map[string]string{"server": server, "world": resolved})
		return "", false
	}
	return resolved, true
}

func (h *Handler) enabledServers() []string {
	rtpCfg := &h.cfg.Get().RTP
	var out []string
	for name := range rtpCfg.Servers {
		if rtpCfg.ServerEnabled(name) {
			out = append(out, name)
		}
	}
	return out
}

func (h *Handler) send(s Sender, key string, placeholders map[string]string) {
	mcfg := h.cfg.Get().Messages
	if !mcfg.Chat {
		return
	}
	tpl, ok := mcfg.Templates[key]
	if !ok || strings.TrimSpace(tpl) == "" {
		h.log.Debug("no template for message key", zap.String("key", key))
		return
	}
	s.Reply(msg.Render(tpl, placeholders))
}

// ---------------- helpers ----------------

func isWorldAlias(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "overworld", "nether", "end":
		return true
	}
	return false
}

// mapWorldAlias turns friendly tokens into world folder names; anything else
// passes through unchanged.
func mapWorldAlias(token string) string {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "overworld":
		return "world"
	case "nether":
		return "world_nether"
	case "end":
		return "world_the_end"
	}
	return strings.TrimSpace(token)
}

func worldSuggestions(srv config.ServerRTP) []string {
	var out []string
	for name := range srv.Worlds {
		if !aliasedWorldNames[strings.ToLower(name)] {
			out = append(out, name)
		}
	}
	return append(out, worldAliases...)
}

func prefixFilter(items []string, prefix string) []string {
	p := strings.ToLower(prefix)
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		if !strings.HasPrefix(strings.ToLower(it), p) || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}
