package store

import (
	"strings"

	"github.com/chumbucket/crossrtp/internal/game"
)

// DefaultKeyPrefix namespaces every key when no prefix is configured.
const DefaultKeyPrefix = "crossrtp:"

// Keys builds the namespaced key set. The prefix always ends in exactly one
// ":" regardless of what the config file contains.
type Keys struct {
	p string
}

// NewKeys sanitizes the configured prefix and returns the key builder.
func NewKeys(prefix string) Keys {
	base := strings.TrimSpace(prefix)
	if base == "" {
		base = DefaultKeyPrefix
	}
	for strings.HasSuffix(base, "::") {
		base = base[:len(base)-1]
	}
	if !strings.HasSuffix(base, ":") {
		base += ":"
	}
	return Keys{p: base}
}

// Prefix returns the sanitized prefix.
func (k Keys) Prefix() string { return k.p }

// ComputeChannel is the pub/sub channel carrying compute requests.
func (k Keys) ComputeChannel() string { return k.p + "compute" }

// Resp keys a compute response by request id.
func (k Keys) Resp(requestID string) string { return k.p + "resp:" + requestID }

// Pending keys the player's owed-teleport record.
func (k Keys) Pending(player game.PlayerID) string { return k.p + "pending:" + player.String() }

// Cooldown keys the player's RTP cooldown marker.
func (k Keys) Cooldown(player game.PlayerID) string { return k.p + "cooldown:" + player.String() }

// Presence keys the player's presence heartbeat.
func (k Keys) Presence(player game.PlayerID) string { return k.p + "presence:" + player.String() }

// Spawn keys the player's cross-backend respawn point.
func (k Keys) Spawn(player game.PlayerID) string { return k.p + "spawn:" + player.String() }
