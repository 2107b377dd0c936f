// Package proxy sends backend-to-proxy actions over the player connection's
// plugin message channel.
package proxy

import (
	"bytes"
	"encoding/binary"
	"strings"

	"go.uber.org/zap"

	"github.com/chumbucket/crossrtp/internal/game"
)

// Channel is the proxy plugin-message channel. Velocity accepts the
// BungeeCord channel for backend-to-proxy actions.
const Channel = "BungeeCord"

// Connector switches a player to another backend server.
type Connector interface {
	// Connect requests the proxy move the player. Must run on the game
	// thread. A false return means the request was not sent.
	Connect(p game.Player, server string) bool
}

// BungeeConnector writes the "Connect" subchannel frame understood by
// BungeeCord and Velocity.
type BungeeConnector struct {
	log *zap.Logger
}

func NewBungeeConnector(log *zap.Logger) *BungeeConnector {
	return &BungeeConnector{log: log.Named("proxy")}
}

func (c *BungeeConnector) Connect(p game.Player, server string) bool {
	if p == nil || !p.Online() {
		return false
	}
	if strings.TrimSpace(server) == "" {
		return false
	}

	payload := encodeConnect(server)
	if err := p.SendPluginMessage(Channel, payload); err != nil {
		c.log.Warn("connect plugin message failed",
			zap.String("player", p.Name()),
			zap.String("server", server),
			zap.Error(err))
		return false
	}
	return true
}

// encodeConnect frames the action as two Java modified-UTF strings: a
// big-endian uint16 length followed by the bytes.
func encodeConnect(server string) []byte {
	var buf bytes.Buffer
	writeUTF(&buf, "Connect")
	writeUTF(&buf, server)
	return buf.Bytes()
}

func writeUTF(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}
