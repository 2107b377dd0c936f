// Package record defines the JSON records exchanged through the coordination
// store. Field names are fixed wire contract shared by every backend; decoding
// ignores unknown fields and zero-fills missing ones so record versions can
// roll forward independently.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chumbucket/crossrtp/internal/game"
)

// SpawnPoint type values.
const (
	SpawnTypeBed     = "BED"
	SpawnTypeAnchor  = "ANCHOR"
	SpawnTypeUnknown = "UNKNOWN"
)

// ComputeRequest asks the target server to compute a safe random location.
// Published on the compute channel.
type ComputeRequest struct {
	RequestID    string    `json:"requestId"`
	PlayerUUID   uuid.UUID `json:"playerUuid"`
	TargetServer string    `json:"targetServer"`
	World        string    `json:"world"`
	CreatedAtMs  int64     `json:"createdAtMs"`
}

// ComputeResponse is the target server's answer, written under the resp:<id>
// key with the request TTL.
type ComputeResponse struct {
	RequestID string  `json:"requestId"`
	OK        bool    `json:"ok"`
	Server    string  `json:"server"`
	World     string  `json:"world"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Yaw       float32 `json:"yaw"`
	Pitch     float32 `json:"pitch"`
	Error     string  `json:"error"`
}

// Location converts a successful response into a game location.
func (r ComputeResponse) Location() game.Location {
	return game.Location{World: r.World, X: r.X, Y: r.Y, Z: r.Z, Yaw: r.Yaw, Pitch: r.Pitch}
}

// PendingTeleport marks a player as owed a teleport on the named server.
// Written before the proxy switch; consumed by the join finalizer.
type PendingTeleport struct {
	Server string  `json:"server"`
	World  string  `json:"world"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Yaw    float32 `json:"yaw"`
	Pitch  float32 `json:"pitch"`
	AtMs   int64   `json:"atMs"`

	// Attempts counts finalize retries already consumed.
	Attempts int `json:"attempts"`
}

// Location returns the teleport destination.
func (p PendingTeleport) Location() game.Location {
	return game.Location{World: p.World, X: p.X, Y: p.Y, Z: p.Z, Yaw: p.Yaw, Pitch: p.Pitch}
}

// SpawnPoint is the cross-backend respawn anchor/bed record.
type SpawnPoint struct {
	Type   string  `json:"type"`
	Server string  `json:"server"`
	World  string  `json:"world"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Yaw    float32 `json:"yaw"`
	Pitch  float32 `json:"pitch"`
	AtMs   int64   `json:"atMs"`
}

// NewSpawnPoint builds a normalized record stamped with the current time when
// atMs is not positive.
func NewSpawnPoint(typ, server, world string, loc game.Location, atMs int64) SpawnPoint {
	if atMs <= 0 {
		atMs = time.Now().UnixMilli()
	}
	return SpawnPoint{
		Type:   NormalizeSpawnType(typ),
		Server: server,
		World:  world,
		X:      loc.X,
		Y:      loc.Y,
		Z:      loc.Z,
		Yaw:    loc.Yaw,
		Pitch:  loc.Pitch,
		AtMs:   atMs,
	}
}

// Location returns the recorded spawn position.
func (s SpawnPoint) Location() game.Location {
	return game.Location{World: s.World, X: s.X, Y: s.Y, Z: s.Z, Yaw: s.Yaw, Pitch: s.Pitch}
}

// IsBed reports a bed-typed record.
func (s SpawnPoint) IsBed() bool { return s.Type == SpawnTypeBed }

// IsAnchor reports an anchor-typed record.
func (s SpawnPoint) IsAnchor() bool { return s.Type == SpawnTypeAnchor }

// NormalizeSpawnType maps raw type strings to the canonical set. Records
// written before the type field existed decode as UNKNOWN.
func NormalizeSpawnType(t string) string {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case "BED":
		return SpawnTypeBed
	case "ANCHOR", "RESPAWN_ANCHOR":
		return SpawnTypeAnchor
	default:
		return SpawnTypeUnknown
	}
}

// Encode serializes a record to its wire form.
func Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %T: %w", v, err)
	}
	return string(data), nil
}

// Decode parses a wire payload into a record value.
func Decode[T any](raw string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	if sp, ok := any(&v).(*SpawnPoint); ok {
		sp.Type = NormalizeSpawnType(sp.Type)
	}
	return v, nil
}
