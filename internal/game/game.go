// Package game defines the host-environment surface the coordination core
// runs against: players, worlds, and the tick scheduler. Production backends
// implement these interfaces; tests use the fakes in gametest.
package game

import (
	"math"

	"github.com/google/uuid"
)

// PlayerID is the stable 128-bit identity of a player across all backends.
type PlayerID = uuid.UUID

// Location is a position inside a named world.
type Location struct {
	World string
	X     float64
	Y     float64
	Z     float64
	Yaw   float32
	Pitch float32
}

// BlockX returns the block-cell X coordinate.
func (l Location) BlockX() int { return int(math.Floor(l.X)) }

// BlockY returns the block-cell Y coordinate.
func (l Location) BlockY() int { return int(math.Floor(l.Y)) }

// BlockZ returns the block-cell Z coordinate.
func (l Location) BlockZ() int { return int(math.Floor(l.Z)) }

// ChunkX returns the chunk column X (16-block cells).
func (l Location) ChunkX() int { return l.BlockX() >> 4 }

// ChunkZ returns the chunk column Z (16-block cells).
func (l Location) ChunkZ() int { return l.BlockZ() >> 4 }

// Environment classifies a world dimension.
type Environment int

const (
	EnvNormal Environment = iota
	EnvNether
	EnvEnd
)

func (e Environment) String() string {
	switch e {
	case EnvNether:
		return "nether"
	case EnvEnd:
		return "end"
	default:
		return "normal"
	}
}

// EffectKind is a visual/status effect the core may apply to a player.
type EffectKind int

const (
	EffectBlindness EffectKind = iota
	EffectInvisibility
)

// Effect is an applied status effect with a tick duration.
type Effect struct {
	Kind          EffectKind
	DurationTicks int
	Amplifier     int
}

// SpawnBlockKind classifies a respawn-capable block.
type SpawnBlockKind int

const (
	SpawnBlockNone SpawnBlockKind = iota
	SpawnBlockBed
	SpawnBlockAnchor
)

// SpawnBlock describes a bed or respawn anchor found in a world.
type SpawnBlock struct {
	Kind    SpawnBlockKind
	X, Y, Z int
	Charges int // anchors only
}

// Player is a connected (or recently connected) player on this backend.
// All methods must be called on the game thread unless noted otherwise.
type Player interface {
	ID() PlayerID
	Name() string
	Online() bool
	Location() Location
	HasPermission(node string) bool

	// Teleport moves the player asynchronously. done is invoked on the game
	// thread with the outcome; a false result means the move did not happen.
	Teleport(loc Location, done func(ok bool))

	SetInvulnerable(v bool)
	AllowFlight() bool
	SetAllowFlight(v bool)
	Flying() bool
	SetFlying(v bool)
	WalkSpeed() float32
	SetWalkSpeed(v float32)
	FlySpeed() float32
	SetFlySpeed(v float32)
	AddEffect(e Effect)
	RemoveEffect(kind EffectKind)

	// SendMessage delivers formatted text to the player's chat.
	SendMessage(text string)

	// SendPluginMessage writes a raw payload on a proxy channel through the
	// player's connection. Safe to call from the game thread only.
	SendPluginMessage(channel string, payload []byte) error
}

// World is a loaded world on this backend. Game-thread only, except
// PreloadChunk whose completion callback is rescheduled onto the game thread
// by the host.
type World interface {
	Name() string
	Environment() Environment
	MinHeight() int
	MaxHeight() int

	// ChunkGenerated reports whether the chunk exists on disk without
	// triggering generation.
	ChunkGenerated(cx, cz int) bool

	// PreloadChunk loads (or generates) the chunk asynchronously; done runs
	// on the game thread.
	PreloadChunk(cx, cz int, done func(err error))

	// HighestSolidY returns the top solid block Y at the column, if the
	// column is loaded or cheaply readable.
	HighestSolidY(x, z int) (int, bool)

	// SpawnBlockNear scans the block cell at the coordinates plus one cell
	// above and below for a bed or respawn anchor.
	SpawnBlockNear(x, y, z float64) (SpawnBlock, bool)

	// ConsumeAnchorCharge decrements one charge from the anchor block and
	// returns the remaining count.
	ConsumeAnchorCharge(b SpawnBlock) (remaining int, ok bool)
}

// Host is the backend process the core is embedded in.
type Host interface {
	PlayerByID(id PlayerID) (Player, bool)
	PlayerByName(name string) (Player, bool)
	WorldByName(name string) (World, bool)
	OnlinePlayers() []Player
}

// RespawnEvent is delivered when a dead player is about to respawn. Handlers
// run on the game thread and may redirect the respawn location before the
// host applies it.
type RespawnEvent struct {
	Player      Player
	BedSpawn    bool
	AnchorSpawn bool

	loc    *Location
	locSet bool
}

// NewRespawnEvent builds the event with the host's initially chosen location.
func NewRespawnEvent(p Player, loc *Location, bed, anchor bool) *RespawnEvent {
	return &RespawnEvent{Player: p, BedSpawn: bed, AnchorSpawn: anchor, loc: loc}
}

// RespawnLocation returns the currently chosen respawn location, if any.
func (e *RespawnEvent) RespawnLocation() *Location { return e.loc }

// SetRespawnLocation overrides where the host will place the player.
func (e *RespawnEvent) SetRespawnLocation(loc Location) {
	l := loc
	e.loc = &l
	e.locSet = true
}

// Redirected reports whether a handler overrode the respawn location.
func (e *RespawnEvent) Redirected() bool { return e.locSet }
