// Package sim is an in-process simulated backend: deterministic worlds and
// scriptable players behind the game interfaces. It lets a node run
// standalone, serving remote compute requests and exercising the full
// pipeline without a real game engine attached.
package sim

import (
	"hash/fnv"

	"go.uber.org/zap"

	"github.com/chumbucket/crossrtp/internal/game"
)

// Terrain bounds for simulated worlds.
const (
	defaultMinHeight = -64
	defaultMaxHeight = 320
	baseGroundY      = 64
	groundVariation  = 8

	// pregenRadiusChunks bounds which chunks count as generated on disk.
	pregenRadiusChunks = 512
)

// World is a deterministic simulated world: surface height derives from the
// column coordinates, so every node simulating the same world agrees on it.
type World struct {
	name  string
	env   game.Environment
	sched game.Scheduler

	spawns  []game.SpawnBlock
	charges map[[3]int]int
}

func NewWorld(name string, env game.Environment, sched game.Scheduler) *World {
	return &World{
		name:    name,
		env:     env,
		sched:   sched,
		charges: map[[3]int]int{},
	}
}

func (w *World) Name() string { return w.name }

func (w *World) Environment() game.Environment { return w.env }

func (w *World) MinHeight() int { return defaultMinHeight }

func (w *World) MaxHeight() int { return defaultMaxHeight }

func (w *World) ChunkGenerated(cx, cz int) bool {
	return absInt(cx) <= pregenRadiusChunks && absInt(cz) <= pregenRadiusChunks
}

func (w *World) PreloadChunk(cx, cz int, done func(err error)) {
	// Loading is instant in simulation but still completes asynchronously so
	// callers observe the same ordering as a real backend.
	w.sched.Run(func() { done(nil) })
}

func (w *World) HighestSolidY(x, z int) (int, bool) {
	h := fnv.New32a()
	var buf [16]byte
	putInt64(buf[0:8], int64(x))
	putInt64(buf[8:16], int64(z))
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(w.name))
	return baseGroundY + int(h.Sum32()%groundVariation), true
}

// PlaceBed registers a bed block, as a player sleeping there would.
func (w *World) PlaceBed(x, y, z int) game.SpawnBlock {
	b := game.SpawnBlock{Kind: game.SpawnBlockBed, X: x, Y: y, Z: z}
	w.spawns = append(w.spawns, b)
	return b
}

// PlaceAnchor registers a charged respawn anchor.
func (w *World) PlaceAnchor(x, y, z, charges int) game.SpawnBlock {
	b := game.SpawnBlock{Kind: game.SpawnBlockAnchor, X: x, Y: y, Z: z, Charges: charges}
	w.spawns = append(w.spawns, b)
	w.charges[[3]int{x, y, z}] = charges
	return b
}

// RemoveSpawnBlock drops a previously placed bed or anchor.
func (w *World) RemoveSpawnBlock(x, y, z int) {
	kept := w.spawns[:0]
	for _, b := range w.spawns {
		if b.X == x && b.Y == y && b.Z == z {
			continue
		}
		kept = append(kept, b)
	}
	w.spawns = kept
	delete(w.charges, [3]int{x, y, z})
}

func (w *World) SpawnBlockNear(x, y, z float64) (game.SpawnBlock, bool) {
	bx, by, bz := blockOf(x), blockOf(y), blockOf(z)
	for _, b := range w.spawns {
		if b.X == bx && b.Z == bz && absInt(b.Y-by) <= 1 {
			if b.Kind == game.SpawnBlockAnchor {
				b.Charges = w.charges[[3]int{b.X, b.Y, b.Z}]
			}
			return b, true
		}
	}
	return game.SpawnBlock{}, false
}

func (w *World) ConsumeAnchorCharge(b game.SpawnBlock) (int, bool) {
	key := [3]int{b.X, b.Y, b.Z}
	c, ok := w.charges[key]
	if !ok || c <= 0 {
		return 0, false
	}
	c--
	w.charges[key] = c
	return c, true
}

// Player is a simulated player. Chat and plugin messages go to the log.
type Player struct {
	log   *zap.Logger
	sched game.Scheduler

	id     game.PlayerID
	name   string
	online bool
	loc    game.Location
	perms  map[string]bool

	invulnerable bool
	allowFlight  bool
	flying       bool
	walkSpeed    float32
	flySpeed     float32
	effects      map[game.EffectKind]game.Effect
}

func NewPlayer(log *zap.Logger, sched game.Scheduler, id game.PlayerID, name string, loc game.Location) *Player {
	return &Player{
		log:       log.Named("player").With(zap.String("name", name)),
		sched:     sched,
		id:        id,
		name:      name,
		online:    true,
		loc:       loc,
		perms:     map[string]bool{},
		walkSpeed: 0.2,
		flySpeed:  0.1,
		effects:   map[game.EffectKind]game.Effect{},
	}
}

func (p *Player) ID() game.PlayerID { return p.id }

func (p *Player) Name() string { return p.name }

func (p *Player) Online() bool { return p.online }

func (p *Player) Location() game.Location { return p.loc }

// Grant gives the player a permission node.
func (p *Player) Grant(node string) { p.perms[node] = true }

// SetOnline flips the player's connection state.
func (p *Player) SetOnline(v bool) { p.online = v }

// MoveTo relocates the player without a teleport, as walking would.
func (p *Player) MoveTo(loc game.Location) { p.loc = loc }

func (p *Player) HasPermission(node string) bool { return p.perms[node] }

func (p *Player) Teleport(loc game.Location, done func(ok bool)) {
	p.sched.Run(func() {
		if !p.online {
			done(false)
			return
		}
		p.loc = loc
		done(true)
	})
}

func (p *Player) SetInvulnerable(v bool) { p.invulnerable = v }

func (p *Player) AllowFlight() bool { return p.allowFlight }

func (p *Player) SetAllowFlight(v bool) { p.allowFlight = v }

func (p *Player) Flying() bool { return p.flying }

func (p *Player) SetFlying(v bool) { p.flying = v }

func (p *Player) WalkSpeed() float32 { return p.walkSpeed }

func (p *Player) SetWalkSpeed(v float32) { p.walkSpeed = v }

func (p *Player) FlySpeed() float32 { return p.flySpeed }

func (p *Player) SetFlySpeed(v float32) { p.flySpeed = v }

func (p *Player) AddEffect(e game.Effect) { p.effects[e.Kind] = e }

func (p *Player) RemoveEffect(k game.EffectKind) { delete(p.effects, k) }

func (p *Player) SendMessage(text string) {
	p.log.Info("chat", zap.String("text", text))
}

func (p *Player) SendPluginMessage(channel string, payload []byte) error {
	p.log.Debug("plugin message", zap.String("channel", channel), zap.Int("bytes", len(payload)))
	return nil
}

// Host holds the simulated worlds and players.
type Host struct {
	log     *zap.Logger
	sched   game.Scheduler
	worlds  map[string]*World
	players map[game.PlayerID]*Player
}

func NewHost(log *zap.Logger, sched game.Scheduler) *Host {
	return &Host{
		log:     log.Named("sim"),
		sched:   sched,
		worlds:  map[string]*World{},
		players: map[game.PlayerID]*Player{},
	}
}

// AddWorld creates and registers a simulated world.
func (h *Host) AddWorld(name string, env game.Environment) *World {
	w := NewWorld(name, env, h.sched)
	h.worlds[name] = w
	return w
}

// Join creates a simulated player standing at the world's surface origin.
func (h *Host) Join(id game.PlayerID, name, worldName string) *Player {
	loc := game.Location{World: worldName, X: 0.5, Y: baseGroundY + 1, Z: 0.5}
	if w, ok := h.worlds[worldName]; ok {
		if y, yok := w.HighestSolidY(0, 0); yok {
			loc.Y = float64(y) + 1
		}
	}
	p := NewPlayer(h.log, h.sched, id, name, loc)
	h.players[id] = p
	return p
}

// Leave marks the player offline and removes it from the roster.
func (h *Host) Leave(id game.PlayerID) {
	if p, ok := h.players[id]; ok {
		p.online = false
		delete(h.players, id)
	}
}

func (h *Host) PlayerByID(id game.PlayerID) (game.Player, bool) {
	p, ok := h.players[id]
	if !ok {
		return nil, false
	}
	return p, true
}

func (h *Host) PlayerByName(name string) (game.Player, bool) {
	for _, p := range h.players {
		if p.name == name {
			return p, true
		}
	}
	return nil, false
}

func (h *Host) WorldByName(name string) (game.World, bool) {
	w, ok := h.worlds[name]
	if !ok {
		return nil, false
	}
	return w, true
}

func (h *Host) OnlinePlayers() []game.Player {
	out := make([]game.Player, 0, len(h.players))
	for _, p := range h.players {
		if p.online {
			out = append(out, p)
		}
	}
	return out
}

func blockOf(v float64) int {
	i := int(v)
	if v < 0 && float64(i) != v {
		i--
	}
	return i
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func putInt64(b []byte, v int64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
