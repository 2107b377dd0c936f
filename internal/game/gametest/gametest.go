// Package gametest provides deterministic in-memory fakes of the game host
// surface for unit tests: a manually advanced scheduler, players, worlds,
// and a host registry.
package gametest

import (
	"errors"
	"sync"

	"github.com/chumbucket/crossrtp/internal/game"
)

// Scheduler is a deterministic game.Scheduler. Nothing runs until Advance is
// called; each Advance step models exactly one tick. Async callbacks run
// inline on the test goroutine, which keeps ordering reproducible.
type Scheduler struct {
	mu      sync.Mutex
	tick    int64
	queue   []func()
	entries []*entry
}

type entry struct {
	at        int64
	period    int64
	fn        func()
	cancelled bool
	sched     *Scheduler
}

func (e *entry) Cancel() {
	e.sched.mu.Lock()
	e.cancelled = true
	e.sched.mu.Unlock()
}

func NewScheduler() *Scheduler { return &Scheduler{} }

func (s *Scheduler) CurrentTick() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

func (s *Scheduler) Run(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
}

func (s *Scheduler) RunLater(delayTicks int64, fn func()) game.Task {
	return s.add(delayTicks, 0, fn)
}

func (s *Scheduler) RunTimer(delayTicks, periodTicks int64, fn func()) game.Task {
	if periodTicks < 1 {
		periodTicks = 1
	}
	return s.add(delayTicks, periodTicks, fn)
}

func (s *Scheduler) RunAsync(fn func()) { fn() }

func (s *Scheduler) RunAsyncTimer(delayTicks, periodTicks int64, fn func()) game.Task {
	if periodTicks < 1 {
		periodTicks = 1
	}
	return s.add(delayTicks, periodTicks, fn)
}

func (s *Scheduler) add(delay, period int64, fn func()) game.Task {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	e := &entry{at: s.tick + delay, period: period, fn: fn, sched: s}
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return e
}

// Advance steps n ticks, running queued work and due timers in order.
func (s *Scheduler) Advance(n int64) {
	for i := int64(0); i < n; i++ {
		s.stepOne()
	}
}

// Drain runs currently queued next-tick work without advancing timers.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

func (s *Scheduler) stepOne() {
	s.mu.Lock()
	s.tick++
	now := s.tick
	queued := s.queue
	s.queue = nil

	var due []*entry
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.cancelled {
			continue
		}
		if e.at <= now {
			due = append(due, e)
			if e.period > 0 {
				e.at = now + e.period
				kept = append(kept, e)
			}
		} else {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	s.mu.Unlock()

	for _, fn := range queued {
		fn()
	}
	for _, e := range due {
		s.mu.Lock()
		dead := e.cancelled
		s.mu.Unlock()
		if !dead {
			e.fn()
		}
	}
}

// Player is a scripted game.Player.
type Player struct {
	PID   game.PlayerID
	PName string

	IsOnline bool
	Loc      game.Location
	Perms    map[string]bool

	// TeleportOK controls the reported outcome of Teleport calls.
	TeleportOK bool
	Teleports  []game.Location

	Invulnerable bool
	AllowFly     bool
	IsFlying     bool
	Walk         float32
	Fly          float32
	Effects      []game.Effect
	Messages     []string

	PluginMessages []PluginMessage
	// PluginMessageErr, when set, makes SendPluginMessage fail.
	PluginMessageErr error
}

type PluginMessage struct {
	Channel string
	Payload []byte
}

func NewPlayer(id game.PlayerID, name string) *Player {
	return &Player{
		PID:        id,
		PName:      name,
		IsOnline:   true,
		TeleportOK: true,
		Walk:       0.2,
		Fly:        0.1,
		Perms:      map[string]bool{},
	}
}

func (p *Player) ID() game.PlayerID       { return p.PID }
func (p *Player) Name() string            { return p.PName }
func (p *Player) Online() bool            { return p.IsOnline }
func (p *Player) Location() game.Location { return p.Loc }

func (p *Player) HasPermission(node string) bool { return p.Perms[node] }

func (p *Player) Teleport(loc game.Location, done func(ok bool)) {
	if p.TeleportOK {
		p.Teleports = append(p.Teleports, loc)
		p.Loc = loc
	}
	if done != nil {
		done(p.TeleportOK)
	}
}

func (p *Player) SetInvulnerable(v bool)  { p.Invulnerable = v }
func (p *Player) AllowFlight() bool       { return p.AllowFly }
func (p *Player) SetAllowFlight(v bool)   { p.AllowFly = v }
func (p *Player) Flying() bool            { return p.IsFlying }
func (p *Player) SetFlying(v bool)        { p.IsFlying = v }
func (p *Player) WalkSpeed() float32      { return p.Walk }
func (p *Player) SetWalkSpeed(v float32)  { p.Walk = v }
func (p *Player) FlySpeed() float32       { return p.Fly }
func (p *Player) SetFlySpeed(v float32)   { p.Fly = v }
func (p *Player) AddEffect(e game.Effect) { p.Effects = append(p.Effects, e) }

func (p *Player) RemoveEffect(kind game.EffectKind) {
	kept := p.Effects[:0]
	for _, e := range p.Effects {
		if e.Kind != kind {
			kept = append(kept, e)
		}
	}
	p.Effects = kept
}

func (p *Player) SendMessage(text string) { p.Messages = append(p.Messages, text) }

func (p *Player) SendPluginMessage(channel string, payload []byte) error {
	if p.PluginMessageErr != nil {
		return p.PluginMessageErr
	}
	if !p.IsOnline {
		return errors.New("player offline")
	}
	p.PluginMessages = append(p.PluginMessages, PluginMessage{Channel: channel, Payload: payload})
	return nil
}

// World is a scripted game.World with a flat ground surface.
type World struct {
	WName string
	Env   game.Environment
	MinY  int
	MaxY  int

	// GroundY is the flat surface height reported by HighestSolidY.
	GroundY int

	// Ungenerated chunks report ChunkGenerated false.
	Ungenerated map[[2]int]bool

	// PreloadErr, when set, fails every PreloadChunk call.
	PreloadErr error
	Preloads   [][2]int

	// Spawns is the set of bed/anchor blocks discoverable by SpawnBlockNear.
	Spawns []game.SpawnBlock
}

func NewWorld(name string) *World {
	return &World{WName: name, Env: game.EnvNormal, MinY: -64, MaxY: 320, GroundY: 64}
}

func (w *World) Name() string                  { return w.WName }
func (w *World) Environment() game.Environment { return w.Env }
func (w *World) MinHeight() int                { return w.MinY }
func (w *World) MaxHeight() int                { return w.MaxY }

func (w *World) ChunkGenerated(cx, cz int) bool { return !w.Ungenerated[[2]int{cx, cz}] }

func (w *World) PreloadChunk(cx, cz int, done func(err error)) {
	w.Preloads = append(w.Preloads, [2]int{cx, cz})
	if done != nil {
		done(w.PreloadErr)
	}
}

func (w *World) HighestSolidY(x, z int) (int, bool) { return w.GroundY, true }

func (w *World) SpawnBlockNear(x, y, z float64) (game.SpawnBlock, bool) {
	bx, by, bz := blockOf(x), blockOf(y), blockOf(z)
	for _, sb := range w.Spawns {
		if sb.X == bx && sb.Z == bz && sb.Y >= by-1 && sb.Y <= by+1 {
			return sb, true
		}
	}
	return game.SpawnBlock{}, false
}

func (w *World) ConsumeAnchorCharge(b game.SpawnBlock) (int, bool) {
	for i := range w.Spawns {
		sb := &w.Spawns[i]
		if sb.Kind == game.SpawnBlockAnchor && sb.X == b.X && sb.Y == b.Y && sb.Z == b.Z {
			if sb.Charges <= 0 {
				return 0, false
			}
			sb.Charges--
			return sb.Charges, true
		}
	}
	return 0, false
}

func blockOf(v float64) int {
	i := int(v)
	if v < 0 && float64(i) != v {
		i--
	}
	return i
}

// Host is a scripted game.Host.
type Host struct {
	mu      sync.Mutex
	players map[game.PlayerID]*Player
	worlds  map[string]*World
}

func NewHost() *Host {
	return &Host{players: map[game.PlayerID]*Player{}, worlds: map[string]*World{}}
}

func (h *Host) AddPlayer(p *Player) {
	h.mu.Lock()
	h.players[p.PID] = p
	h.mu.Unlock()
}

func (h *Host) RemovePlayer(id game.PlayerID) {
	h.mu.Lock()
	delete(h.players, id)
	h.mu.Unlock()
}

func (h *Host) AddWorld(w *World) {
	h.mu.Lock()
	h.worlds[w.WName] = w
	h.mu.Unlock()
}

func (h *Host) PlayerByID(id game.PlayerID) (game.Player, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.players[id]
	if !ok {
		return nil, false
	}
	return p, true
}

func (h *Host) PlayerByName(name string) (game.Player, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.players {
		if p.PName == name {
			return p, true
		}
	}
	return nil, false
}

func (h *Host) WorldByName(name string) (game.World, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.worlds[name]
	if !ok {
		return nil, false
	}
	return w, true
}

func (h *Host) OnlinePlayers() []game.Player {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]game.Player, 0, len(h.players))
	for _, p := range h.players {
		if p.IsOnline {
			out = append(out, p)
		}
	}
	return out
}
