// Package finalize completes cross-server teleports after a proxy switch by
// consuming the player's pending record on join. The player is frozen and
// blinded while the destination chunk loads so the switch reads as one move
// instead of a spawn flash.
package finalize

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chumbucket/crossrtp/internal/config"
	"github.com/chumbucket/crossrtp/internal/game"
	"github.com/chumbucket/crossrtp/internal/msg"
	"github.com/chumbucket/crossrtp/internal/record"
	"github.com/chumbucket/crossrtp/internal/store"
)

const (
	// freezeFailsafeTicks restores the player even if finalize hangs.
	freezeFailsafeTicks = 80

	// blindnessTicks masks the spawn flash while frozen.
	blindnessTicks = 10 * game.TicksPerSecond
)

// Shared-spawn route match tolerance between the pending destination and the
// stored spawn record.
const (
	spawnMatchXZ = 0.75
	spawnMatchY  = 1.75
)

type freezeState struct {
	walkSpeed   float32
	flySpeed    float32
	flying      bool
	allowFlight bool
}

// Finalizer consumes pending records on join.
type Finalizer struct {
	log    *zap.Logger
	cfg    *config.Provider
	host   game.Host
	sched  game.Scheduler
	st     store.Store
	keys   store.Keys
	notify msg.Notifier

	mu     sync.Mutex
	frozen map[game.PlayerID]freezeState
}

func New(log *zap.Logger, cfg *config.Provider, host game.Host, sched game.Scheduler, st store.Store, keys store.Keys, notify msg.Notifier) *Finalizer {
	return &Finalizer{
		log:    log.Named("finalize"),
		cfg:    cfg,
		host:   host,
		sched:  sched,
		st:     st,
		keys:   keys,
		notify: notify,
		frozen: map[game.PlayerID]freezeState{},
	}
}

// FrozenCount reports players currently held by the freeze net.
func (f *Finalizer) FrozenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frozen)
}

// OnJoin starts the finalize pipeline for a joining player. Game thread.
func (f *Finalizer) OnJoin(p game.Player) {
	if p == nil || !f.st.Running() {
		return
	}
	id := p.ID()
	pendingKey := f.keys.Pending(id)

	f.sched.RunAsync(func() {
		pending, err := store.GetRecord[record.PendingTeleport](context.Background(), f.st, f.log, pendingKey)
		if err != nil {
			return
		}
		f.sched.Run(func() {
			live, ok := f.host.PlayerByID(id)
			if !ok {
				return
			}
			f.start(live, pendingKey, pending)
		})
	})
}

func (f *Finalizer) start(p game.Player, pendingKey string, pending record.PendingTeleport) {
	if !p.Online() || !f.st.Running() {
		return
	}
	if strings.TrimSpace(pending.Server) == "" || strings.TrimSpace(pending.World) == "" {
		return
	}
	cfg := f.cfg.Get()
	if !strings.EqualFold(cfg.ServerName, pending.Server) {
		return
	}

	// Stale guard: a record older than the request TTL is dead weight.
	ttlMs := int64(cfg.RTP.RequestTTLSeconds) * 1000
	if pending.AtMs > 0 && time.Now().UnixMilli()-pending.AtMs > ttlMs {
		f.deleteKeyAsync(pendingKey)
		return
	}

	w, ok := f.host.WorldByName(pending.World)
	if !ok {
		f.notify.Send(p, msg.KeyNoSafeLocation, nil)
		f.bumpOrDeletePending(pendingKey, pending)
		return
	}

	f.freeze(p)
	id := p.ID()
	f.sched.RunLater(freezeFailsafeTicks, func() {
		if live, ok := f.host.PlayerByID(id); ok && live.Online() {
			f.unfreeze(live)
		}
	})

	sp := cfg.Spawning
	sharedEnabled := sp.CrossServerRespawn && f.st.Running()
	if !sharedEnabled || !f.looksLikeSpawnBlock(w, pending) {
		f.teleport(p, pendingKey, pending, false)
		return
	}

	// Decide whether this pending is the player's shared spawn route.
	f.sched.RunAsync(func() {
		shared := f.matchesStoredSpawn(id, pending)
		f.sched.Run(func() {
			live, ok := f.host.PlayerByID(id)
			if !ok || !live.Online() {
				return
			}
			f.teleport(live, pendingKey, pending, shared)
		})
	})
}

// matchesStoredSpawn compares the pending destination against the spawn
// record. Worker context.
func (f *Finalizer) matchesStoredSpawn(id game.PlayerID, pending record.PendingTeleport) bool {
	sp, err := store.GetRecord[record.SpawnPoint](context.Background(), f.st, f.log, f.keys.Spawn(id))
	if err != nil {
		return false
	}
	if !strings.EqualFold(sp.Server, pending.Server) || !strings.EqualFold(sp.World, pending.World) {
		return false
	}
	dx := abs(sp.X - pending.X)
	dy := abs(sp.Y - pending.Y)
	dz := abs(sp.Z - pending.Z)
	return dx <= spawnMatchXZ && dy <= spawnMatchY && dz <= spawnMatchXZ
}

func (f *Finalizer) teleport(p game.Player, pendingKey string, pending record.PendingTeleport, sharedRoute bool) {
	if !p.Online() {
		return
	}

	w, ok := f.host.WorldByName(pending.World)
	if !ok {
		f.notify.Send(p, msg.KeyNoSafeLocation, nil)
		f.bumpOrDeletePending(pendingKey, pending)
		f.unfreeze(p)
		return
	}

	sp := f.cfg.Get().Spawning
	if sharedRoute {
		kind := f.classifySpawnBlock(w, pending)

		switch {
		case kind == game.SpawnBlockNone:
			// The bed/anchor is gone; both records are dead.
			f.deleteKeyAsync(f.keys.Spawn(p.ID()))
			f.deleteKeyAsync(pendingKey)
			f.notify.Send(p, msg.KeyNoSafeLocation, nil)
			f.unfreeze(p)
			return
		case kind == game.SpawnBlockBed && !sp.RespectBedSpawn,
			kind == game.SpawnBlockAnchor && !sp.RespectAnchorSpawn:
			f.deleteKeyAsync(f.keys.Spawn(p.ID()))
			f.deleteKeyAsync(pendingKey)
			f.unfreeze(p)
			return
		}
	}

	loc := pending.Location()
	loc.Y = clampF(loc.Y, float64(w.MinHeight()+1), float64(w.MaxHeight()-2))
	loc.Pitch = clampF32(loc.Pitch, -90, 90)

	w.PreloadChunk(loc.ChunkX(), loc.ChunkZ(), func(err error) {
		if !p.Online() {
			return
		}
		if err != nil {
			f.notify.Send(p, msg.KeyNoSafeLocation, nil)
			f.bumpOrDeletePending(pendingKey, pending)
			f.unfreeze(p)
			return
		}

		p.Teleport(loc, func(ok bool) {
			if !p.Online() {
				return
			}
			if !ok {
				f.notify.Send(p, msg.KeyNoSafeLocation, nil)
				f.bumpOrDeletePending(pendingKey, pending)
				f.unfreeze(p)
				return
			}

			if sharedRoute && f.cfg.Get().Spawning.RespectAnchorSpawn {
				f.consumeAnchorCharge(p, w, pending)
			}

			f.deleteKeyAsync(pendingKey)

			// Restore before messaging so the player can move right away.
			f.unfreeze(p)
			f.notify.Send(p, msg.KeyTeleported, map[string]string{"world": pending.World})
		})
	})
}

// ---------------- freeze net ----------------

func (f *Finalizer) freeze(p game.Player) {
	if !p.Online() {
		return
	}
	id := p.ID()

	f.mu.Lock()
	if _, already := f.frozen[id]; already {
		f.mu.Unlock()
		return
	}
	f.frozen[id] = freezeState{
		walkSpeed:   p.WalkSpeed(),
		flySpeed:    p.FlySpeed(),
		flying:      p.Flying(),
		allowFlight: p.AllowFlight(),
	}
	f.mu.Unlock()

	p.SetInvulnerable(true)
	p.SetAllowFlight(true)
	p.SetFlying(true)
	p.SetWalkSpeed(0)
	p.SetFlySpeed(0)
	p.AddEffect(game.Effect{Kind: game.EffectBlindness, DurationTicks: blindnessTicks, Amplifier: 1})
}

func (f *Finalizer) unfreeze(p game.Player) {
	if !p.Online() {
		return
	}
	f.mu.Lock()
	st, ok := f.frozen[p.ID()]
	delete(f.frozen, p.ID())
	f.mu.Unlock()
	if !ok {
		return
	}

	p.RemoveEffect(game.EffectBlindness)
	p.SetWalkSpeed(st.walkSpeed)
	p.SetFlySpeed(st.flySpeed)
	p.SetAllowFlight(st.allowFlight)
	p.SetFlying(st.flying)
	p.SetInvulnerable(false)
}

// ---------------- shared-spawn block checks ----------------

func (f *Finalizer) looksLikeSpawnBlock(w game.World, pending record.PendingTeleport) bool {
	_, found := w.SpawnBlockNear(pending.X, pending.Y, pending.Z)
	return found
}

// classifySpawnBlock re-checks the destination block. An anchor with no
// charges left counts as gone.
func (f *Finalizer) classifySpawnBlock(w game.World, pending record.PendingTeleport) game.SpawnBlockKind {
	b, found := w.SpawnBlockNear(pending.X, pending.Y, pending.Z)
	if !found {
		return game.SpawnBlockNone
	}
	if b.Kind == game.SpawnBlockAnchor && b.Charges <= 0 {
		return game.SpawnBlockNone
	}
	return b.Kind
}

func (f *Finalizer) consumeAnchorCharge(p game.Player, w game.World, pending record.PendingTeleport) {
	b, found := w.SpawnBlockNear(pending.X, pending.Y, pending.Z)
	if !found || b.Kind != game.SpawnBlockAnchor {
		return
	}
	remaining, ok := w.ConsumeAnchorCharge(b)
	if !ok || remaining <= 0 {
		f.deleteKeyAsync(f.keys.Spawn(p.ID()))
	}
}

// ---------------- store helpers ----------------

func (f *Finalizer) deleteKeyAsync(key string) {
	f.sched.RunAsync(func() {
		if !f.st.Running() {
			return
		}
		if err := f.st.Del(context.Background(), key); err != nil {
			f.log.Debug("delete failed", zap.String("key", key), zap.Error(err))
		}
	})
}

// bumpOrDeletePending increments the retry counter, deleting the record once
// the budget is spent so a broken destination cannot loop forever.
func (f *Finalizer) bumpOrDeletePending(pendingKey string, pending record.PendingTeleport) {
	cfg := f.cfg.Get()
	max := cfg.RTP.PendingMaxFinalizeTries
	next := maxInt(0, pending.Attempts) + 1
	ttl := time.Duration(cfg.RTP.RequestTTLSeconds) * time.Second

	f.sched.RunAsync(func() {
		if !f.st.Running() {
			return
		}
		ctx := context.Background()
		if next >= max {
			if err := f.st.Del(ctx, pendingKey); err != nil {
				f.log.Debug("pending delete failed", zap.String("key", pendingKey), zap.Error(err))
			}
			return
		}
		bumped := pending
		bumped.Attempts = next
		if err := store.PutRecord(ctx, f.st, pendingKey, bumped, ttl); err != nil {
			f.log.Debug("pending bump failed", zap.String("key", pendingKey), zap.Error(err))
		}
	})
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampF32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
