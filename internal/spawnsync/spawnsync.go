// Package spawnsync mirrors bed and respawn-anchor spawn points into the
// store so any server in the network can route a respawn back to them.
package spawnsync

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chumbucket/crossrtp/internal/config"
	"github.com/chumbucket/crossrtp/internal/game"
	"github.com/chumbucket/crossrtp/internal/record"
	"github.com/chumbucket/crossrtp/internal/store"
)

// spawnTTL keeps a record alive for a month of inactivity.
const spawnTTL = 30 * 24 * time.Hour

// Clear-on-break match tolerance. Wider than the routing tolerance since the
// broken block and the stored point can sit a block apart.
const (
	matchXZ = 1.25
	matchY  = 2.25
)

// Syncer writes and clears shared spawn records.
type Syncer struct {
	log   *zap.Logger
	cfg   *config.Provider
	host  game.Host
	sched game.Scheduler
	st    store.Store
	keys  store.Keys
}

func New(log *zap.Logger, cfg *config.Provider, host game.Host, sched game.Scheduler, st store.Store, keys store.Keys) *Syncer {
	return &Syncer{
		log:   log.Named("spawnsync"),
		cfg:   cfg,
		host:  host,
		sched: sched,
		st:    st,
		keys:  keys,
	}
}

func (s *Syncer) enabled() bool {
	return s.cfg.Get().Spawning.CrossServerRespawn && s.st.Running()
}

func (s *Syncer) respectBed() bool    { return s.cfg.Get().Spawning.RespectBedSpawn }
func (s *Syncer) respectAnchor() bool { return s.cfg.Get().Spawning.RespectAnchorSpawn }

// OnBedEnter records the bed as the player's shared spawn once the enter
// succeeds. Game thread; block coordinates are the bed's cell.
func (s *Syncer) OnBedEnter(p game.Player, worldName string, bx, by, bz int) {
	if p == nil || !s.enabled() || !s.respectBed() {
		return
	}
	id := p.ID()
	x := float64(bx) + 0.5
	y := float64(by)
	z := float64(bz) + 0.5

	// Re-check next tick: the enter can still be voided this tick.
	s.sched.Run(func() {
		if !s.enabled() || !s.respectBed() {
			return
		}
		live, ok := s.host.PlayerByID(id)
		if !ok || !live.Online() {
			return
		}
		loc := live.Location()
		s.writeSpawn(id, record.SpawnTypeBed, worldName, x, y, z, loc.Yaw, loc.Pitch)
	})
}

// OnAnchorUse re-reads the anchor a tick after the interaction, syncing the
// record to the charge state: charged writes, empty or removed clears.
func (s *Syncer) OnAnchorUse(p game.Player, worldName string, ax, ay, az int) {
	if p == nil || !s.enabled() || !s.respectAnchor() {
		return
	}
	id := p.ID()
	// Spawn point sits on top of the anchor block.
	sx := float64(ax) + 0.5
	sy := float64(ay) + 1.0
	sz := float64(az) + 0.5

	s.sched.Run(func() {
		if !s.enabled() || !s.respectAnchor() {
			return
		}
		live, ok := s.host.PlayerByID(id)
		if !ok || !live.Online() {
			return
		}
		w, wok := s.host.WorldByName(worldName)
		if !wok {
			return
		}

		b, found := w.SpawnBlockNear(sx, sy, sz)
		if !found || b.Kind != game.SpawnBlockAnchor || b.Charges <= 0 {
			s.clearIfMatches(id, worldName, sx, sy, sz)
			return
		}

		loc := live.Location()
		s.writeSpawn(id, record.SpawnTypeAnchor, worldName, sx, sy, sz, loc.Yaw, loc.Pitch)
	})
}

// OnSpawnBlockBreak clears the player's record when they break their own
// bed or anchor. Game thread.
func (s *Syncer) OnSpawnBlockBreak(p game.Player, worldName string, b game.SpawnBlock) {
	if p == nil || !s.enabled() {
		return
	}
	switch b.Kind {
	case game.SpawnBlockBed:
		if !s.respectBed() {
			return
		}
	case game.SpawnBlockAnchor:
		if !s.respectAnchor() {
			return
		}
	default:
		return
	}

	x := float64(b.X) + 0.5
	y := float64(b.Y)
	z := float64(b.Z) + 0.5
	if b.Kind == game.SpawnBlockAnchor {
		y += 1.0
	}
	s.clearIfMatches(p.ID(), worldName, x, y, z)
}

// OnRespawn is the catch-all: whenever the host actually respawns the player
// at a bed or anchor, the record is refreshed, and an anchor that just burned
// its last charge is cleared.
func (s *Syncer) OnRespawn(e *game.RespawnEvent) {
	if e == nil || e.Player == nil || !s.enabled() {
		return
	}
	if !e.BedSpawn && !e.AnchorSpawn {
		return
	}
	if e.BedSpawn && !s.respectBed() {
		return
	}
	if e.AnchorSpawn && !s.respectAnchor() {
		return
	}

	loc := e.RespawnLocation()
	if loc == nil || strings.TrimSpace(loc.World) == "" {
		return
	}
	p := e.Player
	id := p.ID()

	typ := record.SpawnTypeBed
	if e.AnchorSpawn {
		typ = record.SpawnTypeAnchor
	}
	s.writeSpawn(id, typ, loc.World, loc.X, loc.Y, loc.Z, loc.Yaw, loc.Pitch)

	if !e.AnchorSpawn {
		return
	}

	// This respawn consumed a charge; if the anchor is now empty the record
	// is dead.
	worldName := loc.World
	rx, ry, rz := loc.X, loc.Y, loc.Z
	s.sched.Run(func() {
		if !s.enabled() || !s.respectAnchor() {
			return
		}
		live, ok := s.host.PlayerByID(id)
		if !ok || !live.Online() {
			return
		}
		w, wok := s.host.WorldByName(worldName)
		if !wok {
			return
		}
		b, found := w.SpawnBlockNear(rx, ry, rz)
		if !found || b.Kind != game.SpawnBlockAnchor {
			return
		}
		if b.Charges <= 0 {
			s.clearIfMatches(id, worldName, float64(b.X)+0.5, float64(b.Y)+1.0, float64(b.Z)+0.5)
		}
	})
}

// ---------------- store writes ----------------

func (s *Syncer) writeSpawn(id game.PlayerID, typ, worldName string, x, y, z float64, yaw, pitch float32) {
	if strings.TrimSpace(worldName) == "" {
		return
	}
	server := s.cfg.Get().ServerName
	loc := game.Location{World: worldName, X: x, Y: y, Z: z, Yaw: yaw, Pitch: pitch}
	sp := record.NewSpawnPoint(typ, server, worldName, loc, 0)
	key := s.keys.Spawn(id)

	s.sched.RunAsync(func() {
		if !s.enabled() {
			return
		}
		if err := store.PutRecord(context.Background(), s.st, key, sp, spawnTTL); err != nil {
			s.log.Warn("spawn write failed", zap.Stringer("player", id), zap.Error(err))
		}
	})
}

// clearIfMatches deletes the record only when this server wrote it and the
// stored point sits at the given coordinates. A record owned by another
// server is left alone.
func (s *Syncer) clearIfMatches(id game.PlayerID, worldName string, x, y, z float64) {
	if strings.TrimSpace(worldName) == "" {
		return
	}
	localServer := s.cfg.Get().ServerName
	key := s.keys.Spawn(id)

	s.sched.RunAsync(func() {
		if !s.enabled() {
			return
		}
		ctx := context.Background()
		sp, err := store.GetRecord[record.SpawnPoint](ctx, s.st, s.log, key)
		if err != nil {
			return
		}
		if !strings.EqualFold(localServer, sp.Server) || !strings.EqualFold(worldName, sp.World) {
			return
		}
		if math.Abs(sp.X-x) <= matchXZ && math.Abs(sp.Z-z) <= matchXZ && math.Abs(sp.Y-y) <= matchY {
			if derr := s.st.Del(ctx, key); derr != nil {
				s.log.Debug("spawn clear failed", zap.String("key", key), zap.Error(derr))
			}
		}
	})
}
