// Package death prepares respawn destinations at death time so the respawn
// event itself never waits on the store: local plans land as a respawn
// location override, remote plans pre-write the pending record and switch
// the player right after respawn.
package death

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chumbucket/crossrtp/internal/config"
	"github.com/chumbucket/crossrtp/internal/game"
	"github.com/chumbucket/crossrtp/internal/proxy"
	"github.com/chumbucket/crossrtp/internal/record"
	"github.com/chumbucket/crossrtp/internal/rtp"
	"github.com/chumbucket/crossrtp/internal/store"
)

// PermRTP gates the whole death-routing feature per player.
const PermRTP = "crossrtp.rtp"

const (
	planTTL             = 15 * time.Second
	safeCacheTTL        = 45 * time.Second
	sharedSpawnCacheTTL = 20 * time.Second
)

const (
	// remoteAwait bounds how long respawn waits for the death-time compute.
	remoteAwaitMaxTicks  = 40
	remoteAwaitPollTicks = 2

	// remoteSwitchFallbackTicks cleans up if the proxy never moved us.
	remoteSwitchFallbackTicks = 30

	// respawnMaskTicks hides the spawn flash while a switch is in flight.
	respawnMaskTicks = 30
)

type planKind int

const (
	planLocal planKind = iota
	planRemote
)

// pendingFuture carries the death-time remote compute result to the respawn
// handler. complete is one-shot.
type pendingFuture struct {
	mu      sync.Mutex
	settled bool
	pending *record.PendingTeleport
}

func (f *pendingFuture) complete(p *record.PendingTeleport) {
	f.mu.Lock()
	if !f.settled {
		f.settled = true
		f.pending = p
	}
	f.mu.Unlock()
}

func (f *pendingFuture) get() (*record.PendingTeleport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, f.settled
}

type deathPlan struct {
	kind        planKind
	targetWorld string
	localLoc    *game.Location
	remote      *pendingFuture
	createdAt   time.Time
}

type cachedSafe struct {
	loc game.Location
	at  time.Time
}

type cachedSpawn struct {
	sp record.SpawnPoint
	at time.Time
}

// Pipeline is the death/respawn router.
type Pipeline struct {
	log     *zap.Logger
	cfg     *config.Provider
	host    game.Host
	sched   game.Scheduler
	st      store.Store
	keys    store.Keys
	rtp     *rtp.Service
	connect proxy.Connector
	rnd     *rand.Rand

	mu           sync.Mutex
	lastDeathEnv map[game.PlayerID]game.Environment
	plans        map[game.PlayerID]*deathPlan
	safeCache    map[string]cachedSafe
	spawnCache   map[game.PlayerID]cachedSpawn
	refreshing   map[string]bool
}

func NewPipeline(log *zap.Logger, cfg *config.Provider, host game.Host, sched game.Scheduler, st store.Store, keys store.Keys, svc *rtp.Service, connect proxy.Connector) *Pipeline {
	return &Pipeline{
		log:          log.Named("death"),
		cfg:          cfg,
		host:         host,
		sched:        sched,
		st:           st,
		keys:         keys,
		rtp:          svc,
		connect:      connect,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
		lastDeathEnv: map[game.PlayerID]game.Environment{},
		plans:        map[game.PlayerID]*deathPlan{},
		safeCache:    map[string]cachedSafe{},
		spawnCache:   map[game.PlayerID]cachedSpawn{},
		refreshing:   map[string]bool{},
	}
}

// PlanCount reports live death plans, for diagnostics.
func (d *Pipeline) PlanCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.plans)
}

// ---------------- events ----------------

// OnDeath snapshots routing inputs and precomputes the destination. Game
// thread.
func (d *Pipeline) OnDeath(p game.Player) {
	if p == nil {
		return
	}
	id := p.ID()

	d.mu.Lock()
	delete(d.plans, id)
	d.mu.Unlock()

	if !p.HasPermission(PermRTP) {
		d.cleanup(id)
		return
	}

	w, ok := d.host.WorldByName(p.Location().World)
	if ok {
		d.mu.Lock()
		d.lastDeathEnv[id] = w.Environment()
		d.mu.Unlock()
	}

	sp := d.cfg.Get().Spawning
	if sp.CrossServerRespawn && d.st.Running() {
		d.cacheSharedSpawn(id)
	} else {
		d.mu.Lock()
		delete(d.spawnCache, id)
		d.mu.Unlock()
	}

	if sp.RandomTeleportOnDie {
		d.prepareDeathPlan(p, w)
	}
}

// OnRespawn routes the respawn. Runs on the game thread inside the respawn
// event; it must not block, so it only consults death-time state.
func (d *Pipeline) OnRespawn(e *game.RespawnEvent) {
	p := e.Player
	if p == nil {
		return
	}
	id := p.ID()

	if !p.HasPermission(PermRTP) {
		d.cleanup(id)
		return
	}

	sp := d.cfg.Get().Spawning
	if sp.AlwaysSpawnAtSpawn {
		d.cleanup(id)
		return
	}

	// A local vanilla bed/anchor respawn wins when its toggle says so.
	if (e.BedSpawn && sp.RespectBedSpawn) || (e.AnchorSpawn && sp.RespectAnchorSpawn) {
		d.cleanup(id)
		return
	}

	if sp.CrossServerRespawn && d.st.Running() {
		if d.tryRouteToSharedSpawn(e, p) {
			d.cleanup(id)
			return
		}
	} else {
		d.mu.Lock()
		delete(d.spawnCache, id)
		d.mu.Unlock()
	}

	if !sp.RandomTeleportOnDie {
		d.cleanup(id)
		return
	}

	// Death-time plan, if fresh.
	d.mu.Lock()
	plan := d.plans[id]
	d.mu.Unlock()

	if plan != nil && time.Since(plan.createdAt) <= planTTL {
		if plan.kind == planLocal && plan.localLoc != nil {
			if w, ok := d.host.WorldByName(plan.localLoc.World); ok {
				e.SetRespawnLocation(clampToWorld(*plan.localLoc, w))
				d.refreshCache(plan.targetWorld)
				d.cleanup(id)
				return
			}
		}
		if plan.kind == planRemote && plan.remote != nil {
			d.applyRespawnMask(p)
			if _, done := plan.remote.get(); done {
				d.sched.Run(func() {
					if p.Online() {
						d.switchIfReady(p, id, plan)
					}
				})
			} else {
				d.awaitThenSwitch(p, id, plan)
			}
			return
		}
	}

	// Warm cache fallback, still seamless.
	respawnWorld := p.Location().World
	if loc := e.RespawnLocation(); loc != nil && loc.World != "" {
		respawnWorld = loc.World
	}
	if respawnWorld != "" {
		d.mu.Lock()
		cached, ok := d.safeCache[respawnWorld]
		d.mu.Unlock()
		if ok && time.Since(cached.at) <= safeCacheTTL {
			if w, wok := d.host.WorldByName(respawnWorld); wok {
				e.SetRespawnLocation(clampToWorld(cached.loc, w))
				d.refreshCache(respawnWorld)
				d.cleanup(id)
				return
			}
		}
	}

	// Last resort: local-only RTP after the respawn lands. Remote compute
	// here would reintroduce the spawn-then-wait feel, so it never happens.
	d.mu.Lock()
	env, hadEnv := d.lastDeathEnv[id]
	d.mu.Unlock()
	if !hadEnv {
		env = game.EnvNormal
	}
	forceOverworld := env == game.EnvNether || env == game.EnvEnd

	cfg := d.cfg.Get()
	localServer := cfg.ServerName

	worldName := ""
	if loc := e.RespawnLocation(); loc != nil {
		worldName = loc.World
	}

	var chosenWorld string
	if !forceOverworld && worldName != "" && d.worldEnabledOn(localServer, worldName) {
		chosenWorld = worldName
	} else {
		if !d.overworldEnabledOn(localServer) {
			d.cleanup(id)
			return
		}
		chosenWorld = d.resolveOverworld(localServer)
		if chosenWorld == "" {
			d.cleanup(id)
			return
		}
	}

	targetWorld := chosenWorld
	d.sched.Run(func() {
		if p.Online() {
			d.rtp.Start(p, p, localServer, targetWorld, true)
		}
	})
	d.cleanup(id)
}

// OnQuit drops per-player state.
func (d *Pipeline) OnQuit(id game.PlayerID) { d.cleanup(id) }

func (d *Pipeline) cleanup(id game.PlayerID) {
	d.mu.Lock()
	delete(d.lastDeathEnv, id)
	delete(d.plans, id)
	delete(d.spawnCache, id)
	d.mu.Unlock()
}

// ---------------- remote await/switch ----------------

func (d *Pipeline) awaitThenSwitch(p game.Player, id game.PlayerID, plan *deathPlan) {
	startTick := d.sched.CurrentTick()
	var task game.Task
	task = d.sched.RunTimer(1, remoteAwaitPollTicks, func() {
		if !p.Online() {
			task.Cancel()
			d.cleanup(id)
			return
		}
		if d.sched.CurrentTick()-startTick >= remoteAwaitMaxTicks {
			task.Cancel()
			d.cleanup(id)
			return
		}
		if _, done := plan.remote.get(); done {
			task.Cancel()
			d.switchIfReady(p, id, plan)
		}
	})
}

func (d *Pipeline) switchIfReady(p game.Player, id game.PlayerID, plan *deathPlan) {
	pending, _ := plan.remote.get()
	if pending == nil || strings.TrimSpace(pending.Server) == "" {
		d.cleanup(id)
		return
	}

	pendingKey := d.keys.Pending(id)
	target := pending.Server

	d.sched.Run(func() {
		if !p.Online() {
			return
		}
		if !d.connect.Connect(p, target) {
			d.deleteKeyAsync(pendingKey)
			d.cleanup(id)
			return
		}

		// Still online here after the grace period means the proxy never
		// moved the player; the pending record must not linger.
		d.sched.RunLater(remoteSwitchFallbackTicks, func() {
			if !p.Online() {
				return
			}
			d.deleteKeyAsync(pendingKey)
			d.cleanup(id)
		})

		d.cleanup(id)
	})
}

func (d *Pipeline) applyRespawnMask(p game.Player) {
	p.AddEffect(game.Effect{Kind: game.EffectBlindness, DurationTicks: respawnMaskTicks})
	p.AddEffect(game.Effect{Kind: game.EffectInvisibility, DurationTicks: respawnMaskTicks})
}

// ---------------- preparation ----------------

func (d *Pipeline) prepareDeathPlan(p game.Player, deathWorld game.World) {
	id := p.ID()

	env := game.EnvNormal
	preferredWorld := ""
	if deathWorld != nil {
		env = deathWorld.Environment()
		preferredWorld = deathWorld.Name()
	}
	forceOverworld := env == game.EnvNether || env == game.EnvEnd

	cfg := d.cfg.Get()
	localServer := cfg.ServerName

	var chosenServer, chosenWorld string
	if !forceOverworld && preferredWorld != "" && d.worldEnabledOn(localServer, preferredWorld) {
		chosenServer, chosenWorld = localServer, preferredWorld
	} else {
		chosenServer = d.chooseServerForOverworld()
		if chosenServer == "" {
			return
		}
		chosenWorld = d.resolveOverworld(chosenServer)
		if chosenWorld == "" {
			return
		}
	}

	// Without the store a remote destination cannot be precomputed;
	// collapse to local if local is viable.
	if !d.st.Running() && !strings.EqualFold(localServer, chosenServer) {
		if !d.overworldEnabledOn(localServer) {
			return
		}
		chosenServer = localServer
		chosenWorld = d.resolveOverworld(localServer)
		if chosenWorld == "" {
			return
		}
	}

	if strings.EqualFold(localServer, chosenServer) {
		d.prepareLocalPlan(id, chosenWorld)
		return
	}
	d.prepareRemotePlan(id, chosenServer, chosenWorld)
}

func (d *Pipeline) prepareLocalPlan(id game.PlayerID, targetWorld string) {
	// A fresh cached location makes the plan immediately usable; the real
	// compute below refreshes both plan and cache.
	d.mu.Lock()
	cached, ok := d.safeCache[targetWorld]
	d.mu.Unlock()
	if ok && time.Since(cached.at) <= safeCacheTTL {
		if w, wok := d.host.WorldByName(targetWorld); wok {
			loc := clampToWorld(cached.loc, w)
			d.putPlan(id, &deathPlan{kind: planLocal, targetWorld: targetWorld, localLoc: &loc, createdAt: time.Now()})
		}
	}

	d.rtp.Finder().FindSafeAsync(targetWorld, func(loc *game.Location) {
		if loc == nil {
			return
		}
		w, wok := d.host.WorldByName(targetWorld)
		if !wok {
			return
		}
		clamped := clampToWorld(*loc, w)

		d.mu.Lock()
		d.safeCache[targetWorld] = cachedSafe{loc: clamped, at: time.Now()}
		d.mu.Unlock()
		d.putPlan(id, &deathPlan{kind: planLocal, targetWorld: targetWorld, localLoc: &clamped, createdAt: time.Now()})
	})
}

// prepareRemotePlan computes on the target server during the death screen
// and writes the pending record the moment the response lands.
func (d *Pipeline) prepareRemotePlan(id game.PlayerID, targetServer, targetWorld string) {
	if !d.st.Running() {
		return
	}

	fut := &pendingFuture{}
	d.putPlan(id, &deathPlan{kind: planRemote, targetWorld: targetWorld, remote: fut, createdAt: time.Now()})

	requestID := uuid.NewString()
	req := record.ComputeRequest{
		RequestID:    requestID,
		PlayerUUID:   id,
		TargetServer: targetServer,
		World:        targetWorld,
		CreatedAtMs:  time.Now().UnixMilli(),
	}
	ttl := time.Duration(d.cfg.Get().RTP.RequestTTLSeconds) * time.Second

	d.sched.RunAsync(func() {
		if !d.st.Running() {
			fut.complete(nil)
			return
		}
		raw, err := record.Encode(req)
		if err == nil {
			err = d.st.Publish(context.Background(), d.keys.ComputeChannel(), raw)
		}
		if err != nil {
			d.log.Warn("death plan publish failed", zap.String("server", targetServer), zap.Error(err))
			fut.complete(nil)
			return
		}

		d.pollResponse(requestID, ttl, func(resp *record.ComputeResponse) {
			if resp == nil || !resp.OK {
				fut.complete(nil)
				return
			}
			pending := record.PendingTeleport{
				Server: resp.Server,
				World:  resp.World,
				X:      resp.X,
				Y:      resp.Y,
				Z:      resp.Z,
				Yaw:    resp.Yaw,
				Pitch:  resp.Pitch,
				AtMs:   time.Now().UnixMilli(),
			}
			if err := store.PutRecord(context.Background(), d.st, d.keys.Pending(id), pending, ttl); err != nil {
				d.log.Warn("death plan pending write failed", zap.Stringer("player", id), zap.Error(err))
				fut.complete(nil)
				return
			}
			fut.complete(&pending)
		})
	})
}

// pollResponse polls the response key until it appears or the deadline
// passes, deleting the key once read. done runs at most once. Worker
// context: fires land on fresh worker goroutines, so the poller state is
// mutex-guarded and a fire that finds the previous read still in flight
// skips.
func (d *Pipeline) pollResponse(requestID string, ttl time.Duration, done func(*record.ComputeResponse)) {
	respKey := d.keys.Resp(requestID)
	deadline := time.Now().Add(ttl)
	interval := int64(d.cfg.Get().RTP.ResponsePollIntervalTicks)

	var (
		mu      sync.Mutex
		task    game.Task
		inRead  bool
		settled bool
	)
	settle := func(resp *record.ComputeResponse) {
		mu.Lock()
		if settled {
			mu.Unlock()
			return
		}
		settled = true
		t := task
		mu.Unlock()
		if t != nil {
			t.Cancel()
		}
		done(resp)
	}

	mu.Lock()
	task = d.sched.RunAsyncTimer(0, interval, func() {
		mu.Lock()
		if settled || inRead {
			mu.Unlock()
			return
		}
		inRead = true
		mu.Unlock()
		defer func() {
			mu.Lock()
			inRead = false
			mu.Unlock()
		}()

		if time.Now().After(deadline) || !d.st.Running() {
			settle(nil)
			return
		}
		ctx := context.Background()
		raw, err := d.st.Get(ctx, respKey)
		if err != nil || strings.TrimSpace(raw) == "" {
			return
		}
		resp, derr := record.Decode[record.ComputeResponse](raw)
		if derr != nil {
			d.log.Warn("purging undecodable compute response", zap.String("key", respKey), zap.Error(derr))
			_ = d.st.Del(ctx, respKey)
			return
		}
		_ = d.st.Del(ctx, respKey)
		settle(&resp)
	})
	mu.Unlock()
}

// refreshCache recomputes a world's warm cache entry, one refresh per world
// at a time.
func (d *Pipeline) refreshCache(worldName string) {
	if strings.TrimSpace(worldName) == "" {
		return
	}
	d.mu.Lock()
	if d.refreshing[worldName] {
		d.mu.Unlock()
		return
	}
	d.refreshing[worldName] = true
	d.mu.Unlock()

	d.rtp.Finder().FindSafeAsync(worldName, func(loc *game.Location) {
		d.mu.Lock()
		delete(d.refreshing, worldName)
		d.mu.Unlock()

		if loc == nil {
			return
		}
		w, ok := d.host.WorldByName(worldName)
		if !ok {
			return
		}
		clamped := clampToWorld(*loc, w)
		d.mu.Lock()
		d.safeCache[worldName] = cachedSafe{loc: clamped, at: time.Now()}
		d.mu.Unlock()
	})
}

func (d *Pipeline) putPlan(id game.PlayerID, plan *deathPlan) {
	d.mu.Lock()
	d.plans[id] = plan
	d.mu.Unlock()
}

// ---------------- shared spawn ----------------

// cacheSharedSpawn fetches the spawn record at death time so the respawn
// event can consult it without store I/O.
func (d *Pipeline) cacheSharedSpawn(id game.PlayerID) {
	d.sched.RunAsync(func() {
		if !d.st.Running() {
			return
		}
		sp, err := store.GetRecord[record.SpawnPoint](context.Background(), d.st, d.log, d.keys.Spawn(id))
		if err != nil || strings.TrimSpace(sp.Server) == "" || strings.TrimSpace(sp.World) == "" {
			d.mu.Lock()
			delete(d.spawnCache, id)
			d.mu.Unlock()
			return
		}
		d.mu.Lock()
		d.spawnCache[id] = cachedSpawn{sp: sp, at: time.Now()}
		d.mu.Unlock()
	})
}

// tryRouteToSharedSpawn routes to the recorded bed/anchor using the cache
// fetched at death. Remote routing without a typed record is only allowed
// when both respect toggles are on, since the type cannot be verified here;
// typed records honor their own toggle.
func (d *Pipeline) tryRouteToSharedSpawn(e *game.RespawnEvent, p game.Player) bool {
	id := p.ID()

	d.mu.Lock()
	cached, ok := d.spawnCache[id]
	if ok && time.Since(cached.at) > sharedSpawnCacheTTL {
		delete(d.spawnCache, id)
		ok = false
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	sp := cached.sp
	if strings.TrimSpace(sp.Server) == "" || strings.TrimSpace(sp.World) == "" {
		return false
	}

	cfg := d.cfg.Get()
	spawning := cfg.Spawning

	// Local shared spawn: override the respawn location in place.
	if strings.EqualFold(cfg.ServerName, sp.Server) {
		w, wok := d.host.WorldByName(sp.World)
		if !wok {
			return false
		}
		block, found := w.SpawnBlockNear(sp.X, sp.Y, sp.Z)
		if !found || (block.Kind == game.SpawnBlockAnchor && block.Charges <= 0) {
			d.deleteKeyAsync(d.keys.Spawn(id))
			return false
		}
		if block.Kind == game.SpawnBlockBed && !spawning.RespectBedSpawn {
			return false
		}
		if block.Kind == game.SpawnBlockAnchor && !spawning.RespectAnchorSpawn {
			return false
		}

		e.SetRespawnLocation(clampToWorld(sp.Location(), w))

		if block.Kind == game.SpawnBlockAnchor {
			remaining, cok := w.ConsumeAnchorCharge(block)
			if !cok || remaining <= 0 {
				d.deleteKeyAsync(d.keys.Spawn(id))
			}
		}
		return true
	}

	// Remote shared spawn.
	switch sp.Type {
	case record.SpawnTypeBed:
		if !spawning.RespectBedSpawn {
			return false
		}
	case record.SpawnTypeAnchor:
		if !spawning.RespectAnchorSpawn {
			return false
		}
	default:
		if !spawning.RespectBedSpawn || !spawning.RespectAnchorSpawn {
			return false
		}
	}
	if !d.st.Running() {
		return false
	}

	d.applyRespawnMask(p)

	pending := record.PendingTeleport{
		Server: sp.Server,
		World:  sp.World,
		X:      sp.X,
		Y:      sp.Y,
		Z:      sp.Z,
		Yaw:    sp.Yaw,
		Pitch:  sp.Pitch,
		AtMs:   time.Now().UnixMilli(),
	}
	pendingKey := d.keys.Pending(id)
	ttl := time.Duration(cfg.RTP.RequestTTLSeconds) * time.Second
	targetServer := sp.Server

	d.sched.RunAsync(func() {
		if !d.st.Running() {
			return
		}
		if err := store.PutRecord(context.Background(), d.st, pendingKey, pending, ttl); err != nil {
			d.log.Warn("shared spawn pending write failed", zap.Stringer("player", id), zap.Error(err))
			return
		}
		d.sched.Run(func() {
			if !p.Online() {
				return
			}
			if !d.connect.Connect(p, targetServer) {
				d.deleteKeyAsync(pendingKey)
			}
		})
	})

	return true
}

// ---------------- server/world selection ----------------

func (d *Pipeline) chooseServerForOverworld() string {
	cfg := d.cfg.Get()
	local := cfg.ServerName
	if d.overworldEnabledOn(local) {
		return local
	}
	if !d.st.Running() {
		return ""
	}

	var enabled []string
	for _, s := range cfg.RTP.FallbackEnabledServers {
		if d.overworldEnabledOn(s) {
			enabled = append(enabled, s)
		}
	}
	if len(enabled) == 0 {
		return ""
	}
	if cfg.RTP.FallbackMode == config.FallbackRandom {
		return enabled[d.rnd.Intn(len(enabled))]
	}
	return enabled[0]
}

func (d *Pipeline) overworldEnabledOn(server string) bool {
	if strings.TrimSpace(server) == "" {
		return false
	}
	rtpCfg := &d.cfg.Get().RTP
	srv, ok := rtpCfg.Server(server)
	if !ok || !srv.Enabled {
		return false
	}
	if strings.TrimSpace(srv.DefaultWorld) == "" {
		return false
	}
	return srv.WorldEnabled(srv.DefaultWorld)
}

func (d *Pipeline) worldEnabledOn(server, world string) bool {
	if strings.TrimSpace(server) == "" || strings.TrimSpace(world) == "" {
		return false
	}
	rtpCfg := &d.cfg.Get().RTP
	srv, ok := rtpCfg.Server(server)
	if !ok || !srv.Enabled {
		return false
	}
	return srv.WorldEnabled(world)
}

func (d *Pipeline) resolveOverworld(server string) string {
	rtpCfg := &d.cfg.Get().RTP
	srv, ok := rtpCfg.Server(server)
	if !ok {
		return ""
	}
	world := srv.DefaultWorld
	if strings.TrimSpace(world) == "" {
		return ""
	}
	if !srv.WorldEnabled(world) {
		return ""
	}
	return world
}

// ---------------- helpers ----------------

func (d *Pipeline) deleteKeyAsync(key string) {
	d.sched.RunAsync(func() {
		if !d.st.Running() {
			return
		}
		if err := d.st.Del(context.Background(), key); err != nil {
			d.log.Debug("delete failed", zap.String("key", key), zap.Error(err))
		}
	})
}

func clampToWorld(loc game.Location, w game.World) game.Location {
	minY := float64(w.MinHeight() + 1)
	maxY := float64(w.MaxHeight() - 2)
	if loc.Y < minY {
		loc.Y = minY
	}
	if loc.Y > maxY {
		loc.Y = maxY
	}
	if loc.Pitch < -90 {
		loc.Pitch = -90
	}
	if loc.Pitch > 90 {
		loc.Pitch = 90
	}
	loc.World = w.Name()
	return loc
}
