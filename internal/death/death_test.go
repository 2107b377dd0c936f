package death

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chumbucket/crossrtp/internal/config"
	"github.com/chumbucket/crossrtp/internal/game"
	"github.com/chumbucket/crossrtp/internal/game/gametest"
	"github.com/chumbucket/crossrtp/internal/msg"
	"github.com/chumbucket/crossrtp/internal/msg/msgtest"
	"github.com/chumbucket/crossrtp/internal/record"
	"github.com/chumbucket/crossrtp/internal/rtp"
	"github.com/chumbucket/crossrtp/internal/store"
	"github.com/chumbucket/crossrtp/internal/store/storetest"
)

type fixedFinder struct{ loc *game.Location }

func (f fixedFinder) FindSafeAsync(world string, done func(*game.Location)) {
	if f.loc == nil {
		done(nil)
		return
	}
	l := *f.loc
	l.World = world
	done(&l)
}

type fakeConnector struct {
	ok      bool
	servers []string
}

func (c *fakeConnector) Connect(p game.Player, server string) bool {
	if !c.ok {
		return false
	}
	c.servers = append(c.servers, server)
	return true
}

type fixture struct {
	cfg    *config.Provider
	host   *gametest.Host
	sched  *gametest.Scheduler
	st     *storetest.Fake
	keys   store.Keys
	notify *msgtest.Recorder
	conn   *fakeConnector
	svc    *rtp.Service
	pipe   *Pipeline
	p      *gametest.Player
}

func newFixture(mutate func(*config.Config)) *fixture {
	cfg := config.Default()
	cfg.ServerName = "alpha"
	cfg.RTP.CooldownSeconds = 0
	cfg.RTP.CountdownSeconds = 0
	cfg.RTP.FallbackEnabledServers = []string{"beta"}
	cfg.RTP.Servers = map[string]config.ServerRTP{
		"alpha": {Enabled: true, DefaultWorld: "world", Worlds: map[string]config.WorldRTP{"world": {Enabled: true}}},
		"beta":  {Enabled: true, DefaultWorld: "world", Worlds: map[string]config.WorldRTP{"world": {Enabled: true}}},
	}
	if mutate != nil {
		mutate(cfg)
	}

	fx := &fixture{
		cfg:    config.NewProvider(cfg),
		host:   gametest.NewHost(),
		sched:  gametest.NewScheduler(),
		st:     storetest.New(),
		keys:   store.NewKeys("test"),
		notify: msgtest.NewRecorder(),
		conn:   &fakeConnector{ok: true},
	}
	fx.host.AddWorld(gametest.NewWorld("world"))

	fx.p = gametest.NewPlayer(uuid.New(), "Steve")
	fx.p.Loc = game.Location{World: "world", X: 0.5, Y: 65, Z: 0.5}
	fx.p.Perms[PermRTP] = true
	fx.host.AddPlayer(fx.p)

	finder := fixedFinder{loc: &game.Location{X: 500.5, Y: 65, Z: -120.5}}
	fx.svc = rtp.NewService(zap.NewNop(), fx.cfg, fx.host, fx.sched, fx.st, fx.keys, finder, fx.notify, fx.conn)
	fx.pipe = NewPipeline(zap.NewNop(), fx.cfg, fx.host, fx.sched, fx.st, fx.keys, fx.svc, fx.conn)
	return fx
}

func respawnEvent(p game.Player) *game.RespawnEvent {
	return game.NewRespawnEvent(p, nil, false, false)
}

func TestLocalPlanRedirectsRespawn(t *testing.T) {
	fx := newFixture(func(c *config.Config) { c.Spawning.RandomTeleportOnDie = true })

	fx.pipe.OnDeath(fx.p)
	require.Equal(t, 1, fx.pipe.PlanCount())

	e := respawnEvent(fx.p)
	fx.pipe.OnRespawn(e)

	require.True(t, e.Redirected())
	loc := e.RespawnLocation()
	require.NotNil(t, loc)
	require.Equal(t, "world", loc.World)
	require.Equal(t, 500.5, loc.X)
	require.Zero(t, fx.pipe.PlanCount(), "plan consumed")
}

func TestBedRespawnWins(t *testing.T) {
	fx := newFixture(func(c *config.Config) { c.Spawning.RandomTeleportOnDie = true })

	fx.pipe.OnDeath(fx.p)
	e := game.NewRespawnEvent(fx.p, &game.Location{World: "world", X: 9.5, Y: 65, Z: 9.5}, true, false)
	fx.pipe.OnRespawn(e)

	require.False(t, e.Redirected())
	require.Zero(t, fx.pipe.PlanCount())
}

func TestAlwaysSpawnAtSpawnDisablesRouting(t *testing.T) {
	fx := newFixture(func(c *config.Config) {
		c.Spawning.RandomTeleportOnDie = true
		c.Spawning.AlwaysSpawnAtSpawn = true
	})

	fx.pipe.OnDeath(fx.p)
	e := respawnEvent(fx.p)
	fx.pipe.OnRespawn(e)

	require.False(t, e.Redirected())
}

func TestNoPermissionNoRouting(t *testing.T) {
	fx := newFixture(func(c *config.Config) { c.Spawning.RandomTeleportOnDie = true })
	fx.p.Perms[PermRTP] = false

	fx.pipe.OnDeath(fx.p)
	require.Zero(t, fx.pipe.PlanCount())

	e := respawnEvent(fx.p)
	fx.pipe.OnRespawn(e)
	require.False(t, e.Redirected())
}

func TestWarmCacheRedirectsWithoutPlan(t *testing.T) {
	fx := newFixture(func(c *config.Config) { c.Spawning.RandomTeleportOnDie = true })

	// A death warms the per-world cache; the plan itself dies with the quit.
	fx.pipe.OnDeath(fx.p)
	fx.pipe.OnQuit(fx.p.PID)
	require.Zero(t, fx.pipe.PlanCount())

	e := respawnEvent(fx.p)
	fx.pipe.OnRespawn(e)

	require.True(t, e.Redirected())
	require.Equal(t, 500.5, e.RespawnLocation().X)
}

func TestFallbackRunsLocalRTPAfterRespawn(t *testing.T) {
	fx := newFixture(func(c *config.Config) { c.Spawning.RandomTeleportOnDie = true })

	// No death-time plan at all.
	e := respawnEvent(fx.p)
	fx.pipe.OnRespawn(e)
	require.False(t, e.Redirected())

	fx.sched.Advance(3)
	require.Len(t, fx.p.Teleports, 1)
	require.Contains(t, fx.notify.Keys(), msg.KeySearchingLocal)
}

func TestRemotePlanSwitchesAfterRespawn(t *testing.T) {
	fx := newFixture(func(c *config.Config) {
		c.Spawning.RandomTeleportOnDie = true
		// Local server cannot serve RTP, so the plan goes to the fallback.
		c.RTP.Servers["alpha"] = config.ServerRTP{Enabled: false}
	})

	fx.st.Subscribe(fx.keys.ComputeChannel(), func(_, payload string) {
		req, err := record.Decode[record.ComputeRequest](payload)
		require.NoError(t, err)
		resp := record.ComputeResponse{
			RequestID: req.RequestID, OK: true,
			Server: req.TargetServer, World: req.World,
			X: 900.5, Y: 71, Z: 33.5,
		}
		raw, err := record.Encode(resp)
		require.NoError(t, err)
		require.NoError(t, fx.st.SetEx(context.Background(), fx.keys.Resp(req.RequestID), raw, time.Minute))
	})

	fx.pipe.OnDeath(fx.p)
	require.Equal(t, 1, fx.pipe.PlanCount())
	fx.sched.Advance(2) // poll picks up the response and pre-writes pending

	pending, err := store.GetRecord[record.PendingTeleport](context.Background(), fx.st, zap.NewNop(), fx.keys.Pending(fx.p.PID))
	require.NoError(t, err)
	require.Equal(t, "beta", pending.Server)
	require.Equal(t, 900.5, pending.X)

	e := respawnEvent(fx.p)
	fx.pipe.OnRespawn(e)
	require.False(t, e.Redirected(), "remote plans switch servers instead of overriding the location")
	require.NotEmpty(t, fx.p.Effects, "spawn flash is masked while the switch is in flight")

	fx.sched.Advance(3)
	require.Equal(t, []string{"beta"}, fx.conn.servers)
	require.True(t, fx.st.Has(fx.keys.Pending(fx.p.PID)))
}

func TestSharedSpawnLocalRedirect(t *testing.T) {
	fx := newFixture(func(c *config.Config) { c.Spawning.CrossServerRespawn = true })
	w, _ := fx.host.WorldByName("world")
	w.(*gametest.World).Spawns = []game.SpawnBlock{{Kind: game.SpawnBlockBed, X: 40, Y: 64, Z: 40}}

	sp := record.NewSpawnPoint(record.SpawnTypeBed, "alpha", "world",
		game.Location{World: "world", X: 40.5, Y: 64, Z: 40.5}, 0)
	require.NoError(t, store.PutRecord(context.Background(), fx.st, fx.keys.Spawn(fx.p.PID), sp, time.Hour))

	fx.pipe.OnDeath(fx.p) // caches the spawn record
	e := respawnEvent(fx.p)
	fx.pipe.OnRespawn(e)

	require.True(t, e.Redirected())
	require.Equal(t, 40.5, e.RespawnLocation().X)
	require.Equal(t, "world", e.RespawnLocation().World)
}

func TestSharedSpawnRemoteSwitch(t *testing.T) {
	fx := newFixture(func(c *config.Config) { c.Spawning.CrossServerRespawn = true })

	sp := record.NewSpawnPoint(record.SpawnTypeBed, "beta", "world",
		game.Location{World: "world", X: 40.5, Y: 64, Z: 40.5}, 0)
	require.NoError(t, store.PutRecord(context.Background(), fx.st, fx.keys.Spawn(fx.p.PID), sp, time.Hour))

	fx.pipe.OnDeath(fx.p)
	e := respawnEvent(fx.p)
	fx.pipe.OnRespawn(e)

	require.False(t, e.Redirected())
	require.NotEmpty(t, fx.p.Effects)

	fx.sched.Advance(2)
	require.Equal(t, []string{"beta"}, fx.conn.servers)

	pending, err := store.GetRecord[record.PendingTeleport](context.Background(), fx.st, zap.NewNop(), fx.keys.Pending(fx.p.PID))
	require.NoError(t, err)
	require.Equal(t, "beta", pending.Server)
	require.Equal(t, 40.5, pending.X)
}

func TestSharedSpawnRemoteUntypedNeedsBothToggles(t *testing.T) {
	fx := newFixture(func(c *config.Config) {
		c.Spawning.CrossServerRespawn = true
		c.Spawning.RespectAnchorSpawn = false
	})

	// An untyped legacy record cannot be verified, so one disabled toggle
	// blocks the route.
	sp := record.SpawnPoint{Type: record.SpawnTypeUnknown, Server: "beta", World: "world", X: 40.5, Y: 64, Z: 40.5, AtMs: time.Now().UnixMilli()}
	require.NoError(t, store.PutRecord(context.Background(), fx.st, fx.keys.Spawn(fx.p.PID), sp, time.Hour))

	fx.pipe.OnDeath(fx.p)
	e := respawnEvent(fx.p)
	fx.pipe.OnRespawn(e)

	require.False(t, e.Redirected())
	fx.sched.Advance(2)
	require.Empty(t, fx.conn.servers)
}

func TestSharedSpawnLocalGoneClearsRecord(t *testing.T) {
	fx := newFixture(func(c *config.Config) { c.Spawning.CrossServerRespawn = true })

	// Record points at a bed that no longer exists in the world.
	sp := record.NewSpawnPoint(record.SpawnTypeBed, "alpha", "world",
		game.Location{World: "world", X: 40.5, Y: 64, Z: 40.5}, 0)
	require.NoError(t, store.PutRecord(context.Background(), fx.st, fx.keys.Spawn(fx.p.PID), sp, time.Hour))

	fx.pipe.OnDeath(fx.p)
	e := respawnEvent(fx.p)
	fx.pipe.OnRespawn(e)

	require.False(t, e.Redirected())
	require.False(t, fx.st.Has(fx.keys.Spawn(fx.p.PID)), "dangling spawn record cleared")
}

// slowReadStore stalls Get past the poll interval so timer fires overlap,
// recording the highest number of concurrent reads observed.
type slowReadStore struct {
	*storetest.Fake
	delay time.Duration

	reading atomic.Int32
	maxSeen atomic.Int32
}

func (s *slowReadStore) Get(ctx context.Context, key string) (string, error) {
	cur := s.reading.Add(1)
	defer s.reading.Add(-1)
	for {
		max := s.maxSeen.Load()
		if cur <= max || s.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(s.delay)
	return s.Fake.Get(ctx, key)
}

func TestPollResponseOverlappingPollsDeliverOnce(t *testing.T) {
	st := &slowReadStore{Fake: storetest.New(), delay: 180 * time.Millisecond}
	keys := store.NewKeys("test")

	cfg := config.Default()
	cfg.ServerName = "alpha"
	cfg.RTP.ResponsePollIntervalTicks = 1
	provider := config.NewProvider(cfg)

	// The production scheduler runs every async fire on its own goroutine,
	// unlike the test scheduler's inline dispatch.
	sched := game.NewTickScheduler(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sched.Serve(ctx) }()

	host := gametest.NewHost()
	svc := rtp.NewService(zap.NewNop(), provider, host, sched, st, keys, fixedFinder{}, msgtest.NewRecorder(), &fakeConnector{ok: true})
	pipe := NewPipeline(zap.NewNop(), provider, host, sched, st, keys, svc, &fakeConnector{ok: true})

	resp := record.ComputeResponse{RequestID: "req-1", OK: true, Server: "beta", World: "world", X: 900.5}
	raw, err := record.Encode(resp)
	require.NoError(t, err)
	require.NoError(t, st.SetEx(ctx, keys.Resp("req-1"), raw, time.Minute))

	var calls atomic.Int32
	delivered := make(chan *record.ComputeResponse, 4)
	pipe.pollResponse("req-1", 10*time.Second, func(r *record.ComputeResponse) {
		calls.Add(1)
		delivered <- r
	})

	select {
	case r := <-delivered:
		require.NotNil(t, r)
		require.Equal(t, "req-1", r.RequestID)
	case <-time.After(5 * time.Second):
		t.Fatal("response was never delivered")
	}

	// Give trailing fires time to land: none may overlap a read or deliver
	// a second result.
	time.Sleep(400 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, int32(1), st.maxSeen.Load())
	require.False(t, st.Has(keys.Resp("req-1")))
}

func TestQuitDropsPlans(t *testing.T) {
	fx := newFixture(func(c *config.Config) { c.Spawning.RandomTeleportOnDie = true })

	fx.pipe.OnDeath(fx.p)
	require.Equal(t, 1, fx.pipe.PlanCount())
	fx.pipe.OnQuit(fx.p.PID)
	require.Zero(t, fx.pipe.PlanCount())
}
