package rtp

import (
	"context"
	"errors"
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
	"github.com/chumbucket/crossrtp/internal/store"
	"github.com/chumbucket/crossrtp/internal/store/storetest"
)

// fixedFinder hands back one location, immediately, in whatever world was
// asked for.
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

// fakeConnector records switch requests and whether the pending record was
// already visible at connect time.
type fakeConnector struct {
	st         *storetest.Fake
	pendingKey string
	ok         bool

	servers        []string
	pendingPresent []bool
}

func (c *fakeConnector) Connect(p game.Player, server string) bool {
	c.servers = append(c.servers, server)
	if c.st != nil && c.pendingKey != "" {
		c.pendingPresent = append(c.pendingPresent, c.st.Has(c.pendingKey))
	}
	return c.ok
}

type svcFixture struct {
	cfg    *config.Provider
	sched  *gametest.Scheduler
	host   *gametest.Host
	st     *storetest.Fake
	keys   store.Keys
	notify *msgtest.Recorder
	conn   *fakeConnector
	svc    *Service
	p      *gametest.Player
}

func newSvcFixture(t *testing.T, mutate func(*config.Config)) *svcFixture {
	t.Helper()

	cfg := config.Default()
	cfg.ServerName = "alpha"
	cfg.RTP.CooldownSeconds = 0
	cfg.RTP.CountdownSeconds = 0
	cfg.RTP.Servers = map[string]config.ServerRTP{
		"alpha": {Enabled: true, DefaultWorld: "world", Worlds: map[string]config.WorldRTP{"world": {Enabled: true}}},
		"beta":  {Enabled: true, DefaultWorld: "world", Worlds: map[string]config.WorldRTP{"world": {Enabled: true}}},
	}
	if mutate != nil {
		mutate(cfg)
	}

	fx := &svcFixture{
		cfg:    config.NewProvider(cfg),
		sched:  gametest.NewScheduler(),
		host:   gametest.NewHost(),
		st:     storetest.New(),
		keys:   store.NewKeys("test"),
		notify: msgtest.NewRecorder(),
	}
	fx.host.AddWorld(gametest.NewWorld("world"))

	fx.p = gametest.NewPlayer(uuid.New(), "Steve")
	fx.p.Loc = game.Location{World: "world", X: 0.5, Y: 65, Z: 0.5}
	fx.host.AddPlayer(fx.p)

	fx.conn = &fakeConnector{st: fx.st, pendingKey: fx.keys.Pending(fx.p.PID), ok: true}

	finder := fixedFinder{loc: &game.Location{X: 100.5, Y: 65, Z: 200.5}}
	fx.svc = NewService(zap.NewNop(), fx.cfg, fx.host, fx.sched, fx.st, fx.keys, finder, fx.notify, fx.conn)
	return fx
}

// subscribeResponder answers compute requests on the fake store with a fixed
// successful response, returning the last request id seen.
func (fx *svcFixture) subscribeResponder(t *testing.T) *string {
	t.Helper()
	var reqID string
	fx.st.Subscribe(fx.keys.ComputeChannel(), func(_, payload string) {
		req, err := record.Decode[record.ComputeRequest](payload)
		require.NoError(t, err)
		reqID = req.RequestID
		resp := record.ComputeResponse{
			RequestID: req.RequestID, OK: true,
			Server: req.TargetServer, World: req.World,
			X: 300.5, Y: 70, Z: -40.5,
		}
		raw, err := record.Encode(resp)
		require.NoError(t, err)
		require.NoError(t, fx.st.SetEx(context.Background(), fx.keys.Resp(req.RequestID), raw, time.Minute))
	})
	return &reqID
}

func TestStartLocalTeleports(t *testing.T) {
	fx := newSvcFixture(t, nil)

	fx.svc.Start(fx.p, fx.p, "alpha", "world", false)
	fx.sched.Advance(2)

	require.Len(t, fx.p.Teleports, 1)
	require.Equal(t, "world", fx.p.Teleports[0].World)
	require.Equal(t, 100.5, fx.p.Teleports[0].X)
	require.Equal(t, []string{msg.KeySearchingLocal, msg.KeyTeleported}, fx.notify.Keys())
	require.Zero(t, fx.svc.ActiveAttempts())
}

func TestStartOfflineIgnored(t *testing.T) {
	fx := newSvcFixture(t, nil)
	fx.p.IsOnline = false

	fx.svc.Start(fx.p, fx.p, "alpha", "world", false)
	fx.sched.Advance(2)

	require.Zero(t, fx.svc.ActiveAttempts())
	require.Empty(t, fx.notify.Keys())
}

func TestStartNoSafeLocation(t *testing.T) {
	fx := newSvcFixture(t, nil)
	fx.svc.finder = fixedFinder{loc: nil}

	fx.svc.Start(fx.p, fx.p, "alpha", "world", false)
	fx.sched.Advance(2)

	require.Empty(t, fx.p.Teleports)
	require.Equal(t, []string{msg.KeySearchingLocal, msg.KeyNoSafeLocation}, fx.notify.Keys())
	require.Zero(t, fx.svc.ActiveAttempts())
}

func TestCountdownAnnouncesEachSecond(t *testing.T) {
	fx := newSvcFixture(t, func(c *config.Config) { c.RTP.CountdownSeconds = 2 })

	fx.svc.Start(fx.p, fx.p, "alpha", "world", false)
	fx.sched.Advance(45)

	require.Len(t, fx.p.Teleports, 1)
	sent := fx.notify.All()
	require.Equal(t, []string{
		msg.KeySearchingLocal,
		msg.KeyTeleportingIn, msg.KeyTeleportingIn,
		msg.KeyTeleported,
	}, fx.notify.Keys())
	require.Equal(t, map[string]string{"seconds": "2"}, sent[1].Placeholders)
	require.Equal(t, map[string]string{"seconds": "1"}, sent[2].Placeholders)
}

func TestCooldownRejectsWithoutRefreshing(t *testing.T) {
	fx := newSvcFixture(t, func(c *config.Config) { c.RTP.CooldownSeconds = 60 })
	key := fx.keys.Cooldown(fx.p.PID)
	require.NoError(t, fx.st.SetEx(context.Background(), key, "1", 30*time.Second))

	fx.svc.Start(fx.p, fx.p, "alpha", "world", false)
	fx.sched.Advance(2)

	require.Empty(t, fx.p.Teleports)
	sent := fx.notify.All()
	require.Equal(t, []string{msg.KeyCooldownActive}, fx.notify.Keys())
	require.Equal(t, map[string]string{"time": "30s"}, sent[0].Placeholders)

	ttl, err := fx.st.TTL(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, ttl, "a rejected attempt must not refresh the cooldown")
}

func TestCooldownSetOnPass(t *testing.T) {
	fx := newSvcFixture(t, func(c *config.Config) { c.RTP.CooldownSeconds = 60 })

	fx.svc.Start(fx.p, fx.p, "alpha", "world", false)
	fx.sched.Advance(2)

	require.Len(t, fx.p.Teleports, 1)
	ttl, err := fx.st.TTL(context.Background(), fx.keys.Cooldown(fx.p.PID))
	require.NoError(t, err)
	require.Equal(t, 60*time.Second, ttl)
}

func TestCooldownFailsOpenOnStoreTrouble(t *testing.T) {
	fx := newSvcFixture(t, func(c *config.Config) { c.RTP.CooldownSeconds = 60 })
	fx.st.Fail = errors.New("connection refused")

	fx.svc.Start(fx.p, fx.p, "alpha", "world", false)
	fx.sched.Advance(2)

	require.Len(t, fx.p.Teleports, 1, "a store outage must not block local RTP")
}

func TestCooldownBypassPermission(t *testing.T) {
	fx := newSvcFixture(t, func(c *config.Config) { c.RTP.CooldownSeconds = 60 })
	fx.p.Perms[PermCooldownBypass] = true

	fx.svc.Start(fx.p, fx.p, "alpha", "world", false)
	fx.sched.Advance(2)

	require.Len(t, fx.p.Teleports, 1)
	require.False(t, fx.st.Has(fx.keys.Cooldown(fx.p.PID)), "bypass must not burn the cooldown")
}

func TestMovementCancelsCountdown(t *testing.T) {
	fx := newSvcFixture(t, func(c *config.Config) { c.RTP.CountdownSeconds = 5 })

	fx.svc.Start(fx.p, fx.p, "alpha", "world", false)

	// Stand still long enough for the monitor baseline to arm, then step off
	// the block.
	fx.sched.Advance(22)
	fx.p.Loc.X += 10
	fx.sched.Advance(4)

	require.Contains(t, fx.notify.Keys(), msg.KeyCancelledMoved)
	require.Zero(t, fx.svc.ActiveAttempts())

	fx.sched.Advance(120)
	require.Empty(t, fx.p.Teleports)
}

func TestMovementDuringSearchDoesNotCancel(t *testing.T) {
	fx := newSvcFixture(t, nil)

	fx.svc.Start(fx.p, fx.p, "alpha", "world", false)
	// The block change lands before the attempt reaches the countdown.
	fx.p.Loc.X += 10
	fx.sched.Advance(2)

	require.Len(t, fx.p.Teleports, 1)
	require.NotContains(t, fx.notify.Keys(), msg.KeyCancelledMoved)
}

func TestCancelForDropsAttemptSilently(t *testing.T) {
	fx := newSvcFixture(t, func(c *config.Config) { c.RTP.CountdownSeconds = 5 })

	fx.svc.Start(fx.p, fx.p, "alpha", "world", false)
	fx.sched.Advance(1)
	fx.svc.CancelFor(fx.p.PID)
	fx.sched.Advance(150)

	require.Empty(t, fx.p.Teleports)
	require.Equal(t, []string{msg.KeySearchingLocal}, fx.notify.Keys())
	require.Zero(t, fx.svc.ActiveAttempts())
}

func TestRestartReplacesOlderAttempt(t *testing.T) {
	fx := newSvcFixture(t, nil)

	fx.svc.Start(fx.p, fx.p, "alpha", "world", false)
	fx.svc.Start(fx.p, fx.p, "alpha", "world", false)
	fx.sched.Advance(3)

	require.Len(t, fx.p.Teleports, 1)
	require.Zero(t, fx.svc.ActiveAttempts())
}

func TestRemoteWritesPendingBeforeSwitch(t *testing.T) {
	fx := newSvcFixture(t, nil)
	fx.subscribeResponder(t)

	fx.svc.Start(fx.p, fx.p, "beta", "world", true)
	fx.sched.Advance(8)

	require.Equal(t, []string{"beta"}, fx.conn.servers)
	require.Equal(t, []bool{true}, fx.conn.pendingPresent, "pending record must land before the proxy switch")

	pending, err := store.GetRecord[record.PendingTeleport](context.Background(), fx.st, zap.NewNop(), fx.keys.Pending(fx.p.PID))
	require.NoError(t, err)
	require.Equal(t, "beta", pending.Server)
	require.Equal(t, "world", pending.World)
	require.Equal(t, 300.5, pending.X)
	require.Positive(t, pending.AtMs)

	require.Equal(t, []string{msg.KeySearchingRemote, msg.KeySwitching}, fx.notify.Keys())
	require.Zero(t, fx.svc.ActiveAttempts())
}

func TestRemoteConnectFailureDeletesPending(t *testing.T) {
	fx := newSvcFixture(t, nil)
	fx.subscribeResponder(t)
	fx.conn.ok = false

	fx.svc.Start(fx.p, fx.p, "beta", "world", true)
	fx.sched.Advance(8)

	require.False(t, fx.st.Has(fx.keys.Pending(fx.p.PID)), "a failed switch must not leave the pending record behind")
	require.Contains(t, fx.notify.Keys(), msg.KeyComputeTimeout)
}

func TestRemoteStoreDownFailsFast(t *testing.T) {
	fx := newSvcFixture(t, nil)
	fx.st.SetRunning(false)

	fx.svc.Start(fx.p, fx.p, "beta", "world", true)
	fx.sched.Advance(2)

	require.Equal(t, []string{msg.KeyComputeTimeout}, fx.notify.Keys())
	require.Zero(t, fx.svc.ActiveAttempts())
}

func TestRemoteStoreOutageMidPollFailsAttempt(t *testing.T) {
	fx := newSvcFixture(t, nil)

	fx.svc.Start(fx.p, fx.p, "beta", "world", true)
	fx.sched.Advance(1) // publish goes out, nobody answers
	fx.st.SetRunning(false)
	fx.sched.Advance(4)

	require.Contains(t, fx.notify.Keys(), msg.KeyNoSafeLocation)
	require.Zero(t, fx.svc.ActiveAttempts())
	require.Empty(t, fx.conn.servers)
}

func TestRemotePoisonResponsePurged(t *testing.T) {
	fx := newSvcFixture(t, nil)

	var reqID string
	fx.st.Subscribe(fx.keys.ComputeChannel(), func(_, payload string) {
		req, err := record.Decode[record.ComputeRequest](payload)
		require.NoError(t, err)
		reqID = req.RequestID
		require.NoError(t, fx.st.SetEx(context.Background(), fx.keys.Resp(req.RequestID), "{broken", time.Minute))
	})

	fx.svc.Start(fx.p, fx.p, "beta", "world", true)
	fx.sched.Advance(2)

	respKey := fx.keys.Resp(reqID)
	require.False(t, fx.st.Has(respKey), "undecodable response must be purged")
	require.Empty(t, fx.conn.servers)

	// A good response written afterwards is picked up by the next poll.
	resp := record.ComputeResponse{RequestID: reqID, OK: true, Server: "beta", World: "world", X: 1.5, Y: 70, Z: 2.5}
	require.NoError(t, store.PutRecord(context.Background(), fx.st, respKey, resp, time.Minute))
	fx.sched.Advance(10)

	require.Equal(t, []string{"beta"}, fx.conn.servers)
}

func TestAdminFeedbackGoesToIssuer(t *testing.T) {
	fx := newSvcFixture(t, nil)
	admin := gametest.NewPlayer(uuid.New(), "Admin")
	fx.host.AddPlayer(admin)

	fx.svc.Start(fx.p, admin, "alpha", "world", true)
	fx.sched.Advance(2)

	require.Len(t, fx.p.Teleports, 1)
	var byPlayer []string
	for _, s := range fx.notify.All() {
		if s.Player == admin.PID {
			byPlayer = append(byPlayer, s.Key)
		}
	}
	require.Equal(t, []string{msg.KeySearchingLocal, msg.KeyTeleportedOther}, byPlayer)
}

func TestJumpCancelsCountdown(t *testing.T) {
	fx := newSvcFixture(t, func(c *config.Config) {
		c.RTP.CountdownSeconds = 5
		c.RTP.CooldownSeconds = 60
	})

	fx.svc.Start(fx.p, fx.p, "alpha", "world", false)

	// Stand still long enough for the monitor baseline to arm.
	fx.sched.Advance(22)

	// Below the threshold: the same block cell and no real jump.
	fx.p.Loc.Y = 65.15
	fx.sched.Advance(4)
	require.NotContains(t, fx.notify.Keys(), msg.KeyCancelledMoved)

	fx.p.Loc.Y = 65.35
	fx.sched.Advance(4)

	require.Contains(t, fx.notify.Keys(), msg.KeyCancelledMoved)
	require.Zero(t, fx.svc.ActiveAttempts())

	fx.sched.Advance(120)
	require.Empty(t, fx.p.Teleports)

	// The cancelled attempt keeps the cooldown it already paid.
	ttl, err := fx.st.TTL(context.Background(), fx.keys.Cooldown(fx.p.PID))
	require.NoError(t, err)
	require.Equal(t, 60*time.Second, ttl)
}

func TestRemoteComputeDeadlineExpires(t *testing.T) {
	// Nothing answers on the compute channel and the request TTL is already
	// spent, so the poller's deadline fires on its first pass.
	fx := newSvcFixture(t, func(c *config.Config) { c.RTP.RequestTTLSeconds = 0 })

	fx.svc.Start(fx.p, fx.p, "beta", "world", true)
	fx.sched.Advance(4)

	require.Equal(t, []string{msg.KeySearchingRemote, msg.KeyNoSafeLocation}, fx.notify.Keys())
	require.False(t, fx.st.Has(fx.keys.Pending(fx.p.PID)))
	require.Empty(t, fx.conn.servers)
	require.Zero(t, fx.svc.ActiveAttempts())
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

func TestAwaitResponseOverlappingPollsDeliverOnce(t *testing.T) {
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

	svc := NewService(zap.NewNop(), provider, gametest.NewHost(), sched, st, keys, fixedFinder{}, msgtest.NewRecorder(), &fakeConnector{ok: true})

	resp := record.ComputeResponse{RequestID: "req-1", OK: true, Server: "beta", World: "world", X: 300.5}
	raw, err := record.Encode(resp)
	require.NoError(t, err)
	require.NoError(t, st.SetEx(ctx, keys.Resp("req-1"), raw, time.Minute))

	a := newAttempt(gametest.NewPlayer(uuid.New(), "Steve"))

	var calls atomic.Int32
	delivered := make(chan *record.ComputeResponse, 4)
	svc.awaitResponse(a, "req-1", 10*time.Second, func(r *record.ComputeResponse) {
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
