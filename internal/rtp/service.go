package rtp

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chumbucket/crossrtp/internal/config"
	"github.com/chumbucket/crossrtp/internal/game"
	"github.com/chumbucket/crossrtp/internal/msg"
	"github.com/chumbucket/crossrtp/internal/proxy"
	"github.com/chumbucket/crossrtp/internal/record"
	"github.com/chumbucket/crossrtp/internal/store"
)

// Permission nodes honored by the service.
const (
	PermCooldownBypass = "crossrtp.cooldown.bypass"
	PermTimerBypass    = "crossrtp.tptimer.bypass"
)

// Service runs RTP attempts: at most one per player, cooldown-gated, with a
// movement-cancellable countdown. Local targets search here; remote targets
// are dispatched over the store and handed to the proxy.
type Service struct {
	log     *zap.Logger
	cfg     *config.Provider
	host    game.Host
	sched   game.Scheduler
	st      store.Store
	keys    store.Keys
	finder  Finder
	notify  msg.Notifier
	connect proxy.Connector

	mu       sync.Mutex
	attempts map[game.PlayerID]*attempt
}

func NewService(log *zap.Logger, cfg *config.Provider, host game.Host, sched game.Scheduler, st store.Store, keys store.Keys, finder Finder, notify msg.Notifier, connect proxy.Connector) *Service {
	return &Service{
		log:      log.Named("rtp"),
		cfg:      cfg,
		host:     host,
		sched:    sched,
		st:       st,
		keys:     keys,
		finder:   finder,
		notify:   notify,
		connect:  connect,
		attempts: map[game.PlayerID]*attempt{},
	}
}

// Finder exposes the safe-location finder for the compute responder.
func (s *Service) Finder() Finder { return s.finder }

// ActiveAttempts reports the number of in-flight attempts.
func (s *Service) ActiveAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

// Start begins an RTP for target toward server/world. feedback receives
// status messages (the player themselves, or the admin who issued the
// command). admin bypasses cooldown and countdown. Game thread only.
func (s *Service) Start(target, feedback game.Player, server, world string, admin bool) {
	if target == nil || !target.Online() {
		return
	}
	if feedback == nil {
		feedback = target
	}

	cooldownBypass := target.HasPermission(PermCooldownBypass)
	timerBypass := admin || target.HasPermission(PermTimerBypass)

	s.mu.Lock()
	if prev := s.attempts[target.ID()]; prev != nil {
		prev.cancelSilently()
	}
	a := newAttempt(target)
	s.attempts[target.ID()] = a
	s.mu.Unlock()

	// Movement only cancels during the countdown, never while searching.
	a.startMonitor(s.sched, func() {
		s.notify.Send(target, msg.KeyCancelledMoved, nil)
		s.remove(target.ID(), a)
	})

	next := func(ok bool) {
		s.sched.Run(func() {
			if a.isCancelled() {
				return
			}
			if !ok {
				s.settle(target.ID(), a)
				return
			}
			if strings.EqualFold(s.cfg.Get().ServerName, server) {
				s.runLocal(a, target, feedback, server, world, admin, timerBypass)
			} else {
				s.runRemote(a, target, feedback, server, world, admin, timerBypass)
			}
		})
	}

	if admin || cooldownBypass {
		next(true)
		return
	}
	s.checkAndSetCooldown(target, feedback, next)
}

// CancelFor silently drops any in-flight attempt for the player. Used when
// the player quits.
func (s *Service) CancelFor(id game.PlayerID) {
	s.mu.Lock()
	a := s.attempts[id]
	delete(s.attempts, id)
	s.mu.Unlock()
	if a != nil {
		a.cancelSilently()
	}
}

// checkAndSetCooldown gates on the shared cooldown key. Store trouble passes
// the check so local RTP keeps working through an outage; a rejected check
// does not refresh the key.
func (s *Service) checkAndSetCooldown(target, feedback game.Player, next func(ok bool)) {
	cd := s.cfg.Get().RTP.CooldownSeconds
	if cd <= 0 || !s.st.Running() {
		next(true)
		return
	}

	id := target.ID()
	key := s.keys.Cooldown(id)

	s.sched.RunAsync(func() {
		ctx := context.Background()

		_, err := s.st.Get(ctx, key)
		if err == nil {
			remaining := int64(cd)
			if ttl, terr := s.st.TTL(ctx, key); terr == nil && ttl >= 0 {
				remaining = int64(ttl / time.Second)
			}
			s.sched.Run(func() {
				s.notify.Send(feedback, msg.KeyCooldownActive, map[string]string{
					"time": strconv.FormatInt(remaining, 10) + "s",
				})
			})
			next(false)
			return
		}
		if err != store.ErrNotFound {
			next(true) // fail-open
			return
		}

		if err := s.st.SetEx(ctx, key, "1", time.Duration(cd)*time.Second); err != nil {
			s.log.Debug("cooldown write failed", zap.Stringer("player", id), zap.Error(err))
		}
		next(true)
	})
}

// runLocal searches this server and teleports in place.
func (s *Service) runLocal(a *attempt, target, feedback game.Player, server, world string, admin, timerBypass bool) {
	s.notify.Send(feedback, msg.KeySearchingLocal, nil)

	s.finder.FindSafeAsync(world, func(loc *game.Location) {
		if a.isCancelled() {
			return
		}
		if loc == nil {
			s.settle(target.ID(), a)
			s.notify.Send(feedback, msg.KeyNoSafeLocation, nil)
			return
		}

		doTeleport := func() {
			if a.isCancelled() || !target.Online() {
				return
			}
			s.settle(target.ID(), a)

			s.preloadThenTeleport(target, *loc, func(ok bool) {
				if !target.Online() {
					return
				}
				if !ok {
					s.notify.Send(feedback, msg.KeyNoSafeLocation, nil)
					return
				}
				s.notify.Send(target, msg.KeyTeleported, map[string]string{"world": world})
				if admin && feedback.ID() != target.ID() {
					s.notify.Send(feedback, msg.KeyTeleportedOther, map[string]string{
						"player": target.Name(), "server": server, "world": world,
					})
				}
			})
		}

		if timerBypass {
			doTeleport()
		} else {
			s.countdown(a, target, doTeleport)
		}
	})
}

// runRemote publishes a compute request, polls for the response, then writes
// the pending record before asking the proxy to switch the player. Store
// trouble fails the attempt: a switch without a pending record would strand
// the player at the destination spawn.
func (s *Service) runRemote(a *attempt, target, feedback game.Player, server, world string, admin, timerBypass bool) {
	if !s.st.Running() {
		s.settle(target.ID(), a)
		s.notify.Send(feedback, msg.KeyComputeTimeout, nil)
		return
	}

	s.notify.Send(feedback, msg.KeySearchingRemote, map[string]string{"server": server})

	requestID := uuid.NewString()
	req := record.ComputeRequest{
		RequestID:    requestID,
		PlayerUUID:   target.ID(),
		TargetServer: server,
		World:        world,
		CreatedAtMs:  time.Now().UnixMilli(),
	}

	fail := func(key string) {
		s.sched.Run(func() {
			if a.isCancelled() {
				return
			}
			s.settle(target.ID(), a)
			s.notify.Send(feedback, key, nil)
		})
	}

	s.sched.RunAsync(func() {
		if a.isCancelled() {
			return
		}
		raw, err := record.Encode(req)
		if err == nil {
			err = s.st.Publish(context.Background(), s.keys.ComputeChannel(), raw)
		}
		if err != nil {
			s.log.Warn("compute publish failed", zap.String("server", server), zap.Error(err))
			fail(msg.KeyComputeTimeout)
			return
		}

		ttl := time.Duration(s.cfg.Get().RTP.RequestTTLSeconds) * time.Second
		s.awaitResponse(a, requestID, ttl, func(resp *record.ComputeResponse) {
			s.sched.Run(func() {
				if a.isCancelled() {
					return
				}
				if resp == nil || !resp.OK {
					s.settle(target.ID(), a)
					s.notify.Send(feedback, msg.KeyNoSafeLocation, nil)
					return
				}

				doSwitch := func() {
					if a.isCancelled() || !target.Online() {
						return
					}
					s.dispatchSwitch(a, target, feedback, server, *resp, admin)
				}

				if timerBypass {
					doSwitch()
				} else {
					s.countdown(a, target, doSwitch)
				}
			})
		})
	})
}

// awaitResponse polls the response key until it appears, the attempt dies,
// or the deadline passes. done receives nil on timeout and runs at most once.
// Worker context: fires land on fresh worker goroutines and a slow store read
// can outlive the poll interval, so the poller state is mutex-guarded and a
// fire that finds the previous one still in flight skips.
func (s *Service) awaitResponse(a *attempt, requestID string, ttl time.Duration, done func(*record.ComputeResponse)) {
	respKey := s.keys.Resp(requestID)
	deadline := time.Now().Add(ttl)

	interval := int64(s.cfg.Get().RTP.ResponsePollIntervalTicks)

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
	task = s.sched.RunAsyncTimer(0, interval, func() {
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

		if a.isCancelled() || time.Now().After(deadline) || !s.st.Running() {
			settle(nil)
			return
		}

		ctx := context.Background()
		raw, err := s.st.Get(ctx, respKey)
		if err != nil || strings.TrimSpace(raw) == "" {
			return
		}

		resp, derr := record.Decode[record.ComputeResponse](raw)
		if derr != nil {
			s.log.Warn("purging undecodable compute response", zap.String("key", respKey), zap.Error(derr))
			_ = s.st.Del(ctx, respKey)
			return
		}
		_ = s.st.Del(ctx, respKey)
		settle(&resp)
	})
	mu.Unlock()
}

// dispatchSwitch writes the pending record, then messages and connects. The
// pending write must land before the proxy switch.
func (s *Service) dispatchSwitch(a *attempt, target, feedback game.Player, server string, resp record.ComputeResponse, admin bool) {
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
	pendingKey := s.keys.Pending(target.ID())
	pendingTTL := time.Duration(s.cfg.Get().RTP.RequestTTLSeconds) * time.Second

	s.sched.RunAsync(func() {
		if err := store.PutRecord(context.Background(), s.st, pendingKey, pending, pendingTTL); err != nil {
			s.log.Warn("pending write failed", zap.Stringer("player", target.ID()), zap.Error(err))
			s.sched.Run(func() {
				if a.isCancelled() {
					return
				}
				s.settle(target.ID(), a)
				s.notify.Send(feedback, msg.KeyComputeTimeout, nil)
			})
			return
		}

		s.sched.Run(func() {
			if a.isCancelled() || !target.Online() {
				s.deleteKeyAsync(pendingKey)
				return
			}
			s.settle(target.ID(), a)

			if admin && feedback.ID() != target.ID() {
				s.notify.Send(feedback, msg.KeySwitchingOther, map[string]string{
					"player": target.Name(), "server": server,
				})
			} else {
				s.notify.Send(target, msg.KeySwitching, map[string]string{"server": server})
			}

			if !s.connect.Connect(target, server) {
				s.deleteKeyAsync(pendingKey)
				s.notify.Send(target, msg.KeyComputeTimeout, nil)
				s.log.Warn("proxy connect failed", zap.String("player", target.Name()), zap.String("server", server))
			}
		})
	})
}

// countdown announces each second and fires onDone when it elapses, enabling
// movement cancellation for the duration.
func (s *Service) countdown(a *attempt, player game.Player, onDone func()) {
	secs := s.cfg.Get().RTP.CountdownSeconds
	if secs <= 0 {
		onDone()
		return
	}
	if !player.Online() || a.isCancelled() {
		return
	}

	a.enableCancelOnMove()

	remaining := secs
	var msgTask, doneTask game.Task

	msgTask = s.sched.RunTimer(0, game.TicksPerSecond, func() {
		if a.isCancelled() || !player.Online() {
			msgTask.Cancel()
			doneTask.Cancel()
			return
		}
		if remaining <= 0 {
			msgTask.Cancel()
			return
		}
		s.notify.Send(player, msg.KeyTeleportingIn, map[string]string{
			"seconds": strconv.Itoa(remaining),
		})
		remaining--
	})

	doneTask = s.sched.RunLater(int64(secs)*game.TicksPerSecond, func() {
		msgTask.Cancel()
		if a.isCancelled() || !player.Online() {
			return
		}
		onDone()
	})
}

// preloadThenTeleport loads the destination chunk, then teleports. done runs
// on the game thread.
func (s *Service) preloadThenTeleport(player game.Player, loc game.Location, done func(ok bool)) {
	w, ok := s.host.WorldByName(loc.World)
	if !ok {
		done(false)
		return
	}
	w.PreloadChunk(loc.ChunkX(), loc.ChunkZ(), func(err error) {
		if !player.Online() || err != nil {
			done(false)
			return
		}
		player.Teleport(loc, func(ok bool) {
			done(ok && player.Online())
		})
	})
}

func (s *Service) deleteKeyAsync(key string) {
	s.sched.RunAsync(func() {
		if !s.st.Running() {
			return
		}
		if err := s.st.Del(context.Background(), key); err != nil {
			s.log.Debug("delete failed", zap.String("key", key), zap.Error(err))
		}
	})
}

// settle finishes the attempt and drops it from the active map.
func (s *Service) settle(id game.PlayerID, a *attempt) {
	a.finish()
	s.remove(id, a)
}

func (s *Service) remove(id game.PlayerID, a *attempt) {
	s.mu.Lock()
	if s.attempts[id] == a {
		delete(s.attempts, id)
	}
	s.mu.Unlock()
}
