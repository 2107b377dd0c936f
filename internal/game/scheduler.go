package game

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TickDuration is the wall-clock length of one game tick (20 TPS).
const TickDuration = 50 * time.Millisecond

// TicksPerSecond converts whole seconds to ticks.
const TicksPerSecond = 20

// Task is a scheduled unit of work that can be cancelled before (or between)
// runs. Cancel is safe to call from any goroutine and is idempotent.
type Task interface {
	Cancel()
}

// Scheduler models the host's two execution domains: the single game thread,
// where all world and player state lives, and the worker pool for I/O.
// Run/RunLater/RunTimer callbacks execute on the game thread; RunAsync and
// RunAsyncTimer callbacks execute on workers and must not touch game state.
type Scheduler interface {
	CurrentTick() int64
	Run(fn func())
	RunLater(delayTicks int64, fn func()) Task
	RunTimer(delayTicks, periodTicks int64, fn func()) Task
	RunAsync(fn func())
	RunAsyncTimer(delayTicks, periodTicks int64, fn func()) Task
}

type timerEntry struct {
	at        int64
	period    int64 // 0 = one-shot
	fn        func()
	cancelled atomic.Bool
	async     bool
}

func (t *timerEntry) Cancel() { t.cancelled.Store(true) }

// TickScheduler is the production Scheduler: one goroutine advances the tick
// counter every TickDuration and drains due game-thread entries in order;
// async work is handed to plain goroutines.
type TickScheduler struct {
	log *zap.Logger

	mu      sync.Mutex
	queue   []func()      // next-tick game thread work
	entries []*timerEntry // delayed/repeating work

	tick atomic.Int64
}

// NewTickScheduler constructs a stopped scheduler; Serve drives it.
func NewTickScheduler(log *zap.Logger) *TickScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TickScheduler{log: log.Named("sched")}
}

// Serve runs the tick loop until ctx is cancelled.
func (s *TickScheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(TickDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.step()
		}
	}
}

// CurrentTick returns the number of ticks elapsed since Serve started.
func (s *TickScheduler) CurrentTick() int64 { return s.tick.Load() }

// Run enqueues fn for the next tick on the game thread.
func (s *TickScheduler) Run(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
}

// RunLater schedules fn once, delayTicks from now, on the game thread.
func (s *TickScheduler) RunLater(delayTicks int64, fn func()) Task {
	return s.add(delayTicks, 0, fn, false)
}

// RunTimer schedules fn repeatedly on the game thread.
func (s *TickScheduler) RunTimer(delayTicks, periodTicks int64, fn func()) Task {
	if periodTicks < 1 {
		periodTicks = 1
	}
	return s.add(delayTicks, periodTicks, fn, false)
}

// RunAsync hands fn to the worker pool immediately.
func (s *TickScheduler) RunAsync(fn func()) {
	go s.safely(fn)
}

// RunAsyncTimer schedules fn repeatedly on workers, paced by the tick loop so
// cancellation and timing stay consistent with game-thread timers.
func (s *TickScheduler) RunAsyncTimer(delayTicks, periodTicks int64, fn func()) Task {
	if periodTicks < 1 {
		periodTicks = 1
	}
	return s.add(delayTicks, periodTicks, fn, true)
}

func (s *TickScheduler) add(delay, period int64, fn func(), async bool) Task {
	if delay < 0 {
		delay = 0
	}
	e := &timerEntry{at: s.tick.Load() + delay, period: period, fn: fn, async: async}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return e
}

func (s *TickScheduler) step() {
	now := s.tick.Add(1)

	s.mu.Lock()
	queued := s.queue
	s.queue = nil

	var due []*timerEntry
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.cancelled.Load() {
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
		s.safely(fn)
	}
	for _, e := range due {
		if e.cancelled.Load() {
			continue
		}
		if e.async {
			go s.safely(e.fn)
		} else {
			s.safely(e.fn)
		}
	}
}

func (s *TickScheduler) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled task panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
