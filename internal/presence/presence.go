// Package presence maintains the per-player presence heartbeat: which server
// a player is currently on, with a TTL so crashed backends age out.
package presence

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chumbucket/crossrtp/internal/game"
	"github.com/chumbucket/crossrtp/internal/store"
)

const (
	// TTL outlives two missed heartbeats before a player reads as absent.
	TTL = 90 * time.Second

	// HeartbeatTicks is the refresh period for all online players.
	HeartbeatTicks = 30 * game.TicksPerSecond
)

// Tracker writes presence records on join, quit, and heartbeat.
type Tracker struct {
	log    *zap.Logger
	st     store.Store
	keys   store.Keys
	host   game.Host
	sched  game.Scheduler
	server string

	lookups singleflight.Group
	task    game.Task
}

func NewTracker(log *zap.Logger, st store.Store, keys store.Keys, host game.Host, sched game.Scheduler, server string) *Tracker {
	return &Tracker{
		log:    log.Named("presence"),
		st:     st,
		keys:   keys,
		host:   host,
		sched:  sched,
		server: server,
	}
}

// Start arms the heartbeat timer. Safe to call once.
func (t *Tracker) Start() {
	t.task = t.sched.RunTimer(HeartbeatTicks, HeartbeatTicks, t.heartbeat)
}

// Stop cancels the heartbeat timer.
func (t *Tracker) Stop() {
	if t.task != nil {
		t.task.Cancel()
		t.task = nil
	}
}

// OnJoin records the player as present on this server.
func (t *Tracker) OnJoin(p game.Player) {
	if p == nil || !t.st.Running() {
		return
	}
	id := p.ID()
	t.sched.RunAsync(func() {
		t.write(id)
	})
}

// OnQuit removes the player's presence record.
func (t *Tracker) OnQuit(p game.Player) {
	if p == nil || !t.st.Running() {
		return
	}
	id := p.ID()
	t.sched.RunAsync(func() {
		if err := t.st.Del(context.Background(), t.keys.Presence(id)); err != nil {
			t.log.Debug("presence delete failed", zap.Stringer("player", id), zap.Error(err))
		}
	})
}

// Lookup returns the server the player is present on, if any. Concurrent
// lookups for the same player share one store read. Intended for workers; do
// not call from the game thread.
func (t *Tracker) Lookup(ctx context.Context, id game.PlayerID) (string, bool) {
	v, err, _ := t.lookups.Do(id.String(), func() (any, error) {
		return t.st.Get(ctx, t.keys.Presence(id))
	})
	if err != nil {
		return "", false
	}
	server, _ := v.(string)
	return server, server != ""
}

// heartbeat runs on the game thread: snapshot ids there, write on a worker.
func (t *Tracker) heartbeat() {
	if !t.st.Running() {
		return
	}
	players := t.host.OnlinePlayers()
	if len(players) == 0 {
		return
	}
	ids := make([]game.PlayerID, 0, len(players))
	for _, p := range players {
		ids = append(ids, p.ID())
	}

	t.sched.RunAsync(func() {
		for _, id := range ids {
			t.write(id)
		}
	})
}

func (t *Tracker) write(id game.PlayerID) {
	if err := t.st.SetEx(context.Background(), t.keys.Presence(id), t.server, TTL); err != nil {
		t.log.Debug("presence write failed", zap.Stringer("player", id), zap.Error(err))
	}
}
