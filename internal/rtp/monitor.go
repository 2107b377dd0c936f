package rtp

import (
	"sync/atomic"

	"github.com/chumbucket/crossrtp/internal/game"
)

// Movement monitor pacing. The baseline arms only after ~1 s of stillness
// (5 samples at 4 ticks) so an attempt started mid-stride is not cancelled
// instantly.
const (
	monitorDelayTicks     = 4
	monitorPeriodTicks    = 4
	requiredStableSamples = 5

	// jumpThreshold cancels on upward movement even when the block cell
	// does not change.
	jumpThreshold = 0.20
)

// attempt is one in-flight RTP for one player. At most one attempt exists
// per player; a newer attempt silently cancels the older one.
//
// cancelled is read from worker goroutines; everything else is game thread.
type attempt struct {
	player    game.Player
	cancelled atomic.Bool

	monitor game.Task

	// cancelOnMove is armed only once the countdown begins. Movement while
	// still searching never cancels.
	cancelOnMove bool

	armed     bool
	baseWorld string
	baseBx    int
	baseBy    int
	baseBz    int
	baseY     float64

	lastWorld     string
	lastBx        int
	lastBy        int
	lastBz        int
	stableSamples int
}

func newAttempt(p game.Player) *attempt {
	a := &attempt{player: p}
	loc := p.Location()
	a.lastWorld = loc.World
	a.lastBx, a.lastBy, a.lastBz = loc.BlockX(), loc.BlockY(), loc.BlockZ()
	return a
}

func (a *attempt) isCancelled() bool { return a.cancelled.Load() }

func (a *attempt) enableCancelOnMove() { a.cancelOnMove = true }

// startMonitor samples the player position on the game thread. onCancel runs
// on the game thread when movement cancels the attempt.
func (a *attempt) startMonitor(sched game.Scheduler, onCancel func()) {
	a.armed = false
	a.stableSamples = 0
	a.cancelOnMove = false

	loc := a.player.Location()
	a.lastWorld = loc.World
	a.lastBx, a.lastBy, a.lastBz = loc.BlockX(), loc.BlockY(), loc.BlockZ()

	if a.monitor != nil {
		a.monitor.Cancel()
	}
	a.monitor = sched.RunTimer(monitorDelayTicks, monitorPeriodTicks, func() {
		a.sample(onCancel)
	})
}

func (a *attempt) sample(onCancel func()) {
	if a.cancelled.Load() {
		a.stopMonitor()
		return
	}
	if !a.player.Online() {
		a.cancelSilently()
		return
	}

	now := a.player.Location()
	bx, by, bz := now.BlockX(), now.BlockY(), now.BlockZ()

	if !a.armed {
		same := now.World == a.lastWorld && bx == a.lastBx && by == a.lastBy && bz == a.lastBz
		if same {
			a.stableSamples++
		} else {
			a.stableSamples = 0
			a.lastWorld = now.World
			a.lastBx, a.lastBy, a.lastBz = bx, by, bz
		}
		if a.stableSamples >= requiredStableSamples {
			a.armed = true
			a.baseWorld = now.World
			a.baseBx, a.baseBy, a.baseBz = bx, by, bz
			a.baseY = now.Y
		}
		return
	}

	if !a.cancelOnMove {
		return
	}

	movedWorld := now.World != a.baseWorld
	movedBlock := bx != a.baseBx || by != a.baseBy || bz != a.baseBz
	jumpedUp := now.Y > a.baseY+jumpThreshold

	if movedWorld || movedBlock || jumpedUp {
		a.cancelled.Store(true)
		a.stopMonitor()
		onCancel()
	}
}

// finish marks the attempt settled and stops monitoring.
func (a *attempt) finish() {
	a.cancelled.Store(true)
	a.stopMonitor()
}

// cancelSilently stops the attempt without the movement-cancel message.
func (a *attempt) cancelSilently() {
	a.cancelled.Store(true)
	a.stopMonitor()
}

func (a *attempt) stopMonitor() {
	if a.monitor != nil {
		a.monitor.Cancel()
		a.monitor = nil
	}
}
