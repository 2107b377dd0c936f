// Package compute answers cross-server safe-location requests: it consumes
// the compute channel, runs the finder for requests addressed to this server,
// and writes the response record for the requester to poll.
package compute

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chumbucket/crossrtp/internal/config"
	"github.com/chumbucket/crossrtp/internal/game"
	"github.com/chumbucket/crossrtp/internal/record"
	"github.com/chumbucket/crossrtp/internal/rtp"
	"github.com/chumbucket/crossrtp/internal/store"
)

// errNoSafeLocation is the wire error for an exhausted search.
const errNoSafeLocation = "no_safe_location"

// Responder serves compute requests for this server.
type Responder struct {
	log    *zap.Logger
	cfg    *config.Provider
	st     store.Store
	keys   store.Keys
	sched  game.Scheduler
	finder rtp.Finder
}

func NewResponder(log *zap.Logger, cfg *config.Provider, st store.Store, keys store.Keys, sched game.Scheduler, finder rtp.Finder) *Responder {
	return &Responder{
		log:    log.Named("compute"),
		cfg:    cfg,
		st:     st,
		keys:   keys,
		sched:  sched,
		finder: finder,
	}
}

// HandleMessage consumes one channel message. Requests for other servers and
// undecodable payloads are dropped. Safe to call from any goroutine.
func (r *Responder) HandleMessage(channel, payload string) {
	if channel != r.keys.ComputeChannel() || !r.st.Running() {
		return
	}

	req, err := record.Decode[record.ComputeRequest](payload)
	if err != nil {
		r.log.Warn("bad compute request", zap.Error(err))
		return
	}
	if !strings.EqualFold(r.cfg.Get().ServerName, req.TargetServer) {
		return
	}

	// The finder touches world state, so it runs on the game thread.
	r.sched.Run(func() {
		if !r.st.Running() {
			return
		}
		r.finder.FindSafeAsync(req.World, func(loc *game.Location) {
			if !r.st.Running() {
				return
			}
			r.writeResponse(req, loc)
		})
	})
}

func (r *Responder) writeResponse(req record.ComputeRequest, loc *game.Location) {
	cfg := r.cfg.Get()

	resp := record.ComputeResponse{
		RequestID: req.RequestID,
		Server:    cfg.ServerName,
		World:     req.World,
	}
	if loc != nil {
		resp.OK = true
		resp.X, resp.Y, resp.Z = loc.X, loc.Y, loc.Z
		resp.Yaw, resp.Pitch = loc.Yaw, loc.Pitch
	} else {
		resp.Error = errNoSafeLocation
	}

	key := r.keys.Resp(req.RequestID)
	ttl := time.Duration(cfg.RTP.RequestTTLSeconds) * time.Second

	r.sched.RunAsync(func() {
		if err := store.PutRecord(context.Background(), r.st, key, resp, ttl); err != nil {
			r.log.Warn("compute response write failed", zap.String("requestId", req.RequestID), zap.Error(err))
		}
	})
}
