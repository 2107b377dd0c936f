// Package ops serves the operator HTTP surface: health, status, and a debug
// state dump.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chumbucket/crossrtp/internal/config"
	"github.com/chumbucket/crossrtp/internal/death"
	"github.com/chumbucket/crossrtp/internal/finalize"
	"github.com/chumbucket/crossrtp/internal/game"
	"github.com/chumbucket/crossrtp/internal/presence"
	"github.com/chumbucket/crossrtp/internal/rtp"
	"github.com/chumbucket/crossrtp/internal/store"
)

// Server is the ops HTTP endpoint.
type Server struct {
	log  *zap.Logger
	cfg  *config.Provider
	host game.Host
	st   store.Store
	svc  *rtp.Service
	fin  *finalize.Finalizer
	dth  *death.Pipeline
	pres *presence.Tracker
}

func NewServer(log *zap.Logger, cfg *config.Provider, host game.Host, st store.Store, svc *rtp.Service, fin *finalize.Finalizer, dth *death.Pipeline, pres *presence.Tracker) *Server {
	return &Server{
		log:  log.Named("ops"),
		cfg:  cfg,
		host: host,
		st:   st,
		svc:  svc,
		fin:  fin,
		dth:  dth,
		pres: pres,
	}
}

// Router builds the gin engine with the middleware chain applied.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = zap.NewStdLog(s.log.Named("gin")).Writer()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(s.accessLog())

	r.GET("/healthz", s.healthz)
	r.GET("/api/status", s.status)
	r.GET("/api/presence/:id", s.presenceLookup)
	r.GET("/api/debug/state", s.debugState)
	return r
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Get().Ops.Listen
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	httpsrv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("running ops HTTP server", zap.String("addr", addr))
		errc <- httpsrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpsrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) status(c *gin.Context) {
	cfg := s.cfg.Get()
	c.JSON(http.StatusOK, gin.H{
		"server":         cfg.ServerName,
		"version":        config.Version,
		"storeRunning":   s.st.Running(),
		"onlinePlayers":  len(s.host.OnlinePlayers()),
		"activeAttempts": s.svc.ActiveAttempts(),
		"frozenPlayers":  s.fin.FrozenCount(),
		"deathPlans":     s.dth.PlanCount(),
	})
}

// presenceLookup reports which server the network last saw a player on.
func (s *Server) presenceLookup(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid player uuid"})
		return
	}
	server, ok := s.pres.Lookup(c.Request.Context(), id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not tracked"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"server": server})
}

// debugState dumps a point-in-time snapshot as plain text for operators.
func (s *Server) debugState(c *gin.Context) {
	cfg := s.cfg.Get()

	type snapshot struct {
		Server         string
		StoreRunning   bool
		OnlinePlayers  []string
		ActiveAttempts int
		FrozenPlayers  int
		DeathPlans     int
		RTP            config.RTPConfig
		Spawning       config.SpawningConfig
	}

	snap := snapshot{
		Server:         cfg.ServerName,
		StoreRunning:   s.st.Running(),
		ActiveAttempts: s.svc.ActiveAttempts(),
		FrozenPlayers:  s.fin.FrozenCount(),
		DeathPlans:     s.dth.PlanCount(),
		RTP:            cfg.RTP,
		Spawning:       cfg.Spawning,
	}
	for _, p := range s.host.OnlinePlayers() {
		snap.OnlinePlayers = append(snap.OnlinePlayers, p.Name())
	}

	c.String(http.StatusOK, spew.Sdump(snap))
}

// accessLog records request details after handling.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		fields := []zap.Field{
			zap.String("request_id", GetRequestID(c)),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}

		switch {
		case status >= 500:
			s.log.Error("request", fields...)
		case status >= 400:
			s.log.Warn("request", fields...)
		default:
			s.log.Info("request", fields...)
		}
	}
}
