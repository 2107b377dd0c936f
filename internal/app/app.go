// Package app wires the coordination components together and fans host
// events out to them.
package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chumbucket/crossrtp/internal/command"
	"github.com/chumbucket/crossrtp/internal/compute"
	"github.com/chumbucket/crossrtp/internal/config"
	"github.com/chumbucket/crossrtp/internal/death"
	"github.com/chumbucket/crossrtp/internal/finalize"
	"github.com/chumbucket/crossrtp/internal/game"
	"github.com/chumbucket/crossrtp/internal/msg"
	"github.com/chumbucket/crossrtp/internal/ops"
	"github.com/chumbucket/crossrtp/internal/presence"
	"github.com/chumbucket/crossrtp/internal/proxy"
	"github.com/chumbucket/crossrtp/internal/rtp"
	"github.com/chumbucket/crossrtp/internal/spawnsync"
	"github.com/chumbucket/crossrtp/internal/store"
)

// App is the composed node: one per server process.
type App struct {
	log     *zap.Logger
	cfgPath string

	Cfg    *config.Provider
	Keys   store.Keys
	Store  store.Store
	client *store.Client // nil when the store is disabled

	Notify    msg.Notifier
	Finder    rtp.Finder
	RTP       *rtp.Service
	Responder *compute.Responder
	Finalizer *finalize.Finalizer
	Presence  *presence.Tracker
	Death     *death.Pipeline
	SpawnSync *spawnsync.Syncer
	Command   *command.Handler
	Ops       *ops.Server
}

// New loads config from cfgPath and wires every component against the given
// host, scheduler, and proxy connector.
func New(log *zap.Logger, cfgPath string, host game.Host, sched game.Scheduler, connect proxy.Connector) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &App{
		log:     log,
		cfgPath: cfgPath,
		Cfg:     config.NewProvider(cfg),
		Keys:    store.NewKeys(cfg.Redis.KeyPrefix),
	}

	if cfg.Redis.Enabled {
		a.client = store.NewClient(log, cfg.Redis)
		a.Store = a.client
	} else {
		a.Store = store.Disabled{}
	}

	a.Notify = msg.NewTemplateNotifier(log, a.Cfg)
	a.Finder = rtp.NewSafeLocationFinder(log, a.Cfg, host, sched, rtp.PermissiveSafety{})
	a.RTP = rtp.NewService(log, a.Cfg, host, sched, a.Store, a.Keys, a.Finder, a.Notify, connect)
	a.Responder = compute.NewResponder(log, a.Cfg, a.Store, a.Keys, sched, a.Finder)
	a.Finalizer = finalize.New(log, a.Cfg, host, sched, a.Store, a.Keys, a.Notify)
	a.Presence = presence.NewTracker(log, a.Store, a.Keys, host, sched, cfg.ServerName)
	a.Death = death.NewPipeline(log, a.Cfg, host, sched, a.Store, a.Keys, a.RTP, connect)
	a.SpawnSync = spawnsync.New(log, a.Cfg, host, sched, a.Store, a.Keys)
	a.Command = command.NewHandler(log, a.Cfg, host, a.RTP, a.Store, a.Reload)
	a.Ops = ops.NewServer(log, a.Cfg, host, a.Store, a.RTP, a.Finalizer, a.Death, a.Presence)

	return a, nil
}

// Run connects the store, serves the compute subscription and the ops
// endpoint, and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.client != nil {
		if err := a.client.Start(ctx); err != nil {
			return fmt.Errorf("store start: %w", err)
		}
		defer a.client.Stop()
	}

	a.Presence.Start()
	defer a.Presence.Stop()

	g, ctx := errgroup.WithContext(ctx)
	if a.client != nil {
		g.Go(func() error {
			return a.client.Serve(ctx, a.Keys.ComputeChannel(), a.Responder.HandleMessage)
		})
	}
	g.Go(func() error { return a.Ops.Run(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Reload re-reads the config file and swaps it in. Store connection settings
// are fixed for the process lifetime; a change there needs a restart.
func (a *App) Reload() error {
	old := a.Cfg.Get()
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !reflect.DeepEqual(old.Redis, cfg.Redis) {
		a.log.Warn("redis settings changed on reload; restart to apply them")
		cfg.Redis = old.Redis
	}
	a.Cfg.Replace(cfg)
	a.log.Info("config reloaded", zap.String("path", a.cfgPath))
	return nil
}

// ---------------- host event fan-out ----------------

// OnJoin runs the join pipeline. Game thread.
func (a *App) OnJoin(p game.Player) {
	a.Presence.OnJoin(p)
	a.Finalizer.OnJoin(p)
}

// OnQuit drops all per-player state. Game thread.
func (a *App) OnQuit(p game.Player) {
	if p == nil {
		return
	}
	a.Presence.OnQuit(p)
	a.RTP.CancelFor(p.ID())
	a.Death.OnQuit(p.ID())
}

// OnDeath snapshots respawn routing inputs. Game thread.
func (a *App) OnDeath(p game.Player) {
	a.Death.OnDeath(p)
}

// OnRespawn routes the respawn, then lets spawn sync observe the outcome.
// Game thread.
func (a *App) OnRespawn(e *game.RespawnEvent) {
	a.Death.OnRespawn(e)
	a.SpawnSync.OnRespawn(e)
}
