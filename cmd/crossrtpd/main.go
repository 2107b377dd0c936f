package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/chumbucket/crossrtp/internal/app"
	"github.com/chumbucket/crossrtp/internal/config"
	"github.com/chumbucket/crossrtp/internal/game"
	"github.com/chumbucket/crossrtp/internal/game/sim"
	"github.com/chumbucket/crossrtp/internal/proxy"
)

var cfgPath string

func init() {
	handleVersion()
}

func main() {
	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := game.NewTickScheduler(log)
	host := sim.NewHost(log, sched)

	a, err := app.New(log, cfgPath, host, sched, proxy.NewBungeeConnector(log))
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}

	// The simulated backend carries this server's configured worlds so the
	// compute responder can serve remote requests.
	cfg := a.Cfg.Get()
	if srv, ok := cfg.RTP.Server(cfg.ServerName); ok {
		for name := range srv.Worlds {
			host.AddWorld(name, environmentOf(name))
		}
	}

	log.Info("starting",
		zap.String("server", cfg.ServerName),
		zap.String("version", config.Version),
		zap.Bool("store", cfg.Redis.Enabled),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sched.Serve(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error { return a.Run(ctx) })

	if err := g.Wait(); err != nil {
		log.Fatal("run failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// environmentOf infers the dimension from the world folder name.
func environmentOf(name string) game.Environment {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, "_nether"):
		return game.EnvNether
	case strings.HasSuffix(lower, "_the_end"), strings.HasSuffix(lower, "_end"):
		return game.EnvEnd
	}
	return game.EnvNormal
}

// handleVersion prints build metadata and exits when -v/--version is provided.
func handleVersion() {
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.StringVar(&cfgPath, "config", "crossrtp.yaml", "path to config file")
	flag.Parse()

	if *v {
		fmt.Printf("crossrtpd %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}
