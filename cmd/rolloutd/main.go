// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jamesross/canarypilot/internal/clock"
	"github.com/jamesross/canarypilot/internal/config"
	"github.com/jamesross/canarypilot/internal/eventbus"
	"github.com/jamesross/canarypilot/internal/monitor"
	"github.com/jamesross/canarypilot/internal/obs"
	"github.com/jamesross/canarypilot/internal/queryclient"
	"github.com/jamesross/canarypilot/internal/redisclient"
	"github.com/jamesross/canarypilot/internal/rollout"
	"github.com/jamesross/canarypilot/internal/store"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(obs.TracingOptions{
		Enabled: cfg.Observability.Tracing.Enabled, Endpoint: cfg.Observability.Tracing.Endpoint,
		Environment: cfg.Observability.Tracing.Environment, SamplingStrategy: cfg.Observability.Tracing.SamplingStrategy,
		SamplingRate: cfg.Observability.Tracing.SamplingRate, Insecure: cfg.Observability.Tracing.Insecure,
	})
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := queryclient.NewClickHouseTransport(ctx, queryclient.ClickHouseOptions{
		Addr: cfg.ClickHouse.Addr, Database: cfg.ClickHouse.Database,
		Username: cfg.ClickHouse.Username, Password: cfg.ClickHouse.Password,
		DialTimeout: cfg.ClickHouse.DialTimeout, MaxOpenConns: cfg.ClickHouse.MaxOpenConns,
		MaxIdleConns: cfg.ClickHouse.MaxIdleConns, ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal("clickhouse connect failed", obs.Err(err))
	}
	defer ch.Close()

	qc := queryclient.New(queryclient.Config{
		APIURL: cfg.QueryClient.APIURL, Path: cfg.QueryClient.Path, APIKey: cfg.QueryClient.APIKey,
		QueryTimeout: cfg.QueryClient.QueryTimeout, MaxRetries: cfg.QueryClient.MaxRetries,
	}, ch)

	persist := store.New(rdb, nil)
	bus := eventbus.New(nil, rate.Every(5*time.Second))
	ctrl := rollout.New(persist, bus, clock.Real{}, nil, func() string { return "dep_" + uuid.NewString() })

	if err := ctrl.Recover(ctx); err != nil {
		logger.Fatal("recover failed", obs.Err(err))
	}

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg.Observability.MetricsPort, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	bus.Subscribe(func(ev eventbus.Event) {
		logger.Info("rollout event", zap.String("type", string(ev.Type)), zap.String("deployment_id", ev.DeploymentID))
	})

	domainCfg := cfg.Deployment.ToDomain()
	existing := ctrl.Snapshot()
	if existing == nil && domainCfg.Name != "" {
		snap, err := ctrl.StartDeployment(ctx, domainCfg)
		if err != nil {
			logger.Fatal("start deployment failed", obs.Err(err))
		}
		existing = snap
	}

	if existing != nil {
		mon := monitor.New(monitor.Config{
			DeploymentID: existing.ID, Project: existing.Config.Project,
			PollInterval: existing.Config.Monitor.PollInterval, StageStartTime: existing.StageEnteredAt,
			ScorerNames: existing.Config.ScorerNames(), ScorerLagGrace: existing.Config.Monitor.ScorerLagGrace,
		}, qc, ctrl, bus, clock.Real{}, nil)
		ctrl.AttachMonitor(mon)
		mon.Start(ctx)
		defer mon.Stop()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
	cancel()
}
