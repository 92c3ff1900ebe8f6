// Command routerd launches the payment channel router.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/conduitnetwork/conduit/internal/bus"
	"github.com/conduitnetwork/conduit/internal/chain"
	"github.com/conduitnetwork/conduit/internal/channel"
	"github.com/conduitnetwork/conduit/internal/collateral"
	"github.com/conduitnetwork/conduit/internal/config"
	"github.com/conduitnetwork/conduit/internal/forwarding"
	"github.com/conduitnetwork/conduit/internal/observability"
	"github.com/conduitnetwork/conduit/internal/rebalance"
	"github.com/conduitnetwork/conduit/internal/registry"
	"github.com/conduitnetwork/conduit/internal/server"
	"github.com/conduitnetwork/conduit/internal/store"
	"github.com/conduitnetwork/conduit/internal/store/postgres"
	"github.com/conduitnetwork/conduit/internal/swap"
	"github.com/conduitnetwork/conduit/internal/telemetry"
	"github.com/conduitnetwork/conduit/internal/withdraw"
)

const (
	defaultConfigPath          = "config/router.yaml"
	shutdownTimeout            = 30 * time.Second
	adminServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout   = 10 * time.Second
	busShutdownTimeout         = 2 * time.Second
	telemetryShutdownTimeout   = 5 * time.Second
	adminReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	cfg, loadedFromFile, err := config.LoadOrDefault(ctx, cfgPath)
	if err != nil {
		fatal("load config", err)
	}

	observability.SetLogger(observability.NewZerologLogger(os.Stdout, cfg.LogLevel))
	logger := observability.Log()
	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults",
			observability.F("path", cfgPath))
	}
	logger.Info("configuration initialised",
		observability.F("env", string(cfg.Environment)),
		observability.F("allowedSwaps", len(cfg.AllowedSwaps)),
		observability.F("rebalanceProfiles", len(cfg.Profiles)))

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatal("initialize telemetry", err)
	}

	persistence, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("open store", err)
	}

	eventBus := bus.NewMemoryBus(bus.MemoryConfig{
		BufferSize:    cfg.Bus.BufferSize,
		FanoutWorkers: cfg.Bus.FanoutWorkers,
	})

	engine, err := channel.NewClient(cfg.EngineURL, nil)
	if err != nil {
		fatal("build engine client", err)
	}
	chainSvc, err := chain.NewClient(cfg.ChainServiceURL, nil)
	if err != nil {
		fatal("build chain service client", err)
	}

	reg := registry.New(cfg.PublicIdentifier)
	seedRegistry(ctx, reg, engine)

	streamURL, err := eventStreamURL(cfg.EngineURL)
	if err != nil {
		fatal("derive event stream url", err)
	}
	stream, err := channel.NewStream(streamURL, eventBus)
	if err != nil {
		fatal("build event stream", err)
	}

	lookup := config.NewService(cfg)
	calc := swap.NewCalculator(lookup, chainSvc)
	quoter := swap.NewQuoter(calc, cfg.Quote.SigningKey, cfg.Quote.TTL)

	collateralSvc := collateral.NewService(engine, chainSvc, lookup, reg, eventBus, persistence, cfg.SignerAddress)
	collateralListener := collateral.NewListener(collateralSvc)

	orch := forwarding.New(forwarding.Config{
		RouterIdentifier: cfg.PublicIdentifier,
		RetryAttempts:    cfg.Forwarding.RetryAttempts,
		RetryBackoff:     cfg.Forwarding.RetryBackoff,
		QueueSize:        cfg.Forwarding.QueueSize,
	}, engine, reg, calc, quoter, collateralSvc, persistence, eventBus)
	checkIn := forwarding.NewCheckInTask(orch, reg, eventBus, cfg.CheckIn.Interval)

	withdrawTask := withdraw.NewTask(cfg.Withdraw, chainSvc, persistence, eventBus)
	monitor := rebalance.NewMonitor(cfg.Rebalance, lookup, chainSvc, persistence, eventBus)

	var lifecycle conc.WaitGroup
	runForever(&lifecycle, "forwarding", func() error { return orch.Run(ctx) })
	runForever(&lifecycle, "checkin", func() error { return checkIn.Run(ctx) })
	runForever(&lifecycle, "collateral", func() error { return collateralListener.Run(ctx) })
	runForever(&lifecycle, "withdraw", func() error { return withdrawTask.Run(ctx) })
	runForever(&lifecycle, "rebalance", func() error { return monitor.Run(ctx) })
	stream.Start()

	adminServer := &http.Server{
		Addr: cfg.AdminAddr,
		Handler: server.NewHandler(server.Deps{
			AdminToken: cfg.AdminToken,
			Registry:   reg,
			Lookup:     lookup,
			Quoter:     quoter,
			Forwards:   persistence,
			Actions:    persistence,
			Withdraw:   withdrawTask,
			Rebalance:  monitor,
			Collateral: collateralSvc,
		}),
		ReadHeaderTimeout: adminReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observability.Log().Error("admin server", observability.F("error", err.Error()))
		}
	})
	logger.Info("admin API listening", observability.F("addr", adminServer.Addr))

	logger.Info("router started, awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, gracefulShutdownConfig{
		server:     adminServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		stream:     stream,
		bus:        eventBus,
		store:      persistence,
		telemetry:  telemetryShutdown,
	})

	logger.Info("shutdown completed",
		observability.F("elapsed", time.Since(shutdownStart).String()))
}

func parseFlags() string {
	cfgPath := flag.String("config", defaultConfigPath, "Path to router configuration file")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func fatal(stage string, err error) {
	observability.Log().Error(stage, observability.F("error", err.Error()))
	fmt.Fprintf(os.Stderr, "routerd: %s: %v\n", stage, err)
	os.Exit(1)
}

// openStore prefers postgres and falls back to the in-memory store when no
// database is configured. Migrations run before the pool opens.
func openStore(ctx context.Context, dsn string) (store.Store, error) {
	if dsn == "" {
		observability.Log().Info("no database configured, using in-memory store")
		return store.NewMemory(), nil
	}
	if err := postgres.Migrate(ctx, dsn); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	st, err := postgres.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return st, nil
}

// seedRegistry warms the channel registry from the engine. A cold registry is
// not fatal: lookups fall back to the engine per channel.
func seedRegistry(ctx context.Context, reg *registry.Registry, engine channel.Engine) {
	channels, err := engine.GetChannels(ctx)
	if err != nil {
		observability.Log().Warn("could not seed channel registry",
			observability.F("error", err.Error()))
		return
	}
	for _, ch := range channels {
		reg.Upsert(ch)
	}
	observability.Log().Info("channel registry seeded",
		observability.F("channels", len(channels)))
}

// eventStreamURL maps the engine base url onto its websocket event endpoint.
func eventStreamURL(engineURL string) (string, error) {
	parsed, err := url.Parse(engineURL)
	if err != nil {
		return "", fmt.Errorf("parse engine url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported engine url scheme %q", parsed.Scheme)
	}
	parsed.Path = "/events"
	return parsed.String(), nil
}

func runForever(lifecycle *conc.WaitGroup, name string, run func() error) {
	lifecycle.Go(func() {
		if err := run(); err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Error("background task exited",
				observability.F("task", name),
				observability.F("error", err.Error()))
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	stream     *channel.Stream
	bus        bus.Bus
	store      store.Store
	telemetry  func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, cfg gracefulShutdownConfig) {
	logger := observability.Log()
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown step started", observability.F("step", name))
		if err := fn(stepCtx); err != nil {
			logger.Error("shutdown step failed",
				observability.F("step", name),
				observability.F("error", err.Error()))
			return
		}
		logger.Info("shutdown step completed", observability.F("step", name))
	}

	if cfg.server != nil {
		shutdownStep("stopping admin server", adminServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.stream != nil {
		cfg.stream.Stop()
	}
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for background tasks", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for background tasks: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.store != nil {
		cfg.store.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("flushing telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}
