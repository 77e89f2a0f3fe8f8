// Command crewd runs the agent crew daemon: mission step workers, the
// heartbeat coordination tick, the roundtable conversation worker, and the
// HTTP control surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bloq-ai/crewd/internal/bus"
	"github.com/bloq-ai/crewd/internal/config"
	"github.com/bloq-ai/crewd/internal/gate"
	"github.com/bloq-ai/crewd/internal/gateway"
	"github.com/bloq-ai/crewd/internal/heartbeat"
	"github.com/bloq-ai/crewd/internal/initiative"
	"github.com/bloq-ai/crewd/internal/llm"
	"github.com/bloq-ai/crewd/internal/memory"
	"github.com/bloq-ai/crewd/internal/mission"
	crewotel "github.com/bloq-ai/crewd/internal/otel"
	"github.com/bloq-ai/crewd/internal/persistence"
	"github.com/bloq-ai/crewd/internal/policy"
	"github.com/bloq-ai/crewd/internal/proposal"
	"github.com/bloq-ai/crewd/internal/reaction"
	"github.com/bloq-ai/crewd/internal/relationship"
	"github.com/bloq-ai/crewd/internal/roundtable"
	"github.com/bloq-ai/crewd/internal/social"
	"github.com/bloq-ai/crewd/internal/telemetry"
	"github.com/bloq-ai/crewd/internal/trigger"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("crewd", Version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "crewd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NeedsGenesis {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("crewd starting", "version", Version, "home", cfg.HomeDir, "config", cfg.Fingerprint())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := crewotel.Init(ctx, cfg.Otel)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("otel shutdown", "error", err)
		}
	}()
	metrics, err := crewotel.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath(), eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	loader, err := policy.NewLoader(store)
	if err != nil {
		return fmt.Errorf("init policy loader: %w", err)
	}
	gates := gate.NewRegistry(store, loader)
	proposals := proposal.NewService(store, gates, loader, logger)

	client := llm.NewAnthropic(cfg.LLM.APIKey(), cfg.LLM.Model, cfg.LLM.MaxTokens,
		time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)
	var publisher social.Publisher = social.Noop{}

	executors := mission.NewRegistry()
	executors.RegisterBuiltins(client, publisher)
	engine := mission.NewEngine(store, executors, logger, metrics, cfg.StepTimeout())
	reaper := mission.NewReaper(store, loader, engine, logger, metrics)

	cache := memory.NewCache(store)
	drifter := relationship.NewDrifter(store, logger)
	distiller := memory.NewDistiller(store, client, drifter, cache, logger)
	outcomes := memory.NewOutcomeLearner(store, client, cache, logger)

	triggers := trigger.NewEngine(store, proposals, logger, metrics)
	trigger.RegisterBuiltins(triggers, store, cache)
	if err := trigger.SeedDefaults(ctx, store); err != nil {
		return fmt.Errorf("seed triggers: %w", err)
	}

	reactions := reaction.NewEngine(store, loader, proposals, logger, metrics)
	scheduler := roundtable.NewScheduler(store, loader, logger)
	actions := roundtable.NewActionExtractor(store, proposals, loader, client, logger)
	rtWorker := roundtable.NewWorker(store, loader, client, distiller, actions, cache, logger, metrics)
	queuer := initiative.NewQueuer(store, logger)
	iniWorker := initiative.NewWorker(store, proposals, client, logger)

	hb := heartbeat.New(triggers, reactions, reaper, scheduler, queuer, iniWorker, outcomes, logger, metrics)
	runner, err := heartbeat.NewRunner(hb, cfg.HeartbeatCron, logger)
	if err != nil {
		return err
	}
	runner.Start(ctx)
	defer runner.Stop()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Mission.WorkerCount; i++ {
		w := mission.NewWorker(store, engine, logger, metrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		rtWorker.Run(ctx)
	}()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-watcher.Events():
					if !ok {
						return
					}
					// Settings are bound at startup; the change is logged by
					// the watcher so operators know a restart is pending.
				}
			}
		}()
	}

	srv := gateway.New(gateway.Config{
		Store:             store,
		Bus:               eventBus,
		Proposals:         proposals,
		Heartbeat:         hb,
		Triggers:          triggers,
		AuthToken:         cfg.AuthToken,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
	})
	logger.Info("gateway listening", "addr", cfg.BindAddr)
	err = srv.Serve(ctx, cfg.BindAddr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("gateway stopped", "error", err)
	}

	stop()
	wg.Wait()
	logger.Info("crewd stopped")
	return err
}
