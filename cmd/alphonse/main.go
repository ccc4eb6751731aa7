// Package main is the entry point for the Alphonse agent core.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/abilities"
	"github.com/khabaznak/alphonse-agent/internal/actions"
	"github.com/khabaznak/alphonse-agent/internal/buildinfo"
	"github.com/khabaznak/alphonse-agent/internal/bus"
	"github.com/khabaznak/alphonse-agent/internal/config"
	"github.com/khabaznak/alphonse-agent/internal/extremities"
	"github.com/khabaznak/alphonse-agent/internal/fsm"
	"github.com/khabaznak/alphonse-agent/internal/fsmcatalog"
	"github.com/khabaznak/alphonse-agent/internal/gateway"
	"github.com/khabaznak/alphonse-agent/internal/llm"
	"github.com/khabaznak/alphonse-agent/internal/observability"
	"github.com/khabaznak/alphonse-agent/internal/plans"
	"github.com/khabaznak/alphonse-agent/internal/render"
	"github.com/khabaznak/alphonse-agent/internal/senses"
	"github.com/khabaznak/alphonse-agent/internal/signalqueue"
	"github.com/khabaznak/alphonse-agent/internal/slices"
	"github.com/khabaznak/alphonse-agent/internal/store"
	"github.com/khabaznak/alphonse-agent/internal/timedsignals"
	"github.com/khabaznak/alphonse-agent/internal/tools"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	abilitiesDir := flag.String("abilities-dir", "", "directory of operator-supplied ability fixtures (defaults to the bundled catalog)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath, *abilitiesDir)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("Alphonse - data-defined agent core")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the agent (gateway, FSM engine, schedulers)")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath, abilitiesDir string) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Warn("no config file found, using defaults and environment overrides", "error", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting alphonse", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "db_path", cfg.DBPath)

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Error("failed to create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	catalog, err := loadOrSeedCatalog(ctx, s, cfg, logger)
	if err != nil {
		logger.Error("failed to load fsm catalog", "error", err)
		os.Exit(1)
	}

	actionReg := actions.NewRegistry()
	guardReg := actions.NewGuardRegistry()
	actions.RegisterDefaultGuards(guardReg)

	var engine *fsm.Engine
	var timedSched *timedsignals.Scheduler

	statusFn := func() (string, time.Duration) {
		if engine == nil {
			return "", 0
		}
		return engine.Status()
	}
	pendingTimedFn := func() int {
		n, err := s.TimedSignals().CountPending(ctx)
		if err != nil {
			logger.Error("failed to count pending timed signals", "error", err)
			return 0
		}
		return n
	}
	actions.RegisterDefaults(actionReg, statusFn, pendingTimedFn)

	if err := catalog.ValidateKeys(
		func(key string) bool { _, ok := actionReg.Get(key); return ok },
		func(key string) bool { _, ok := guardReg.Get(key); return ok },
	); err != nil {
		logger.Error("catalog validation failed at boot", "error", err)
		os.Exit(1)
	}

	renderReg := render.NewRegistry()
	toolReg := tools.NewRegistry()
	llmProvider := llm.New(llm.Config{}, logger)

	abilityEntries, err := loadAbilities(abilitiesDir, logger)
	if err != nil {
		logger.Error("failed to load abilities", "error", err)
		os.Exit(1)
	}
	abilityReg, err := abilities.NewRegistry(abilityEntries)
	if err != nil {
		logger.Error("invalid ability catalog", "error", err)
		os.Exit(1)
	}
	logger.Info("abilities loaded", "count", len(abilityReg.Names()), "names", abilityReg.Names())

	runtime := &actions.Runtime{
		Principals: s.Principals(),
		Slices:     s.Slices(),
		Tools:      toolReg,
		LLM:        llmProvider,
		Render:     renderReg,
		Abilities:  abilityReg,
		Logger:     logger,
	}

	b := bus.New(256, bus.Block)

	mirror := observability.NewMirror()
	sink := observability.New(observability.Config{
		Store:       s,
		Mirror:      mirror,
		Logger:      logger,
		NonErrorTTL: time.Duration(cfg.Observability.NonErrorTTLDays) * 24 * time.Hour,
		ErrorTTL:    time.Duration(cfg.Observability.ErrorTTLDays) * 24 * time.Hour,
		MaxRows:     cfg.Observability.MaxRows,
		Interval:    time.Duration(cfg.Observability.MaintenanceSeconds) * time.Second,
	})
	sink.MirrorBus(ctx, b)
	sink.Start(ctx)
	defer sink.Stop()

	router := extremities.NewRouter(logger)
	router.Register(extremities.NewCLIExtremity(os.Stdout, logger), "cli")

	apiSense := senses.NewAPISense(10, 20, logger)

	gw := gateway.New(gateway.Config{
		Store:       s,
		Token:       cfg.API.Token,
		MessageWait: time.Duration(cfg.API.MessageWaitSeconds) * time.Second,
		Limiter:     apiSense,
		Logger:      logger,
	})
	router.Register(extremities.NewAPISSEExtremity(gw), "api")

	webhookExt := extremities.NewWebhookExtremity(logger)
	router.Register(webhookExt, "webhook")
	gw.Handle("GET /webhook", webhookExt.HandleUpgrade)

	engine = fsm.New(fsm.Config{
		Bus:      b,
		Store:    s,
		Catalog:  catalog,
		Actions:  actionReg,
		Guards:   guardReg,
		Runtime:  runtime,
		Outbound: router,
		Logger:   logger,
		WorkerID: "fsm-engine",
	})
	if err := engine.Start(ctx); err != nil {
		logger.Error("failed to start fsm engine", "error", err)
		os.Exit(1)
	}
	defer engine.Stop()

	timedSched = timedsignals.New(timedsignals.Config{
		Store:    s,
		Bus:      b,
		Logger:   logger,
		WorkerID: "timed-signals-worker",
		LeaseTTL: time.Duration(cfg.Scheduler.LeaseSeconds) * time.Second,
		Interval: time.Duration(cfg.Scheduler.TickSeconds) * time.Second,
	})
	timedSched.Start(ctx)
	defer timedSched.Stop()

	planRegistry := plans.NewRegistry(s)
	planRegistry.RegisterExecutor("create_reminder_v1", plans.NewCreateReminderExecutor(timedSched))
	if err := planRegistry.LoadFixtureDir(ctx, "fixtures/plans"); err != nil {
		logger.Error("failed to load plan fixtures", "error", err)
		os.Exit(1)
	}
	planExecutor := plans.NewExecutor(plans.ExecutorConfig{
		Registry: planRegistry,
		Store:    s,
		Runtime:  runtime,
		Logger:   logger,
	})
	planExecutor.Start(ctx)
	defer planExecutor.Stop()

	sliceExecutor := slices.New(slices.Config{
		Store:            s,
		Bus:              b,
		Runtime:          runtime,
		Outbound:         router,
		Logger:           logger,
		WorkerID:         "slice-executor",
		Interval:         time.Second,
		YieldWait:        2 * time.Second,
		NoProgressCycles: 3,
		CycleFunc:        slices.DefaultCycleFunc,
	})
	sliceExecutor.Start(ctx)
	defer sliceExecutor.Stop()

	sigQueuePoller := signalqueue.New(signalqueue.Config{
		Store:    s,
		Bus:      b,
		Logger:   logger,
		WorkerID: "signal-queue-poller",
	})
	sigQueuePoller.Start(ctx)

	senseReg := senses.NewRegistry(logger)
	senseReg.Register(senses.NewCLISense(os.Stdin, s, logger))
	senseReg.Register(senses.NewTimerSense(time.Minute, logger))
	if err := senseReg.StartAll(ctx, b); err != nil {
		logger.Error("failed to start senses", "error", err)
		os.Exit(1)
	}

	gw.Start(fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port))
	logger.Info("alphonse serving", "address", cfg.Listen.Address, "port", cfg.Listen.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownDeadline, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := b.Publish(shutdownDeadline, bus.Signal{
		ID:        store.NewID(),
		Type:      "shutdown_requested",
		Source:    "main",
		CreatedAt: time.Now().UTC(),
		Status:    bus.StatusQueued,
	}); err != nil {
		logger.Error("failed to publish shutdown_requested", "error", err)
	}

	senseReg.StopAll()
	sigQueuePoller.Stop()

	for b.Pending() > 0 {
		select {
		case <-shutdownDeadline.Done():
			logger.Warn("shutdown deadline reached with signals still queued", "pending", b.Pending())
			goto drained
		case <-time.After(50 * time.Millisecond):
		}
	}
drained:
	b.Shutdown()

	if err := gw.Shutdown(shutdownDeadline); err != nil {
		logger.Error("gateway shutdown error", "error", err)
	}
	cancel()

	logger.Info("alphonse stopped")
}

// loadOrSeedCatalog loads the in-memory catalog, seeding the store
// from cfg.CatalogSeed on first boot (§8 boundary: "empty catalog at
// boot is fatal" unless a seed file can fill it).
func loadOrSeedCatalog(ctx context.Context, s *store.Store, cfg *config.Config, logger *slog.Logger) (*fsmcatalog.Catalog, error) {
	catalog, err := fsmcatalog.Load(ctx, s)
	if err == nil {
		return catalog, nil
	}
	if !errors.Is(err, fsmcatalog.ErrEmptyCatalog) {
		return nil, err
	}

	logger.Info("catalog is empty, applying seed file", "path", cfg.CatalogSeed)
	seed, err := fsmcatalog.LoadSeedFile(cfg.CatalogSeed)
	if err != nil {
		return nil, fmt.Errorf("load catalog seed: %w", err)
	}
	if seed.InitialState == "" {
		seed.InitialState = cfg.FSM.InitialState
	}
	if err := seed.Apply(ctx, s); err != nil {
		return nil, fmt.Errorf("apply catalog seed: %w", err)
	}
	return fsmcatalog.Load(ctx, s)
}

// loadAbilities loads the operator-supplied ability directory if set,
// otherwise the bundled default catalog (§9: abilities are a thin
// intent-name -> plan_kind/version lookup, separate from plan
// execution).
func loadAbilities(dir string, logger *slog.Logger) ([]abilities.Ability, error) {
	if dir == "" {
		return abilities.LoadDefaults()
	}
	logger.Info("loading abilities from operator directory", "dir", dir)
	return abilities.NewLoader(dir).Load()
}
