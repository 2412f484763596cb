// FlowForge's orchestrator binary: schedules due manifests onto the work
// queue, dispatches claimed entries through the task server, and serves
// the operational API. Safe to run several copies against one database;
// the lease elector keeps exactly one of them scheduling.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/clock"
	"github.com/itskum47/FlowForge/orchestrator/config"
	"github.com/itskum47/FlowForge/orchestrator/coordination"
	"github.com/itskum47/FlowForge/orchestrator/dag"
	"github.com/itskum47/FlowForge/orchestrator/dispatcher"
	"github.com/itskum47/FlowForge/orchestrator/events"
	"github.com/itskum47/FlowForge/orchestrator/manager"
	"github.com/itskum47/FlowForge/orchestrator/observability"
	"github.com/itskum47/FlowForge/orchestrator/store"
	"github.com/itskum47/FlowForge/orchestrator/taskserver"
	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "flowforge: "+err.Error())
		os.Exit(1)
	}
}

// newLogger picks the format by deployment shape: JSON in anything that
// has a real database behind it, console for in-memory development runs.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Database.URL == "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		return store.NewMemoryStore(), nil
	}
	st, err := store.NewPostgresStore(ctx, store.PostgresConfig{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// buildRegistry holds every workflow this binary can execute. Production
// registrations belong here; the demo set ships behind dev.sample_workflows.
func buildRegistry(cfg *config.Config) *workflow.Registry {
	reg := workflow.NewRegistry()
	if cfg.Dev.SampleWorkflows {
		registerSampleWorkflows(reg, cfg.Retry.DefaultMaxRetries)
	}
	return reg
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	st, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if cfg.Database.URL == "" {
		log.Warn("no database.url configured, state lives in memory and dies with the process")
	}

	reg := buildRegistry(cfg)

	seeded, err := workflow.SeedManifests(ctx, st, reg)
	if err != nil {
		return fmt.Errorf("seed manifests: %w", err)
	}
	log.Info("manifest seeds applied",
		zap.Int("groups_created", seeded.GroupsCreated),
		zap.Int("manifests_created", seeded.ManifestsCreated),
		zap.Int("manifests_updated", seeded.ManifestsUpdated))

	// A cyclic or dangling dependency graph must stop the process before
	// anything schedules against it.
	manifests, err := st.ListManifests(ctx, store.ManifestFilter{})
	if err != nil {
		return err
	}
	groups, err := st.ListManifestGroups(ctx)
	if err != nil {
		return err
	}
	graph, err := dag.Build(manifests, groups)
	if err != nil {
		return fmt.Errorf("dependency graph: %w", err)
	}
	if err := graph.Validate(); err != nil {
		return fmt.Errorf("dependency graph: %w", err)
	}

	clk := clock.NewReal()
	identity := coordination.Identity()
	notifier := workflow.NewNotifier(log)
	bus := workflow.NewBus(reg, st, clk, notifier, identity, log.Named("bus"))

	var server taskserver.Server
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		server = taskserver.NewRedisServer(client, bus.ExecuteDispatch, st, clk, taskserver.RedisServerConfig{
			QueueKey: cfg.Redis.QueueKey,
			Workers:  cfg.Redis.Workers,
		}, log.Named("taskserver"))
		log.Info("task server backend: redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		server = taskserver.NewInProc(bus.ExecuteDispatch, st, clk, taskserver.InProcConfig{}, log.Named("taskserver"))
	}

	elector := coordination.NewElector(st, clk, cfg.Coordination.LeaseTTL.Std(), log)
	// The manager and dispatcher poll leadership every tick, so the
	// callbacks only narrate transitions for the operator.
	elector.SetCallbacks(
		func(context.Context) { log.Info("leadership acquired, scheduling is active on this node") },
		func() { log.Info("leadership lost, standing by") },
	)

	disp := dispatcher.New(st, server, reg, notifier, elector, clk, identity, dispatcher.Config{
		PollingInterval: cfg.Dispatcher.PollingInterval.Std(),
		MaxActiveJobs:   cfg.Dispatcher.MaxActiveJobs,
	}, log)

	manager.NewOutcomeHandler(st, notifier, clk, manager.RetryConfig{
		DefaultRetryDelay: cfg.Retry.DefaultRetryDelay.Std(),
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		MaxRetryDelay:     cfg.Retry.MaxRetryDelay.Std(),
	}, log)

	mgr := manager.New(st, reg, notifier, elector, clk, manager.Config{
		PollingInterval:         cfg.Manager.PollingInterval.Std(),
		MaxJobsPerCycle:         cfg.Manager.MaxJobsPerCycle,
		RecoverStuckJobsOnStart: cfg.Manager.RecoverStuckJobsOnStartup,
		ReapEveryNCycles:        cfg.Manager.ReapEveryNCycles,
		DefaultJobTimeout:       cfg.Timeouts.DefaultJobTimeout.Std(),
		CleanupInterval:         cfg.Cleanup.CleanupInterval.Std(),
		RetentionPeriod:         cfg.Cleanup.RetentionPeriod.Std(),
		CleanupBatchSize:        cfg.Cleanup.BatchSize,
		AutoPurgeDeadLetters:    cfg.Cleanup.AutoPurgeDeadLetters,
		DeadLetterRetention:     cfg.Cleanup.DeadLetterRetentionPeriod.Std(),
	}, log)

	hub := NewWSHub(log)

	// Event fanout. With NATS configured the log publisher rides along as
	// its fallback; without it, events go straight to the log.
	logPub := events.NewLogPublisher(log)
	var pubs events.Fanout
	if cfg.NATS.URL != "" {
		natsPub, err := events.ConnectNATS(cfg.NATS.URL, logPub, log)
		if err != nil {
			return fmt.Errorf("nats %s: %w", cfg.NATS.URL, err)
		}
		pubs = append(pubs, natsPub)
	} else {
		pubs = append(pubs, logPub)
	}
	pubs = append(pubs, hub)
	notifier.Subscribe(events.Observer(pubs, clk))
	notifier.Subscribe(observability.RunMetrics{})

	// The dispatcher samples queue depth while leading; this keeps the
	// gauge current on standbys too.
	if err := server.EnqueueRecurring("queue-depth-sample", "* * * * *", func(ctx context.Context) {
		depth, err := st.CountQueuedWork(ctx)
		if err != nil {
			log.Warn("queue depth sample failed", zap.Error(err))
			return
		}
		observability.QueueDepth.Set(float64(depth))
	}); err != nil {
		return err
	}

	if err := server.Start(ctx); err != nil {
		return err
	}
	elector.Start(ctx)
	go hub.Run(ctx)
	if cfg.Dispatcher.Enabled {
		if err := disp.Start(ctx); err != nil {
			return err
		}
	}
	if cfg.Manager.Enabled {
		if err := mgr.Start(ctx); err != nil {
			return err
		}
	}

	api := NewAPI(st, mgr, disp, reg, elector, hub, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, log)
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Info("flowforge serving",
			zap.String("version", version),
			zap.String("node", identity),
			zap.String("addr", cfg.Server.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-httpErr:
		log.Error("http server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Release the lease first so a standby takes over while this node
	// drains; then stop intake before the executors.
	elector.Stop()
	mgr.Stop()
	if cfg.Dispatcher.Enabled {
		// Drains in-flight runs and stops the task server behind them.
		if err := disp.Stop(shutdownCtx); err != nil {
			log.Warn("dispatcher stop", zap.Error(err))
		}
	} else if err := server.Stop(shutdownCtx); err != nil {
		log.Warn("task server stop", zap.Error(err))
	}
	pubs.Close()
	hub.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	log.Info("flowforge stopped")
	return runErr
}
