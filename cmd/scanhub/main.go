// Package main wires together the scan orchestration service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/imageguard/scanhub/internal/api"
	"github.com/imageguard/scanhub/internal/bulk"
	"github.com/imageguard/scanhub/internal/clock/system"
	"github.com/imageguard/scanhub/internal/config"
	"github.com/imageguard/scanhub/internal/dispatch"
	"github.com/imageguard/scanhub/internal/id/uuid"
	memoryinventory "github.com/imageguard/scanhub/internal/inventory/memory"
	"github.com/imageguard/scanhub/internal/logging"
	"github.com/imageguard/scanhub/internal/metrics"
	memorynotify "github.com/imageguard/scanhub/internal/notify/memory"
	pubsubnotify "github.com/imageguard/scanhub/internal/notify/pubsub"
	"github.com/imageguard/scanhub/internal/progress"
	"github.com/imageguard/scanhub/internal/registry"
	"github.com/imageguard/scanhub/internal/scan"
	"github.com/imageguard/scanhub/internal/sched"
	memorystore "github.com/imageguard/scanhub/internal/store/memory"
	postgresstore "github.com/imageguard/scanhub/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	ids := uuid.NewUUIDGenerator()

	store, closeStore, err := buildStore(ctx, cfg, ids, clock, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	notifier, closeNotifier, err := buildNotifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	broadcaster := progress.NewBroadcaster(progress.Config{
		TickInterval: cfg.SimTick(),
		Clock:        clock,
		Logger:       logger.Named("progress"),
	})
	dispatcher := dispatch.New(cfg.ScanDuration())

	reg := registry.New(
		registry.Config{ConcurrencyLimit: cfg.Scanner.ConcurrencyLimit},
		store,
		dispatcher,
		notifier,
		broadcaster,
		clock,
		ids,
		logger.Named("registry"),
	)

	inventory := memoryinventory.New(devInventory()...)
	orch := bulk.New(
		bulk.Config{MaxImages: cfg.Bulk.MaxImages, Priority: scan.PriorityBulk},
		inventory,
		reg,
		store,
		ids,
		clock,
		logger.Named("bulk"),
	)

	metricsListener, err := metrics.NewListener(prometheus.DefaultRegisterer, reg.QueueStats)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	reg.Subscribe(metricsListener.Listen)

	scheduler, err := sched.New(orch, logger.Named("sched"))
	if err != nil {
		return err
	}
	for name, sc := range cfg.Schedules {
		req := bulk.Request{
			Patterns:        sc.Patterns,
			ExcludePatterns: sc.ExcludePatterns,
			MaxImages:       sc.MaxImages,
		}
		if err := scheduler.Add(name, sc.Cron, req); err != nil {
			return err
		}
	}
	scheduler.Start()

	apiServer := api.NewServer(reg, orch, metrics.Handler(), logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		if err := scheduler.Shutdown(); err != nil {
			logger.Error("scheduler shutdown error", zap.Error(err))
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Error("bulk shutdown error", zap.Error(err))
		}
		if err := reg.Shutdown(shutdownCtx); err != nil {
			logger.Error("registry shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// buildStore selects the postgres store when a DSN is configured and the
// in-memory store otherwise.
func buildStore(ctx context.Context, cfg config.Config, ids scan.IDGenerator, clock scan.Clock, logger *zap.Logger) (scan.Store, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Info("using in-memory scan store")
		return memorystore.New(ids, clock), func() {}, nil
	}
	st, err := postgresstore.New(ctx, postgresstore.Config{
		DSN:          cfg.DB.DSN,
		Table:        cfg.DB.ScansTable,
		ReportsTable: cfg.DB.ReportsTable,
		MaxConns:     cfg.DB.MaxConns,
		MinConns:     cfg.DB.MinConns,
	}, ids, clock)
	if err != nil {
		return nil, nil, fmt.Errorf("init postgres store: %w", err)
	}
	logger.Info("using postgres scan store", zap.String("table", cfg.DB.ScansTable))
	return st, st.Close, nil
}

// buildNotifier selects the Pub/Sub notifier when a topic is configured and
// the in-memory notifier otherwise.
func buildNotifier(ctx context.Context, cfg config.Config, logger *zap.Logger) (scan.Notifier, func(), error) {
	if cfg.PubSub.TopicName == "" {
		logger.Info("using in-memory notifier")
		return memorynotify.New(), func() {}, nil
	}
	client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("init pubsub client: %w", err)
	}
	topic := client.Topic(cfg.PubSub.TopicName)
	closeFn := func() {
		topic.Stop()
		if err := client.Close(); err != nil {
			logger.Error("pubsub client close error", zap.Error(err))
		}
	}
	logger.Info("using pubsub notifier", zap.String("topic", cfg.PubSub.TopicName))
	return pubsubnotify.New(topic), closeFn, nil
}

// devInventory seeds the static inventory used when no external source is
// wired. Handy for local development and the simulated dispatcher.
func devInventory() []scan.Image {
	return []scan.Image{
		{ID: "img-001", Name: "app", Tag: "v1", Source: scan.SourceRegistry},
		{ID: "img-002", Name: "app", Tag: "v2", Source: scan.SourceRegistry},
		{ID: "img-003", Name: "app", Tag: "latest", Source: scan.SourceRegistry},
		{ID: "img-004", Name: "web", Tag: "stable", Source: scan.SourceRegistry},
		{ID: "img-005", Name: "db", Tag: "16", Source: scan.SourceRegistry},
	}
}
