package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chronicle/internal/history"
	"chronicle/internal/history/feed"
	hmetrics "chronicle/internal/history/metrics"
	"chronicle/internal/history/store"
	httpapi "chronicle/internal/http"
	"chronicle/internal/platform/config"
	"chronicle/internal/platform/httpserver"
	"chronicle/internal/platform/logger"
	"chronicle/internal/platform/metrics"
	"chronicle/internal/platform/redis"
	"chronicle/internal/tenant"
	thandler "chronicle/internal/tenant/handler"
	tmetrics "chronicle/internal/tenant/metrics"
	tservice "chronicle/internal/tenant/service"
	"chronicle/pkg/platform/middleware/auth"
)

const (
	feedPartitions        = 3
	feedReplicationFactor = 1
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the resource tree and its history over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the history schema to PostgreSQL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Storage.Backend != config.BackendPostgres {
				return fmt.Errorf("migrate needs the postgres backend, got %q", cfg.Storage.Backend)
			}
			db, err := sql.Open("postgres", cfg.Storage.PostgresDSN)
			if err != nil {
				return fmt.Errorf("open postgres: %w", err)
			}
			defer db.Close()
			return store.Migrate(cmd.Context(), db)
		},
	}
}

// backend is the history store chosen by configuration. outbox is set only
// for PostgreSQL, the one store that feeds Kafka.
type backend struct {
	store  store.Store
	outbox *store.Postgres
	close  func()
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := store.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		pg := store.NewPostgres(db)
		return &backend{store: pg, outbox: pg, close: func() { _ = db.Close() }}, nil
	case config.BackendRedis:
		client, err := redis.New(ctx, cfg.Storage.RedisURL)
		if err != nil {
			return nil, err
		}
		return &backend{
			store: store.NewRedis(client.Client, ""),
			close: func() { _ = client.Close() },
		}, nil
	default:
		return &backend{store: store.NewInMemory(), close: func() {}}, nil
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, syncLogs, err := logger.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	if err != nil {
		return err
	}
	defer syncLogs()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	historyMetrics := hmetrics.New(reg)

	be, err := openBackend(ctx, cfg)
	if err != nil {
		log.ErrorContext(ctx, "failed to open history store", "backend", cfg.Storage.Backend, "error", err)
		return err
	}
	defer be.close()

	h := history.New(be.store, history.Config{
		Enabled:        cfg.History.Enabled,
		ReadPrincipals: cfg.History.ReadPrincipals,
		MaxPageSize:    cfg.History.MaxPageSize,
	}, history.WithLogger(log), history.WithMetrics(historyMetrics))

	treeMetrics := tmetrics.New(reg)
	treeOpts := []tservice.Option{
		tservice.WithLogger(log),
		tservice.WithMetrics(treeMetrics),
	}
	if h.Enabled() {
		treeOpts = append(treeOpts, tservice.WithHistory(h.Store(), h.Hook()))
	}
	tree := tenant.NewService(treeOpts...)

	var validator auth.JWTValidator
	if v := auth.NewHS256Validator(cfg.Auth.JWTSecret); v != nil {
		validator = v
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Logger:     log,
		Metrics:    metrics.New(reg),
		Gatherer:   reg,
		Identifier: auth.NewIdentifier(cfg.Auth.HMACSecret, validator),
		Tree:       tree,
		TreeRoutes: tenant.NewHandler(tree, log, thandler.WithMetrics(treeMetrics)),
		History:    h,
	})

	var relay *feed.Relay
	if cfg.FeedEnabled() && h.Enabled() {
		var closeFeed func()
		relay, closeFeed, err = openFeed(ctx, cfg, be.outbox, log, historyMetrics)
		if err != nil {
			log.ErrorContext(ctx, "failed to open change feed", "error", err)
			return err
		}
		defer closeFeed()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "starting chronicle",
			"addr", cfg.Server.Addr,
			"backend", cfg.Storage.Backend,
			"history_enabled", h.Enabled(),
			"feed_enabled", relay != nil,
		)
		return httpserver.Run(gctx, httpserver.New(cfg.Server.Addr, router))
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("chronicle stopped", "error", err)
		return err
	}
	log.Info("chronicle stopped")
	return nil
}

func openFeed(ctx context.Context, cfg *config.Config, outbox *store.Postgres, log *slog.Logger, m *hmetrics.Metrics) (*feed.Relay, func(), error) {
	publisher, err := feed.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		return nil, nil, fmt.Errorf("create kafka publisher: %w", err)
	}
	if err := publisher.EnsureTopic(ctx, feedPartitions, feedReplicationFactor); err != nil {
		publisher.Close()
		return nil, nil, fmt.Errorf("ensure topic %s: %w", cfg.Kafka.Topic, err)
	}
	log.InfoContext(ctx, "change feed enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	relay := feed.New(outbox, publisher, feed.WithLogger(log), feed.WithMetrics(m))
	return relay, publisher.Close, nil
}
