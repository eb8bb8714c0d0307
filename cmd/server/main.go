package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-grouping/internal/clock"
	"github.com/example/ride-grouping/internal/config"
	"github.com/example/ride-grouping/internal/coordinator"
	"github.com/example/ride-grouping/internal/dispatch"
	"github.com/example/ride-grouping/internal/engine"
	"github.com/example/ride-grouping/internal/events"
	httpapi "github.com/example/ride-grouping/internal/http"
	"github.com/example/ride-grouping/internal/identity"
	"github.com/example/ride-grouping/internal/index"
	"github.com/example/ride-grouping/internal/logging"
	"github.com/example/ride-grouping/internal/matcher"
	"github.com/example/ride-grouping/internal/payments"
	"github.com/example/ride-grouping/internal/scoring"
	"github.com/example/ride-grouping/internal/storage"
	"github.com/example/ride-grouping/internal/stream"
)

func main() {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	fs := pflag.NewFlagSet("ride-grouping", pflag.ExitOnError)
	cfg.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	clk := clock.Real()

	var store storage.Store = storage.NewMemoryStore()
	var readyChecks []func(context.Context) error
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			applied, err := storage.Migrate(ctx, ps.DB())
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		store = ps
		readyChecks = append(readyChecks, ps.DB().PingContext)
	}

	var dir identity.Directory = identity.NewStatic()
	if cfg.IdentityURL != "" {
		dir = identity.NewHTTPDirectory(cfg.IdentityURL)
	}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		dir = identity.NewRedisCache(rc, dir, cfg.ProfileCacheTTL)
		readyChecks = append(readyChecks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}
	dir = identity.NewMemoryCache(dir, cfg.ProfileCacheTTL)

	var sinks []events.Sink
	if len(cfg.KafkaBrokers) > 0 {
		kp := stream.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		sinks = append(sinks, kp)
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, dispatch.NewWebhookSink(cfg.WebhookURL, cfg.WebhookToken))
	}
	if cfg.StripeKey != "" {
		sinks = append(sinks, payments.NewDepositHolder(cfg.StripeKey, cfg.DepositAmount, cfg.DepositCurrency))
	}
	hub := events.NewHub(logger, events.DefaultRetryPolicy(), sinks...)

	m := cfg.Matching
	idx := index.New(index.Config{SearchRadiusMeters: m.CatchmentRadiusM, MaxCandidates: m.MaxCandidates, SlotWidth: m.SlotWidth})
	scorer := scoring.New(scoring.Config{
		Weights:               scoring.Weights{Route: m.WeightRoute, Time: m.WeightTime, Trust: m.WeightTrust, Misc: m.WeightMisc},
		CatchmentRadiusMeters: m.CatchmentRadiusM,
		NoRiderMisc:           scoring.DefaultConfig().NoRiderMisc,
	})
	eng, err := engine.New(engine.Config{
		PassInterval:  m.PassInterval,
		SweepInterval: m.SweepInterval,
		BurstSize:     m.BurstSize,
		AbandonAfter:  m.AbandonAfter,
		Retention:     m.Retention,
	}, engine.Deps{
		Clock:  clk,
		Logger: logger,
		Index:  idx,
		Builder: &matcher.Builder{
			Index:     idx,
			Scorer:    scorer,
			Directory: dir,
			Config:    matcher.Config{Threshold: m.Threshold, MaxGroupSize: m.MaxGroupSize},
			Logger:    logger.With("component", "matcher"),
		},
		Coordinator: coordinator.New(clk, m.ConfirmationWindow),
		Store:       store,
		Publisher:   hub,
	})
	if err != nil {
		return err
	}

	api := httpapi.NewServer(httpapi.Options{
		Engine: eng,
		WS:     dispatch.NewWSRegistry(hub, logger),
		Ready: func(ctx context.Context) error {
			for _, check := range readyChecks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Logger: logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		logger.Info("ride-grouping listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		hub.Flush(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
