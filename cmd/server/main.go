package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/samhotchkiss/popo-bridge/internal/agent"
	"github.com/samhotchkiss/popo-bridge/internal/api"
	"github.com/samhotchkiss/popo-bridge/internal/config"
	"github.com/samhotchkiss/popo-bridge/internal/dispatch"
	"github.com/samhotchkiss/popo-bridge/internal/logging"
	"github.com/samhotchkiss/popo-bridge/internal/memory"
	"github.com/samhotchkiss/popo-bridge/internal/messenger"
	"github.com/samhotchkiss/popo-bridge/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	port     string
	botsFile string
	logLevel string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	flagSet := pflag.NewFlagSet("popo-bridge", pflag.ContinueOnError)
	flagSet.StringVar(&f.port, "port", "", "listen port (overrides PORT)")
	flagSet.StringVar(&f.botsFile, "bots-file", "", "YAML, JSON or TOML file with bot deployments (overrides BOTS_FILE)")
	flagSet.StringVar(&f.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	if err := flagSet.Parse(args); err != nil {
		return flags{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return flags{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return f, nil
}

// apply exports flag overrides so config.Load sees a single source.
func (f flags) apply() {
	if f.port != "" {
		_ = os.Setenv("PORT", f.port)
	}
	if f.botsFile != "" {
		_ = os.Setenv("BOTS_FILE", f.botsFile)
	}
	if f.logLevel != "" {
		_ = os.Setenv("LOG_LEVEL", f.logLevel)
	}
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	f.apply()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Options{
		Level:       cfg.LogLevel,
		Development: cfg.IsDevelopment(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := dispatch.NewEngine(dispatch.Options{
		Store: store,
		Invoker: agent.NewClient(agent.ClientOptions{
			BaseURL: cfg.Agent.BaseURL,
			Timeout: cfg.Agent.Timeout,
		}),
		Messenger: messenger.Switch{
			API: messenger.NewClient(messenger.ClientOptions{
				BaseURL:  cfg.POPO.APIBaseURL,
				TokenTTL: cfg.POPO.TokenTTL,
			}),
			Webhook: messenger.NewWebhookClient(messenger.WebhookOptions{}),
		},
		Logger:   logger,
		PoolSize: cfg.Dispatch.PoolSize,
		Location: cfg.POPO.Location,
	})
	if err != nil {
		return err
	}
	metrics.RegisterPool(engine.PoolMetrics)

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(api.RouterOptions{
			Bots:       cfg.Bots,
			Dispatcher: engine,
			Logger:     logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"port":        cfg.Port,
			"deployments": cfg.Bots.IDs(),
			"memory":      cfg.Memory.Backend,
		}).Info("POPO bridge starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http shutdown incomplete")
		}
		if err := engine.Close(shutdownTimeout); err != nil {
			logger.WithError(err).Warn("dispatch pool did not drain; running units are dropped")
		}
		logger.Info("POPO bridge stopped")
		return nil
	})

	return g.Wait()
}

// openStore builds the configured conversation memory backend.
func openStore(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (memory.Store, func(), error) {
	switch cfg.Memory.Backend {
	case config.MemoryBackendRedis:
		client, err := newRedisClient(cfg.Memory)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return memory.NewRedisStore(client, cfg.Memory.TTL), func() { _ = client.Close() }, nil

	case config.MemoryBackendPostgres:
		if err := memory.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		db, err := memory.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := memory.NewPostgresStore(db, cfg.Memory.TTL)
		memory.StartSweeper(ctx, store, cfg.Memory.SweepInterval, logger)
		return store, closeDB(db, logger), nil

	default:
		store := memory.NewLocalStore(cfg.Memory.TTL)
		memory.StartSweeper(ctx, store, cfg.Memory.SweepInterval, logger)
		return store, func() {}, nil
	}
}

func newRedisClient(cfg config.MemoryConfig) (*redis.Client, error) {
	if strings.HasPrefix(cfg.RedisAddr, "redis://") || strings.HasPrefix(cfg.RedisAddr, "rediss://") {
		opts, err := redis.ParseURL(cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		if cfg.RedisPassword != "" {
			opts.Password = cfg.RedisPassword
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}), nil
}

func closeDB(db *sql.DB, logger logrus.FieldLogger) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("close database")
		}
	}
}
