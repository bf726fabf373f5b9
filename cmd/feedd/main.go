// Command feedd serves paginated feeds and reaction toggles over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/GetStream/feed-reactions/badger"
	"github.com/GetStream/feed-reactions/config"
	"github.com/GetStream/feed-reactions/feed"
	"github.com/GetStream/feed-reactions/memstore"
	"github.com/GetStream/feed-reactions/postgres"
	"github.com/GetStream/feed-reactions/redis"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "feedd",
	Short:         "Feed pagination and reaction ledger server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml, json or toml); FEED_* environment variables override it")
	rootCmd.AddCommand(serveCmd, migrateCmd, reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err.Error())
		os.Exit(1)
	}
}

// setup loads the configuration and installs the JSON logger as the default.
func setup() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	level, err := cfg.Level()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openStore connects to the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (feed.Store, func() error, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		pg, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case config.BackendRedis:
		rdb, err := redis.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		return rdb, rdb.Close, nil
	case config.BackendBadger:
		bcfg := badger.DefaultConfig(cfg.BadgerPath)
		bcfg.Logger = logger.With("component", "badger")
		db, err := badger.Open(bcfg)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case config.BackendMemory:
		logger.Warn("Using the in-memory backend, data is lost on exit")
		return memstore.New(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
