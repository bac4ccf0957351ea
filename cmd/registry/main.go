package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"carRegistry/internal/chain"
	"carRegistry/internal/config"
	"carRegistry/internal/contracts"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "registry",
		Short:        "Vehicle registry reader",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file path")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("rpc-endpoints", "", "per-chain RPC endpoints in priority order (11155111=https://a,https://b;137=https://c)")
	flags.String("contracts", "", "per-chain contract addresses (11155111=0xCar,0xMaintenance,0xInsurance)")
	flags.String("fallback-rpc", chain.DefaultFallbackURL, "RPC endpoint for chains without configuration")
	flags.Duration("rpc-timeout", 10*time.Second, "per-request RPC timeout")
	flags.Float64("rpc-rate-limit", 0, "max requests per second per endpoint (0 = unlimited)")
	flags.Int("max-attempts", chain.DefaultMaxAttempts, "attempts per endpoint before falling back")
	flags.Duration("retry-delay", chain.DefaultRetryDelay, "delay between attempts on the same endpoint")

	carsCmd := &cobra.Command{
		Use:   "cars",
		Short: "List the cars an address owns",
		RunE:  runCars,
	}
	carsCmd.Flags().String("owner", "", "owner address")
	carsCmd.Flags().Uint64("chain-id", 0, "chain id")
	carsCmd.Flags().String("out", "", "append the result to this JSONL file")
	carsCmd.Flags().String("pg-dsn", "", "store the result as a Postgres snapshot")
	root.AddCommand(carsCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the registry HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().Uint64("chain-id", 0, "chain id used when a request has none")
	serveCmd.Flags().String("redis-url", "", "subscribe to change events published by a watcher over Redis")
	serveCmd.Flags().Bool("watch", false, "run chain watchers in-process when no Redis is configured")
	serveCmd.Flags().StringSlice("allowed-origins", nil, "origins allowed to open the event stream")
	root.AddCommand(serveCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow registry contract events and publish them",
		RunE:  runWatch,
	}
	watchCmd.Flags().StringSlice("chain-id", nil, "chains to watch (default: every chain with contracts)")
	watchCmd.Flags().String("redis-url", "", "publish events over Redis")
	watchCmd.Flags().String("pg-dsn", "", "store events and checkpoints in Postgres")
	watchCmd.Flags().String("out", "", "append events to this JSONL file")
	watchCmd.Flags().String("checkpoint", "./data/checkpoint.json", "checkpoint file path (ignored with --pg-dsn)")
	watchCmd.Flags().Uint64("batch-size", 2000, "blocks per log query")
	watchCmd.Flags().Uint64("confirmations", 2, "blocks to stay behind the head")
	watchCmd.Flags().Duration("poll-interval", 15*time.Second, "delay between polls")
	root.AddCommand(watchCmd)

	return root
}

// app bundles what every command builds from config.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	pools    *chain.PoolManager
	executor *chain.Executor
	book     contracts.Book
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	book, err := cfg.Book()
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("contracts: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		pools:    chain.NewPoolManager(cfg.Endpoints(), cfg.Fallback(), logger),
		executor: chain.NewExecutor(cfg.Executor(), logger),
		book:     book,
	}, nil
}

func (a *app) Close() {
	a.pools.Close()
	_ = a.logger.Sync()
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
