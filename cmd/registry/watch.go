package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"carRegistry/internal/config"
	"carRegistry/internal/notify"
	"carRegistry/internal/storage"
	"carRegistry/internal/storage/postgres"
	"carRegistry/internal/watch"
)

func runWatch(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	chainIDs, err := chainIDsFlag(cmd)
	if err != nil {
		return err
	}
	if len(chainIDs) == 0 {
		chainIDs = a.cfg.ChainIDs()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bus notify.Bus
	if a.cfg.RedisURL != "" {
		redisBus, err := notify.NewRedisBus(a.cfg.RedisURL, a.logger)
		if err != nil {
			return err
		}
		if err := redisBus.Ping(ctx); err != nil {
			_ = redisBus.Close()
			return err
		}
		bus = redisBus
	} else {
		a.logger.Warn("no redis url, events are only stored locally")
		bus = notify.NewMemoryBus(0, a.logger)
	}
	defer bus.Close()

	deps := watch.Deps{
		Clients:    a.pools,
		Executor:   a.executor,
		Publisher:  bus,
		Checkpoint: watch.NewFileCheckpoint(a.cfg.Checkpoint),
		Logger:     a.logger,
	}
	if a.cfg.PGDSN != "" {
		store, err := postgres.NewStore(ctx, a.cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer store.Close()
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		deps.Sink = store
		deps.Checkpoint = store.Checkpoints()
	} else if a.cfg.Out != "" {
		deps.Sink = storage.NewJsonlStorage(a.cfg.Out)
	}

	return runWatchers(ctx, a, chainIDs, deps)
}

// runWatchers runs one watcher per chain with registry contracts and blocks until ctx ends.
func runWatchers(ctx context.Context, a *app, chainIDs []uint64, deps watch.Deps) error {
	watchers := make([]*watch.Watcher, 0, len(chainIDs))
	for _, chainID := range chainIDs {
		addrs, ok := a.book.Lookup(chainID)
		if !ok {
			a.logger.Warn("skip chain without car registry contract", zap.Uint64("chain_id", chainID))
			continue
		}
		w, err := watch.New(watch.Config{
			ChainID:       chainID,
			Contracts:     addrs,
			FromBlock:     a.cfg.Chains[chainID].FromBlock,
			BatchSize:     a.cfg.BatchSize,
			Confirmations: a.cfg.Confirmations,
			PollInterval:  a.cfg.PollInterval,
		}, deps)
		if err != nil {
			return err
		}
		watchers = append(watchers, w)
	}
	if len(watchers) == 0 {
		return errors.New("no chain to watch")
	}

	a.logger.Info("watch start", zap.Int("chains", len(watchers)))

	var wg sync.WaitGroup
	for _, w := range watchers {
		wg.Add(1)
		go func(w *watch.Watcher) {
			defer wg.Done()
			_ = w.Run(ctx)
		}(w)
	}
	wg.Wait()
	return nil
}

func chainIDsFlag(cmd *cobra.Command) ([]uint64, error) {
	raw, err := cmd.Flags().GetStringSlice("chain-id")
	if err != nil {
		return nil, err
	}
	ids, err := config.ParseChainIDs(raw)
	if err != nil {
		return nil, fmt.Errorf("--chain-id: %w", err)
	}
	return ids, nil
}
