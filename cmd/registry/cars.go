package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"carRegistry/internal/model"
	"carRegistry/internal/registry"
	"carRegistry/internal/storage"
	"carRegistry/internal/storage/postgres"
)

func runCars(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	owner, err := cmd.Flags().GetString("owner")
	if err != nil {
		return err
	}
	chainID, err := cmd.Flags().GetUint64("chain-id")
	if err != nil {
		return err
	}
	if chainID == 0 {
		return fmt.Errorf("chain id is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	assembler := registry.NewAssembler(a.pools, a.executor, a.book, a.logger)
	owned, err := assembler.Enumerate(ctx, owner, chainID)
	if err != nil {
		return err
	}
	cars := owned.Cars

	a.logger.Info("cars listed",
		zap.String("owner", owner),
		zap.Uint64("chain_id", chainID),
		zap.Int("cars", len(cars)),
		zap.Bool("complete", owned.Complete),
	)

	if owned.Owner == "" {
		return writeCars(cmd, cars)
	}

	var sinks []storage.Sink
	if a.cfg.Out != "" {
		sinks = append(sinks, storage.NewJsonlStorage(a.cfg.Out))
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
		sinks = append(sinks, store)
	}
	for _, sink := range sinks {
		if err := sink.PutCarBatch(ctx, owned); err != nil {
			return fmt.Errorf("store snapshot: %w", err)
		}
	}

	return writeCars(cmd, cars)
}

func writeCars(cmd *cobra.Command, cars []model.CarView) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(cars)
}
