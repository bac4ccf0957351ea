package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"carRegistry/internal/api"
	"carRegistry/internal/notify"
	"carRegistry/internal/registry"
	"carRegistry/internal/watch"
)

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	defaultChain, err := cmd.Flags().GetUint64("chain-id")
	if err != nil {
		return err
	}
	inProcess, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return err
	}
	origins, err := cmd.Flags().GetStringSlice("allowed-origins")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var events notify.Subscriber
	switch {
	case a.cfg.RedisURL != "":
		bus, err := notify.NewRedisBus(a.cfg.RedisURL, a.logger)
		if err != nil {
			return err
		}
		defer bus.Close()
		events = bus
	case inProcess:
		bus := notify.NewMemoryBus(0, a.logger)
		defer bus.Close()
		events = bus

		deps := watch.Deps{Clients: a.pools, Executor: a.executor, Publisher: bus, Logger: a.logger}
		go func() {
			if err := runWatchers(ctx, a, a.cfg.ChainIDs(), deps); err != nil {
				a.logger.Error("watchers stopped", zap.Error(err))
			}
		}()
	}

	assembler := registry.NewAssembler(a.pools, a.executor, a.book, a.logger)
	srv := api.NewServer(api.Config{DefaultChainID: defaultChain, AllowedOrigins: origins}, assembler, events, a.logger)

	httpServer := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http listen", zap.String("addr", a.cfg.Listen))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.logger.Info("http stopped")
	return nil
}
