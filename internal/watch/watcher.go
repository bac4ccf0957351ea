// Package watch follows registry contract logs and publishes them as change events.
package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"carRegistry/internal/chain"
	"carRegistry/internal/contracts"
	"carRegistry/internal/metrics"
	"carRegistry/internal/model"
	"carRegistry/internal/notify"
)

const (
	DefaultBatchSize    = 2000
	DefaultPollInterval = 15 * time.Second

	maxSeen = 10000
)

// EventSink stores decoded events alongside publishing them.
type EventSink interface {
	PutEventBatch(ctx context.Context, events []model.ChangeEvent) error
}

// Config holds the settings for one chain. FromBlock 0 starts at the head on first run.
type Config struct {
	ChainID       uint64
	Contracts     contracts.Addresses
	FromBlock     uint64
	BatchSize     uint64
	Confirmations uint64
	PollInterval  time.Duration
}

// Deps are the collaborators of a Watcher. Sink and Checkpoint are optional.
type Deps struct {
	Clients    chain.ClientSource
	Executor   *chain.Executor
	Publisher  notify.Publisher
	Sink       EventSink
	Checkpoint CheckpointStore
	Logger     *zap.Logger
}

// Watcher polls one chain for registry events.
type Watcher struct {
	cfg       Config
	deps      Deps
	logger    *zap.Logger
	addresses []common.Address
	topics    []common.Hash
	next      uint64
	seen      map[string]struct{}
}

func New(cfg Config, deps Deps) (*Watcher, error) {
	if deps.Clients == nil {
		return nil, errors.New("client source is nil")
	}
	if deps.Executor == nil {
		return nil, errors.New("executor is nil")
	}
	if deps.Publisher == nil {
		return nil, errors.New("publisher is nil")
	}
	if cfg.Contracts.Car == (common.Address{}) {
		return nil, fmt.Errorf("no car registry contract for chain %d", cfg.ChainID)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	topics, err := contracts.EventTopics()
	if err != nil {
		return nil, err
	}

	addresses := []common.Address{cfg.Contracts.Car}
	for _, addr := range []common.Address{cfg.Contracts.Maintenance, cfg.Contracts.Insurance} {
		if addr != (common.Address{}) {
			addresses = append(addresses, addr)
		}
	}

	return &Watcher{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With(zap.Uint64("chain_id", cfg.ChainID)),
		addresses: addresses,
		topics:    topics,
		seen:      make(map[string]struct{}),
	}, nil
}

// Run syncs until ctx is cancelled. Failed passes are logged and retried on the next tick.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("sync failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sync publishes every event between the last checkpoint and the confirmed head, and
// returns how many were published.
func (w *Watcher) Sync(ctx context.Context) (int, error) {
	clients, err := w.deps.Clients.Clients(ctx, w.cfg.ChainID)
	if err != nil {
		return 0, fmt.Errorf("rpc clients: %w", err)
	}

	var latest uint64
	err = w.deps.Executor.Do(ctx, clients, "eth_blockNumber", 0, func(ctx context.Context, c chain.Caller) error {
		var err error
		latest, err = c.LatestBlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("get latest block: %w", err)
	}
	if latest < w.cfg.Confirmations {
		return 0, nil
	}
	to := latest - w.cfg.Confirmations

	from, err := w.start(ctx, to)
	if err != nil {
		return 0, err
	}
	if from > to {
		w.logger.Debug("nothing to sync", zap.Uint64("from", from), zap.Uint64("to", to))
		return 0, nil
	}

	ranges, err := SplitRange(from, to, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, blockRange := range ranges {
		if err := ctx.Err(); err != nil {
			return published, err
		}

		n, err := w.syncRange(ctx, clients, blockRange)
		published += n
		if err != nil {
			return published, err
		}
	}
	return published, nil
}

func (w *Watcher) start(ctx context.Context, head uint64) (uint64, error) {
	if w.next > 0 {
		return w.next, nil
	}

	from := w.cfg.FromBlock
	if w.deps.Checkpoint != nil {
		last, ok, err := w.deps.Checkpoint.Load(ctx, w.cfg.ChainID)
		if err != nil {
			return 0, fmt.Errorf("load checkpoint: %w", err)
		}
		if ok && last >= from {
			w.logger.Info("resume from checkpoint", zap.Uint64("last_processed", last))
			return last + 1, nil
		}
	}
	if from == 0 {
		from = head
	}
	return from, nil
}

func (w *Watcher) syncRange(ctx context.Context, clients []chain.Caller, blockRange BlockRange) (int, error) {
	var logs []types.Log
	err := w.deps.Executor.Do(ctx, clients, "eth_getLogs", 0, func(ctx context.Context, c chain.Caller) error {
		var err error
		logs, err = c.FilterLogs(ctx, blockRange.From, blockRange.To, w.addresses, w.topics)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("filter logs %d-%d: %w", blockRange.From, blockRange.To, err)
	}

	events := make([]model.ChangeEvent, 0, len(logs))
	batch := make(map[string]struct{}, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		id := logID(log)
		if _, ok := w.seen[id]; ok {
			continue
		}
		if _, ok := batch[id]; ok {
			continue
		}
		batch[id] = struct{}{}
		event, ok, err := contracts.DecodeChangeEvent(w.cfg.ChainID, log)
		if err != nil {
			w.logger.Warn("skip malformed log", zap.String("tx", log.TxHash.Hex()), zap.Uint("index", log.Index), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		events = append(events, event)
	}

	if w.deps.Sink != nil && len(events) > 0 {
		if err := w.deps.Sink.PutEventBatch(ctx, events); err != nil {
			return 0, fmt.Errorf("store events: %w", err)
		}
	}

	for i, event := range events {
		if err := w.deps.Publisher.Publish(ctx, event); err != nil {
			return i, fmt.Errorf("publish event: %w", err)
		}
		metrics.RecordEvent(event.ChainID, event.Kind)
	}

	if w.deps.Checkpoint != nil {
		if err := w.deps.Checkpoint.Save(ctx, w.cfg.ChainID, blockRange.To); err != nil {
			return len(events), fmt.Errorf("save checkpoint: %w", err)
		}
	}
	w.next = blockRange.To + 1
	w.markSeen(batch)

	w.logger.Info("batch complete",
		zap.Int("events", len(events)),
		zap.Uint64("from", blockRange.From),
		zap.Uint64("to", blockRange.To),
	)
	return len(events), nil
}

func logID(log types.Log) string {
	return fmt.Sprintf("%d:%s:%d", log.BlockNumber, log.TxHash.Hex(), log.Index)
}

// markSeen records ids only once their range is stored, published and checkpointed.
func (w *Watcher) markSeen(ids map[string]struct{}) {
	if len(w.seen)+len(ids) > maxSeen {
		w.seen = make(map[string]struct{}, len(ids))
	}
	for id := range ids {
		w.seen[id] = struct{}{}
	}
}
