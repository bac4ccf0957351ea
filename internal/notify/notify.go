// Package notify fans registry change events out to interested consumers.
package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carRegistry/internal/model"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

type Publisher interface {
	Publish(ctx context.Context, event model.ChangeEvent) error
}

// Subscriber delivers events for one chain until ctx ends or the returned cancel func
// is called. The channel is closed afterwards.
type Subscriber interface {
	Subscribe(ctx context.Context, chainID uint64) (<-chan model.ChangeEvent, func(), error)
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// MemoryBus is an in-process Bus. Publish never blocks: a subscriber whose queue is
// full misses the event.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[uint64]map[string]chan model.ChangeEvent
	buffer int
	closed bool
	logger *zap.Logger
}

func NewMemoryBus(buffer int, logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &MemoryBus{
		subs:   make(map[uint64]map[string]chan model.ChangeEvent),
		buffer: buffer,
		logger: logger,
	}
}

func (b *MemoryBus) Publish(_ context.Context, event model.ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs[event.ChainID] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("subscriber queue full, event dropped",
				zap.String("subscriber", id),
				zap.Uint64("chain_id", event.ChainID),
				zap.String("kind", event.Kind),
			)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, chainID uint64) (<-chan model.ChangeEvent, func(), error) {
	id := uuid.NewString()
	ch := make(chan model.ChangeEvent, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	if b.subs[chainID] == nil {
		b.subs[chainID] = make(map[string]chan model.ChangeEvent)
	}
	b.subs[chainID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			b.remove(chainID, id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel, nil
}

func (b *MemoryBus) remove(chainID uint64, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[chainID][id]
	if !ok {
		return
	}
	delete(b.subs[chainID], id)
	if len(b.subs[chainID]) == 0 {
		delete(b.subs, chainID)
	}
	close(ch)
}

// Subscribers reports the live subscriptions for a chain.
func (b *MemoryBus) Subscribers(chainID uint64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[chainID])
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for chainID, subs := range b.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subs, chainID)
	}
	return nil
}
