package watch

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"carRegistry/internal/chain"
	"carRegistry/internal/chain/chaintest"
	"carRegistry/internal/contracts"
	"carRegistry/internal/model"
	"carRegistry/internal/notify"
)

const testChain = uint64(31337)

var (
	carAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	alice   = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob     = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

type staticClients []chain.Caller

func (s staticClients) Clients(context.Context, uint64) ([]chain.Caller, error) {
	return s, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.ChangeEvent
}

func (s *recordingSink) PutEventBatch(_ context.Context, events []model.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

type flakyPublisher struct {
	notify.Publisher
	mu       sync.Mutex
	failures int
}

func (p *flakyPublisher) Publish(ctx context.Context, event model.ChangeEvent) error {
	p.mu.Lock()
	if p.failures > 0 {
		p.failures--
		p.mu.Unlock()
		return errors.New("redis unavailable")
	}
	p.mu.Unlock()
	return p.Publisher.Publish(ctx, event)
}

type fakeChain struct {
	mu     sync.Mutex
	head   uint64
	logs   []types.Log
	ranges []BlockRange
	fail   error
}

func (f *fakeChain) caller() *chaintest.Caller {
	return &chaintest.Caller{
		URL: "http://127.0.0.1:8545",
		BlockNumberFn: func(context.Context) (uint64, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.head, nil
		},
		LogsFn: func(_ context.Context, from, to uint64) ([]types.Log, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.ranges = append(f.ranges, BlockRange{From: from, To: to})
			if f.fail != nil {
				return nil, f.fail
			}
			var out []types.Log
			for _, log := range f.logs {
				if log.BlockNumber >= from && log.BlockNumber <= to {
					out = append(out, log)
				}
			}
			return out, nil
		},
	}
}

func (f *fakeChain) seenRanges() []BlockRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]BlockRange(nil), f.ranges...)
}

func transferLog(t *testing.T, block uint64, index uint, tokenID int64) types.Log {
	t.Helper()
	parsed, err := contracts.CarRegistryABI()
	require.NoError(t, err)
	return types.Log{
		Address: carAddr,
		Topics: []common.Hash{
			parsed.Events["Transfer"].ID,
			common.BytesToHash(alice.Bytes()),
			common.BytesToHash(bob.Bytes()),
			common.BigToHash(big.NewInt(tokenID)),
		},
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
		Index:       index,
	}
}

func newTestWatcher(t *testing.T, cfg Config, caller chain.Caller, deps Deps) *Watcher {
	t.Helper()
	cfg.ChainID = testChain
	cfg.Contracts = contracts.Addresses{Car: carAddr}
	deps.Clients = staticClients{caller}
	deps.Executor = chain.NewExecutor(chain.ExecutorConfig{MaxAttempts: 2, RetryDelay: time.Millisecond}, nil)
	w, err := New(cfg, deps)
	require.NoError(t, err)
	return w
}

func drain(ch <-chan model.ChangeEvent) []model.ChangeEvent {
	var out []model.ChangeEvent
	for {
		select {
		case event := <-ch:
			out = append(out, event)
		default:
			return out
		}
	}
}

func TestSyncPublishesEventsInBatches(t *testing.T) {
	node := &fakeChain{head: 120}
	node.logs = []types.Log{
		transferLog(t, 101, 0, 1),
		transferLog(t, 104, 2, 2),
		transferLog(t, 110, 1, 3),
		transferLog(t, 119, 0, 4),
	}

	bus := notify.NewMemoryBus(16, nil)
	defer bus.Close()
	events, cancel, err := bus.Subscribe(context.Background(), testChain)
	require.NoError(t, err)
	defer cancel()

	checkpoint := NewFileCheckpoint(filepath.Join(t.TempDir(), "state", "checkpoint.json"))
	sink := &recordingSink{}
	w := newTestWatcher(t, Config{FromBlock: 100, BatchSize: 5, Confirmations: 2}, node.caller(), Deps{
		Publisher:  bus,
		Sink:       sink,
		Checkpoint: checkpoint,
	})

	n, err := w.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)

	got := drain(events)
	require.Len(t, got, 3)
	require.Equal(t, "1", got[0].TokenID)
	require.Equal(t, model.EventTransfer, got[0].Kind)
	require.Equal(t, bob.Hex(), got[0].To)
	require.Equal(t, "3", got[2].TokenID)
	require.Len(t, sink.events, 3)

	require.Equal(t, []BlockRange{{100, 104}, {105, 109}, {110, 114}, {115, 118}}, node.seenRanges())

	last, ok, err := checkpoint.Load(context.Background(), testChain)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(118), last)

	n, err = w.Sync(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	node.mu.Lock()
	node.head = 125
	node.mu.Unlock()
	n, err = w.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "4", drain(events)[0].TokenID)
}

func TestSyncResumesFromCheckpoint(t *testing.T) {
	node := &fakeChain{head: 50, logs: []types.Log{transferLog(t, 45, 0, 9)}}
	checkpoint := NewFileCheckpoint(filepath.Join(t.TempDir(), "checkpoint.json"))
	require.NoError(t, checkpoint.Save(context.Background(), testChain, 40))

	bus := notify.NewMemoryBus(4, nil)
	defer bus.Close()
	w := newTestWatcher(t, Config{FromBlock: 10, BatchSize: 100}, node.caller(), Deps{Publisher: bus, Checkpoint: checkpoint})

	n, err := w.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []BlockRange{{41, 50}}, node.seenRanges())
}

func TestSyncStartsAtHeadWithoutFromBlock(t *testing.T) {
	node := &fakeChain{head: 900}
	bus := notify.NewMemoryBus(4, nil)
	defer bus.Close()
	w := newTestWatcher(t, Config{}, node.caller(), Deps{Publisher: bus})

	_, err := w.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, []BlockRange{{900, 900}}, node.seenRanges())
}

func TestSyncFailureKeepsCheckpoint(t *testing.T) {
	node := &fakeChain{head: 20, fail: errors.New("limit exceeded")}
	checkpoint := NewFileCheckpoint(filepath.Join(t.TempDir(), "checkpoint.json"))
	bus := notify.NewMemoryBus(4, nil)
	defer bus.Close()
	w := newTestWatcher(t, Config{FromBlock: 1}, node.caller(), Deps{Publisher: bus, Checkpoint: checkpoint})

	_, err := w.Sync(context.Background())
	var exhausted *chain.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, node.seenRanges(), 2)

	_, ok, err := checkpoint.Load(context.Background(), testChain)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSyncSkipsForeignRemovedAndDuplicateLogs(t *testing.T) {
	valid := transferLog(t, 5, 0, 1)
	removed := transferLog(t, 6, 0, 2)
	removed.Removed = true
	truncated := transferLog(t, 7, 0, 3)
	truncated.Topics = truncated.Topics[:2]
	foreign := types.Log{Address: carAddr, Topics: []common.Hash{common.HexToHash("0xdead")}, BlockNumber: 8}

	node := &fakeChain{head: 10, logs: []types.Log{valid, valid, removed, truncated, foreign}}
	bus := notify.NewMemoryBus(8, nil)
	defer bus.Close()
	events, cancel, err := bus.Subscribe(context.Background(), testChain)
	require.NoError(t, err)
	defer cancel()

	w := newTestWatcher(t, Config{FromBlock: 1}, node.caller(), Deps{Publisher: bus})
	n, err := w.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, drain(events), 1)
}

func TestSyncRedeliversAfterPublishFailure(t *testing.T) {
	node := &fakeChain{head: 14, logs: []types.Log{transferLog(t, 3, 0, 1), transferLog(t, 9, 1, 2)}}
	checkpoint := NewFileCheckpoint(filepath.Join(t.TempDir(), "checkpoint.json"))
	sink := &recordingSink{}
	bus := notify.NewMemoryBus(8, nil)
	defer bus.Close()
	events, cancel, err := bus.Subscribe(context.Background(), testChain)
	require.NoError(t, err)
	defer cancel()

	publisher := &flakyPublisher{Publisher: bus, failures: 1}
	w := newTestWatcher(t, Config{FromBlock: 1, Confirmations: 2}, node.caller(), Deps{Publisher: publisher, Sink: sink, Checkpoint: checkpoint})

	_, err = w.Sync(context.Background())
	require.Error(t, err)
	_, ok, err := checkpoint.Load(context.Background(), testChain)
	require.NoError(t, err)
	require.False(t, ok)

	n, err := w.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	delivered := drain(events)
	require.Len(t, delivered, 2)
	require.Equal(t, "1", delivered[0].TokenID)
	require.Equal(t, "2", delivered[1].TokenID)

	last, ok, err := checkpoint.Load(context.Background(), testChain)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(12), last)

	node.mu.Lock()
	node.head = 20
	node.mu.Unlock()
	w.next = 1
	n, err = w.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	node := &fakeChain{head: 10}
	bus := notify.NewMemoryBus(4, nil)
	defer bus.Close()
	w := newTestWatcher(t, Config{PollInterval: time.Millisecond}, node.caller(), Deps{Publisher: bus})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))
}

func TestNewValidates(t *testing.T) {
	exec := chain.NewExecutor(chain.ExecutorConfig{}, nil)
	bus := notify.NewMemoryBus(1, nil)
	defer bus.Close()
	clients := staticClients{}

	_, err := New(Config{ChainID: 1, Contracts: contracts.Addresses{Car: carAddr}}, Deps{Executor: exec, Publisher: bus})
	require.Error(t, err)
	_, err = New(Config{ChainID: 1, Contracts: contracts.Addresses{Car: carAddr}}, Deps{Clients: clients, Publisher: bus})
	require.Error(t, err)
	_, err = New(Config{ChainID: 1, Contracts: contracts.Addresses{Car: carAddr}}, Deps{Clients: clients, Executor: exec})
	require.Error(t, err)
	_, err = New(Config{ChainID: 1}, Deps{Clients: clients, Executor: exec, Publisher: bus})
	require.Error(t, err)

	w, err := New(Config{
		ChainID:   1,
		Contracts: contracts.Addresses{Car: carAddr, Insurance: alice},
	}, Deps{Clients: clients, Executor: exec, Publisher: bus})
	require.NoError(t, err)
	require.Equal(t, []common.Address{carAddr, alice}, w.addresses)
	require.Equal(t, uint64(DefaultBatchSize), w.cfg.BatchSize)
}

func TestFileCheckpointPerChain(t *testing.T) {
	ctx := context.Background()
	cp := NewFileCheckpoint(filepath.Join(t.TempDir(), "checkpoint.json"))

	_, ok, err := cp.Load(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cp.Save(ctx, 1, 100))
	require.NoError(t, cp.Save(ctx, 137, 200))
	require.NoError(t, cp.Save(ctx, 1, 150))

	last, ok, err := cp.Load(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(150), last)

	last, ok, err = cp.Load(ctx, 137)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(200), last)

	disabled := NewFileCheckpoint("")
	require.NoError(t, disabled.Save(ctx, 1, 5))
	_, ok, err = disabled.Load(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)
}
