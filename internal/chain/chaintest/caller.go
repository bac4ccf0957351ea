// Package chaintest provides an in-memory chain.Caller for tests.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrNotScripted is returned for calls the test did not script.
var ErrNotScripted = errors.New("chaintest: call not scripted")

// Caller answers RPC reads with scripted functions and counts every call.
type Caller struct {
	URL string

	CallFn        func(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	LogsFn        func(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error)
	BlockNumberFn func(ctx context.Context) (uint64, error)

	mu    sync.Mutex
	calls int
}

func (c *Caller) Endpoint() string {
	return c.URL
}

func (c *Caller) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.count()
	if c.CallFn == nil {
		return nil, ErrNotScripted
	}
	return c.CallFn(ctx, msg)
}

func (c *Caller) FilterLogs(ctx context.Context, fromBlock, toBlock uint64, _ []common.Address, _ []common.Hash) ([]types.Log, error) {
	c.count()
	if c.LogsFn == nil {
		return nil, ErrNotScripted
	}
	return c.LogsFn(ctx, fromBlock, toBlock)
}

func (c *Caller) LatestBlockNumber(ctx context.Context) (uint64, error) {
	c.count()
	if c.BlockNumberFn == nil {
		return 0, ErrNotScripted
	}
	return c.BlockNumberFn(ctx)
}

// Calls returns how many reads hit this caller.
func (c *Caller) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Caller) count() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}
