package chain

import (
	"context"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

// Caller is the read surface the executor drives against one endpoint.
type Caller interface {
	Endpoint() string
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// ClientSource hands out priority-ordered callers for a chain. PoolManager is the
// production implementation.
type ClientSource interface {
	Clients(ctx context.Context, chainID uint64) ([]Caller, error)
}

// Client wraps go-ethereum RPC for a single endpoint.
type Client struct {
	endpoint  Endpoint
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	limiter   *rate.Limiter
}

var _ Caller = (*Client)(nil)

// NewClient creates a client for the endpoint. HTTP endpoints are dialled lazily,
// so no request is sent until the first call.
func NewClient(ctx context.Context, endpoint Endpoint) (*Client, error) {
	opts := []rpc.ClientOption{}
	if endpoint.Timeout > 0 {
		opts = append(opts, rpc.WithHTTPClient(&http.Client{Timeout: endpoint.Timeout}))
	}
	rpcClient, err := rpc.DialOptions(ctx, endpoint.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", Redact(endpoint.URL), err)
	}

	var limiter *rate.Limiter
	if endpoint.RateLimit > 0 {
		burst := int(endpoint.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(endpoint.RateLimit), burst)
	}

	return &Client{
		endpoint:  endpoint,
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		limiter:   limiter,
	}, nil
}

// Endpoint returns the endpoint URL this client talks to.
func (c *Client) Endpoint() string {
	return c.endpoint.URL
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}

// FilterLogs returns logs in the given range for addresses and topic0 filters.
func (c *Client) FilterLogs(
	ctx context.Context,
	fromBlock uint64,
	toBlock uint64,
	addresses []common.Address,
	topic0 []common.Hash,
) ([]types.Log, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
	}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}
	return c.ethClient.FilterLogs(ctx, query)
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	return c.ethClient.BlockNumber(ctx)
}

// begin waits for the endpoint's rate limiter and bounds the call by the endpoint timeout.
func (c *Client) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	if c.endpoint.Timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, c.endpoint.Timeout)
		return ctx, cancel, nil
	}
	return ctx, func() {}, nil
}
