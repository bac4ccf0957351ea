package chain

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultFallbackURL is used for chains with neither configured nor canonical endpoints.
const DefaultFallbackURL = "http://127.0.0.1:8545"

// canonicalEndpoints are the public defaults used when a chain has no configured pool.
var canonicalEndpoints = map[uint64]string{
	1:        "https://cloudflare-eth.com",
	56:       "https://bsc-dataseed.binance.org",
	97:       "https://data-seed-prebsc-1-s1.binance.org:8545",
	137:      "https://polygon-rpc.com",
	31337:    "http://127.0.0.1:8545",
	80002:    "https://rpc-amoy.polygon.technology",
	11155111: "https://rpc.sepolia.org",
}

// Endpoint is one RPC provider plus its transport settings.
type Endpoint struct {
	URL       string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
}

// EndpointPool is the priority-ordered endpoint list for one chain.
type EndpointPool struct {
	ChainID   uint64
	Endpoints []Endpoint
}

// PoolManager maps chain ids to endpoint pools and hands out client handles.
// Configuration is fixed at construction; client handles are cached per endpoint.
type PoolManager struct {
	chains   map[uint64][]Endpoint
	fallback Endpoint
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[Endpoint]*Client
}

// NewPoolManager builds a manager from the configured chain pools. fallback supplies the
// transport settings for canonical endpoints and the URL of last resort.
func NewPoolManager(chains map[uint64][]Endpoint, fallback Endpoint, logger *zap.Logger) *PoolManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fallback.URL == "" {
		fallback.URL = DefaultFallbackURL
	}

	copied := make(map[uint64][]Endpoint, len(chains))
	for chainID, endpoints := range chains {
		if len(endpoints) == 0 {
			continue
		}
		copied[chainID] = append([]Endpoint(nil), endpoints...)
	}

	return &PoolManager{
		chains:   copied,
		fallback: fallback,
		logger:   logger,
		clients:  make(map[Endpoint]*Client),
	}
}

// GetPool returns the pool for chainID. It never returns an empty pool.
func (m *PoolManager) GetPool(chainID uint64) EndpointPool {
	if endpoints, ok := m.chains[chainID]; ok {
		return EndpointPool{ChainID: chainID, Endpoints: append([]Endpoint(nil), endpoints...)}
	}

	endpoint := m.fallback
	if canonical, ok := canonicalEndpoints[chainID]; ok {
		endpoint.URL = canonical
	}
	return EndpointPool{ChainID: chainID, Endpoints: []Endpoint{endpoint}}
}

// BuildClients returns one client per endpoint, preserving pool order. Endpoints that
// cannot be dialled are logged and left out.
func (m *PoolManager) BuildClients(ctx context.Context, pool EndpointPool) ([]Caller, error) {
	callers := make([]Caller, 0, len(pool.Endpoints))
	var lastErr error
	for _, endpoint := range pool.Endpoints {
		client, err := m.client(ctx, endpoint)
		if err != nil {
			lastErr = err
			m.logger.Warn("skip endpoint", zap.Uint64("chain_id", pool.ChainID), zap.String("endpoint", Redact(endpoint.URL)), zap.Error(err))
			continue
		}
		callers = append(callers, client)
	}
	if len(callers) == 0 {
		return nil, fmt.Errorf("no usable endpoint for chain %d: %w", pool.ChainID, lastErr)
	}
	return callers, nil
}

// Clients is BuildClients(GetPool(chainID)).
func (m *PoolManager) Clients(ctx context.Context, chainID uint64) ([]Caller, error) {
	return m.BuildClients(ctx, m.GetPool(chainID))
}

// Close closes every cached client.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, client := range m.clients {
		client.Close()
		delete(m.clients, key)
	}
}

func (m *PoolManager) client(ctx context.Context, endpoint Endpoint) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if client, ok := m.clients[endpoint]; ok {
		return client, nil
	}
	client, err := NewClient(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	m.clients[endpoint] = client
	return client, nil
}

// Redact reduces an endpoint URL to scheme and host for logs and metric labels.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid-endpoint"
	}
	return u.Scheme + "://" + u.Host
}
