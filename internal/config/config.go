package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"carRegistry/internal/chain"
	"carRegistry/internal/contracts"
)

// ChainConfig is the per-chain block of the config file:
//
//	chains:
//	  11155111:
//	    rpc: [https://a, https://b]
//	    car: 0x...
//	    maintenance: 0x...
//	    insurance: 0x...
type ChainConfig struct {
	RPC         []string `mapstructure:"rpc"`
	Car         string   `mapstructure:"car"`
	Maintenance string   `mapstructure:"maintenance"`
	Insurance   string   `mapstructure:"insurance"`
	FromBlock   uint64   `mapstructure:"from-block"`
}

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Chains        map[uint64]ChainConfig
	FallbackRPC   string
	RPCTimeout    time.Duration
	RPCRateLimit  float64
	MaxAttempts   int
	RetryDelay    time.Duration
	LogLevel      string
	Listen        string
	RedisURL      string
	PGDSN         string
	Out           string
	Checkpoint    string
	BatchSize     uint64
	Confirmations uint64
	PollInterval  time.Duration
}

// Load merges config file, environment variables, and flags into Config.
//
// rpc-endpoints ("11155111=https://a,https://b;137=https://c") and contracts
// ("11155111=0xCar,0xMaintenance,0xInsurance") override the chains block, so a
// deployment can be configured from the environment alone.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REGISTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("fallback-rpc", chain.DefaultFallbackURL)
	v.SetDefault("rpc-timeout", 10*time.Second)
	v.SetDefault("rpc-rate-limit", 0.0)
	v.SetDefault("max-attempts", chain.DefaultMaxAttempts)
	v.SetDefault("retry-delay", chain.DefaultRetryDelay)
	v.SetDefault("log-level", "info")
	v.SetDefault("listen", ":8080")
	v.SetDefault("checkpoint", "./data/checkpoint.json")
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("confirmations", uint64(2))
	v.SetDefault("poll-interval", 15*time.Second)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	chains, err := loadChains(v)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Chains:        chains,
		FallbackRPC:   v.GetString("fallback-rpc"),
		RPCTimeout:    v.GetDuration("rpc-timeout"),
		RPCRateLimit:  v.GetFloat64("rpc-rate-limit"),
		MaxAttempts:   v.GetInt("max-attempts"),
		RetryDelay:    v.GetDuration("retry-delay"),
		LogLevel:      v.GetString("log-level"),
		Listen:        v.GetString("listen"),
		RedisURL:      v.GetString("redis-url"),
		PGDSN:         v.GetString("pg-dsn"),
		Out:           v.GetString("out"),
		Checkpoint:    v.GetString("checkpoint"),
		BatchSize:     v.GetUint64("batch-size"),
		Confirmations: v.GetUint64("confirmations"),
		PollInterval:  v.GetDuration("poll-interval"),
	}

	return cfg, nil
}

func loadChains(v *viper.Viper) (map[uint64]ChainConfig, error) {
	chains := make(map[uint64]ChainConfig)

	if v.IsSet("chains") {
		raw := make(map[string]ChainConfig)
		if err := v.UnmarshalKey("chains", &raw); err != nil {
			return nil, fmt.Errorf("parse chains: %w", err)
		}
		for key, chainCfg := range raw {
			id, err := parseChainID(key)
			if err != nil {
				return nil, fmt.Errorf("parse chains: %w", err)
			}
			chainCfg.RPC = cleanStrings(chainCfg.RPC)
			chains[id] = chainCfg
		}
	}

	endpoints, err := ParseEndpointMap(v.GetString("rpc-endpoints"))
	if err != nil {
		return nil, fmt.Errorf("parse rpc-endpoints: %w", err)
	}
	for id, urls := range endpoints {
		chainCfg := chains[id]
		chainCfg.RPC = urls
		chains[id] = chainCfg
	}

	addresses, err := ParseContractMap(v.GetString("contracts"))
	if err != nil {
		return nil, fmt.Errorf("parse contracts: %w", err)
	}
	for id, addrs := range addresses {
		chainCfg := chains[id]
		chainCfg.Car = addrs[0]
		chainCfg.Maintenance = addrs[1]
		chainCfg.Insurance = addrs[2]
		chains[id] = chainCfg
	}

	return chains, nil
}

// Endpoints converts the per-chain RPC lists into pool manager input.
func (c Config) Endpoints() map[uint64][]chain.Endpoint {
	out := make(map[uint64][]chain.Endpoint, len(c.Chains))
	for id, chainCfg := range c.Chains {
		if len(chainCfg.RPC) == 0 {
			continue
		}
		endpoints := make([]chain.Endpoint, 0, len(chainCfg.RPC))
		for _, url := range chainCfg.RPC {
			endpoints = append(endpoints, c.endpoint(url))
		}
		out[id] = endpoints
	}
	return out
}

// Fallback is the endpoint used for chains that are neither configured nor known.
func (c Config) Fallback() chain.Endpoint {
	url := c.FallbackRPC
	if url == "" {
		url = chain.DefaultFallbackURL
	}
	return c.endpoint(url)
}

func (c Config) endpoint(url string) chain.Endpoint {
	return chain.Endpoint{URL: url, Timeout: c.RPCTimeout, RateLimit: c.RPCRateLimit}
}

func (c Config) Executor() chain.ExecutorConfig {
	return chain.ExecutorConfig{MaxAttempts: c.MaxAttempts, RetryDelay: c.RetryDelay}
}

// Book validates and returns the contract addresses of every configured chain. Chains
// without a car registry address are left out.
func (c Config) Book() (contracts.Book, error) {
	book := make(contracts.Book, len(c.Chains))
	for id, chainCfg := range c.Chains {
		if strings.TrimSpace(chainCfg.Car) == "" {
			continue
		}
		car, err := parseAddress(chainCfg.Car, false)
		if err != nil {
			return nil, fmt.Errorf("chain %d car: %w", id, err)
		}
		maintenance, err := parseAddress(chainCfg.Maintenance, true)
		if err != nil {
			return nil, fmt.Errorf("chain %d maintenance: %w", id, err)
		}
		insurance, err := parseAddress(chainCfg.Insurance, true)
		if err != nil {
			return nil, fmt.Errorf("chain %d insurance: %w", id, err)
		}
		book[id] = contracts.Addresses{Car: car, Maintenance: maintenance, Insurance: insurance}
	}
	return book, nil
}

// ChainIDs returns the configured chain ids in ascending order.
func (c Config) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Chains))
	for id := range c.Chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func parseAddress(input string, optional bool) (common.Address, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		if optional {
			return common.Address{}, nil
		}
		return common.Address{}, fmt.Errorf("address required")
	}
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("invalid address %q", input)
	}
	return common.HexToAddress(input), nil
}

func parseChainID(input string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(input), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chain id %q", input)
	}
	return id, nil
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
