package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"carRegistry/internal/chain"
)

const sampleConfig = `
log-level: debug
max-attempts: 4
retry-delay: 250ms
rpc-rate-limit: 5
chains:
  11155111:
    rpc:
      - https://rpc.sepolia.example
      - https://backup.sepolia.example
    car: "0x1111111111111111111111111111111111111111"
    insurance: "0x3333333333333333333333333333333333333333"
  137:
    rpc: [https://polygon.example]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig), nil)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 4, cfg.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	require.Equal(t, 10*time.Second, cfg.RPCTimeout)
	require.Equal(t, chain.DefaultFallbackURL, cfg.FallbackRPC)
	require.Equal(t, []uint64{137, 11155111}, cfg.ChainIDs())
	require.Equal(t, []string{"https://rpc.sepolia.example", "https://backup.sepolia.example"}, cfg.Chains[11155111].RPC)

	endpoints := cfg.Endpoints()
	require.Len(t, endpoints[11155111], 2)
	require.Equal(t, chain.Endpoint{URL: "https://rpc.sepolia.example", Timeout: 10 * time.Second, RateLimit: 5}, endpoints[11155111][0])

	book, err := cfg.Book()
	require.NoError(t, err)
	require.Len(t, book, 1)
	addrs, ok := book.Lookup(11155111)
	require.True(t, ok)
	require.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), addrs.Car)
	require.Equal(t, common.Address{}, addrs.Maintenance)

	require.Equal(t, chain.ExecutorConfig{MaxAttempts: 4, RetryDelay: 250 * time.Millisecond}, cfg.Executor())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REGISTRY_RPC_ENDPOINTS", "11155111=https://env-a, https://env-b ;80002=https://amoy")
	t.Setenv("REGISTRY_CONTRACTS", "80002=0x4444444444444444444444444444444444444444,,0x5555555555555555555555555555555555555555")
	t.Setenv("REGISTRY_FALLBACK_RPC", "https://fallback.example")

	cfg, err := Load(writeConfig(t, sampleConfig), nil)
	require.NoError(t, err)

	require.Equal(t, []string{"https://env-a", "https://env-b"}, cfg.Chains[11155111].RPC)
	require.Equal(t, "0x1111111111111111111111111111111111111111", cfg.Chains[11155111].Car)
	require.Equal(t, []string{"https://amoy"}, cfg.Chains[80002].RPC)
	require.Equal(t, "https://fallback.example", cfg.Fallback().URL)

	book, err := cfg.Book()
	require.NoError(t, err)
	addrs, ok := book.Lookup(80002)
	require.True(t, ok)
	require.Equal(t, common.Address{}, addrs.Maintenance)
	require.Equal(t, common.HexToAddress("0x5555555555555555555555555555555555555555"), addrs.Insurance)
}

func TestLoadFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("max-attempts", 0, "")
	flags.String("listen", "", "")
	require.NoError(t, flags.Parse([]string{"--max-attempts=7", "--listen=:9999"}))

	cfg, err := Load(writeConfig(t, "log-level: warn\n"), flags)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.MaxAttempts)
	require.Equal(t, ":9999", cfg.Listen)
	require.Empty(t, cfg.Chains)
	require.Equal(t, chain.DefaultFallbackURL, cfg.Fallback().URL)
}

func TestLoadRejectsBadChainKey(t *testing.T) {
	_, err := Load(writeConfig(t, "chains:\n  sepolia:\n    rpc: [https://a]\n"), nil)
	require.Error(t, err)
}

func TestBookRejectsInvalidAddress(t *testing.T) {
	cfg := Config{Chains: map[uint64]ChainConfig{1: {Car: "0x1234"}}}
	_, err := cfg.Book()
	require.Error(t, err)

	cfg = Config{Chains: map[uint64]ChainConfig{1: {Car: "0x1111111111111111111111111111111111111111", Maintenance: "nope"}}}
	_, err = cfg.Book()
	require.Error(t, err)
}

func TestParseEndpointMap(t *testing.T) {
	got, err := ParseEndpointMap("1=https://a,https://b; 137 = https://c ;")
	require.NoError(t, err)
	require.Equal(t, map[uint64][]string{
		1:   {"https://a", "https://b"},
		137: {"https://c"},
	}, got)

	got, err = ParseEndpointMap("")
	require.NoError(t, err)
	require.Empty(t, got)

	for _, bad := range []string{"https://a", "x=https://a", "1=", "1= , "} {
		_, err := ParseEndpointMap(bad)
		require.Error(t, err, bad)
	}
}

func TestParseContractMap(t *testing.T) {
	got, err := ParseContractMap("1=0xA;2=0xB,0xC,0xD")
	require.NoError(t, err)
	require.Equal(t, [3]string{"0xA", "", ""}, got[1])
	require.Equal(t, [3]string{"0xB", "0xC", "0xD"}, got[2])

	for _, bad := range []string{"1=,0xC", "1=a,b,c,d", "=0xA"} {
		_, err := ParseContractMap(bad)
		require.Error(t, err, bad)
	}
}

func TestParseChainIDs(t *testing.T) {
	got, err := ParseChainIDs([]string{" 137", "", "11155111", "137"})
	require.NoError(t, err)
	require.Equal(t, []uint64{137, 11155111}, got)

	got, err = ParseChainIDs(nil)
	require.NoError(t, err)
	require.Empty(t, got)

	for _, bad := range []string{"abc", "-1", "0"} {
		_, err := ParseChainIDs([]string{bad})
		require.Error(t, err, bad)
	}
}
