package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carRegistry/internal/chain/chaintest"
)

const balanceOfABIJSON = `[
  {"inputs": [{"name": "owner", "type": "address"}], "name": "balanceOf", "outputs": [{"name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"}
]`

var errBoom = errors.New("boom")

func balanceOfOp(t *testing.T) (ReadOperation, abi.ABI) {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(balanceOfABIJSON))
	require.NoError(t, err)
	return ReadOperation{
		Contract: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ABI:      parsed,
		Method:   "balanceOf",
		Args:     []interface{}{common.HexToAddress("0x2222222222222222222222222222222222222222")},
	}, parsed
}

func packBalance(t *testing.T, parsed abi.ABI, value int64) []byte {
	t.Helper()
	out, err := parsed.Methods["balanceOf"].Outputs.Pack(big.NewInt(value))
	require.NoError(t, err)
	return out
}

func failing(url string) *chaintest.Caller {
	return &chaintest.Caller{
		URL: url,
		CallFn: func(context.Context, ethereum.CallMsg) ([]byte, error) {
			return nil, errBoom
		},
	}
}

func newTestExecutor() *Executor {
	return NewExecutor(ExecutorConfig{MaxAttempts: 3, RetryDelay: time.Millisecond}, zap.NewNop())
}

func TestExecuteExhaustsEveryEndpoint(t *testing.T) {
	op, _ := balanceOfOp(t)
	first := failing("http://first.example")
	second := failing("http://second.example")

	_, err := newTestExecutor().Execute(context.Background(), []Caller{first, second}, op, 4)
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 8, exhausted.Attempts)
	require.Equal(t, 2, exhausted.Endpoints)
	require.Equal(t, "balanceOf", exhausted.Operation)
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 4, first.Calls())
	require.Equal(t, 4, second.Calls())
}

func TestExecuteUsesDefaultAttempts(t *testing.T) {
	op, _ := balanceOfOp(t)
	only := failing("http://only.example")

	_, err := newTestExecutor().Execute(context.Background(), []Caller{only}, op, 0)
	require.Error(t, err)
	require.Equal(t, DefaultMaxAttempts, only.Calls())
}

func TestExecuteSucceedsOnLastAttemptWithoutFallback(t *testing.T) {
	op, parsed := balanceOfOp(t)

	var calls int
	first := &chaintest.Caller{
		URL: "http://first.example",
		CallFn: func(context.Context, ethereum.CallMsg) ([]byte, error) {
			calls++
			if calls < 3 {
				return nil, errBoom
			}
			return packBalance(t, parsed, 7), nil
		},
	}
	second := failing("http://second.example")

	values, err := newTestExecutor().Execute(context.Background(), []Caller{first, second}, op, 3)
	require.NoError(t, err)
	require.Len(t, values, 1)
	require.Equal(t, big.NewInt(7), values[0])
	require.Equal(t, 3, first.Calls())
	require.Zero(t, second.Calls())
}

func TestExecuteFallsBackInPriorityOrder(t *testing.T) {
	op, parsed := balanceOfOp(t)

	var order []string
	record := func(url string, fn func() ([]byte, error)) *chaintest.Caller {
		return &chaintest.Caller{
			URL: url,
			CallFn: func(context.Context, ethereum.CallMsg) ([]byte, error) {
				order = append(order, url)
				return fn()
			},
		}
	}
	first := record("http://first.example", func() ([]byte, error) { return nil, errBoom })
	second := record("http://second.example", func() ([]byte, error) { return packBalance(t, parsed, 2), nil })
	third := record("http://third.example", func() ([]byte, error) { return packBalance(t, parsed, 3), nil })

	values, err := newTestExecutor().Execute(context.Background(), []Caller{first, second, third}, op, 2)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(2), values[0])
	require.Equal(t, []string{"http://first.example", "http://first.example", "http://second.example"}, order)
	require.Zero(t, third.Calls())
}

func TestExecuteRetriesUndecodableResponse(t *testing.T) {
	op, parsed := balanceOfOp(t)
	garbage := &chaintest.Caller{
		URL: "http://lagging.example",
		CallFn: func(context.Context, ethereum.CallMsg) ([]byte, error) {
			return []byte{0x01}, nil
		},
	}
	healthy := &chaintest.Caller{
		URL: "http://healthy.example",
		CallFn: func(context.Context, ethereum.CallMsg) ([]byte, error) {
			return packBalance(t, parsed, 1), nil
		},
	}

	values, err := newTestExecutor().Execute(context.Background(), []Caller{garbage, healthy}, op, 2)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1), values[0])
	require.Equal(t, 2, garbage.Calls())
}

func TestExecutePackErrorMakesNoAttempt(t *testing.T) {
	op, _ := balanceOfOp(t)
	op.Args = []interface{}{"not an address"}
	caller := failing("http://only.example")

	_, err := newTestExecutor().Execute(context.Background(), []Caller{caller}, op, 3)
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.False(t, errors.As(err, &exhausted))
	require.Zero(t, caller.Calls())
}

func TestExecuteStopsOnCancel(t *testing.T) {
	op, _ := balanceOfOp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := &chaintest.Caller{
		URL: "http://first.example",
		CallFn: func(context.Context, ethereum.CallMsg) ([]byte, error) {
			cancel()
			return nil, errBoom
		},
	}
	second := failing("http://second.example")

	_, err := newTestExecutor().Execute(ctx, []Caller{first, second}, op, 3)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, first.Calls())
	require.Zero(t, second.Calls())
}

func TestExecuteCancelDuringDelay(t *testing.T) {
	op, _ := balanceOfOp(t)
	exec := NewExecutor(ExecutorConfig{MaxAttempts: 3, RetryDelay: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	caller := failing("http://slow.example")
	start := time.Now()
	_, err := exec.Execute(ctx, []Caller{caller}, op, 3)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Minute)
	require.Equal(t, 1, caller.Calls())
}

func TestDoWithoutClients(t *testing.T) {
	err := newTestExecutor().Do(context.Background(), nil, "noop", 1, func(context.Context, Caller) error {
		return nil
	})
	require.Error(t, err)
}

func TestReadOperationDecode(t *testing.T) {
	op, parsed := balanceOfOp(t)
	values, err := parsed.Unpack("balanceOf", packBalance(t, parsed, 42))
	require.NoError(t, err)

	var out *big.Int
	require.NoError(t, op.Decode(values, &out))
	require.Equal(t, int64(42), out.Int64())

	op.Method = "missing"
	require.Error(t, op.Decode(values, &out))
}
