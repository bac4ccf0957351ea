package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"carRegistry/internal/metrics"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

// ReadOperation describes a single contract read.
type ReadOperation struct {
	Contract common.Address
	ABI      abi.ABI
	Method   string
	Args     []interface{}
	Block    *big.Int // nil reads latest
}

func (op ReadOperation) String() string {
	return fmt.Sprintf("%s@%s", op.Method, op.Contract.Hex())
}

// Decode copies unpacked return values into out, which must be a pointer to a struct
// (multiple outputs) or to a value matching the single output.
func (op ReadOperation) Decode(values []interface{}, out interface{}) error {
	method, ok := op.ABI.Methods[op.Method]
	if !ok {
		return fmt.Errorf("method %s not in abi", op.Method)
	}
	if err := method.Outputs.Copy(out, values); err != nil {
		return fmt.Errorf("decode %s: %w", op.Method, err)
	}
	return nil
}

// ExhaustedError is returned when every attempt on every endpoint failed.
type ExhaustedError struct {
	Operation string
	Endpoints int
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts on %d endpoints: %v", e.Operation, e.Attempts, e.Endpoints, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// ExecutorConfig holds the retry budget. Zero values take the defaults.
type ExecutorConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// Executor runs reads against a priority-ordered client list: a fixed number of attempts
// per client with a fixed delay in between, then on to the next client.
type Executor struct {
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger
}

func NewExecutor(cfg ExecutorConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Executor{
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		logger:      logger,
	}
}

// Execute performs op as an eth_call and returns the unpacked outputs. maxAttempts is
// per client; values <= 0 use the executor default.
func (e *Executor) Execute(ctx context.Context, clients []Caller, op ReadOperation, maxAttempts int) ([]interface{}, error) {
	data, err := op.ABI.Pack(op.Method, op.Args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", op.Method, err)
	}
	contract := op.Contract
	msg := ethereum.CallMsg{To: &contract, Data: data}

	var values []interface{}
	err = e.Do(ctx, clients, op.Method, maxAttempts, func(ctx context.Context, client Caller) error {
		resp, err := client.CallContract(ctx, msg, op.Block)
		if err != nil {
			return fmt.Errorf("call %s: %w", op.Method, err)
		}
		out, err := op.ABI.Unpack(op.Method, resp)
		if err != nil {
			return fmt.Errorf("unpack %s: %w", op.Method, err)
		}
		values = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// Do runs fn under the executor's retry and fallback policy. Errors are retried
// regardless of kind; cancellation of ctx stops immediately with ctx.Err().
func (e *Executor) Do(ctx context.Context, clients []Caller, operation string, maxAttempts int, fn func(context.Context, Caller) error) error {
	if len(clients) == 0 {
		return fmt.Errorf("%s: no rpc clients", operation)
	}
	if maxAttempts <= 0 {
		maxAttempts = e.maxAttempts
	}

	var lastErr error
	attempts := 0
	for i, client := range clients {
		endpoint := Redact(client.Endpoint())
		if i > 0 {
			metrics.RecordFallback(operation)
			e.logger.Info("fall back to next endpoint", zap.String("operation", operation), zap.String("endpoint", endpoint), zap.Int("priority", i))
		}

		for attempt := 1; attempt <= maxAttempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			attempts++
			start := time.Now()
			err := fn(ctx, client)
			metrics.RecordAttempt(endpoint, operation, err, time.Since(start))
			if err == nil {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			lastErr = err
			e.logger.Warn("rpc attempt failed",
				zap.String("operation", operation),
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Error(err),
			)

			if attempt == maxAttempts {
				break
			}
			if err := sleep(ctx, e.retryDelay); err != nil {
				return err
			}
		}
	}

	metrics.RecordExhausted(operation)
	return &ExhaustedError{
		Operation: operation,
		Endpoints: len(clients),
		Attempts:  attempts,
		Err:       lastErr,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
