// Package registry assembles owned-car views from several dependent contract reads.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"carRegistry/internal/chain"
	"carRegistry/internal/contracts"
	"carRegistry/internal/metrics"
	"carRegistry/internal/model"
)

var (
	ErrInvalidOwner     = errors.New("invalid owner address")
	ErrUnsupportedChain = errors.New("no car registry contract configured for chain")
)

// Assembler lists the cars owned by an address. It holds no per-call state and is
// safe for concurrent use.
type Assembler struct {
	clients  chain.ClientSource
	executor *chain.Executor
	book     contracts.Book
	logger   *zap.Logger
}

func NewAssembler(clients chain.ClientSource, executor *chain.Executor, book contracts.Book, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		clients:  clients,
		executor: executor,
		book:     book,
		logger:   logger,
	}
}

type bindings struct {
	car         *contracts.CarRegistry
	maintenance *contracts.MaintenanceLog
	insurance   *contracts.InsurancePool
}

// ListOwned returns the cars held by owner on chainID, in enumeration order.
//
// An empty owner yields an empty list without any reads. Only the ownership count is
// fatal: a failed token lookup or detail read drops that index, and a failed enrichment
// read leaves the corresponding field nil.
func (a *Assembler) ListOwned(ctx context.Context, owner string, chainID uint64) ([]model.CarView, error) {
	owned, err := a.Enumerate(ctx, owner, chainID)
	if err != nil {
		return nil, err
	}
	return owned.Cars, nil
}

// Enumerate is ListOwned plus the token ids the enumeration resolved, for callers that
// keep snapshots and must tell a sold car from one whose details failed to load.
func (a *Assembler) Enumerate(ctx context.Context, owner string, chainID uint64) (model.OwnedCars, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return model.OwnedCars{ChainID: chainID, Cars: []model.CarView{}, TokenIDs: []string{}, Complete: true}, nil
	}
	if !common.IsHexAddress(owner) {
		return model.OwnedCars{}, fmt.Errorf("%w: %s", ErrInvalidOwner, owner)
	}
	ownerAddr := common.HexToAddress(owner)

	b, err := a.bindings(chainID)
	if err != nil {
		return model.OwnedCars{}, err
	}

	clients, err := a.clients.Clients(ctx, chainID)
	if err != nil {
		return model.OwnedCars{}, fmt.Errorf("rpc clients: %w", err)
	}

	values, err := a.executor.Execute(ctx, clients, b.car.BalanceOf(ownerAddr), 0)
	if err != nil {
		return model.OwnedCars{}, fmt.Errorf("balance of %s: %w", ownerAddr.Hex(), err)
	}
	count, err := contracts.DecodeUint256(values)
	if err != nil {
		return model.OwnedCars{}, fmt.Errorf("balance of %s: %w", ownerAddr.Hex(), err)
	}
	if !count.IsUint64() {
		return model.OwnedCars{}, fmt.Errorf("balance of %s out of range: %s", ownerAddr.Hex(), count)
	}

	total := count.Uint64()
	owned := model.OwnedCars{
		ChainID:  chainID,
		Owner:    ownerAddr.Hex(),
		Cars:     make([]model.CarView, 0, total),
		TokenIDs: make([]string, 0, total),
		Complete: true,
	}
	for index := uint64(0); index < total; index++ {
		if err := ctx.Err(); err != nil {
			return model.OwnedCars{}, err
		}

		tokenID, view, err := a.assemble(ctx, clients, b, ownerAddr, chainID, index)
		if tokenID != nil {
			owned.TokenIDs = append(owned.TokenIDs, tokenID.String())
		} else {
			owned.Complete = false
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return model.OwnedCars{}, ctxErr
			}
			metrics.RecordAssembly(chainID, "skipped")
			a.logger.Warn("skip car",
				zap.Uint64("chain_id", chainID),
				zap.String("owner", owned.Owner),
				zap.Uint64("index", index),
				zap.Error(err),
			)
			continue
		}
		metrics.RecordAssembly(chainID, "assembled")
		owned.Cars = append(owned.Cars, view)
	}
	// enrichment reads swallow cancellation of the last car
	if err := ctx.Err(); err != nil {
		return model.OwnedCars{}, err
	}

	a.logger.Debug("list owned",
		zap.Uint64("chain_id", chainID),
		zap.String("owner", owned.Owner),
		zap.Uint64("count", total),
		zap.Int("assembled", len(owned.Cars)),
		zap.Bool("complete", owned.Complete),
	)

	return owned, nil
}

func (a *Assembler) bindings(chainID uint64) (bindings, error) {
	addrs, ok := a.book.Lookup(chainID)
	if !ok {
		return bindings{}, fmt.Errorf("%w %d", ErrUnsupportedChain, chainID)
	}

	var (
		b   bindings
		err error
	)
	if b.car, err = contracts.NewCarRegistry(addrs.Car); err != nil {
		return bindings{}, err
	}
	if addrs.Maintenance != (common.Address{}) {
		if b.maintenance, err = contracts.NewMaintenanceLog(addrs.Maintenance); err != nil {
			return bindings{}, err
		}
	}
	if addrs.Insurance != (common.Address{}) {
		if b.insurance, err = contracts.NewInsurancePool(addrs.Insurance); err != nil {
			return bindings{}, err
		}
	}
	return b, nil
}

// assemble returns the token id whenever the index lookup succeeded, even if the
// car itself could not be assembled.
func (a *Assembler) assemble(ctx context.Context, clients []chain.Caller, b bindings, owner common.Address, chainID uint64, index uint64) (*big.Int, model.CarView, error) {
	values, err := a.executor.Execute(ctx, clients, b.car.TokenOfOwnerByIndex(owner, index), 0)
	if err != nil {
		return nil, model.CarView{}, fmt.Errorf("token of owner by index: %w", err)
	}
	tokenID, err := contracts.DecodeUint256(values)
	if err != nil {
		return nil, model.CarView{}, fmt.Errorf("token of owner by index: %w", err)
	}

	values, err = a.executor.Execute(ctx, clients, b.car.CarDetails(tokenID), 0)
	if err != nil {
		return tokenID, model.CarView{}, fmt.Errorf("car details %s: %w", tokenID, err)
	}
	details, err := b.car.DecodeCarDetails(values)
	if err != nil {
		return tokenID, model.CarView{}, fmt.Errorf("car details %s: %w", tokenID, err)
	}

	return tokenID, model.CarView{
		ChainID:           chainID,
		Owner:             owner.Hex(),
		TokenID:           tokenID.String(),
		Details:           details,
		LatestMaintenance: a.latestMaintenance(ctx, clients, b, tokenID),
		Insurance:         a.insurance(ctx, clients, b, tokenID),
	}, nil
}

func (a *Assembler) latestMaintenance(ctx context.Context, clients []chain.Caller, b bindings, tokenID *big.Int) *model.MaintenanceRecord {
	if b.maintenance == nil {
		return nil
	}
	values, err := a.executor.Execute(ctx, clients, b.maintenance.Records(tokenID), 0)
	if err != nil {
		a.logger.Warn("maintenance read failed", zap.String("token_id", tokenID.String()), zap.Error(err))
		return nil
	}
	records, err := b.maintenance.DecodeRecords(values)
	if err != nil {
		a.logger.Warn("maintenance decode failed", zap.String("token_id", tokenID.String()), zap.Error(err))
		return nil
	}
	return contracts.LatestMaintenance(records)
}

func (a *Assembler) insurance(ctx context.Context, clients []chain.Caller, b bindings, tokenID *big.Int) *model.InsurancePolicy {
	if b.insurance == nil {
		return nil
	}
	values, err := a.executor.Execute(ctx, clients, b.insurance.Details(tokenID), 0)
	if err != nil {
		a.logger.Warn("insurance read failed", zap.String("token_id", tokenID.String()), zap.Error(err))
		return nil
	}
	policy, err := b.insurance.DecodeDetails(values)
	if err != nil {
		a.logger.Warn("insurance decode failed", zap.String("token_id", tokenID.String()), zap.Error(err))
		return nil
	}
	return policy
}
