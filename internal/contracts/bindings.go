package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"carRegistry/internal/chain"
	"carRegistry/internal/model"
)

// Addresses are the registry contracts deployed on one chain. A zero Maintenance or
// Insurance address disables that enrichment.
type Addresses struct {
	Car         common.Address
	Maintenance common.Address
	Insurance   common.Address
}

// Book maps chain ids to deployed contract addresses.
type Book map[uint64]Addresses

func (b Book) Lookup(chainID uint64) (Addresses, bool) {
	addrs, ok := b[chainID]
	if !ok || addrs.Car == (common.Address{}) {
		return Addresses{}, false
	}
	return addrs, true
}

// CarDetailsOutput mirrors the getCarDetails return values.
type CarDetailsOutput struct {
	VIN     string   `abi:"vin"`
	Make    string   `abi:"make"`
	Model   string   `abi:"model"`
	Year    uint16   `abi:"year"`
	Color   string   `abi:"color"`
	Mileage *big.Int `abi:"mileage"`
}

// MaintenanceRecordOutput mirrors one MaintenanceLog.Record tuple. Field order must
// match the tuple components.
type MaintenanceRecordOutput struct {
	Timestamp   uint64   `abi:"timestamp"`
	Mileage     *big.Int `abi:"mileage"`
	ServiceType string   `abi:"serviceType"`
	Notes       string   `abi:"notes"`
}

// InsuranceOutput mirrors the getInsuranceDetails return values.
type InsuranceOutput struct {
	PolicyID  *big.Int       `abi:"policyId"`
	Insurer   common.Address `abi:"insurer"`
	Premium   *big.Int       `abi:"premium"`
	Coverage  *big.Int       `abi:"coverage"`
	ExpiresAt uint64         `abi:"expiresAt"`
	Active    bool           `abi:"active"`
}

// CarRegistry builds reads against the car NFT contract.
type CarRegistry struct {
	address common.Address
	abi     abi.ABI
}

func NewCarRegistry(address common.Address) (*CarRegistry, error) {
	parsed, err := CarRegistryABI()
	if err != nil {
		return nil, fmt.Errorf("parse car registry abi: %w", err)
	}
	return &CarRegistry{address: address, abi: parsed}, nil
}

// BalanceOf counts the cars held by owner.
func (r *CarRegistry) BalanceOf(owner common.Address) chain.ReadOperation {
	return r.op("balanceOf", owner)
}

// TokenOfOwnerByIndex looks up the token id at index in owner's enumeration.
func (r *CarRegistry) TokenOfOwnerByIndex(owner common.Address, index uint64) chain.ReadOperation {
	return r.op("tokenOfOwnerByIndex", owner, new(big.Int).SetUint64(index))
}

func (r *CarRegistry) CarDetails(tokenID *big.Int) chain.ReadOperation {
	return r.op("getCarDetails", tokenID)
}

func (r *CarRegistry) DecodeCarDetails(values []interface{}) (model.CarDetails, error) {
	var out CarDetailsOutput
	if err := r.CarDetails(nil).Decode(values, &out); err != nil {
		return model.CarDetails{}, err
	}
	if out.VIN == "" {
		return model.CarDetails{}, fmt.Errorf("car details: empty vin")
	}
	return model.CarDetails{
		VIN:     out.VIN,
		Make:    out.Make,
		Model:   out.Model,
		Year:    out.Year,
		Color:   out.Color,
		Mileage: bigString(out.Mileage),
	}, nil
}

func (r *CarRegistry) op(method string, args ...interface{}) chain.ReadOperation {
	return chain.ReadOperation{Contract: r.address, ABI: r.abi, Method: method, Args: args}
}

// MaintenanceLog builds reads against the maintenance log contract.
type MaintenanceLog struct {
	address common.Address
	abi     abi.ABI
}

func NewMaintenanceLog(address common.Address) (*MaintenanceLog, error) {
	parsed, err := MaintenanceLogABI()
	if err != nil {
		return nil, fmt.Errorf("parse maintenance log abi: %w", err)
	}
	return &MaintenanceLog{address: address, abi: parsed}, nil
}

func (l *MaintenanceLog) Records(tokenID *big.Int) chain.ReadOperation {
	return chain.ReadOperation{Contract: l.address, ABI: l.abi, Method: "getMaintenanceRecords", Args: []interface{}{tokenID}}
}

func (l *MaintenanceLog) DecodeRecords(values []interface{}) ([]model.MaintenanceRecord, error) {
	var out []MaintenanceRecordOutput
	if err := l.Records(nil).Decode(values, &out); err != nil {
		return nil, err
	}
	records := make([]model.MaintenanceRecord, 0, len(out))
	for _, rec := range out {
		records = append(records, model.MaintenanceRecord{
			Timestamp:   rec.Timestamp,
			Mileage:     bigString(rec.Mileage),
			ServiceType: rec.ServiceType,
			Notes:       rec.Notes,
		})
	}
	return records, nil
}

// LatestMaintenance returns the record with the greatest timestamp, or nil for an empty
// log. On equal timestamps the later entry wins.
func LatestMaintenance(records []model.MaintenanceRecord) *model.MaintenanceRecord {
	var latest *model.MaintenanceRecord
	for i := range records {
		if latest == nil || records[i].Timestamp >= latest.Timestamp {
			rec := records[i]
			latest = &rec
		}
	}
	return latest
}

// InsurancePool builds reads against the insurance pool contract.
type InsurancePool struct {
	address common.Address
	abi     abi.ABI
}

func NewInsurancePool(address common.Address) (*InsurancePool, error) {
	parsed, err := InsurancePoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse insurance pool abi: %w", err)
	}
	return &InsurancePool{address: address, abi: parsed}, nil
}

func (p *InsurancePool) Details(tokenID *big.Int) chain.ReadOperation {
	return chain.ReadOperation{Contract: p.address, ABI: p.abi, Method: "getInsuranceDetails", Args: []interface{}{tokenID}}
}

// DecodeDetails returns nil when the car has no policy (policy id zero).
func (p *InsurancePool) DecodeDetails(values []interface{}) (*model.InsurancePolicy, error) {
	var out InsuranceOutput
	if err := p.Details(nil).Decode(values, &out); err != nil {
		return nil, err
	}
	if out.PolicyID == nil || out.PolicyID.Sign() == 0 {
		return nil, nil
	}
	return &model.InsurancePolicy{
		PolicyID:  out.PolicyID.String(),
		Insurer:   out.Insurer.Hex(),
		Premium:   bigString(out.Premium),
		Coverage:  bigString(out.Coverage),
		ExpiresAt: out.ExpiresAt,
		Active:    out.Active,
	}, nil
}

// DecodeUint256 unpacks a single uint256 return value (balanceOf, tokenOfOwnerByIndex).
func DecodeUint256(values []interface{}) (*big.Int, error) {
	if len(values) != 1 {
		return nil, fmt.Errorf("expected 1 return value, got %d", len(values))
	}
	return asBigInt(values[0])
}
