package model

// CarDetails holds the required fields of a car token.
type CarDetails struct {
	VIN     string `json:"vin"`
	Make    string `json:"make"`
	Model   string `json:"model"`
	Year    uint16 `json:"year"`
	Color   string `json:"color"`
	Mileage string `json:"mileage"`
}

// MaintenanceRecord is one service entry from the maintenance log.
type MaintenanceRecord struct {
	Timestamp   uint64 `json:"timestamp"`
	Mileage     string `json:"mileage"`
	ServiceType string `json:"service_type"`
	Notes       string `json:"notes,omitempty"`
}

// InsurancePolicy is the current policy attached to a car.
type InsurancePolicy struct {
	PolicyID  string `json:"policy_id"`
	Insurer   string `json:"insurer"`
	Premium   string `json:"premium"`
	Coverage  string `json:"coverage"`
	ExpiresAt uint64 `json:"expires_at"`
	Active    bool   `json:"active"`
}

// CarView is the assembled view of one owned car. Details is always populated;
// LatestMaintenance and Insurance are nil when their read failed or returned nothing.
type CarView struct {
	ChainID           uint64             `json:"chain_id"`
	Owner             string             `json:"owner"`
	TokenID           string             `json:"token_id"`
	Details           CarDetails         `json:"details"`
	LatestMaintenance *MaintenanceRecord `json:"latest_maintenance,omitempty"`
	Insurance         *InsurancePolicy   `json:"insurance,omitempty"`
}

// OwnedCars is the result of one enumeration of an owner's cars. TokenIDs lists every
// token the enumeration resolved, including ones whose details could not be read.
// Complete is false when some index could not be resolved to a token.
type OwnedCars struct {
	ChainID  uint64    `json:"chain_id"`
	Owner    string    `json:"owner"`
	Cars     []CarView `json:"cars"`
	TokenIDs []string  `json:"token_ids"`
	Complete bool      `json:"complete"`
}
