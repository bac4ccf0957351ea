package model

// Change event kinds.
const (
	EventTransfer    = "transfer"
	EventMaintenance = "maintenance"
	EventPolicy      = "policy"
	EventClaim       = "claim"
)

// ChangeEvent announces that on-chain state behind a car view changed. Consumers
// refresh by listing the affected owners again.
type ChangeEvent struct {
	Kind        string `json:"kind"`
	ChainID     uint64 `json:"chain_id"`
	Contract    string `json:"contract"`
	TokenID     string `json:"token_id"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint64 `json:"log_index"`
}
