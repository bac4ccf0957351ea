package contracts

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"carRegistry/internal/model"
)

var (
	eventKinds     map[common.Hash]string
	eventKindsOnce sync.Once
	eventKindsErr  error
)

func loadEventKinds() (map[common.Hash]string, error) {
	eventKindsOnce.Do(func() {
		carABI, err := CarRegistryABI()
		if err != nil {
			eventKindsErr = err
			return
		}
		maintenanceABI, err := MaintenanceLogABI()
		if err != nil {
			eventKindsErr = err
			return
		}
		insuranceABI, err := InsurancePoolABI()
		if err != nil {
			eventKindsErr = err
			return
		}
		eventKinds = map[common.Hash]string{
			carABI.Events["Transfer"].ID:                    model.EventTransfer,
			maintenanceABI.Events["MaintenanceRecorded"].ID: model.EventMaintenance,
			insuranceABI.Events["PolicyIssued"].ID:          model.EventPolicy,
			insuranceABI.Events["ClaimFiled"].ID:            model.EventClaim,
		}
	})
	return eventKinds, eventKindsErr
}

// EventTopics returns the topic0 of every registry event the watcher follows.
func EventTopics() ([]common.Hash, error) {
	kinds, err := loadEventKinds()
	if err != nil {
		return nil, err
	}
	topics := make([]common.Hash, 0, len(kinds))
	for topic := range kinds {
		topics = append(topics, topic)
	}
	return topics, nil
}

// DecodeChangeEvent maps a registry log to a change event. ok is false for logs that
// are not registry events.
func DecodeChangeEvent(chainID uint64, log types.Log) (model.ChangeEvent, bool, error) {
	if len(log.Topics) == 0 {
		return model.ChangeEvent{}, false, nil
	}
	kinds, err := loadEventKinds()
	if err != nil {
		return model.ChangeEvent{}, false, err
	}
	kind, ok := kinds[log.Topics[0]]
	if !ok {
		return model.ChangeEvent{}, false, nil
	}

	event := model.ChangeEvent{
		Kind:        kind,
		ChainID:     chainID,
		Contract:    log.Address.Hex(),
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
		LogIndex:    uint64(log.Index),
	}

	switch kind {
	case model.EventTransfer:
		if len(log.Topics) != 4 {
			return model.ChangeEvent{}, false, fmt.Errorf("transfer: expected 4 topics, got %d", len(log.Topics))
		}
		event.From = topicAddress(log.Topics[1]).Hex()
		event.To = topicAddress(log.Topics[2]).Hex()
		event.TokenID = topicBigInt(log.Topics[3]).String()
	default:
		if len(log.Topics) < 2 {
			return model.ChangeEvent{}, false, fmt.Errorf("%s: missing token id topic", kind)
		}
		event.TokenID = topicBigInt(log.Topics[1]).String()
	}

	return event, true, nil
}
