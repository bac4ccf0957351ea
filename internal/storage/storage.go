package storage

import (
	"context"

	"carRegistry/internal/model"
)

// Sink persists snapshots of the cars an owner holds on one chain.
type Sink interface {
	PutCarBatch(ctx context.Context, owned model.OwnedCars) error
}
