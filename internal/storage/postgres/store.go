package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carRegistry/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS car_snapshots (
	chain_id           BIGINT      NOT NULL,
	token_id           NUMERIC     NOT NULL,
	owner              TEXT        NOT NULL,
	vin                TEXT        NOT NULL,
	make               TEXT        NOT NULL,
	model              TEXT        NOT NULL,
	year               INTEGER     NOT NULL,
	color              TEXT        NOT NULL,
	mileage            NUMERIC     NOT NULL,
	latest_maintenance JSONB,
	insurance          JSONB,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chain_id, token_id)
);
CREATE INDEX IF NOT EXISTS car_snapshots_owner_idx ON car_snapshots (chain_id, owner);

CREATE TABLE IF NOT EXISTS car_events (
	chain_id     BIGINT      NOT NULL,
	tx_hash      TEXT        NOT NULL,
	log_index    BIGINT      NOT NULL,
	kind         TEXT        NOT NULL,
	contract     TEXT        NOT NULL,
	token_id     NUMERIC     NOT NULL,
	from_address TEXT,
	to_address   TEXT,
	block_number BIGINT      NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chain_id, tx_hash, log_index)
);

CREATE TABLE IF NOT EXISTS registry_state (
	name                 TEXT PRIMARY KEY,
	last_processed_block BIGINT      NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store provides Postgres persistence for car snapshots, change events and watcher state.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// PutCarBatch upserts the assembled cars of one enumeration. Rows for tokens the
// owner no longer holds are removed only when the enumeration is complete; a car that
// was enumerated but failed to assemble keeps its previous row.
func (s *Store) PutCarBatch(ctx context.Context, owned model.OwnedCars) error {
	batch := &pgx.Batch{}
	for _, car := range owned.Cars {
		row, err := snapshotRow(car)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO car_snapshots (
				chain_id, token_id, owner, vin, make, model, year, color, mileage,
				latest_maintenance, insurance, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
			ON CONFLICT (chain_id, token_id)
			DO UPDATE SET
				owner = EXCLUDED.owner,
				vin = EXCLUDED.vin,
				make = EXCLUDED.make,
				model = EXCLUDED.model,
				year = EXCLUDED.year,
				color = EXCLUDED.color,
				mileage = EXCLUDED.mileage,
				latest_maintenance = EXCLUDED.latest_maintenance,
				insurance = EXCLUDED.insurance,
				updated_at = now()
		`, row...)
	}
	if keep := retainedTokenIDs(owned); keep != nil {
		batch.Queue(`
			DELETE FROM car_snapshots
			WHERE chain_id = $1 AND owner = $2 AND NOT (token_id::text = ANY($3))
		`, int64(owned.ChainID), owned.Owner, keep)
	}
	if batch.Len() == 0 {
		return nil
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store car snapshot: %w", err)
		}
	}
	return nil
}

// retainedTokenIDs returns the token ids to keep when stale rows may be deleted, or nil
// when the enumeration skipped an index.
func retainedTokenIDs(owned model.OwnedCars) []string {
	if !owned.Complete || owned.Owner == "" {
		return nil
	}
	keep := make([]string, 0, len(owned.TokenIDs))
	return append(keep, owned.TokenIDs...)
}

// PutEventBatch records change events, ignoring ones already stored.
func (s *Store) PutEventBatch(ctx context.Context, events []model.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, event := range events {
		batch.Queue(`
			INSERT INTO car_events (
				chain_id, tx_hash, log_index, kind, contract, token_id,
				from_address, to_address, block_number, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
			ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING
		`,
			int64(event.ChainID),
			event.TxHash,
			int64(event.LogIndex),
			event.Kind,
			event.Contract,
			event.TokenID,
			nullable(event.From),
			nullable(event.To),
			int64(event.BlockNumber),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store event: %w", err)
		}
	}
	return nil
}

// LoadState returns last_processed_block for a name.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("state name required")
	}
	var block int64
	row := s.pool.QueryRow(ctx, `SELECT last_processed_block FROM registry_state WHERE name=$1`, name)
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}

// SaveState upserts last_processed_block for a name.
func (s *Store) SaveState(ctx context.Context, name string, block uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO registry_state (name, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block, updated_at = now()
	`, name, int64(block))
	return err
}

// Checkpoints exposes registry_state as a per-chain watcher checkpoint store.
func (s *Store) Checkpoints() *Checkpoints {
	return &Checkpoints{store: s}
}

type Checkpoints struct {
	store *Store
}

func (c *Checkpoints) Load(ctx context.Context, chainID uint64) (uint64, bool, error) {
	return c.store.LoadState(ctx, stateName(chainID))
}

func (c *Checkpoints) Save(ctx context.Context, chainID uint64, lastProcessed uint64) error {
	return c.store.SaveState(ctx, stateName(chainID), lastProcessed)
}

func stateName(chainID uint64) string {
	return "watch:" + strconv.FormatUint(chainID, 10)
}

func snapshotRow(car model.CarView) ([]interface{}, error) {
	maintenance, err := jsonColumn(car.LatestMaintenance)
	if err != nil {
		return nil, fmt.Errorf("marshal maintenance for token %s: %w", car.TokenID, err)
	}
	insurance, err := jsonColumn(car.Insurance)
	if err != nil {
		return nil, fmt.Errorf("marshal insurance for token %s: %w", car.TokenID, err)
	}
	mileage := car.Details.Mileage
	if mileage == "" {
		mileage = "0"
	}
	return []interface{}{
		int64(car.ChainID),
		car.TokenID,
		car.Owner,
		car.Details.VIN,
		car.Details.Make,
		car.Details.Model,
		int32(car.Details.Year),
		car.Details.Color,
		mileage,
		maintenance,
		insurance,
	}, nil
}

func jsonColumn[T any](value *T) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
