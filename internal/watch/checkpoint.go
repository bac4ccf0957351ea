package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// CheckpointStore remembers the last block whose events were published, per chain.
type CheckpointStore interface {
	Load(ctx context.Context, chainID uint64) (uint64, bool, error)
	Save(ctx context.Context, chainID uint64, lastProcessed uint64) error
}

// Checkpoint is the persisted position of one chain.
type Checkpoint struct {
	LastProcessedBlock uint64 `json:"last_processed_block"`
	UpdatedAt          string `json:"updated_at"`
}

type checkpointFile struct {
	Chains map[string]Checkpoint `json:"chains"`
}

// FileCheckpoint keeps checkpoints for every chain in one JSON file. An empty path
// disables it.
type FileCheckpoint struct {
	mu   sync.Mutex
	path string
}

func NewFileCheckpoint(path string) *FileCheckpoint {
	return &FileCheckpoint{path: path}
}

func (c *FileCheckpoint) Load(_ context.Context, chainID uint64) (uint64, bool, error) {
	if c.path == "" {
		return 0, false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := c.read()
	if err != nil {
		return 0, false, err
	}
	cp, ok := file.Chains[strconv.FormatUint(chainID, 10)]
	if !ok {
		return 0, false, nil
	}
	return cp.LastProcessedBlock, true, nil
}

func (c *FileCheckpoint) Save(_ context.Context, chainID uint64, lastProcessed uint64) error {
	if c.path == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := c.read()
	if err != nil {
		return err
	}
	file.Chains[strconv.FormatUint(chainID, 10)] = Checkpoint{
		LastProcessedBlock: lastProcessed,
		UpdatedAt:          time.Now().UTC().Format(time.RFC3339Nano),
	}

	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

func (c *FileCheckpoint) read() (checkpointFile, error) {
	file := checkpointFile{Chains: map[string]Checkpoint{}}

	stat, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return file, nil
		}
		return file, fmt.Errorf("stat checkpoint: %w", err)
	}
	if stat.IsDir() {
		return file, fmt.Errorf("checkpoint path is a directory")
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return file, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return file, fmt.Errorf("parse checkpoint: %w", err)
	}
	if file.Chains == nil {
		file.Chains = map[string]Checkpoint{}
	}
	return file, nil
}
