package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"carRegistry/internal/model"
)

// CarSnapshot is one JSONL line written by PutCarBatch.
type CarSnapshot struct {
	TakenAt string `json:"taken_at"`
	model.CarView
}

// JsonlStorage appends snapshots and events to a JSONL file.
type JsonlStorage struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewJsonlStorage(path string) *JsonlStorage {
	return &JsonlStorage{path: path, now: time.Now}
}

// PutCarBatch appends one line per car.
func (s *JsonlStorage) PutCarBatch(_ context.Context, owned model.OwnedCars) error {
	cars := owned.Cars
	if len(cars) == 0 {
		return nil
	}
	takenAt := s.now().UTC().Format(time.RFC3339)
	lines := make([]interface{}, 0, len(cars))
	for _, car := range cars {
		lines = append(lines, CarSnapshot{TakenAt: takenAt, CarView: car})
	}
	return s.appendLines(lines)
}

// PutEventBatch appends one line per event.
func (s *JsonlStorage) PutEventBatch(_ context.Context, events []model.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	lines := make([]interface{}, 0, len(events))
	for _, event := range events {
		lines = append(lines, event)
	}
	return s.appendLines(lines)
}

func (s *JsonlStorage) appendLines(records []interface{}) error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}
