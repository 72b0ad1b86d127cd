// Package jsonfile stores step records in a single JSON document next to the pipeline output.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tokensmith/internal/interfaces"
	"github.com/ternarybob/tokensmith/internal/models"
)

// Store implements interfaces.StepRecordStore on one JSON file keyed by step name.
// Every write replaces the file atomically.
type Store struct {
	path   string
	logger arbor.ILogger

	mu      sync.Mutex
	records map[string]models.StepRecord
}

// Open loads path if it exists. A missing file is an empty store.
func Open(path string, logger arbor.ILogger) (*Store, error) {
	s := &Store{
		path:    path,
		logger:  logger,
		records: make(map[string]models.StepRecord),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Debug().Str("path", path).Msg("Cache file not found, starting empty")
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read cache file %s: %w", path, err)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("failed to parse cache file %s: %w", path, err)
	}

	logger.Debug().Str("path", path).Int("records", len(s.records)).Msg("Cache file loaded")
	return s, nil
}

// Path returns the backing file
func (s *Store) Path() string { return s.path }

func (s *Store) Get(ctx context.Context, step string) (*models.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[step]
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	return &record, nil
}

func (s *Store) Put(ctx context.Context, record *models.StepRecord) error {
	if record == nil || strings.TrimSpace(record.Step) == "" {
		return fmt.Errorf("step record has no step name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.records[record.Step]
	s.records[record.Step] = *record
	if err := s.flush(); err != nil {
		if existed {
			s.records[record.Step] = previous
		} else {
			delete(s.records, record.Step)
		}
		return err
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.records[step]
	if !ok {
		return nil
	}
	delete(s.records, step)
	if err := s.flush(); err != nil {
		s.records[step] = previous
		return err
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]models.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]models.StepRecord, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Step < records[j].Step })
	return records, nil
}

// Close is a no-op; every write is already on disk
func (s *Store) Close() error { return nil }

// flush writes the document to a temp file in the same directory and renames it over path.
// Callers hold mu.
func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cache file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}
