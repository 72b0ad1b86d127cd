package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/tokensmith/internal/interfaces"
	"github.com/ternarybob/tokensmith/internal/models"
)

// StepStore implements interfaces.StepRecordStore on Badger, keyed by step name
type StepStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewStepStore creates a step record store on an open database
func NewStepStore(db *BadgerDB, logger arbor.ILogger) *StepStore {
	return &StepStore{
		db:     db,
		logger: logger,
	}
}

// OpenStepStore opens the database at path and wraps it in a StepStore that owns it
func OpenStepStore(path string, logger arbor.ILogger) (*StepStore, error) {
	db, err := NewBadgerDB(logger, Config{Path: path})
	if err != nil {
		return nil, err
	}
	return NewStepStore(db, logger), nil
}

func (s *StepStore) normalizeKey(step string) string {
	return strings.TrimSpace(step)
}

// Get retrieves the record for step
func (s *StepStore) Get(ctx context.Context, step string) (*models.StepRecord, error) {
	var record models.StepRecord
	err := s.db.Store().Get(s.normalizeKey(step), &record)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step record: %w", err)
	}
	return &record, nil
}

// Put inserts or replaces record
func (s *StepStore) Put(ctx context.Context, record *models.StepRecord) error {
	if record == nil {
		return fmt.Errorf("step record is nil")
	}
	key := s.normalizeKey(record.Step)
	if key == "" {
		return fmt.Errorf("step record has no step name")
	}
	record.Step = key
	if err := s.db.Store().Upsert(key, record); err != nil {
		return fmt.Errorf("failed to save step record: %w", err)
	}
	return nil
}

// Delete removes the record for step, a missing record is not an error
func (s *StepStore) Delete(ctx context.Context, step string) error {
	err := s.db.Store().Delete(s.normalizeKey(step), &models.StepRecord{})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete step record: %w", err)
	}
	return nil
}

// List returns every record ordered by step name
func (s *StepStore) List(ctx context.Context) ([]models.StepRecord, error) {
	var records []models.StepRecord
	if err := s.db.Store().Find(&records, badgerhold.Where("Step").Ne("").SortBy("Step")); err != nil {
		return nil, fmt.Errorf("failed to list step records: %w", err)
	}
	return records, nil
}

// Close closes the database
func (s *StepStore) Close() error {
	return s.db.Close()
}
