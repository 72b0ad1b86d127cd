package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/tokensmith/internal/models"
)

// ErrRecordNotFound is returned when no run has been recorded for a step
var ErrRecordNotFound = errors.New("step record not found")

// StepRecordStore persists the last-run record of each named step between invocations
type StepRecordStore interface {
	// Get retrieves the record for a step, returns ErrRecordNotFound if none exists
	Get(ctx context.Context, step string) (*models.StepRecord, error)

	// Put inserts or replaces the record for record.Step
	Put(ctx context.Context, record *models.StepRecord) error

	// Delete removes the record for a step, a missing record is not an error
	Delete(ctx context.Context, step string) error

	// List returns all records ordered by step name
	List(ctx context.Context) ([]models.StepRecord, error)

	// Close releases the underlying storage
	Close() error
}
