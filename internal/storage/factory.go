package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tokensmith/internal/common"
	"github.com/ternarybob/tokensmith/internal/interfaces"
	"github.com/ternarybob/tokensmith/internal/storage/badger"
	"github.com/ternarybob/tokensmith/internal/storage/jsonfile"
)

// NewStepRecordStore opens the step record store selected by config.Backend
func NewStepRecordStore(logger arbor.ILogger, config common.CacheConfig) (interfaces.StepRecordStore, error) {
	switch config.Backend {
	case "", "json":
		return jsonfile.Open(config.Path, logger)
	case "badger":
		return badger.OpenStepStore(config.Path, logger)
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s (expected 'json' or 'badger')", config.Backend)
	}
}
