package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tokensmith/internal/common"
	"github.com/ternarybob/tokensmith/internal/models"
	"github.com/ternarybob/tokensmith/internal/storage/badger"
	"github.com/ternarybob/tokensmith/internal/storage/jsonfile"
)

func TestNewStepRecordStore(t *testing.T) {
	dir := t.TempDir()
	logger := arbor.NewLogger()

	store, err := NewStepRecordStore(logger, common.CacheConfig{Backend: "json", Path: filepath.Join(dir, "cache.json")})
	require.NoError(t, err)
	_, ok := store.(*jsonfile.Store)
	assert.True(t, ok)
	require.NoError(t, store.Put(context.Background(), &models.StepRecord{Step: "crawl"}))
	require.NoError(t, store.Close())

	store, err = NewStepRecordStore(logger, common.CacheConfig{Backend: "badger", Path: filepath.Join(dir, "badger")})
	require.NoError(t, err)
	_, ok = store.(*badger.StepStore)
	assert.True(t, ok)
	require.NoError(t, store.Close())

	_, err = NewStepRecordStore(logger, common.CacheConfig{Backend: "sqlite", Path: dir})
	assert.Error(t, err)
}
