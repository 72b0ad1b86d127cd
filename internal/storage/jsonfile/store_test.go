package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tokensmith/internal/interfaces"
	"github.com/ternarybob/tokensmith/internal/models"
)

func TestStore_RoundTripThroughFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.json")
	ctx := context.Background()

	store, err := Open(path, arbor.NewLogger())
	require.NoError(t, err)

	_, err = store.Get(ctx, "crawl")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

	lastRun := time.Date(2026, 5, 2, 8, 30, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, &models.StepRecord{
		Step:         "styles",
		LastRun:      lastRun,
		OutputHashes: map[string]string{"out/styles.json": "0123456789abcdef"},
	}))
	require.NoError(t, store.Put(ctx, &models.StepRecord{Step: "crawl", LastRun: lastRun}))

	reopened, err := Open(path, arbor.NewLogger())
	require.NoError(t, err)

	record, err := reopened.Get(ctx, "styles")
	require.NoError(t, err)
	assert.True(t, lastRun.Equal(record.LastRun))
	assert.Equal(t, "0123456789abcdef", record.OutputHashes["out/styles.json"])

	records, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "crawl", records[0].Step)
	assert.Equal(t, "styles", records[1].Step)
}

func TestStore_DeleteIsPersistedAndIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	ctx := context.Background()

	store, err := Open(path, arbor.NewLogger())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, &models.StepRecord{Step: "crawl", LastRun: time.Now()}))
	require.NoError(t, store.Delete(ctx, "crawl"))
	require.NoError(t, store.Delete(ctx, "crawl"))

	reopened, err := Open(path, arbor.NewLogger())
	require.NoError(t, err)
	_, err = reopened.Get(ctx, "crawl")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}

func TestStore_ReturnsCopies(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "cache.json"), arbor.NewLogger())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &models.StepRecord{Step: "crawl"}))
	record, err := store.Get(ctx, "crawl")
	require.NoError(t, err)
	record.Step = "changed"

	again, err := store.Get(ctx, "crawl")
	require.NoError(t, err)
	assert.Equal(t, "crawl", again.Step)
}

func TestStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "cache.json"), arbor.NewLogger())
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), &models.StepRecord{Step: "crawl"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cache.json", entries[0].Name())
}

func TestOpen_Errors(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	store, err := Open(empty, arbor.NewLogger())
	require.NoError(t, err)
	records, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0644))
	_, err = Open(corrupt, arbor.NewLogger())
	assert.Error(t, err)

	assert.Error(t, store.Put(context.Background(), &models.StepRecord{}))
}
