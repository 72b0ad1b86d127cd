package phase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// ItemResult is the outcome for the item at Index. Exactly one of Value or Err is meaningful.
type ItemResult[T, R any] struct {
	Index int
	Item  T
	Value R
	Err   error
	Error string
}

// OK reports whether the item succeeded
func (r ItemResult[T, R]) OK() bool {
	return r.Err == nil
}

// Processor handles one item on its own page. index is the item's position in the input.
type Processor[T, R any] func(ctx context.Context, page Page, item T, index int) (R, error)

// ProcessConcurrently processes items on pages of session using a fixed pool of
// maxConcurrency workers (the manager default when <= 0). Every item gets a fresh page that
// is closed after it. A failure or panic is confined to that item's result; the returned
// slice always has len(items) entries in input order. Once ctx is done no further items are
// started and the unstarted ones carry the context error.
func ProcessConcurrently[T, R any](ctx context.Context, m *Manager, session Session, items []T, processor Processor[T, R], maxConcurrency int) []ItemResult[T, R] {
	results := make([]ItemResult[T, R], len(items))
	for i := range items {
		results[i].Index = i
		results[i].Item = items[i]
	}
	if len(items) == 0 {
		return results
	}

	workers := maxConcurrency
	if workers <= 0 {
		workers = m.defaultConcurrency
	}
	if workers > len(items) {
		workers = len(items)
	}

	phase, _ := FromContext(ctx)
	m.logger.Debug().
		Str("phase", phase).
		Int("items", len(items)).
		Int("workers", workers).
		Msg("Processing items concurrently")

	var inFlight atomic.Int64
	jobs := make(chan int, workers)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := ctx.Err(); err != nil {
					setFailed(&results[i], err)
					m.itemsFailed.Add(1)
					continue
				}
				m.observeInFlight(inFlight.Add(1))
				processItem(ctx, m, session, processor, &results[i])
				inFlight.Add(-1)
			}
		}()
	}

	next := 0
dispatch:
	for ; next < len(items); next++ {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- next:
		}
	}
	close(jobs)

	// slots never handed to a worker
	for i := next; i < len(items); i++ {
		setFailed(&results[i], ctx.Err())
		m.itemsFailed.Add(1)
	}

	wg.Wait()

	failed := 0
	for i := range results {
		if results[i].Err != nil {
			failed++
		}
	}
	m.logger.Debug().
		Str("phase", phase).
		Int("items", len(items)).
		Int("failed", failed).
		Msg("Concurrent processing finished")

	return results
}

func processItem[T, R any](ctx context.Context, m *Manager, session Session, processor Processor[T, R], slot *ItemResult[T, R]) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Int("index", slot.Index).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", stack()).
				Msg("Recovered from panic in item processor")
			var zero R
			slot.Value = zero
			setFailed(slot, fmt.Errorf("item %d panicked: %v", slot.Index, r))
			m.itemsFailed.Add(1)
		}
	}()

	page, err := session.OpenPage(ctx)
	if err != nil {
		setFailed(slot, fmt.Errorf("failed to open page: %w", err))
		m.itemsFailed.Add(1)
		return
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			m.logger.Warn().Err(cerr).Int("index", slot.Index).Msg("Failed to close page")
		}
	}()

	value, err := processor(ctx, page, slot.Item, slot.Index)
	if err != nil {
		setFailed(slot, err)
		m.itemsFailed.Add(1)
		return
	}
	slot.Value = value
	m.itemsProcessed.Add(1)
}

func setFailed[T, R any](slot *ItemResult[T, R], err error) {
	slot.Err = err
	slot.Error = err.Error()
}
