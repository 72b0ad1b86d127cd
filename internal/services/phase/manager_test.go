package phase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

type fakePage struct {
	session *fakeSession
}

func (p *fakePage) Close() error {
	p.session.closed.Add(1)
	return nil
}

type fakeSession struct {
	opened   atomic.Int64
	closed   atomic.Int64
	openErr  error
	failOpen func() bool
}

func (s *fakeSession) OpenPage(ctx context.Context) (Page, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	if s.failOpen != nil && s.failOpen() {
		return nil, errors.New("tab crashed")
	}
	s.opened.Add(1)
	return &fakePage{session: s}, nil
}

type fakeFactory struct {
	mu         sync.Mutex
	acquireErr error
	releaseErr error
	acquired   int
	released   int
	session    *fakeSession
}

func (f *fakeFactory) AcquireSession(ctx context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquired++
	if f.session == nil {
		f.session = &fakeSession{}
	}
	return f.session, nil
}

func (f *fakeFactory) ReleaseSession(session Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return f.releaseErr
}

func newTestManager(factory SessionFactory, opts ...Option) *Manager {
	return NewManager(factory, arbor.NewLogger(), opts...)
}

func TestWithPhaseSession_ReleasesOnSuccess(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestManager(factory)

	var phaseName string
	err := m.WithPhaseSession(context.Background(), "crawl", func(ctx context.Context, session Session) error {
		phaseName, _ = FromContext(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "crawl", phaseName)
	assert.Equal(t, 1, factory.acquired)
	assert.Equal(t, 1, factory.released)
}

func TestWithPhaseSession_ReleasesOnError(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestManager(factory)

	workErr := errors.New("work failed")
	err := m.WithPhaseSession(context.Background(), "crawl", func(ctx context.Context, session Session) error {
		return workErr
	})
	assert.Equal(t, workErr, err)
	assert.Equal(t, 1, factory.released)
}

func TestWithPhaseSession_ReleasesOnPanic(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestManager(factory)

	assert.PanicsWithValue(t, "work exploded", func() {
		_ = m.WithPhaseSession(context.Background(), "crawl", func(ctx context.Context, session Session) error {
			panic("work exploded")
		})
	})
	assert.Equal(t, 1, factory.released)
}

func TestWithPhaseSession_AcquireFailure(t *testing.T) {
	acquireErr := errors.New("browser not found")
	factory := &fakeFactory{acquireErr: acquireErr}
	m := newTestManager(factory)

	called := false
	err := m.WithPhaseSession(context.Background(), "crawl", func(ctx context.Context, session Session) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, acquireErr))
	assert.False(t, called)
	assert.Equal(t, 0, factory.released)
}

func TestWithPhaseSession_ReleaseFailureIsNotReturned(t *testing.T) {
	factory := &fakeFactory{releaseErr: errors.New("disconnected")}
	m := newTestManager(factory)

	err := m.WithPhaseSession(context.Background(), "crawl", func(ctx context.Context, session Session) error {
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, factory.released)
	assert.Equal(t, int64(1), m.Stats().ReleaseFailures)

	workErr := errors.New("work failed")
	err = m.WithPhaseSession(context.Background(), "crawl", func(ctx context.Context, session Session) error {
		return workErr
	})
	assert.Equal(t, workErr, err, "release failure must not mask the work error")
}

func TestWithSessionResult(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestManager(factory)

	got, err := WithSessionResult(context.Background(), m, "styles", func(ctx context.Context, session Session) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	got, err = WithSessionResult(context.Background(), m, "styles", func(ctx context.Context, session Session) (int, error) {
		return 7, errors.New("partial")
	})
	assert.Error(t, err)
	assert.Equal(t, 0, got)
	assert.Equal(t, 2, factory.released)
}

func TestProcessConcurrently_OrderBoundAndIsolation(t *testing.T) {
	factory := &fakeFactory{}
	m := newTestManager(factory)

	items := make([]int, 10)
	for i := range items {
		items[i] = i
	}

	var inFlight, peak atomic.Int64
	processor := func(ctx context.Context, page Page, item int, index int) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		// later items finish first to prove ordering is by position, not completion
		time.Sleep(time.Duration(10-item) * time.Millisecond)
		if item == 4 {
			return "", fmt.Errorf("item %d failed", item)
		}
		return fmt.Sprintf("page-%d", item), nil
	}

	var results []ItemResult[int, string]
	err := m.WithPhaseSession(context.Background(), "crawl", func(ctx context.Context, session Session) error {
		results = ProcessConcurrently(ctx, m, session, items, processor, 3)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, results, 10)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, i, r.Item)
		if i == 4 {
			assert.False(t, r.OK())
			assert.Equal(t, "item 4 failed", r.Error)
			continue
		}
		assert.True(t, r.OK(), "item %d", i)
		assert.Equal(t, fmt.Sprintf("page-%d", i), r.Value)
	}

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.LessOrEqual(t, m.Stats().PeakInFlight, int64(3))
	assert.Equal(t, int64(10), factory.session.opened.Load())
	assert.Equal(t, int64(10), factory.session.closed.Load(), "every page is closed")

	stats := m.Stats()
	assert.Equal(t, int64(9), stats.ItemsProcessed)
	assert.Equal(t, int64(1), stats.ItemsFailed)
	assert.Equal(t, int64(1), stats.SessionsReleased)
}

func TestProcessConcurrently_PanicAndOpenFailureIsolated(t *testing.T) {
	var opens atomic.Int64
	session := &fakeSession{failOpen: func() bool { return opens.Add(1) == 2 }}
	m := newTestManager(&fakeFactory{})

	items := []string{"a", "b", "c", "d"}
	results := ProcessConcurrently(context.Background(), m, session, items, func(ctx context.Context, page Page, item string, index int) (string, error) {
		if item == "c" {
			panic("renderer crashed")
		}
		return item + item, nil
	}, 1)

	require.Len(t, results, 4)
	assert.Equal(t, "aa", results[0].Value)
	assert.Contains(t, results[1].Error, "failed to open page")
	assert.Contains(t, results[2].Error, "panicked")
	assert.Equal(t, "", results[2].Value)
	assert.Equal(t, "dd", results[3].Value)
	assert.Equal(t, session.opened.Load(), session.closed.Load())
}

func TestProcessConcurrently_DefaultConcurrency(t *testing.T) {
	m := newTestManager(&fakeFactory{}, WithDefaultConcurrency(2))
	assert.Equal(t, 2, m.DefaultConcurrencyLimit())

	session := &fakeSession{}
	var inFlight, peak atomic.Int64
	items := make([]int, 8)
	ProcessConcurrently(context.Background(), m, session, items, func(ctx context.Context, page Page, item int, index int) (int, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return index, nil
	}, 0)

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestProcessConcurrently_Empty(t *testing.T) {
	m := newTestManager(&fakeFactory{})
	results := ProcessConcurrently(context.Background(), m, &fakeSession{}, []int{}, func(ctx context.Context, page Page, item int, index int) (int, error) {
		t.Fatal("processor must not be called")
		return 0, nil
	}, 3)
	assert.Empty(t, results)
}

func TestProcessConcurrently_ContextCancelled(t *testing.T) {
	m := newTestManager(&fakeFactory{})
	ctx, cancel := context.WithCancel(context.Background())

	var started atomic.Int64
	items := make([]int, 20)
	results := ProcessConcurrently(ctx, m, &fakeSession{}, items, func(ctx context.Context, page Page, item int, index int) (int, error) {
		if started.Add(1) == 2 {
			cancel()
		}
		return index, nil
	}, 1)

	require.Len(t, results, 20)
	assert.Less(t, started.Load(), int64(20))

	cancelled := 0
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		if errors.Is(r.Err, context.Canceled) {
			cancelled++
		}
	}
	assert.Equal(t, 20-int(started.Load()), cancelled)
}

func TestProcessConcurrently_SessionOpenError(t *testing.T) {
	m := newTestManager(&fakeFactory{})
	session := &fakeSession{openErr: errors.New("session gone")}

	results := ProcessConcurrently(context.Background(), m, session, []int{1, 2, 3}, func(ctx context.Context, page Page, item int, index int) (int, error) {
		return item, nil
	}, 2)

	for _, r := range results {
		assert.False(t, r.OK())
		assert.Contains(t, r.Error, "session gone")
	}
}
