package loader

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingFetcher struct {
	mu      sync.Mutex
	batches [][]string
	current []string
	fail    map[string]error
	payload map[string]json.RawMessage
}

func newRecordingFetcher() *recordingFetcher {
	return &recordingFetcher{
		fail:    make(map[string]error),
		payload: make(map[string]json.RawMessage),
	}
}

func (f *recordingFetcher) Fetch(ctx context.Context, req Request) (json.RawMessage, error) {
	f.mu.Lock()
	f.current = append(f.current, req.ID)
	f.mu.Unlock()

	if err := f.fail[req.ID]; err != nil {
		return nil, err
	}
	if data, ok := f.payload[req.ID]; ok {
		return data, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

// settle closes out the current level's recorded fetches. The loader calls
// Fetch concurrently within a level, so per-level membership is what is
// asserted, not intra-level order.
func (f *recordingFetcher) settle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.current) > 0 {
		f.batches = append(f.batches, f.current)
		f.current = nil
	}
}

func (f *recordingFetcher) fetchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, batch := range f.batches {
		ids = append(ids, batch...)
	}
	return append(ids, f.current...)
}

func newTestLoader(fetcher Fetcher) (*Loader, *Cache) {
	cache := NewCache(8, nil)
	return New(cache, fetcher, nil, nil, nil), cache
}

func req(id string, level Level, order int) Request {
	return Request{ID: id, Endpoint: "/" + id, CacheKey: id, Priority: Priority{Level: level, Order: order}}
}

func TestLoadRunsLevelsInPriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	fetcher := FetcherFunc(func(ctx context.Context, r Request) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, string(r.Priority.Level))
		mu.Unlock()
		return json.RawMessage(`{}`), nil
	})
	l, _ := newTestLoader(fetcher)

	result := l.Load(context.Background(), []Request{
		req("l1", LevelLow, 0),
		req("c1", LevelCritical, 0),
		req("m1", LevelMedium, 0),
		req("h1", LevelHigh, 0),
		req("c2", LevelCritical, 1),
	})

	assert.Len(t, result.Completed, 5)
	assert.Empty(t, result.Failed)

	// Within a level fetches run concurrently, so compare level boundaries.
	require.Len(t, order, 5)
	assert.ElementsMatch(t, []string{"critical", "critical"}, order[:2])
	assert.Equal(t, "high", order[2])
	assert.Equal(t, "medium", order[3])
	assert.Equal(t, "low", order[4])
}

func TestLoadFailureDoesNotAbortBatch(t *testing.T) {
	fetcher := newRecordingFetcher()
	fetcher.fail["c1"] = errors.New("boom")
	l, cache := newTestLoader(fetcher)

	result := l.Load(context.Background(), []Request{
		req("c1", LevelCritical, 0),
		req("c2", LevelCritical, 1),
		req("h1", LevelHigh, 0),
	})

	assert.ElementsMatch(t, []string{"c2", "h1"}, result.Completed)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "c1", result.Failed[0].RequestID)
	assert.Equal(t, "/c1", result.Failed[0].Endpoint)
	assert.Equal(t, "boom", result.Failed[0].Err)

	// Later levels still ran despite the critical failure.
	assert.Contains(t, fetcher.fetchedIDs(), "h1")
	_, ok := cache.Get("c1")
	assert.False(t, ok)
}

func TestLoadServesCachedKeysWithoutFetching(t *testing.T) {
	fetcher := newRecordingFetcher()
	l, cache := newTestLoader(fetcher)
	cache.Put("c1", json.RawMessage(`{"cached":true}`), time.Now())

	result := l.Load(context.Background(), []Request{
		req("c1", LevelCritical, 0),
		req("c2", LevelCritical, 1),
	})

	assert.ElementsMatch(t, []string{"c1", "c2"}, result.Completed)
	assert.Equal(t, []string{"c1"}, result.FromCache)
	assert.Equal(t, []string{"c2"}, fetcher.fetchedIDs())
}

func TestLoadCachesFetchedPayloads(t *testing.T) {
	fetcher := newRecordingFetcher()
	fetcher.payload["c1"] = json.RawMessage(`{"players":3}`)
	l, cache := newTestLoader(fetcher)

	l.Load(context.Background(), []Request{req("c1", LevelCritical, 0)})

	data, ok := cache.Get("c1")
	require.True(t, ok)
	assert.JSONEq(t, `{"players":3}`, string(data))
}

func TestLoadCachesUnderCallerRequestID(t *testing.T) {
	fetcher := newRecordingFetcher()
	l, cache := newTestLoader(fetcher)

	result := l.Load(context.Background(), []Request{
		{ID: "rooms:lobby", Endpoint: "/rooms", Priority: Priority{Level: LevelHigh}},
	})

	require.Equal(t, []string{"rooms:lobby"}, result.Completed)

	// A caller-supplied id doubles as the cache key when none is given.
	_, ok := cache.Get("rooms:lobby")
	assert.True(t, ok)
	_, ok = cache.Get("/rooms")
	assert.False(t, ok)
}

func TestLoadDefaultsMalformedRequests(t *testing.T) {
	fetcher := newRecordingFetcher()
	l, cache := newTestLoader(fetcher)

	result := l.Load(context.Background(), []Request{
		{Endpoint: "/rooms", Priority: Priority{Level: "urgent"}},
	})

	require.Len(t, result.Completed, 1)
	assert.NotEmpty(t, result.Completed[0])

	// The endpoint doubles as the cache key when none is given.
	_, ok := cache.Get("/rooms")
	assert.True(t, ok)
}

func TestLoadStopsBetweenLevelsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := FetcherFunc(func(_ context.Context, r Request) (json.RawMessage, error) {
		if r.Priority.Level == LevelCritical {
			cancel()
		}
		return json.RawMessage(`{}`), nil
	})
	l, _ := newTestLoader(fetcher)

	result := l.Load(ctx, []Request{
		req("c1", LevelCritical, 0),
		req("l1", LevelLow, 0),
	})

	assert.Equal(t, []string{"c1"}, result.Completed)
}
