package loader

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"conclave/client/internal/telemetry"
)

// Level orders load requests into batches. All requests of a level settle,
// success or failure, before the next level starts.
type Level string

const (
	LevelCritical Level = "critical"
	LevelHigh     Level = "high"
	LevelMedium   Level = "medium"
	LevelLow      Level = "low"
)

var levelRank = map[Level]int{
	LevelCritical: 0,
	LevelHigh:     1,
	LevelMedium:   2,
	LevelLow:      3,
}

// KnownLevel reports whether the level is one of the four defined tiers.
func KnownLevel(l Level) bool {
	_, ok := levelRank[l]
	return ok
}

// Priority places a request inside the level sequence. Order breaks ties
// within a level for deterministic dispatch; execution within a level is
// still concurrent.
type Priority struct {
	Level Level `json:"level"`
	Order int   `json:"order"`
}

// Request describes one unit of data to load.
type Request struct {
	ID       string            `json:"id"`
	Endpoint string            `json:"endpoint"`
	Params   map[string]string `json:"params,omitempty"`
	CacheKey string            `json:"cacheKey"`
	Priority Priority          `json:"priority"`
}

// Failure records a request that did not complete.
type Failure struct {
	RequestID string `json:"requestId"`
	Endpoint  string `json:"endpoint"`
	Err       string `json:"error"`
}

// Result summarises one Load run.
type Result struct {
	Completed []string
	FromCache []string
	Failed    []Failure
}

// Fetcher retrieves one payload from the server.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (json.RawMessage, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req Request) (json.RawMessage, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Loader executes load requests level by level, caching results. Failures
// never abort the batch; they are reported and the remaining requests proceed.
type Loader struct {
	mu      sync.Mutex
	cache   *Cache
	fetcher Fetcher
	clock   Clock
	logger  telemetry.Logger
	metrics telemetry.Metrics
	loading bool
}

func New(cache *Cache, fetcher Fetcher, clock Clock, logger telemetry.Logger, metrics telemetry.Metrics) *Loader {
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Loader{
		cache:   cache,
		fetcher: fetcher,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}
}

func newRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Load runs the requests grouped by level, critical first. Within a level the
// requests run concurrently and the level settles before the next begins.
// Cached keys are served without fetching.
func (l *Loader) Load(ctx context.Context, requests []Request) Result {
	l.mu.Lock()
	l.loading = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.loading = false
		l.mu.Unlock()
	}()

	var result Result
	for _, batch := range l.batches(requests) {
		l.runBatch(ctx, batch, &result)
		if ctx.Err() != nil {
			break
		}
	}
	return result
}

// Loading reports whether a Load call is in flight.
func (l *Loader) Loading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loading
}

// batches groups requests by level in rank order and sorts each level by
// Order. Unknown levels are treated as low so a malformed request still loads.
// A caller-supplied id doubles as the cache key unless one is given; requests
// without an id fall back to the endpoint so generated ids never become
// unreachable keys.
func (l *Loader) batches(requests []Request) [][]Request {
	grouped := make(map[Level][]Request)
	for _, req := range requests {
		if req.CacheKey == "" {
			if req.ID != "" {
				req.CacheKey = req.ID
			} else {
				req.CacheKey = req.Endpoint
			}
		}
		if req.ID == "" {
			req.ID = newRequestID()
		}
		level := req.Priority.Level
		if !KnownLevel(level) {
			level = LevelLow
			req.Priority.Level = LevelLow
		}
		grouped[level] = append(grouped[level], req)
	}

	ordered := make([][]Request, 0, len(grouped))
	for _, level := range []Level{LevelCritical, LevelHigh, LevelMedium, LevelLow} {
		batch := grouped[level]
		if len(batch) == 0 {
			continue
		}
		sort.SliceStable(batch, func(i, j int) bool {
			return batch[i].Priority.Order < batch[j].Priority.Order
		})
		ordered = append(ordered, batch)
	}
	return ordered
}

func (l *Loader) runBatch(ctx context.Context, batch []Request, result *Result) {
	type outcome struct {
		req       Request
		data      json.RawMessage
		fromCache bool
		err       error
	}

	outcomes := make([]outcome, len(batch))
	var wg sync.WaitGroup
	for i, req := range batch {
		if _, ok := l.cache.Get(req.CacheKey); ok {
			outcomes[i] = outcome{req: req, fromCache: true}
			continue
		}
		if l.fetcher == nil {
			outcomes[i] = outcome{req: req, err: errors.New("no fetcher configured")}
			continue
		}
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			data, err := l.fetcher.Fetch(ctx, req)
			outcomes[i] = outcome{req: req, data: data, err: err}
		}(i, req)
	}
	wg.Wait()

	now := l.clock.Now()
	for _, out := range outcomes {
		switch {
		case out.fromCache:
			result.FromCache = append(result.FromCache, out.req.ID)
			result.Completed = append(result.Completed, out.req.ID)
		case out.err != nil:
			l.metrics.Add(telemetry.MetricLoadFailures, 1)
			if l.logger != nil {
				l.logger.Printf("load %s failed: %v", out.req.Endpoint, out.err)
			}
			result.Failed = append(result.Failed, Failure{
				RequestID: out.req.ID,
				Endpoint:  out.req.Endpoint,
				Err:       out.err.Error(),
			})
		default:
			l.cache.Put(out.req.CacheKey, out.data, now)
			result.Completed = append(result.Completed, out.req.ID)
		}
	}
}

// Cached returns the cached payload for a key without fetching.
func (l *Loader) Cached(key string) (json.RawMessage, bool) {
	return l.cache.Get(key)
}

// Invalidate removes cached entries by key prefix.
func (l *Loader) Invalidate(prefix string) int {
	return l.cache.InvalidatePrefix(prefix)
}
