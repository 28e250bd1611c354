package loader

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/client/internal/telemetry"
)

func TestCacheEvictsOldestInsertion(t *testing.T) {
	counters := telemetry.NewCounters()
	cache := NewCache(3, counters)
	now := time.Now()

	for i := 1; i <= 3; i++ {
		cache.Put(fmt.Sprintf("k%d", i), json.RawMessage(`{}`), now)
	}

	// Reading an entry must not protect it; eviction is insertion order.
	_, ok := cache.Get("k1")
	require.True(t, ok)

	cache.Put("k4", json.RawMessage(`{}`), now)

	_, ok = cache.Get("k1")
	assert.False(t, ok)
	_, ok = cache.Get("k2")
	assert.True(t, ok)
	assert.Equal(t, 3, cache.Len())
	assert.Equal(t, uint64(1), counters.Snapshot()[telemetry.MetricCacheEvictions])
}

func TestCacheUpdateKeepsInsertionSlot(t *testing.T) {
	cache := NewCache(2, nil)
	now := time.Now()

	cache.Put("k1", json.RawMessage(`{"v":1}`), now)
	cache.Put("k2", json.RawMessage(`{"v":2}`), now)
	cache.Put("k1", json.RawMessage(`{"v":9}`), now)

	// k1 is still the oldest insertion and is the one evicted.
	cache.Put("k3", json.RawMessage(`{"v":3}`), now)

	_, ok := cache.Get("k1")
	assert.False(t, ok)
	data, ok := cache.Get("k2")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(data))
}

func TestCacheInvalidatePrefix(t *testing.T) {
	cache := NewCache(8, nil)
	now := time.Now()

	cache.Put("room:1:players", json.RawMessage(`{}`), now)
	cache.Put("room:1:chat", json.RawMessage(`{}`), now)
	cache.Put("room:2:players", json.RawMessage(`{}`), now)

	assert.Equal(t, 2, cache.InvalidatePrefix("room:1:"))
	assert.Equal(t, 1, cache.Len())

	_, ok := cache.Get("room:2:players")
	assert.True(t, ok)
	assert.Equal(t, 0, cache.InvalidatePrefix("missing:"))
}

func TestCacheEntriesRoundTrip(t *testing.T) {
	cache := NewCache(8, nil)
	now := time.Now().Truncate(time.Millisecond)

	cache.Put("k1", json.RawMessage(`{"v":1}`), now)
	cache.Put("k2", json.RawMessage(`{"v":2}`), now.Add(time.Second))

	entries := cache.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "k1", entries[0].Key)
	assert.Equal(t, "k2", entries[1].Key)

	restored := NewCache(8, nil)
	restored.Restore(entries)
	assert.Equal(t, 2, restored.Len())
	data, ok := restored.Get("k2")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(data))
}

func TestCacheRestoreHonoursBound(t *testing.T) {
	source := NewCache(8, nil)
	now := time.Now()
	for i := 1; i <= 5; i++ {
		source.Put(fmt.Sprintf("k%d", i), json.RawMessage(`{}`), now)
	}

	restored := NewCache(3, nil)
	restored.Restore(source.Entries())

	assert.Equal(t, 3, restored.Len())
	_, ok := restored.Get("k5")
	assert.True(t, ok)
	_, ok = restored.Get("k1")
	assert.False(t, ok)
}

func TestCacheReturnsCopies(t *testing.T) {
	cache := NewCache(8, nil)
	cache.Put("k1", json.RawMessage(`{"v":1}`), time.Now())

	data, ok := cache.Get("k1")
	require.True(t, ok)
	data[0] = 'X'

	fresh, ok := cache.Get("k1")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(fresh))
}

func TestCacheClear(t *testing.T) {
	cache := NewCache(8, nil)
	cache.Put("k1", json.RawMessage(`{}`), time.Now())

	cache.Clear()

	assert.Equal(t, 0, cache.Len())
	_, ok := cache.Get("k1")
	assert.False(t, ok)
}
