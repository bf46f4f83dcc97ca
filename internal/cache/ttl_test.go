package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration, max int) (*TTL[string, int], *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := New[string, int](ttl, max)
	c.SetClock(clock.Now)
	return c, clock
}

func TestGetBeforeAndAfterExpiry(t *testing.T) {
	c, clock := newTestCache(30*time.Second, 0)
	c.Set("a", 1)

	clock.Advance(29 * time.Second)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry should be dropped on lookup")
}

func TestEvictsOldestWhenFull(t *testing.T) {
	c, clock := newTestCache(time.Hour, 2)
	c.Set("a", 1)
	clock.Advance(time.Second)
	c.Set("b", 2)
	clock.Advance(time.Second)
	c.Set("c", 3)

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestEvictPrefersExpiredEntries(t *testing.T) {
	c, clock := newTestCache(time.Minute, 2)
	c.Set("old", 1)
	clock.Advance(50 * time.Second)
	c.Set("fresh", 2)
	clock.Advance(20 * time.Second)
	c.Set("new", 3)

	_, ok := c.Get("fresh")
	assert.True(t, ok)
	_, ok = c.Get("new")
	assert.True(t, ok)
}

func TestReplaceDoesNotEvict(t *testing.T) {
	c, _ := newTestCache(time.Hour, 2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestGetOrLoadCachesOnlySuccess(t *testing.T) {
	c, clock := newTestCache(time.Minute, 0)
	calls := 0
	failing := func() (int, error) {
		calls++
		return 0, errors.New("upstream down")
	}

	_, err := c.GetOrLoad("k", failing)
	require.Error(t, err)
	_, err = c.GetOrLoad("k", failing)
	require.Error(t, err)
	assert.Equal(t, 2, calls, "failures must not be cached")

	ok := func() (int, error) {
		calls++
		return 42, nil
	}
	v, err := c.GetOrLoad("k", ok)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	v, err = c.GetOrLoad("k", ok)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)

	clock.Advance(time.Minute)
	_, err = c.GetOrLoad("k", ok)
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int, int](time.Minute, 8)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(j%10, n)
				c.Get(j % 10)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 8)
}
