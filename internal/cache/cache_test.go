package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTTLExpires(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewTTL[string, string](30*time.Minute, clk.Now)

	c.Set("dev", "acme")
	got, ok := c.Get("dev")
	require.True(t, ok)
	assert.Equal(t, "acme", got)

	clk.Advance(29 * time.Minute)
	_, ok = c.Get("dev")
	assert.True(t, ok)

	clk.Advance(time.Minute)
	_, ok = c.Get("dev")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry should be evicted on read")
}

func TestTTLOverwriteRefreshes(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewTTL[string, string](time.Minute, clk.Now)

	c.Set("dev", "acme")
	clk.Advance(50 * time.Second)
	c.Set("dev", "other")
	clk.Advance(50 * time.Second)

	got, ok := c.Get("dev")
	require.True(t, ok)
	assert.Equal(t, "other", got)
}

func TestBoundedTrimsOldestToEightyPercent(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewBounded[string, int](10, clk.Now)

	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("v%d", i), i)
		clk.Advance(time.Second)
	}
	assert.Equal(t, 10, c.Len())

	c.Set("v10", 10)
	assert.Equal(t, 8, c.Len())

	for i := 0; i < 3; i++ {
		_, ok := c.Get(fmt.Sprintf("v%d", i))
		assert.False(t, ok, "v%d should have been trimmed", i)
	}
	_, ok := c.Get("v10")
	assert.True(t, ok)
}

func TestBoundedDefaults(t *testing.T) {
	c := NewBounded[string, int](0, nil)
	assert.Equal(t, DefaultCapacity, c.capacity)
	c.Set("a", 1)
	c.Delete("a")
	assert.Equal(t, 0, c.Len())
}
