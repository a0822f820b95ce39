package throttle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiterRefill(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(2, 1, 100*time.Millisecond, clock)

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	clock.Advance(150 * time.Millisecond)
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	clock.Advance(time.Hour)
	assert.Equal(t, 2, l.Tokens(), "refill is capped at the bucket size")

	l.Allow()
	l.Reset()
	assert.Equal(t, 2, l.Tokens())
}

func TestLimiterWait(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(1, 1, 100*time.Millisecond, clock)

	waited, err := l.Wait(context.Background())
	require.NoError(t, err)
	assert.Zero(t, waited)

	waited, err = l.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, waited)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Wait(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDelayTick(t *testing.T) {
	t.Run("spaces out calls", func(t *testing.T) {
		clock := newFakeClock()
		d := NewDelay(Config{Enabled: true, Burst: 2, RefillTokens: 1, RefillPeriod: 50 * time.Millisecond, Clock: clock})

		for i := 0; i < 4; i++ {
			require.NoError(t, d.Tick(context.Background()))
		}
		assert.Equal(t, int64(4), d.Ticks())
		assert.Equal(t, 100*time.Millisecond, d.Waited())
	})

	t.Run("disabled delay does not wait", func(t *testing.T) {
		clock := newFakeClock()
		d := NewDelay(Config{Burst: 1, Clock: clock})

		for i := 0; i < 10; i++ {
			require.NoError(t, d.Tick(context.Background()))
		}
		assert.Equal(t, int64(10), d.Ticks())
		assert.Zero(t, d.Waited())
	})

	t.Run("clock running backwards fails integrity", func(t *testing.T) {
		clock := newFakeClock()
		d := NewDelay(Config{Enabled: true, Burst: 5, RefillTokens: 1, RefillPeriod: time.Second, Clock: clock})
		require.NoError(t, d.Tick(context.Background()))

		clock.Advance(-time.Minute)
		err := d.Tick(context.Background())
		assert.True(t, errors.Is(err, ErrDelayIntegrity))
		assert.Equal(t, int64(1), d.Ticks())
	})

	t.Run("cancelled context aborts", func(t *testing.T) {
		d := NewDelay(Config{Enabled: true, Burst: 1, Clock: newFakeClock()})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.True(t, errors.Is(d.Tick(ctx), context.Canceled))
	})
}

func TestPrincipalLimiter(t *testing.T) {
	clock := newFakeClock()
	pl := NewPrincipalLimiter(1, 1, time.Second, clock)

	assert.Equal(t, 1, pl.Tokens("alice"))
	assert.True(t, pl.Allow("alice"))
	assert.False(t, pl.Allow("alice"))
	assert.True(t, pl.Allow("bob"), "buckets are per principal")

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, pl.Tokens("alice"), "idle buckets report their refill")

	assert.True(t, pl.Allow("alice"))
	pl.ResetAll()
	assert.True(t, pl.Allow("alice"))
}
