package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/genjobs/internal/testutil"
	"github.com/cuongbtq/genjobs/shared/logger"
)

const window = 5 * time.Minute

// backend pairs a guard with a way to move its clock forward
type backend struct {
	guard   Guard
	advance func(d time.Duration)
}

func backends() map[string]func(t *testing.T) backend {
	return map[string]func(t *testing.T) backend{
		"memory": func(t *testing.T) backend {
			g := NewMemory(window)
			now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
			g.now = func() time.Time { return now }
			return backend{guard: g, advance: func(d time.Duration) { now = now.Add(d) }}
		},
		"redis": func(t *testing.T) backend {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return backend{guard: NewRedis(client, "genjobs:callbacks:", window), advance: mr.FastForward}
		},
		"sql": func(t *testing.T) backend {
			g := NewSQL(testutil.NewDB(t), window)
			now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
			g.now = func() time.Time { return now }
			return backend{guard: g, advance: func(d time.Duration) { now = now.Add(d) }}
		},
	}
}

func TestGuard_Contract(t *testing.T) {
	for name, newBackend := range backends() {
		t.Run(name, func(t *testing.T) {
			b := newBackend(t)
			ctx := context.Background()

			seen, err := b.guard.Seen(ctx, "ext-1")
			require.NoError(t, err)
			assert.False(t, seen)

			require.NoError(t, b.guard.Mark(ctx, "ext-1"))

			seen, err = b.guard.Seen(ctx, "ext-1")
			require.NoError(t, err)
			assert.True(t, seen)

			seen, err = b.guard.Seen(ctx, "ext-2")
			require.NoError(t, err)
			assert.False(t, seen)

			b.advance(window - time.Second)
			seen, err = b.guard.Seen(ctx, "ext-1")
			require.NoError(t, err)
			assert.True(t, seen, "still inside the window")

			b.advance(2 * time.Second)
			seen, err = b.guard.Seen(ctx, "ext-1")
			require.NoError(t, err)
			assert.False(t, seen, "window elapsed")

			// marking again after expiry starts a new window
			require.NoError(t, b.guard.Mark(ctx, "ext-1"))
			seen, err = b.guard.Seen(ctx, "ext-1")
			require.NoError(t, err)
			assert.True(t, seen)
		})
	}
}

func TestMemoryGuard_Sweep(t *testing.T) {
	g := NewMemory(window)
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, g.Mark(ctx, "a"))
	now = now.Add(time.Minute)
	require.NoError(t, g.Mark(ctx, "b"))
	now = now.Add(window - 30*time.Second)

	removed, err := g.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, g.Len())
}

func TestSQLGuard_Sweep(t *testing.T) {
	g := NewSQL(testutil.NewDB(t), window)
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, g.Mark(ctx, "a"))
	require.NoError(t, g.Mark(ctx, "b"))
	now = now.Add(2 * time.Minute)
	require.NoError(t, g.Mark(ctx, "c"))
	now = now.Add(window - time.Minute)

	removed, err := g.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	seen, err := g.Seen(ctx, "c")
	require.NoError(t, err)
	assert.True(t, seen)
}

type countingSweeper struct {
	calls chan struct{}
}

func (s *countingSweeper) Sweep(context.Context) (int, error) {
	s.calls <- struct{}{}
	return 1, nil
}

func TestRunJanitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sweeper := &countingSweeper{calls: make(chan struct{}, 8)}

	done := make(chan error, 1)
	go func() {
		done <- RunJanitor(ctx, sweeper, 10*time.Millisecond, logger.NewDiscard().Logger)
	}()

	select {
	case <-sweeper.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor never swept")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestGuard_MarkKeepsFirstAnchor(t *testing.T) {
	for name, newBackend := range backends() {
		t.Run(name, func(t *testing.T) {
			b := newBackend(t)
			ctx := context.Background()

			require.NoError(t, b.guard.Mark(ctx, "ext-1"))
			b.advance(3 * time.Minute)
			require.NoError(t, b.guard.Mark(ctx, "ext-1"))
			b.advance(3 * time.Minute)

			seen, err := b.guard.Seen(ctx, "ext-1")
			require.NoError(t, err)
			assert.False(t, seen, "window runs from the first mark")
		})
	}
}
