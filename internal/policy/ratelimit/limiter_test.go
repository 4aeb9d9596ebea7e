package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitSpacesRequests(t *testing.T) {
	t.Parallel()

	// 600 per minute is one token every 100ms.
	l := New(Config{RequestsPerMinute: 600, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://www.example.org/stable/i1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://WWW.example.org/stable/i2"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterHostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestsPerMinute: 1, Burst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://a.example.org/"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example.org/"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://example.org/"))
	}
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestsPerMinute: 1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://example.org/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://example.org/"))
	require.Equal(t, "unknown", hostOf("::not a url"))
}
