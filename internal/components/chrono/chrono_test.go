package chrono

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStandardSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	clock := NewStandardTime()
	require.ErrorIs(t, clock.Sleep(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, clock.Sleep(ctx, 0), context.Canceled)
	require.NoError(t, clock.Sleep(context.Background(), 0))
}

func TestFakeTime(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewFakeTime(start)

	require.NoError(t, clock.Sleep(context.Background(), 2*time.Second))
	clock.Advance(time.Minute)
	require.Equal(t, start.Add(time.Minute+2*time.Second), clock.Now())
	require.Equal(t, []time.Duration{2 * time.Second}, clock.Slept())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, clock.Sleep(ctx, time.Second))
	require.Len(t, clock.Slept(), 1)
}
