package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialDelayBounds(t *testing.T) {
	t.Parallel()

	e := Exponential{Base: 100 * time.Millisecond, Max: time.Second}
	tests := []struct {
		tries int
		min   time.Duration
		max   time.Duration
	}{
		{tries: 0, min: 50 * time.Millisecond, max: 100 * time.Millisecond},
		{tries: 1, min: 50 * time.Millisecond, max: 100 * time.Millisecond},
		{tries: 2, min: 100 * time.Millisecond, max: 200 * time.Millisecond},
		{tries: 3, min: 200 * time.Millisecond, max: 400 * time.Millisecond},
		{tries: 10, min: 500 * time.Millisecond, max: time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := e.Delay(tt.tries)
			require.GreaterOrEqual(t, d, tt.min, "tries=%d", tt.tries)
			require.LessOrEqual(t, d, tt.max, "tries=%d", tt.tries)
		}
	}
}

func TestExponentialWithoutCapNeverGoesNegative(t *testing.T) {
	t.Parallel()

	e := Exponential{Base: 250 * time.Millisecond}
	prev := e.Delay(30) / 2
	for _, tries := range []int{40, 49, 64, 200, 5000} {
		d := e.Delay(tries)
		require.Positive(t, d, "tries=%d", tries)
		require.GreaterOrEqual(t, d, prev, "tries=%d", tries)
	}
}

func TestUniformDelayBounds(t *testing.T) {
	t.Parallel()

	u := Uniform{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond}
	for i := 0; i < 50; i++ {
		d := u.Delay(i)
		require.GreaterOrEqual(t, d, u.Min)
		require.LessOrEqual(t, d, u.Max)
	}
	require.Equal(t, 5*time.Millisecond, Uniform{Min: 5 * time.Millisecond}.Delay(0))
}

func TestFixedAndZero(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Second, Fixed(time.Second).Delay(3))
	require.NoError(t, Zero().Sleep(context.Background(), 4))
	require.Zero(t, Zero().Delay(9))
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := New(Fixed(5*time.Second)).Sleep(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second, "sleep should exit immediately when context is done")
}

func TestPauseWaits(t *testing.T) {
	t.Parallel()

	start := time.Now()
	require.NoError(t, Pause(context.Background(), 15*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}
