package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bulwark/internal/clock"
)

func newMock() *clock.MockClock {
	return clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	clk := newMock()
	calls := 0
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, WithClock(clk), WithMaxRetries(5), WithInitialDelay(time.Second))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.Sleeps())
}

func TestDo_Exhausted(t *testing.T) {
	clk := newMock()
	cause := errors.New("timeout")
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		return cause
	}, WithClock(clk), WithMaxRetries(2), WithInitialDelay(time.Second), WithMaxDelay(1500*time.Millisecond))

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, []time.Duration{time.Second, 1500 * time.Millisecond}, clk.Sleeps())
}

func TestDo_FatalStops(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return Fatal(errors.New("auth failed"))
	}, WithClock(newMock()))

	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, calls)
	assert.Nil(t, Fatal(nil))
}

func TestDo_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errors.New("refused")
	}, WithClock(newMock()), WithMaxRetries(5))

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestDo_OnRetry(t *testing.T) {
	var seen []int
	_ = Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errors.New("x")
	}, WithClock(newMock()), WithMaxRetries(2), WithOnRetry(func(attempt int, err error, next time.Duration) {
		seen = append(seen, attempt)
	}))
	assert.Equal(t, []int{1, 2}, seen)
}
