package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 4, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	boom := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return Permanent(boom)
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	err := Do(context.Background(), Policy{Attempts: 2, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		return errors.New("still down")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 2 attempts")
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestDoDeadlineReportsTimeout(t *testing.T) {
	err := Do(context.Background(), Policy{Attempts: 100, BaseDelay: 20 * time.Millisecond, Deadline: 50 * time.Millisecond},
		func(ctx context.Context) error {
			return errors.New("slow")
		})

	assert.ErrorIs(t, err, ErrTimeout)
}

func TestBackoffIsCapped(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(10))
}
