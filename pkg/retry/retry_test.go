package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastConfig(3), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errFlaky
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUp(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(2), func(context.Context) (int, error) {
		calls++
		return 0, errFlaky
	})

	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 2, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(5), func(context.Context) (int, error) {
		calls++
		return 0, Permanent(errFlaky)
	})

	assert.Equal(t, errFlaky, err)
	assert.Equal(t, 1, calls)
}

func TestDo_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(5)
	cfg.InitialDelay = time.Second

	calls := 0
	_, err := Do(ctx, cfg, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errFlaky
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestConfig_Delay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, cfg.delay(0))
	assert.Equal(t, 200*time.Millisecond, cfg.delay(1))
	assert.Equal(t, 300*time.Millisecond, cfg.delay(2), "capped")

	cfg.Jitter = true
	for i := 0; i < 20; i++ {
		d := cfg.delay(0)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}
