package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatehouse/pkg/platform/sentinel"
)

func TestDo_RetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Policy{Attempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("write: %w", sentinel.ErrUnavailable)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("constraint")
	err := Default.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Policy{Attempts: 2, BaseDelay: time.Microsecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return sentinel.ErrUnavailable
	})

	require.ErrorIs(t, err, sentinel.ErrUnavailable)
	assert.Equal(t, 2, calls)
}

func TestDo_HonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{Attempts: 5, BaseDelay: time.Hour}.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return sentinel.ErrUnavailable
	})

	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, sentinel.ErrUnavailable)
	assert.Equal(t, 1, calls)
}
