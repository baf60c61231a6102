package worker

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessArray(t *testing.T) {
	results, err := ProcessArray(context.Background(), []int{1, 2, 3}, func(_ context.Context, n int) (int, error) {
		return n * 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20, 30}, results)
}

func TestProcessArrayFirstErrorCancelsRest(t *testing.T) {
	boom := errors.New("boom")

	start := time.Now()
	_, err := ProcessArray(context.Background(), []int{0, 1}, func(ctx context.Context, n int) (int, error) {
		if n == 0 {
			return 0, boom
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(30 * time.Second):
			return 0, nil
		}
	})

	require.ErrorIs(t, err, boom)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestProcessArrayEmpty(t *testing.T) {
	results, err := ProcessArray(context.Background(), nil, func(_ context.Context, n int) (int, error) {
		return n, nil
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}
