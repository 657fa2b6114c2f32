package migration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rx3lixir/migration-service/pkg/logger"
)

func TestRetryLogic_SucceedsAfterTransientFailure(t *testing.T) {
	retry := NewRetryLogic(logger.NewNop()).
		WithMaxRetries(3).
		WithOpTimeout(time.Second)

	var attempts atomic.Int32
	err := retry.ExecuteWithRetry(context.Background(), func(ctx context.Context) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient failure")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRetryLogic_ExhaustsAttempts(t *testing.T) {
	retry := NewRetryLogic(logger.NewNop()).
		WithMaxRetries(1).
		WithOpTimeout(time.Second)

	permanent := errors.New("permanent failure")
	var attempts atomic.Int32
	err := retry.ExecuteWithRetry(context.Background(), func(ctx context.Context) error {
		attempts.Add(1)
		return permanent
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRetryLogic_HonorsContextCancellation(t *testing.T) {
	retry := NewRetryLogic(logger.NewNop()).
		WithMaxRetries(5).
		WithOpTimeout(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	err := retry.ExecuteWithRetry(ctx, func(context.Context) error {
		cancel()
		return errors.New("fails until cancelled")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestBulkMigrator_MigrateSnapshot(t *testing.T) {
	store := newFakeStore()
	retry := NewRetryLogic(logger.NewNop()).WithMaxRetries(1).WithOpTimeout(time.Second)

	migrator := NewBulkMigrator(store, retry, logger.NewNop(), 100, 2)

	total, err := migrator.MigrateSnapshot(context.Background(), tradeSnapshot(250), "bulk-test")
	require.NoError(t, err)
	assert.Equal(t, 250, total)

	succeeded, failed := migrator.Counters()
	assert.Equal(t, int64(250), succeeded)
	assert.Equal(t, int64(0), failed)

	count, err := store.Count(context.Background(), KindTrades)
	require.NoError(t, err)
	assert.Equal(t, int64(250), count)
}

func TestBulkMigrator_NilSnapshot(t *testing.T) {
	retry := NewRetryLogic(logger.NewNop()).WithMaxRetries(1)
	migrator := NewBulkMigrator(newFakeStore(), retry, logger.NewNop(), 100, 1)

	_, err := migrator.MigrateSnapshot(context.Background(), nil, "bulk-test")
	assert.Error(t, err)
}
