package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/models"
	"github.com/whale-tracker/internal/retry"
	"github.com/whale-tracker/internal/types"
)

func fastWriteRetry(attempts int) *retry.RetryConfig {
	cfg := WriteRetryConfig(attempts)
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	return cfg
}

func TestWriteWithRetryRecovers(t *testing.T) {
	store := NewMemoryStore()
	store.FailNext("upsert", errors.New("connection reset"))

	res, err := WriteWithRetry(testContext(t), store, &models.Checkpoint{Name: "chain", Position: 7, UpdatedAt: time.Now()}, fastWriteRetry(3), time.Second)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, store.Count(types.EntityCheckpoint))
}

func TestWriteWithRetryExhaustedIsFatal(t *testing.T) {
	store := NewMemoryStore()
	store.SetUnavailable(errors.New("connection refused"))

	_, err := WriteWithRetry(testContext(t), store, &models.Checkpoint{Name: "chain", UpdatedAt: time.Now()}, fastWriteRetry(3), time.Second)
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))

	store.SetUnavailable(nil)
	_, err = WriteWithRetry(testContext(t), store, &models.Checkpoint{Name: "chain", UpdatedAt: time.Now()}, fastWriteRetry(3), time.Second)
	assert.NoError(t, err)
}

func TestWriteWithRetryCancelled(t *testing.T) {
	store := NewMemoryStore()
	store.SetUnavailable(errors.New("down"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WriteWithRetry(ctx, store, &models.Checkpoint{Name: "chain", UpdatedAt: time.Now()}, fastWriteRetry(5), time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
