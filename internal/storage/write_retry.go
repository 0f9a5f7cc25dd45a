package storage

import (
	"context"
	"time"

	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/models"
	"github.com/whale-tracker/internal/retry"
)

// WriteRetryConfig returns the policy used for event store writes
func WriteRetryConfig(attempts int) *retry.RetryConfig {
	if attempts < 1 {
		attempts = 1
	}
	return &retry.RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Retryable:    apperrors.IsRetryable,
	}
}

// WriteWithRetry upserts e, bounding every attempt by opTimeout and retrying
// transient failures. Exhausting the retry ceiling returns a fatal error; the
// caller's own cancellation is returned as is.
func WriteWithRetry(ctx context.Context, store EventStore, e models.Entity, cfg *retry.RetryConfig, opTimeout time.Duration) (UpsertResult, error) {
	var res UpsertResult
	result := retry.WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		var err error
		res, err = UpsertEntity(opCtx, store, e)
		if err != nil {
			return apperrors.NewStoreError("upsert "+string(e.EntityType()), err)
		}
		return nil
	})
	if result.Success {
		return res, nil
	}
	if ctx.Err() != nil {
		return UpsertResult{}, ctx.Err()
	}
	return UpsertResult{}, apperrors.NewFatalError("event store", result.Err())
}
