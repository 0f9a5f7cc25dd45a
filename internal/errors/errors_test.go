package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      ErrorCategory
		retryable bool
	}{
		{"nil", nil, "", false},
		{"transient", NewTransientError("dial", stderrors.New("refused")), CategoryTransient, true},
		{"timeout", NewTimeoutError("sink"), CategoryTransient, true},
		{"sink", NewSinkError("webhook", 503, nil), CategoryTransient, true},
		{"malformed", NewMalformedError("forceOrder", "negative size"), CategoryMalformed, false},
		{"conflict", NewConflictError("whale_transfer", "0xabc", []string{"value_eth"}), CategoryConflict, false},
		{"rate limit", NewRateLimitError("whale_transfer:high", 3), CategoryRateLimit, false},
		{"fatal", NewFatalError("chain_ingestor", stderrors.New("store down")), CategoryFatal, false},
		{"config", NewConfigError("alerts.webhook_url", "required"), CategoryFatal, false},
		{"deadline", context.DeadlineExceeded, CategoryTransient, true},
		{"cancelled", context.Canceled, CategoryFatal, false},
		{"wrapped", fmt.Errorf("upsert: %w", NewMalformedError("x", "y")), CategoryMalformed, false},
		{"plain", stderrors.New("boom"), CategoryTransient, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestCategorizedErrorUnwrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := NewStoreError("upsert", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "STORE_ERROR")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsMalformed(NewParseError("depth", stderrors.New("bad json"))))
	assert.True(t, IsConflict(NewConflictError("liquidation", "k", []string{"price"})))
	assert.True(t, IsFatal(NewFatalError("dispatcher", nil)))
	assert.False(t, IsFatal(NewTimeoutError("rest")))
}
