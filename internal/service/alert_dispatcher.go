package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/whale-tracker/internal/adapter"
	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/health"
	"github.com/whale-tracker/internal/logging"
	"github.com/whale-tracker/internal/models"
	"github.com/whale-tracker/internal/ratelimit"
	"github.com/whale-tracker/internal/retry"
	"github.com/whale-tracker/internal/storage"
	"github.com/whale-tracker/internal/types"
)

const dispatcherComponent = "alert_dispatcher"

// ErrDispatcherClosed is returned for submissions after Close
var ErrDispatcherClosed = errors.New("alert dispatcher closed")

// Decision is the outcome of a submission
type Decision struct {
	Accepted bool
	AlertID  string
	// Reason is set when the alert was suppressed
	Reason types.SuppressReason
	Err    error
}

// AlertSubmitter is the gate every alert candidate passes through
type AlertSubmitter interface {
	Submit(ctx context.Context, alert *models.Alert) Decision
}

// AlertDispatcherConfig holds delivery and persistence settings
type AlertDispatcherConfig struct {
	QueueSize   int
	Delivery    *retry.RetryConfig
	SendTimeout time.Duration
	WriteRetry  *retry.RetryConfig
	OpTimeout   time.Duration
}

// DispatcherStats counts submissions by outcome
type DispatcherStats struct {
	Submitted             int64 `json:"submitted"`
	Accepted              int64 `json:"accepted"`
	SuppressedDuplicate   int64 `json:"suppressed_duplicate"`
	SuppressedRateLimited int64 `json:"suppressed_rate_limited"`
	SuppressedQueueFull   int64 `json:"suppressed_queue_full"`
	Sent                  int64 `json:"sent"`
	Failed                int64 `json:"failed"`
	QueueDepth            int   `json:"queue_depth"`
}

// AlertDispatcher deduplicates and rate limits alerts, then delivers accepted
// ones in submission order through a single worker.
type AlertDispatcher struct {
	cfg      AlertDispatcherConfig
	sink     adapter.AlertSink
	limiter  ratelimit.WindowLimiter
	cooldown ratelimit.Cooldown
	store    storage.EventStore
	health   *health.Registry
	logger   *logging.Logger
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan *models.Alert
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	submitted, accepted                      atomic.Int64
	dupSuppressed, rateSuppressed, queueFull atomic.Int64
	sent, failed                             atomic.Int64
}

// NewAlertDispatcher creates a dispatcher and starts its delivery worker
func NewAlertDispatcher(
	cfg AlertDispatcherConfig,
	sink adapter.AlertSink,
	limiter ratelimit.WindowLimiter,
	cooldown ratelimit.Cooldown,
	store storage.EventStore,
	registry *health.Registry,
	logger *logging.Logger,
) *AlertDispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Delivery == nil {
		cfg.Delivery = retry.DeliveryRetryConfig(3, time.Second)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.WriteRetry == nil {
		cfg.WriteRetry = storage.WriteRetryConfig(3)
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &AlertDispatcher{
		cfg:      cfg,
		sink:     sink,
		limiter:  limiter,
		cooldown: cooldown,
		store:    store,
		health:   registry,
		logger:   logging.OrGlobal(logger).WithComponent(dispatcherComponent),
		now:      time.Now,
		queue:    make(chan *models.Alert, cfg.QueueSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	registry.Healthy(dispatcherComponent)
	go d.run()
	return d
}

// Submit dedups by related reference, then applies the rolling window of the
// alert's (type, priority) bucket. Accepted alerts are persisted pending and
// queued for delivery; suppressed alerts are persisted with their reason.
func (d *AlertDispatcher) Submit(ctx context.Context, alert *models.Alert) Decision {
	d.submitted.Add(1)

	now := d.now().UTC()
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	alert.UpdatedAt = now

	log := d.logger.WithFields(map[string]interface{}{
		"alert_id":    alert.ID,
		"type":        alert.Type,
		"priority":    alert.Priority,
		"related_ref": alert.RelatedRef,
	})

	// Held until the alert is queued so Close cannot close the queue under a send
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return Decision{AlertID: alert.ID, Err: ErrDispatcherClosed}
	}

	dedupKey := alert.RelatedRef
	if dedupKey == "" {
		dedupKey = alert.ID
	}
	fresh, err := d.cooldown.Acquire(ctx, dedupKey)
	if err != nil {
		// the window limiter still bounds volume
		log.WithError(err).Warn("Cool-down unavailable, skipping dedup")
		fresh = true
	}
	if !fresh {
		d.dupSuppressed.Add(1)
		return d.suppress(ctx, alert, types.SuppressDuplicate, log)
	}

	allowed, err := d.limiter.Allow(ctx, alert.Bucket())
	if err != nil {
		log.WithError(err).Error("Rate limiter unavailable, suppressing alert")
		allowed = false
	}
	if !allowed {
		d.rateSuppressed.Add(1)
		return d.suppress(ctx, alert, types.SuppressRateLimited, log)
	}

	alert.Status = types.AlertPending
	d.persist(ctx, alert)

	queued := *alert
	select {
	case d.queue <- &queued:
		d.accepted.Add(1)
		log.Info("Alert accepted")
		return Decision{Accepted: true, AlertID: alert.ID}
	default:
		d.queueFull.Add(1)
		return d.suppress(ctx, alert, types.SuppressQueueFull, log)
	}
}

func (d *AlertDispatcher) suppress(ctx context.Context, alert *models.Alert, reason types.SuppressReason, log *logging.Logger) Decision {
	alert.Status = types.AlertSuppressed
	alert.SuppressReason = reason
	log.WithField("reason", reason).Info("Alert suppressed")
	d.persist(ctx, alert)
	return Decision{AlertID: alert.ID, Reason: reason}
}

func (d *AlertDispatcher) run() {
	defer close(d.done)
	for alert := range d.queue {
		d.deliver(alert)
	}
}

func (d *AlertDispatcher) deliver(alert *models.Alert) {
	log := d.logger.WithFields(map[string]interface{}{
		"alert_id":    alert.ID,
		"related_ref": alert.RelatedRef,
		"sink":        d.sink.Name(),
	})

	result := retry.WithExponentialBackoff(logging.WithLogger(d.ctx, log), d.cfg.Delivery, func(ctx context.Context, attempt int) error {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
		err := d.sink.Send(sendCtx, alert)
		if err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return apperrors.NewTimeoutError("alert delivery")
		}
		return err
	})

	now := d.now().UTC()
	if now.Before(alert.UpdatedAt) {
		now = alert.UpdatedAt
	}
	alert.Attempts = result.Attempts
	alert.UpdatedAt = now

	if result.Success {
		alert.Status = types.AlertSent
		alert.SentAt = &now
		d.sent.Add(1)
		log.WithField("attempts", result.Attempts).Info("Alert sent")
	} else {
		alert.Status = types.AlertFailed
		if result.LastError != nil {
			alert.ErrorMessage = result.LastError.Error()
		}
		d.failed.Add(1)
		log.WithField("attempts", result.Attempts).ErrorWithErr("Alert delivery failed", result.LastError)
	}

	d.persist(context.WithoutCancel(d.ctx), alert)
}

// persist records the alert state. Store failures past the retry ceiling
// degrade the dispatcher but never block delivery.
func (d *AlertDispatcher) persist(ctx context.Context, alert *models.Alert) {
	if d.store == nil {
		return
	}
	snapshot := *alert
	if _, err := storage.WriteWithRetry(ctx, d.store, &snapshot, d.cfg.WriteRetry, d.cfg.OpTimeout); err != nil {
		d.logger.WithError(err).WithField("alert_id", alert.ID).Error("Failed to persist alert")
		if apperrors.IsFatal(err) {
			d.health.Degraded(dispatcherComponent, "alert persistence unavailable")
		}
		return
	}
	if c, ok := d.health.Get(dispatcherComponent); ok && c.State != health.StateHealthy {
		d.health.Healthy(dispatcherComponent)
	}
}

// Stats returns submission counters
func (d *AlertDispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Submitted:             d.submitted.Load(),
		Accepted:              d.accepted.Load(),
		SuppressedDuplicate:   d.dupSuppressed.Load(),
		SuppressedRateLimited: d.rateSuppressed.Load(),
		SuppressedQueueFull:   d.queueFull.Load(),
		Sent:                  d.sent.Load(),
		Failed:                d.failed.Load(),
		QueueDepth:            len(d.queue),
	}
}

// Close stops accepting submissions and waits for queued deliveries. If ctx
// ends first, in-flight retries are abandoned and ctx's error is returned.
func (d *AlertDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}
