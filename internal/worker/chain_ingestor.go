// Package worker runs the long-lived feed ingestors.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/whale-tracker/internal/adapter"
	"github.com/whale-tracker/internal/config"
	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/health"
	"github.com/whale-tracker/internal/logging"
	"github.com/whale-tracker/internal/models"
	"github.com/whale-tracker/internal/retry"
	"github.com/whale-tracker/internal/service"
	"github.com/whale-tracker/internal/storage"
	"github.com/whale-tracker/internal/types"
)

const chainComponent = "chain_ingestor"

// knownExchangeLabels names the default exchange hot wallets
var knownExchangeLabels = map[string]string{
	"0x28c6c06298d514db089934071355e5743bf21d60": "Binance 14",
	"0x21a31ee1afc51d94c2efccaa2092ad1028285549": "Binance 15",
	"0x9696f59e4d72e237be84ffd425dcad154bf96976": "Coinbase 5",
	"0x71660c4005ba85c37ccec55d0c4493e66fe775d3": "Coinbase 1",
	"0x6cc5f688a315f3dc28a7781717a9a798a59fda7b": "OKX",
	"0x2910543af39aba0cd09dbb2d50200b3e800a63d2": "Kraken 13",
}

// TransferObserver receives stored high-priority transfers as pattern evidence
type TransferObserver interface {
	ObserveTransfer(t *models.WhaleTransfer)
}

// TransferOutcome is what ingestion did with one transfer
type TransferOutcome string

const (
	OutcomeDropped   TransferOutcome = "dropped"
	OutcomeStored    TransferOutcome = "stored"
	OutcomeDuplicate TransferOutcome = "duplicate"
	OutcomeConflict  TransferOutcome = "conflict"
)

// ChainIngestorConfig holds the collaborators and thresholds of a chain ingestor
type ChainIngestorConfig struct {
	Name      string
	Feed      adapter.TransferFeed
	Store     storage.EventStore
	Alerts    service.AlertSubmitter
	Formatter *service.AlertFormatter
	Patterns  TransferObserver
	Prices    service.PriceSource
	// PriceSymbol is the market symbol used to value ETH
	PriceSymbol       string
	HighThresholdETH  decimal.Decimal
	LowThresholdETH   decimal.Decimal
	ExchangeAddresses []string
	FallbackETHPrice  decimal.Decimal
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	OpTimeout         time.Duration
	WriteAttempts     int
	Health            *health.Registry
	Logger            *logging.Logger
}

// ChainIngestorConfigFrom fills thresholds and timings from the loaded configuration
func ChainIngestorConfigFrom(cfg *config.Config) ChainIngestorConfig {
	return ChainIngestorConfig{
		Name:              cfg.Chain.Name,
		PriceSymbol:       cfg.Market.Symbol,
		HighThresholdETH:  decimal.NewFromFloat(cfg.Chain.HighThresholdETH),
		LowThresholdETH:   decimal.NewFromFloat(cfg.Chain.LowThresholdETH),
		ExchangeAddresses: cfg.Chain.ExchangeAddresses,
		FallbackETHPrice:  decimal.NewFromFloat(cfg.Chain.FallbackETHPrice),
		ReconnectBase:     cfg.Chain.ReconnectBase,
		ReconnectMax:      cfg.Chain.ReconnectMax,
		OpTimeout:         cfg.Database.OpTimeout,
		WriteAttempts:     cfg.Database.WriteAttempts,
	}
}

// ChainIngestorStatus is a point-in-time view of the ingestor
type ChainIngestorStatus struct {
	Running         bool      `json:"running"`
	Halted          bool      `json:"halted"`
	LastBlock       uint64    `json:"last_block"`
	LastBlockTime   time.Time `json:"last_block_time,omitempty"`
	Processed       int64     `json:"processed"`
	Stored          int64     `json:"stored"`
	Dropped         int64     `json:"dropped"`
	Malformed       int64     `json:"malformed"`
	Duplicates      int64     `json:"duplicates"`
	Conflicts       int64     `json:"conflicts"`
	AlertsSubmitted int64     `json:"alerts_submitted"`
	Reconnects      int64     `json:"reconnects"`
}

// ChainIngestor subscribes to chain transfers, classifies whale transfers,
// stores them idempotently and forwards high-priority ones.
type ChainIngestor struct {
	cfg        ChainIngestorConfig
	exchanges  map[string]string
	writeRetry *retry.RetryConfig
	logger     *logging.Logger

	mu      sync.RWMutex
	running bool
	status  ChainIngestorStatus
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewChainIngestor creates a chain ingestor
func NewChainIngestor(cfg ChainIngestorConfig) (*ChainIngestor, error) {
	if cfg.Feed == nil {
		return nil, fmt.Errorf("transfer feed cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("event store cannot be nil")
	}
	if !cfg.LowThresholdETH.IsPositive() || cfg.HighThresholdETH.LessThan(cfg.LowThresholdETH) {
		return nil, fmt.Errorf("invalid thresholds high=%s low=%s", cfg.HighThresholdETH, cfg.LowThresholdETH)
	}
	if cfg.Name == "" {
		cfg.Name = "ethereum"
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}

	return &ChainIngestor{
		cfg:        cfg,
		exchanges:  exchangeSet(cfg.ExchangeAddresses),
		writeRetry: storage.WriteRetryConfig(cfg.WriteAttempts),
		logger:     logging.OrGlobal(cfg.Logger).WithComponent(chainComponent).WithField("chain", cfg.Name),
	}, nil
}

// exchangeSet lower-cases addresses; an entry may carry a label as "address=label"
func exchangeSet(entries []string) map[string]string {
	set := make(map[string]string, len(entries))
	for _, entry := range entries {
		addr, label, _ := strings.Cut(strings.TrimSpace(entry), "=")
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			continue
		}
		if label == "" {
			label = knownExchangeLabels[addr]
		}
		set[addr] = strings.TrimSpace(label)
	}
	return set
}

func (w *ChainIngestor) checkpointName() string {
	return "chain:" + w.cfg.Name
}

// Start resumes from the stored checkpoint and begins consuming the feed
func (w *ChainIngestor) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("chain ingestor %s is already running", w.cfg.Name)
	}
	w.running = true
	w.status.Running = true
	w.status.Halted = false
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	lastBlock, err := w.loadCheckpoint(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to load checkpoint, starting from head")
		lastBlock = 0
	}
	w.mu.Lock()
	w.status.LastBlock = lastBlock
	w.mu.Unlock()

	w.cfg.Health.Healthy(chainComponent)
	w.logger.WithField("last_block", lastBlock).Info("Starting chain ingestor")
	go w.run(ctx)
	return nil
}

// Stop closes the subscription and waits for in-flight writes
func (w *ChainIngestor) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}

	select {
	case <-doneCh:
		w.logger.Info("Chain ingestor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the ingestor has stopped or halted
func (w *ChainIngestor) Done() <-chan struct{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.doneCh
}

// GetStatus returns the current status
func (w *ChainIngestor) GetStatus() ChainIngestorStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func (w *ChainIngestor) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.status.Running = false
		close(w.doneCh)
		w.mu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	backoff := retry.NewBackoff(w.cfg.ReconnectBase, w.cfg.ReconnectMax)
	for {
		from := w.GetStatus().LastBlock
		if from > 0 {
			from++
		}

		err := w.consume(runCtx, from, backoff)
		if runCtx.Err() != nil {
			return
		}
		if apperrors.IsFatal(err) {
			w.halt(err)
			return
		}

		w.mu.Lock()
		w.status.Reconnects++
		w.mu.Unlock()
		w.cfg.Health.Degraded(chainComponent, "feed disconnected")
		delay := backoff.Next()
		w.logger.WithError(err).WithFields(map[string]interface{}{
			"attempt": backoff.Attempt(),
			"delay":   delay.String(),
		}).Warn("Chain feed disconnected, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-runCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume runs one feed subscription until it fails. The first block of a
// subscription resets the reconnect backoff.
func (w *ChainIngestor) consume(ctx context.Context, from uint64, backoff *retry.Backoff) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	blocks := make(chan adapter.BlockTransfers)
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.cfg.Feed.Stream(streamCtx, from, blocks)
	}()

	received := false
	for {
		select {
		case b := <-blocks:
			if !received {
				received = true
				backoff.Reset()
				w.cfg.Health.Healthy(chainComponent)
			}
			// in-flight writes finish on shutdown
			if err := w.ProcessBlock(context.WithoutCancel(ctx), b); err != nil {
				cancel()
				<-errCh
				return err
			}
		case err := <-errCh:
			return err
		}
	}
}

func (w *ChainIngestor) halt(err error) {
	w.mu.Lock()
	w.status.Halted = true
	w.mu.Unlock()
	w.cfg.Health.Halted(chainComponent, err.Error())
	w.logger.ErrorWithErr("Chain ingestor halted", err)
}

// ProcessBlock ingests every transfer of a block and then advances the checkpoint.
// It returns an error only when the store is unavailable beyond the retry ceiling.
func (w *ChainIngestor) ProcessBlock(ctx context.Context, b adapter.BlockTransfers) error {
	for i := range b.Transfers {
		if _, err := w.ProcessTransfer(ctx, b.Transfers[i]); err != nil {
			return err
		}
	}

	cp := &models.Checkpoint{Name: w.checkpointName(), Position: int64(b.Number), UpdatedAt: time.Now().UTC()} // #nosec G115 - block numbers fit in int64
	if _, err := storage.WriteWithRetry(ctx, w.cfg.Store, cp, w.writeRetry, w.cfg.OpTimeout); err != nil {
		return err
	}

	w.mu.Lock()
	w.status.LastBlock = b.Number
	w.status.LastBlockTime = b.Timestamp
	w.status.Malformed += int64(b.Skipped)
	w.mu.Unlock()

	if len(b.Transfers) > 0 || b.Skipped > 0 {
		w.logger.WithFields(map[string]interface{}{
			"block":     b.Number,
			"transfers": len(b.Transfers),
			"skipped":   b.Skipped,
		}).Debug("Block processed")
	}
	return nil
}

// ProcessTransfer classifies and stores one transfer. A duplicate delivery is
// a no-op: nothing is forwarded twice.
func (w *ChainIngestor) ProcessTransfer(ctx context.Context, t adapter.Transfer) (TransferOutcome, error) {
	w.count(func(s *ChainIngestorStatus) { s.Processed++ })

	if t.ValueWei == nil || t.Hash == "" {
		w.count(func(s *ChainIngestorStatus) { s.Malformed++ })
		return OutcomeDropped, nil
	}
	valueETH := decimal.NewFromBigInt(t.ValueWei, -18)
	// contract creations carry no recipient
	if t.To == "" || valueETH.LessThan(w.cfg.LowThresholdETH) {
		w.count(func(s *ChainIngestorStatus) { s.Dropped++ })
		return OutcomeDropped, nil
	}

	transfer := w.classify(t, valueETH)
	log := w.logger.WithFields(map[string]interface{}{
		"tx_hash":   transfer.TxHash,
		"value_eth": transfer.ValueETH.String(),
		"priority":  transfer.Priority,
	})

	res, err := storage.WriteWithRetry(ctx, w.cfg.Store, transfer, w.writeRetry, w.cfg.OpTimeout)
	if err != nil {
		return "", err
	}
	if res.Conflict {
		w.count(func(s *ChainIngestorStatus) { s.Conflicts++ })
		log.WithField("fields", res.ConflictFields).Warn("Data integrity: duplicate transfer with divergent fields, keeping original")
		return OutcomeConflict, nil
	}
	if res.Duplicate() {
		w.count(func(s *ChainIngestorStatus) { s.Duplicates++ })
		log.Debug("Duplicate transfer ignored")
		return OutcomeDuplicate, nil
	}

	w.count(func(s *ChainIngestorStatus) { s.Stored++ })
	log.Info("Whale transfer stored")

	if transfer.Priority == types.PriorityHigh {
		if w.cfg.Patterns != nil {
			w.cfg.Patterns.ObserveTransfer(transfer)
		}
		if w.cfg.Alerts != nil && w.cfg.Formatter != nil {
			d := w.cfg.Alerts.Submit(ctx, w.cfg.Formatter.WhaleTransfer(transfer))
			if d.Err != nil && !errors.Is(d.Err, service.ErrDispatcherClosed) {
				log.WithError(d.Err).Warn("Alert submission failed")
			}
			w.count(func(s *ChainIngestorStatus) { s.AlertsSubmitted++ })
		}
	}
	return OutcomeStored, nil
}

func (w *ChainIngestor) classify(t adapter.Transfer, valueETH decimal.Decimal) *models.WhaleTransfer {
	priority := types.PriorityNormal
	if valueETH.GreaterThanOrEqual(w.cfg.HighThresholdETH) {
		priority = types.PriorityHigh
	}

	from, to := strings.ToLower(t.From), strings.ToLower(t.To)
	label, involved := w.exchanges[from]
	if toLabel, ok := w.exchanges[to]; ok {
		involved = true
		if label == "" {
			label = toLabel
		}
	}

	ethPrice := w.cfg.FallbackETHPrice
	if w.cfg.Prices != nil {
		if p, _, ok := w.cfg.Prices.Latest(w.cfg.PriceSymbol); ok {
			ethPrice = p
		}
	}

	gasPriceGwei := decimal.Zero
	if t.GasPriceWei != nil {
		gasPriceGwei = decimal.NewFromBigInt(t.GasPriceWei, -9)
	}

	return &models.WhaleTransfer{
		TxHash:           strings.ToLower(t.Hash),
		From:             from,
		To:               to,
		ValueETH:         valueETH,
		ValueUSD:         valueETH.Mul(ethPrice).Round(2),
		EthPriceUSD:      ethPrice,
		BlockNumber:      t.BlockNumber,
		Timestamp:        t.Timestamp.UTC(),
		Priority:         priority,
		ExchangeInvolved: involved,
		ExchangeLabel:    label,
		GasLimit:         t.GasLimit,
		GasPriceGwei:     gasPriceGwei,
		Source:           w.cfg.Name,
		IngestID:         uuid.NewString(),
	}
}

func (w *ChainIngestor) count(fn func(s *ChainIngestorStatus)) {
	w.mu.Lock()
	fn(&w.status)
	w.mu.Unlock()
}

func (w *ChainIngestor) loadCheckpoint(ctx context.Context) (uint64, error) {
	opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	defer cancel()

	rec, err := w.cfg.Store.Get(opCtx, types.EntityCheckpoint, w.checkpointName())
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.NewStoreError("load chain checkpoint", err)
	}
	var cp models.Checkpoint
	if err := rec.Decode(&cp); err != nil {
		return 0, err
	}
	if cp.Position < 0 {
		return 0, nil
	}
	return uint64(cp.Position), nil
}
