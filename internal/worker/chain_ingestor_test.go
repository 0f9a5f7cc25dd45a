package worker

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whale-tracker/internal/adapter"
	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/health"
	"github.com/whale-tracker/internal/logging"
	"github.com/whale-tracker/internal/models"
	"github.com/whale-tracker/internal/service"
	"github.com/whale-tracker/internal/storage"
	"github.com/whale-tracker/internal/types"
)

const binance14 = "0x28c6c06298d514db089934071355e5743bf21d60"

var chainBase = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func wei(eth string) *big.Int {
	return decimal.RequireFromString(eth).Shift(18).BigInt()
}

func transfer(hash, eth string, block uint64) adapter.Transfer {
	return adapter.Transfer{
		Hash:        hash,
		From:        "0x1111111111111111111111111111111111111111",
		To:          binance14,
		ValueWei:    wei(eth),
		BlockNumber: block,
		Timestamp:   chainBase,
		GasLimit:    21000,
		GasPriceWei: big.NewInt(25_000_000_000),
	}
}

// collectingSubmitter records alert candidates without dispatching them
type collectingSubmitter struct {
	mu     sync.Mutex
	alerts []*models.Alert
}

func (c *collectingSubmitter) Submit(_ context.Context, alert *models.Alert) service.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return service.Decision{Accepted: true, AlertID: alert.ID}
}

func (c *collectingSubmitter) Alerts() []*models.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.Alert(nil), c.alerts...)
}

type recordingObserver struct {
	mu        sync.Mutex
	transfers []string
}

func (o *recordingObserver) ObserveTransfer(t *models.WhaleTransfer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transfers = append(o.transfers, t.TxHash)
}

// scriptedFeed plays one session per Stream call. A session delivers its
// blocks and then ends with its error, or blocks until cancelled when the
// error is nil.
type scriptedFeed struct {
	mu       sync.Mutex
	sessions [][]adapter.BlockTransfers
	errs     []error
	froms    []uint64
}

func (f *scriptedFeed) Stream(ctx context.Context, fromBlock uint64, out chan<- adapter.BlockTransfers) error {
	f.mu.Lock()
	idx := len(f.froms)
	f.froms = append(f.froms, fromBlock)
	var blocks []adapter.BlockTransfers
	var sessionErr error
	if idx < len(f.sessions) {
		blocks, sessionErr = f.sessions[idx], f.errs[idx]
	}
	f.mu.Unlock()

	for _, b := range blocks {
		select {
		case out <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if sessionErr != nil {
		return sessionErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *scriptedFeed) Froms() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.froms...)
}

type chainFixture struct {
	store    *storage.MemoryStore
	alerts   *collectingSubmitter
	observer *recordingObserver
	prices   *service.LivePrice
	registry *health.Registry
	feed     *scriptedFeed
	ingestor *ChainIngestor
}

func newChainFixture(t *testing.T, mutate func(cfg *ChainIngestorConfig)) *chainFixture {
	t.Helper()
	f := &chainFixture{
		store:    storage.NewMemoryStore(),
		alerts:   &collectingSubmitter{},
		observer: &recordingObserver{},
		prices:   service.NewLivePrice(),
		registry: health.NewRegistry(),
		feed:     &scriptedFeed{},
	}
	cfg := ChainIngestorConfig{
		Name:              "ethereum",
		Feed:              f.feed,
		Store:             f.store,
		Alerts:            f.alerts,
		Formatter:         service.NewAlertFormatter("https://etherscan.io/tx/", decimal.NewFromInt(2_000_000), 0.6),
		Patterns:          f.observer,
		Prices:            f.prices,
		PriceSymbol:       "ETHUSDT",
		HighThresholdETH:  decimal.NewFromInt(800),
		LowThresholdETH:   decimal.NewFromInt(300),
		ExchangeAddresses: []string{binance14},
		FallbackETHPrice:  decimal.NewFromInt(1800),
		ReconnectBase:     time.Millisecond,
		ReconnectMax:      5 * time.Millisecond,
		OpTimeout:         time.Second,
		WriteAttempts:     1,
		Health:            f.registry,
		Logger:            logging.NewNopLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ingestor, err := NewChainIngestor(cfg)
	require.NoError(t, err)
	f.ingestor = ingestor
	return f
}

func storedTransfer(t *testing.T, store *storage.MemoryStore, hash string) models.WhaleTransfer {
	t.Helper()
	rec, err := store.Get(context.Background(), types.EntityWhaleTransfer, hash)
	require.NoError(t, err)
	var w models.WhaleTransfer
	require.NoError(t, rec.Decode(&w))
	return w
}

func TestChainIngestorDuplicateDeliveryIsIgnored(t *testing.T) {
	ctx := testContext(t)
	f := newChainFixture(t, nil)
	f.prices.Update("ETHUSDT", decimal.NewFromInt(2000), chainBase)

	tx := transfer("0xABC", "850", 19_000_000)
	outcome, err := f.ingestor.ProcessTransfer(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, outcome)

	stored := storedTransfer(t, f.store, "0xabc")
	assert.Equal(t, types.PriorityHigh, stored.Priority)
	assert.True(t, stored.ValueETH.Equal(decimal.NewFromInt(850)))
	assert.True(t, stored.ValueUSD.Equal(decimal.NewFromInt(1_700_000)))
	assert.True(t, stored.ExchangeInvolved)
	assert.Equal(t, "Binance 14", stored.ExchangeLabel)
	assert.True(t, stored.GasPriceGwei.Equal(decimal.NewFromInt(25)))

	alerts := f.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertWhaleTransfer, alerts[0].Type)
	assert.Equal(t, "0xabc", alerts[0].RelatedRef)

	// same hash redelivered two seconds later
	tx.Timestamp = tx.Timestamp.Add(2 * time.Second)
	outcome, err = f.ingestor.ProcessTransfer(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.Equal(t, 1, f.store.Count(types.EntityWhaleTransfer))
	assert.Len(t, f.alerts.Alerts(), 1)
	assert.Equal(t, []string{"0xabc"}, f.observer.transfers)

	status := f.ingestor.GetStatus()
	assert.Equal(t, int64(2), status.Processed)
	assert.Equal(t, int64(1), status.Stored)
	assert.Equal(t, int64(1), status.Duplicates)
	assert.Equal(t, int64(1), status.AlertsSubmitted)
}

func TestChainIngestorClassification(t *testing.T) {
	tests := []struct {
		name     string
		eth      string
		outcome  TransferOutcome
		priority types.Priority
	}{
		{name: "below low threshold", eth: "299.99", outcome: OutcomeDropped},
		{name: "at low threshold", eth: "300", outcome: OutcomeStored, priority: types.PriorityNormal},
		{name: "just below high threshold", eth: "799.999", outcome: OutcomeStored, priority: types.PriorityNormal},
		{name: "at high threshold", eth: "800", outcome: OutcomeStored, priority: types.PriorityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newChainFixture(t, nil)
			outcome, err := f.ingestor.ProcessTransfer(testContext(t), transfer("0x01", tt.eth, 1))
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, outcome)

			if tt.outcome == OutcomeDropped {
				assert.Zero(t, f.store.Count(types.EntityWhaleTransfer))
				assert.Empty(t, f.alerts.Alerts())
				return
			}
			assert.Equal(t, tt.priority, storedTransfer(t, f.store, "0x01").Priority)
			if tt.priority == types.PriorityHigh {
				assert.Len(t, f.alerts.Alerts(), 1)
			} else {
				assert.Empty(t, f.alerts.Alerts(), "normal priority is stored without alerting")
			}
		})
	}
}

func TestChainIngestorConflictKeepsOriginal(t *testing.T) {
	ctx := testContext(t)
	f := newChainFixture(t, nil)

	_, err := f.ingestor.ProcessTransfer(ctx, transfer("0xdup", "900", 10))
	require.NoError(t, err)

	outcome, err := f.ingestor.ProcessTransfer(ctx, transfer("0xdup", "950", 10))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, outcome)

	assert.True(t, storedTransfer(t, f.store, "0xdup").ValueETH.Equal(decimal.NewFromInt(900)))
	assert.Len(t, f.alerts.Alerts(), 1)
	assert.Equal(t, int64(1), f.ingestor.GetStatus().Conflicts)
}

func TestChainIngestorExchangeLabelsAndFallbackPrice(t *testing.T) {
	ctx := testContext(t)
	f := newChainFixture(t, func(cfg *ChainIngestorConfig) {
		cfg.ExchangeAddresses = []string{" 0xDESK=OTC Desk ", binance14}
	})

	tx := transfer("0x02", "400", 1)
	tx.From = "0xdesk"
	tx.To = "0x2222"
	_, err := f.ingestor.ProcessTransfer(ctx, tx)
	require.NoError(t, err)

	stored := storedTransfer(t, f.store, "0x02")
	assert.True(t, stored.ExchangeInvolved)
	assert.Equal(t, "OTC Desk", stored.ExchangeLabel)
	assert.True(t, stored.EthPriceUSD.Equal(decimal.NewFromInt(1800)), "no live price yet")
	assert.True(t, stored.ValueUSD.Equal(decimal.NewFromInt(720_000)))

	tx = transfer("0x03", "400", 1)
	tx.To = "0x3333"
	_, err = f.ingestor.ProcessTransfer(ctx, tx)
	require.NoError(t, err)
	assert.False(t, storedTransfer(t, f.store, "0x03").ExchangeInvolved)
}

func TestChainIngestorRejectsInvalidConfig(t *testing.T) {
	_, err := NewChainIngestor(ChainIngestorConfig{Store: storage.NewMemoryStore()})
	assert.Error(t, err)

	_, err = NewChainIngestor(ChainIngestorConfig{
		Feed:             &scriptedFeed{},
		Store:            storage.NewMemoryStore(),
		HighThresholdETH: decimal.NewFromInt(100),
		LowThresholdETH:  decimal.NewFromInt(300),
	})
	assert.Error(t, err)
}

func TestChainIngestorReconnectsAndCheckpoints(t *testing.T) {
	ctx := testContext(t)
	f := newChainFixture(t, nil)
	f.feed.sessions = [][]adapter.BlockTransfers{
		{{Number: 100, Timestamp: chainBase, Transfers: []adapter.Transfer{transfer("0xa", "850", 100)}, Skipped: 1}},
		{{Number: 101, Timestamp: chainBase.Add(12 * time.Second), Transfers: []adapter.Transfer{transfer("0xb", "350", 101)}}},
	}
	f.feed.errs = []error{apperrors.NewFeedDisconnectedError("ethereum", errors.New("websocket: close 1006")), nil}

	require.NoError(t, f.ingestor.Start(ctx))
	assert.Error(t, f.ingestor.Start(ctx), "second start is rejected")

	require.Eventually(t, func() bool {
		return f.ingestor.GetStatus().LastBlock == 101
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, []uint64{0, 101}, f.feed.Froms())
	status := f.ingestor.GetStatus()
	assert.True(t, status.Running)
	assert.Equal(t, int64(1), status.Reconnects)
	assert.Equal(t, int64(1), status.Malformed)
	assert.Equal(t, int64(2), status.Stored)

	rec, err := f.store.Get(ctx, types.EntityCheckpoint, "chain:ethereum")
	require.NoError(t, err)
	var cp models.Checkpoint
	require.NoError(t, rec.Decode(&cp))
	assert.Equal(t, int64(101), cp.Position)

	c, ok := f.registry.Get(chainComponent)
	require.True(t, ok)
	assert.Equal(t, health.StateHealthy, c.State)

	require.NoError(t, f.ingestor.Stop(ctx))
	<-f.ingestor.Done()
	assert.False(t, f.ingestor.GetStatus().Running)
}

func TestChainIngestorResumesFromCheckpoint(t *testing.T) {
	ctx := testContext(t)
	f := newChainFixture(t, nil)
	_, err := storage.UpsertEntity(ctx, f.store, &models.Checkpoint{Name: "chain:ethereum", Position: 500, UpdatedAt: chainBase})
	require.NoError(t, err)

	require.NoError(t, f.ingestor.Start(ctx))
	require.Eventually(t, func() bool {
		return len(f.feed.Froms()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(501), f.feed.Froms()[0])
	require.NoError(t, f.ingestor.Stop(ctx))
}

func TestChainIngestorHaltsWhenStoreUnavailable(t *testing.T) {
	ctx := testContext(t)
	f := newChainFixture(t, nil)
	f.feed.sessions = [][]adapter.BlockTransfers{
		{{Number: 7, Timestamp: chainBase, Transfers: []adapter.Transfer{transfer("0xa", "850", 7)}}},
	}
	f.feed.errs = []error{nil}

	f.store.SetUnavailable(errors.New("connection refused"))
	require.NoError(t, f.ingestor.Start(ctx))

	select {
	case <-f.ingestor.Done():
	case <-ctx.Done():
		t.Fatal("ingestor did not halt")
	}

	status := f.ingestor.GetStatus()
	assert.True(t, status.Halted)
	assert.False(t, status.Running)
	assert.Zero(t, status.LastBlock)
	assert.Empty(t, f.alerts.Alerts())

	c, ok := f.registry.Get(chainComponent)
	require.True(t, ok)
	assert.Equal(t, health.StateHalted, c.State)
	assert.Equal(t, health.StateHalted, f.registry.Overall())
}
