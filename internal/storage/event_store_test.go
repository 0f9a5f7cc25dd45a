package storage

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whale-tracker/internal/models"
	"github.com/whale-tracker/internal/types"
)

// runStoreContract exercises the idempotency and range semantics every backend must share.
// Keys and timestamps are unique per run so shared integration databases stay usable.
func runStoreContract(t *testing.T, store EventStore) {
	run := uuid.NewString()[:8]
	base := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(rand.IntN(1_000_000)) * time.Hour)

	transfer := func(hash string, value string, at time.Time) *models.WhaleTransfer {
		return &models.WhaleTransfer{
			TxHash:      hash,
			From:        "0xaaa",
			To:          "0xbbb",
			ValueETH:    decimal.RequireFromString(value),
			BlockNumber: 19_000_000,
			Timestamp:   at,
			Priority:    types.PriorityHigh,
		}
	}

	t.Run("immutable insert is idempotent", func(t *testing.T) {
		ctx := testContext(t)
		hash := "0x" + run + "dup"

		res, err := UpsertEntity(ctx, store, transfer(hash, "850", base))
		require.NoError(t, err)
		assert.True(t, res.Created)

		res, err = UpsertEntity(ctx, store, transfer(hash, "850", base.Add(2*time.Second)))
		require.NoError(t, err)
		assert.True(t, res.Duplicate())
		assert.False(t, res.Conflict)

		recs, err := store.Query(ctx, types.EntityWhaleTransfer, Filter{From: base, To: base.Add(time.Minute)}, OrderAsc, 0)
		require.NoError(t, err)
		var matching int
		for _, r := range recs {
			if r.Key == hash {
				matching++
			}
		}
		assert.Equal(t, 1, matching)
	})

	t.Run("divergent immutable duplicate is a conflict and original wins", func(t *testing.T) {
		ctx := testContext(t)
		hash := "0x" + run + "conflict"

		_, err := UpsertEntity(ctx, store, transfer(hash, "850", base))
		require.NoError(t, err)

		res, err := UpsertEntity(ctx, store, transfer(hash, "900", base))
		require.NoError(t, err)
		assert.True(t, res.Conflict)
		assert.Equal(t, []string{"value_eth"}, res.ConflictFields)

		rec, err := store.Get(ctx, types.EntityWhaleTransfer, hash)
		require.NoError(t, err)
		var got models.WhaleTransfer
		require.NoError(t, rec.Decode(&got))
		assert.True(t, got.ValueETH.Equal(decimal.NewFromInt(850)))
	})

	t.Run("mutable types are last-writer-wins by timestamp", func(t *testing.T) {
		ctx := testContext(t)
		zone := &models.LiquidityZone{
			Timeframe:   types.Timeframe1m,
			Bucket:      int64(rand.IntN(1_000_000)),
			Strength:    2,
			LastUpdated: base.Add(10 * time.Second),
		}

		res, err := UpsertEntity(ctx, store, zone)
		require.NoError(t, err)
		assert.True(t, res.Created)

		older := *zone
		older.Strength = 1
		older.LastUpdated = base
		res, err = UpsertEntity(ctx, store, &older)
		require.NoError(t, err)
		assert.True(t, res.Stale)

		newer := *zone
		newer.Strength = 5
		newer.LastUpdated = base.Add(20 * time.Second)
		res, err = UpsertEntity(ctx, store, &newer)
		require.NoError(t, err)
		assert.True(t, res.Updated)

		rec, err := store.Get(ctx, types.EntityZone, zone.Key())
		require.NoError(t, err)
		var got models.LiquidityZone
		require.NoError(t, rec.Decode(&got))
		assert.Equal(t, 5, got.Strength)
	})

	t.Run("query filters and orders", func(t *testing.T) {
		ctx := testContext(t)
		from := base.Add(time.Hour)
		for i := 0; i < 5; i++ {
			a := &models.Alert{
				ID:        fmt.Sprintf("%s-alert-%d", run, i),
				Type:      types.AlertWhaleTransfer,
				Priority:  types.AlertPriorityHigh,
				Status:    types.AlertSent,
				CreatedAt: from.Add(time.Duration(i) * time.Second),
				UpdatedAt: from.Add(time.Duration(i) * time.Second),
			}
			if i%2 == 1 {
				a.Status = types.AlertSuppressed
			}
			_, err := UpsertEntity(ctx, store, a)
			require.NoError(t, err)
		}

		recs, err := store.Query(ctx, types.EntityAlert, Filter{
			From:   from,
			To:     from.Add(time.Minute),
			Equals: map[string]string{"status": string(types.AlertSent)},
		}, OrderDesc, 2)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, run+"-alert-4", recs[0].Key)
		assert.Equal(t, run+"-alert-2", recs[1].Key)
	})

	t.Run("delete removes only the time range", func(t *testing.T) {
		ctx := testContext(t)
		from := base.Add(2 * time.Hour)
		for i := 0; i < 4; i++ {
			_, err := UpsertEntity(ctx, store, transfer(fmt.Sprintf("0x%sdel%d", run, i), "400", from.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
		}

		n, err := store.Delete(ctx, types.EntityWhaleTransfer, TimeRange{From: from, To: from.Add(2 * time.Minute)})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		recs, err := store.Query(ctx, types.EntityWhaleTransfer, Filter{From: from, To: from.Add(time.Hour)}, OrderAsc, 0)
		require.NoError(t, err)
		assert.Len(t, recs, 2)

		_, err = store.Delete(ctx, types.EntityWhaleTransfer, TimeRange{})
		assert.Error(t, err, "unbounded delete must be rejected")
	})

	t.Run("get missing key", func(t *testing.T) {
		_, err := store.Get(testContext(t), types.EntityPattern, run+"-missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// runWriteTimeContract checks that a backend stamps write time and honours write-time bounds
func runWriteTimeContract(t *testing.T, store EventStore) {
	ctx := testContext(t)
	run := uuid.NewString()[:8]
	eventTime := time.Date(2002, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(rand.IntN(1_000_000)) * time.Hour)

	upsert := func(hash string) Record {
		t.Helper()
		_, err := UpsertEntity(ctx, store, &models.WhaleTransfer{
			TxHash:    hash,
			ValueETH:  decimal.NewFromInt(900),
			Priority:  types.PriorityHigh,
			Timestamp: eventTime,
		})
		require.NoError(t, err)
		rec, err := store.Get(ctx, types.EntityWhaleTransfer, hash)
		require.NoError(t, err)
		require.False(t, rec.WrittenAt.IsZero())
		return *rec
	}

	first := upsert("0x" + run + "first")
	time.Sleep(10 * time.Millisecond)
	second := upsert("0x" + run + "second")
	require.True(t, second.WrittenAt.After(first.WrittenAt))

	time.Sleep(10 * time.Millisecond)
	again := upsert(first.Key)
	assert.True(t, again.WrittenAt.Equal(first.WrittenAt), "duplicate delivery keeps the original write time")

	recs, err := store.Query(ctx, types.EntityWhaleTransfer, Filter{
		From:        eventTime,
		To:          eventTime.Add(time.Hour),
		WrittenFrom: second.WrittenAt,
	}, OrderAsc, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, second.Key, recs[0].Key)

	n, err := store.Delete(ctx, types.EntityWhaleTransfer, TimeRange{
		From:          eventTime,
		To:            eventTime.Add(time.Hour),
		WrittenBefore: second.WrittenAt,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = store.Get(ctx, types.EntityWhaleTransfer, first.Key)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, types.EntityWhaleTransfer, second.Key)
	assert.NoError(t, err)
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
	runWriteTimeContract(t, NewMemoryStore())
}

func TestSQLiteStoreContract(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	runStoreContract(t, store)
	runWriteTimeContract(t, store)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := testContext(t)

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = UpsertEntity(ctx, store, &models.Checkpoint{Name: "chain", Position: 42, UpdatedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Get(ctx, types.EntityCheckpoint, "chain")
	require.NoError(t, err)
	var cp models.Checkpoint
	require.NoError(t, rec.Decode(&cp))
	assert.Equal(t, int64(42), cp.Position)
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	store := NewMemoryStore()
	ctx := testContext(t)
	rec, err := NewRecord(&models.WhaleTransfer{TxHash: "0xrace", ValueETH: decimal.NewFromInt(850), Timestamp: time.Now()})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Upsert(ctx, rec)
			if err == nil && res.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 1, store.Count(types.EntityWhaleTransfer))
}

func TestTieredStoreRoutesAggregates(t *testing.T) {
	primary := NewMemoryStore()
	analytics := NewMemoryStore()
	store := NewTieredStore(primary, analytics, types.EntityAggregate)
	ctx := testContext(t)

	_, err := UpsertEntity(ctx, store, &models.Aggregate{
		Source: types.EntityLiquidation, Timeframe: types.Timeframe1m, Group: "ETHUSDT:sell", BucketStart: time.Unix(60, 0),
	})
	require.NoError(t, err)
	_, err = UpsertEntity(ctx, store, &models.Checkpoint{Name: "aggregator", UpdatedAt: time.Now()})
	require.NoError(t, err)

	assert.Equal(t, 1, analytics.Count(types.EntityAggregate))
	assert.Zero(t, primary.Count(types.EntityAggregate))
	assert.Equal(t, 1, primary.Count(types.EntityCheckpoint))
	assert.NoError(t, store.Ping(ctx))
}

func TestValidateRecord(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Upsert(testContext(t), Record{EntityType: types.EntityAlert})
	assert.Error(t, err)
	_, err = store.Upsert(testContext(t), Record{Key: "x"})
	assert.Error(t, err)
}
