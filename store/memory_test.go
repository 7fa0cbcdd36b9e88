package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/coldchain/errors"
	"github.com/c360/coldchain/telemetry"
)

func f(v float64) *float64 { return &v }

func TestMemoryAssetStoreUpsertThenGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAssetStore()

	rec := AssetRecord{
		AssetType:    telemetry.AssetTypeTruck,
		State:        telemetry.StateNormal,
		TemperatureC: f(-16.2),
	}
	require.NoError(t, s.Upsert(ctx, "truck-1", rec))

	got, err := s.Get(ctx, "truck-1")
	require.NoError(t, err)
	assert.Equal(t, "truck-1", got.AssetID)
	assert.Equal(t, telemetry.StateNormal, got.State)
	assert.Equal(t, int64(1), got.MessageCount)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestMemoryAssetStoreGetUnknown(t *testing.T) {
	s := NewMemoryAssetStore()

	_, err := s.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAssetNotFound)
	assert.True(t, errors.IsNotFound(err))
}

func TestMemoryAssetStoreUpsertReplacesWholeRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAssetStore()

	require.NoError(t, s.Upsert(ctx, "truck-1", AssetRecord{
		State:        telemetry.StateWarning,
		Reasons:      []string{"Temperature warning: -8.0°C > -10.0°C"},
		TemperatureC: f(-8.0),
		HumidityPct:  f(50.0),
	}))
	require.NoError(t, s.Upsert(ctx, "truck-1", AssetRecord{
		State:        telemetry.StateNormal,
		TemperatureC: f(-16.0),
	}))

	got, err := s.Get(ctx, "truck-1")
	require.NoError(t, err)
	assert.Equal(t, telemetry.StateNormal, got.State)
	assert.Empty(t, got.Reasons)
	// The old humidity field must not leak through the replace.
	assert.Nil(t, got.HumidityPct)
}

func TestMemoryAssetStoreMessageCountIncrements(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAssetStore()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Upsert(ctx, "room-1", AssetRecord{State: telemetry.StateNormal}))
	}

	got, err := s.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.MessageCount)
}

func TestMemoryAssetStoreListAll(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAssetStore()

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, s.Upsert(ctx, "truck-1", AssetRecord{AssetType: telemetry.AssetTypeTruck}))
	require.NoError(t, s.Upsert(ctx, "room-1", AssetRecord{AssetType: telemetry.AssetTypeRoom}))

	all, err = s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	ids := []string{all[0].AssetID, all[1].AssetID}
	assert.ElementsMatch(t, []string{"truck-1", "room-1"}, ids)
}

func TestMemoryAssetStoreConcurrentUpsertsDistinctKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAssetStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%10))
			for j := 0; j < 50; j++ {
				_ = s.Upsert(ctx, id, AssetRecord{State: telemetry.StateNormal})
			}
		}(i)
	}
	wg.Wait()

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 10)

	var total int64
	for _, rec := range all {
		total += rec.MessageCount
	}
	assert.Equal(t, int64(1000), total)
}

// Counters are adjusted with the new classification only, never decremented
// for the previous one, so repeated upserts for one asset inflate the sum
// past the true live count. The query layer derives exact counts from
// ListAll for this reason.
func TestCounterDriftOnReclassification(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAssetStore()

	require.NoError(t, s.Upsert(ctx, "truck-1", AssetRecord{State: telemetry.StateNormal}))
	require.NoError(t, s.AdjustCounter(ctx, telemetry.StateNormal, 1))

	require.NoError(t, s.Upsert(ctx, "truck-1", AssetRecord{State: telemetry.StateWarning}))
	require.NoError(t, s.AdjustCounter(ctx, telemetry.StateWarning, 1))

	counters, err := s.CounterSnapshot(ctx)
	require.NoError(t, err)

	var sum int64
	for _, n := range counters {
		sum += n
	}

	all, err := s.ListAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), sum)
	assert.Len(t, all, 1)
	assert.Greater(t, sum, int64(len(all)))
}

func TestMemoryAlertStoreRaiseThenClear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAlertStore()

	require.NoError(t, s.Raise(ctx, "truck-1", Alert{
		State:        telemetry.StateWarning,
		Reasons:      []string{"Door open"},
		TemperatureC: f(-12.0),
	}, time.Hour))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "truck-1", active[0].AssetID)
	assert.False(t, active[0].CreatedAt.IsZero())

	require.NoError(t, s.Clear(ctx, "truck-1"))

	active, err = s.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMemoryAlertStoreClearAbsentIsNoop(t *testing.T) {
	s := NewMemoryAlertStore()
	assert.NoError(t, s.Clear(context.Background(), "never-raised"))
}

func TestMemoryAlertStoreReRaiseResetsTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAlertStore()

	base := time.Now()
	now := base
	s.now = func() time.Time { return now }

	require.NoError(t, s.Raise(ctx, "room-1", Alert{State: telemetry.StateCritical}, time.Minute))

	// 50s later, re-raise. The expiry restarts from here.
	now = base.Add(50 * time.Second)
	require.NoError(t, s.Raise(ctx, "room-1", Alert{State: telemetry.StateCritical}, time.Minute))

	// 70s after the first raise the alert would have expired without the
	// re-raise; it must still be active.
	now = base.Add(70 * time.Second)
	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestMemoryAlertStoreExpiryWithoutClear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAlertStore()

	base := time.Now()
	now := base
	s.now = func() time.Time { return now }

	require.NoError(t, s.Raise(ctx, "truck-1", Alert{State: telemetry.StateWarning}, time.Minute))

	now = base.Add(61 * time.Second)
	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// The expired entry was pruned, not just hidden.
	s.mu.Lock()
	_, exists := s.entries["truck-1"]
	s.mu.Unlock()
	assert.False(t, exists)
}

func TestMemoryAlertStoreZeroTTLUsesDefault(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAlertStore()

	require.NoError(t, s.Raise(ctx, "truck-1", Alert{State: telemetry.StateWarning}, 0))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
