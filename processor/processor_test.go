package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/coldchain/errors"
	"github.com/c360/coldchain/history"
	"github.com/c360/coldchain/metric"
	"github.com/c360/coldchain/store"
	"github.com/c360/coldchain/telemetry"
)

// stubStream records published notifications and hands the test direct
// access to the registered consumer handlers.
type stubStream struct {
	mu        sync.Mutex
	handlers  map[string]func([]byte)
	published map[string][][]byte
}

func newStubStream() *stubStream {
	return &stubStream{
		handlers:  make(map[string]func([]byte)),
		published: make(map[string][][]byte),
	}
}

func (s *stubStream) CreateStream(context.Context, jetstream.StreamConfig) (jetstream.Stream, error) {
	return nil, nil
}

func (s *stubStream) ConsumeStream(_ context.Context, _, subject, _ string, handler func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[subject] = handler
	return nil
}

func (s *stubStream) PublishToStream(_ context.Context, subject string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published[subject] = append(s.published[subject], append([]byte(nil), data...))
	return nil
}

func (s *stubStream) deliver(subject string, data []byte) {
	s.mu.Lock()
	handler := s.handlers[subject]
	s.mu.Unlock()
	handler(data)
}

func (s *stubStream) publishedTo(subject string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published[subject]
}

// recordingSink captures history writes in memory.
type recordingSink struct {
	mu        sync.Mutex
	telemetry []history.TelemetryEntry
	alerts    []telemetry.AlertNotification
}

func (r *recordingSink) AppendTelemetry(_ context.Context, e history.TelemetryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telemetry = append(r.telemetry, e)
	return nil
}

func (r *recordingSink) AppendAlert(_ context.Context, n telemetry.AlertNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, n)
	return nil
}

func (r *recordingSink) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.telemetry), len(r.alerts)
}

type fixture struct {
	proc   *Processor
	stream *stubStream
	assets *store.MemoryAssetStore
	alerts *store.MemoryAlertStore
	sink   *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		stream: newStubStream(),
		assets: store.NewMemoryAssetStore(),
		alerts: store.NewMemoryAlertStore(),
		sink:   &recordingSink{},
	}
	f.proc = New(Config{}, f.stream, f.assets, f.alerts, f.sink, metric.NewRegistry(),
		slog.New(slog.DiscardHandler))

	require.NoError(t, f.proc.Start(context.Background()))
	t.Cleanup(func() { _ = f.proc.Stop(5 * time.Second) })
	return f
}

func truckPayload(id string, temp float64, doorOpen, compressorOn bool) []byte {
	return []byte(fmt.Sprintf(
		`{"truck_id":%q,"asset_type":"refrigerated_truck","timestamp":"2026-08-30T12:00:00Z","temperature_c":%g,"door_open":%t,"compressor_running":%t}`,
		id, temp, doorOpen, compressorOn))
}

func TestNormalTelemetryUpdatesState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.stream.deliver(telemetry.SubjectTruckTelemetry, truckPayload("truck-1", -16.0, false, true))

	rec, err := f.assets.Get(ctx, "truck-1")
	require.NoError(t, err)
	assert.Equal(t, telemetry.StateNormal, rec.State)
	assert.Empty(t, rec.Reasons)
	assert.Equal(t, int64(1), rec.MessageCount)

	active, err := f.alerts.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// No anomaly, no notification.
	assert.Empty(t, f.stream.publishedTo(telemetry.SubjectAlertNotify))
	assert.Equal(t, int64(1), f.proc.Processed())
}

func TestCriticalTelemetryRaisesAlertAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.stream.deliver(telemetry.SubjectTruckTelemetry, truckPayload("truck-2", -3.0, false, true))

	rec, err := f.assets.Get(ctx, "truck-2")
	require.NoError(t, err)
	assert.Equal(t, telemetry.StateCritical, rec.State)

	active, err := f.alerts.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "truck-2", active[0].AssetID)
	assert.Equal(t, telemetry.StateCritical, active[0].State)

	published := f.stream.publishedTo(telemetry.SubjectAlertNotify)
	require.Len(t, published, 1)

	var n telemetry.AlertNotification
	require.NoError(t, json.Unmarshal(published[0], &n))
	assert.Equal(t, "truck-2", n.AssetID)
	assert.NotEmpty(t, n.AlertID)
	assert.Equal(t, "HIGH", n.Anomaly.Severity)
}

func TestRecoveryToNormalClearsAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.stream.deliver(telemetry.SubjectTruckTelemetry, truckPayload("truck-3", -3.0, false, true))
	active, err := f.alerts.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	f.stream.deliver(telemetry.SubjectTruckTelemetry, truckPayload("truck-3", -16.0, false, true))

	active, err = f.alerts.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	rec, err := f.assets.Get(ctx, "truck-3")
	require.NoError(t, err)
	assert.Equal(t, telemetry.StateNormal, rec.State)
	assert.Equal(t, int64(2), rec.MessageCount)
}

func TestRoomTelemetryRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := []byte(`{"sensor_id":"sensor-room-1-2","asset_type":"cold_room","timestamp":"2026-08-30T12:00:00Z","temperature_c":-12.0,"door_open":false,"compressor_running":true}`)
	f.stream.deliver(telemetry.SubjectRoomTelemetry, payload)

	rec, err := f.assets.Get(ctx, "sensor-room-1-2")
	require.NoError(t, err)
	assert.Equal(t, telemetry.AssetTypeRoom, rec.AssetType)
	assert.Equal(t, telemetry.StateWarning, rec.State)
}

func TestPassThroughAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := []byte(`{
		"alert_id": "truck-9-TEMP_BREACH-123",
		"asset_id": "truck-9",
		"asset_type": "refrigerated_truck",
		"anomaly": {"type": "TEMP_BREACH", "severity": "HIGH", "message": "m", "value": 2.0},
		"detected_at": "2026-08-30T12:00:00Z"
	}`)
	f.stream.deliver(telemetry.SubjectAlerts, payload)

	active, err := f.alerts.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "truck-9", active[0].AssetID)
	assert.Equal(t, "truck-9-TEMP_BREACH-123", active[0].AlertID)
	require.NotNil(t, active[0].Anomaly)
	assert.Equal(t, "TEMP_BREACH", active[0].Anomaly.Type)

	// Pass-through never touches the asset state store.
	_, err = f.assets.Get(ctx, "truck-9")
	assert.ErrorIs(t, err, errors.ErrAssetNotFound)
}

func TestMalformedEventIsSkippedAndDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.stream.deliver(telemetry.SubjectTruckTelemetry, []byte(`{not json`))
	f.stream.deliver(telemetry.SubjectTruckTelemetry, []byte(`{"asset_type":"refrigerated_truck"}`))
	f.stream.deliver(telemetry.SubjectTruckTelemetry, truckPayload("truck-4", -16.0, false, true))

	assert.Equal(t, int64(2), f.proc.Skipped())
	assert.Equal(t, int64(1), f.proc.Processed())

	rec, err := f.assets.Get(ctx, "truck-4")
	require.NoError(t, err)
	assert.Equal(t, telemetry.StateNormal, rec.State)
}

func TestHistoryWritesForTelemetryAndAlerts(t *testing.T) {
	f := newFixture(t)

	f.stream.deliver(telemetry.SubjectTruckTelemetry, truckPayload("truck-5", -16.0, false, true))
	f.stream.deliver(telemetry.SubjectTruckTelemetry, truckPayload("truck-5", -3.0, false, true))
	f.stream.deliver(telemetry.SubjectAlerts, []byte(`{
		"alert_id": "a1", "asset_id": "truck-5", "asset_type": "refrigerated_truck",
		"anomaly": {"type": "TEMP_BREACH", "severity": "HIGH", "message": "m"},
		"detected_at": "2026-08-30T12:00:00Z"
	}`))

	// Two telemetry entries, plus the synthesized notification and the
	// pass-through alert.
	require.Eventually(t, func() bool {
		nTel, nAlerts := f.sink.counts()
		return nTel == 2 && nAlerts == 2
	}, 5*time.Second, 10*time.Millisecond)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	assert.Equal(t, "truck-5", f.sink.telemetry[0].AssetID)
	assert.Equal(t, telemetry.SubjectTruckTelemetry, f.sink.telemetry[0].Subject)
}

func TestDoubleStartAndStop(t *testing.T) {
	f := newFixture(t)

	err := f.proc.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	require.NoError(t, f.proc.Stop(time.Second))
	err = f.proc.Stop(time.Second)
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

// ctxSink refuses writes once the supplied context is cancelled, the way
// a real database driver would.
type ctxSink struct {
	recordingSink
}

func (c *ctxSink) AppendTelemetry(ctx context.Context, e history.TelemetryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.recordingSink.AppendTelemetry(ctx, e)
}

func (c *ctxSink) AppendAlert(ctx context.Context, n telemetry.AlertNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.recordingSink.AppendAlert(ctx, n)
}

// ctxAssetStore likewise fails upserts on a cancelled context.
type ctxAssetStore struct {
	*store.MemoryAssetStore
}

func (c *ctxAssetStore) Upsert(ctx context.Context, assetID string, rec store.AssetRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.MemoryAssetStore.Upsert(ctx, assetID, rec)
}

// Cancelling the start context (a shutdown signal) must not poison store
// writes for events the stream has already delivered, nor the history
// drain that Stop performs.
func TestShutdownSignalDoesNotLoseInFlightWrites(t *testing.T) {
	stream := newStubStream()
	sink := &ctxSink{}
	assets := &ctxAssetStore{MemoryAssetStore: store.NewMemoryAssetStore()}
	proc := New(Config{HistoryWorkers: 1}, stream, assets, store.NewMemoryAlertStore(),
		sink, metric.NewRegistry(), slog.New(slog.DiscardHandler))

	startCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, proc.Start(startCtx))
	cancel()

	for i := 0; i < 10; i++ {
		stream.deliver(telemetry.SubjectTruckTelemetry, truckPayload(fmt.Sprintf("truck-%d", i), -16.0, false, true))
	}

	assert.Equal(t, int64(10), proc.Processed())
	for i := 0; i < 10; i++ {
		rec, err := assets.Get(context.Background(), fmt.Sprintf("truck-%d", i))
		require.NoError(t, err)
		assert.Equal(t, telemetry.StateNormal, rec.State)
	}

	require.NoError(t, proc.Stop(10*time.Second))

	nTel, _ := sink.counts()
	assert.Equal(t, 10, nTel)
}

func TestStopDrainsHistoryQueue(t *testing.T) {
	stream := newStubStream()
	sink := &recordingSink{}
	proc := New(Config{HistoryWorkers: 1}, stream, store.NewMemoryAssetStore(), store.NewMemoryAlertStore(),
		sink, metric.NewRegistry(), slog.New(slog.DiscardHandler))
	require.NoError(t, proc.Start(context.Background()))

	for i := 0; i < 50; i++ {
		stream.deliver(telemetry.SubjectTruckTelemetry, truckPayload(fmt.Sprintf("truck-%d", i), -16.0, false, true))
	}

	require.NoError(t, proc.Stop(10*time.Second))

	nTel, _ := sink.counts()
	assert.Equal(t, 50, nTel)
}
