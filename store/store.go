// Package store holds the engine's live state: the latest derived record
// per asset and the active-alert set with bounded lifetimes. Two
// implementations are provided, Redis for production and in-memory for
// tests and single-node deployments.
package store

import (
	"context"
	"time"

	"github.com/c360/coldchain/telemetry"
)

// DefaultAlertTTL is how long an active alert lives without being
// re-raised or cleared.
const DefaultAlertTTL = time.Hour

// Location is an optional GPS fix attached to truck records.
type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	SpeedKmh  *float64 `json:"speed_kmh,omitempty"`
}

// AssetRecord is the single live record kept per asset. It reflects the
// most recently processed event for that asset, which under out-of-order
// delivery is not necessarily the most recently produced one.
type AssetRecord struct {
	AssetID           string                   `json:"asset_id"`
	AssetType         string                   `json:"asset_type"`
	State             telemetry.Classification `json:"state"`
	Reasons           []string                 `json:"reasons"`
	TemperatureC      *float64                 `json:"temperature_c,omitempty"`
	HumidityPct       *float64                 `json:"humidity_pct,omitempty"`
	DoorOpen          *bool                    `json:"door_open,omitempty"`
	CompressorRunning *bool                    `json:"compressor_running,omitempty"`
	Location          *Location                `json:"location,omitempty"`
	MQTTTopic         string                   `json:"mqtt_topic,omitempty"`
	LastTelemetryAt   time.Time                `json:"last_telemetry_at,omitempty"`
	UpdatedAt         time.Time                `json:"updated_at"`
	MessageCount      int64                    `json:"message_count"`
}

// Alert is an active alert record. Engine-raised alerts carry the
// classification and reasons; pass-through alerts from upstream detectors
// additionally carry the original notification id and anomaly payload.
type Alert struct {
	AssetID      string                   `json:"asset_id"`
	State        telemetry.Classification `json:"state,omitempty"`
	Reasons      []string                 `json:"reasons,omitempty"`
	TemperatureC *float64                 `json:"temperature_c,omitempty"`
	AlertID      string                   `json:"alert_id,omitempty"`
	Anomaly      *telemetry.Anomaly       `json:"anomaly,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
}

// AssetStateStore is the keyed mapping from asset identity to its latest
// derived record.
//
// Upsert replaces the whole record, stamps UpdatedAt, increments the
// asset's message counter, and registers the id in the known-asset index.
// Writes for the same key must not interleave; writes for different keys
// may run concurrently.
type AssetStateStore interface {
	Upsert(ctx context.Context, assetID string, rec AssetRecord) error
	Get(ctx context.Context, assetID string) (AssetRecord, error)
	ListAll(ctx context.Context) ([]AssetRecord, error)

	// AdjustCounter atomically adds delta to the running counter for a
	// classification. Counters are increment-only per write, not deltas
	// against the asset's previous classification, so they drift above the
	// true live counts over time. Callers needing exact counts must derive
	// them from ListAll.
	AdjustCounter(ctx context.Context, state telemetry.Classification, delta int64) error

	// CounterSnapshot returns the raw running counters. Approximate by
	// construction; see AdjustCounter.
	CounterSnapshot(ctx context.Context) (map[telemetry.Classification]int64, error)

	Ping(ctx context.Context) error
}

// AlertStore is the keyed mapping from asset identity to its active alert.
// Expiry is enforced at the storage layer: an alert past its TTL is
// treated as absent on read and lazily pruned from the index. There is no
// background sweep.
type AlertStore interface {
	Raise(ctx context.Context, assetID string, alert Alert, ttl time.Duration) error

	// Clear removes the active alert for the asset. Clearing an absent
	// alert is a no-op, not an error.
	Clear(ctx context.Context, assetID string) error

	ListActive(ctx context.Context) ([]Alert, error)

	Ping(ctx context.Context) error
}
