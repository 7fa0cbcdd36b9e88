package store

import (
	"context"
	"sync"
	"time"

	"github.com/c360/coldchain/errors"
	"github.com/c360/coldchain/telemetry"
)

// MemoryAssetStore is an in-process AssetStateStore for tests and
// single-node deployments without Redis.
type MemoryAssetStore struct {
	mu       sync.RWMutex
	records  map[string]AssetRecord
	counters map[telemetry.Classification]int64

	now func() time.Time
}

// NewMemoryAssetStore creates an empty in-memory asset state store
func NewMemoryAssetStore() *MemoryAssetStore {
	return &MemoryAssetStore{
		records:  make(map[string]AssetRecord),
		counters: make(map[telemetry.Classification]int64),
		now:      time.Now,
	}
}

// Upsert replaces the record for assetID, stamping UpdatedAt and carrying
// the message counter forward.
func (s *MemoryAssetStore) Upsert(_ context.Context, assetID string, rec AssetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.AssetID = assetID
	rec.UpdatedAt = s.now().UTC()
	rec.MessageCount = s.records[assetID].MessageCount + 1
	s.records[assetID] = rec
	return nil
}

// Get returns the record for assetID or ErrAssetNotFound.
func (s *MemoryAssetStore) Get(_ context.Context, assetID string) (AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[assetID]
	if !ok {
		return AssetRecord{}, errors.WrapNotFound(errors.ErrAssetNotFound, "store", "Get", assetID)
	}
	return rec, nil
}

// ListAll returns every record, unordered.
func (s *MemoryAssetStore) ListAll(_ context.Context) ([]AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AssetRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

// AdjustCounter adds delta to the running counter for state.
func (s *MemoryAssetStore) AdjustCounter(_ context.Context, state telemetry.Classification, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[state] += delta
	return nil
}

// CounterSnapshot returns a copy of the running counters.
func (s *MemoryAssetStore) CounterSnapshot(_ context.Context) (map[telemetry.Classification]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[telemetry.Classification]int64, len(s.counters))
	for state, n := range s.counters {
		out[state] = n
	}
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryAssetStore) Ping(context.Context) error { return nil }

type alertEntry struct {
	alert     Alert
	expiresAt time.Time
}

// MemoryAlertStore is an in-process AlertStore. Expired entries are
// treated as absent and pruned on read.
type MemoryAlertStore struct {
	mu      sync.Mutex
	entries map[string]alertEntry

	now func() time.Time
}

// NewMemoryAlertStore creates an empty in-memory alert store
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{
		entries: make(map[string]alertEntry),
		now:     time.Now,
	}
}

// Raise creates or replaces the active alert for assetID, resetting its
// expiry to ttl from now.
func (s *MemoryAlertStore) Raise(_ context.Context, assetID string, alert Alert, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultAlertTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	alert.AssetID = assetID
	alert.CreatedAt = now.UTC()
	s.entries[assetID] = alertEntry{alert: alert, expiresAt: now.Add(ttl)}
	return nil
}

// Clear removes the active alert for assetID if present.
func (s *MemoryAlertStore) Clear(_ context.Context, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, assetID)
	return nil
}

// ListActive returns all unexpired alerts, pruning expired ones.
func (s *MemoryAlertStore) ListActive(_ context.Context) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]Alert, 0, len(s.entries))
	for assetID, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, assetID)
			continue
		}
		out = append(out, entry.alert)
	}
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryAlertStore) Ping(context.Context) error { return nil }
