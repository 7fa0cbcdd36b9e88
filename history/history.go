// Package history is the append-only durable record of everything the
// engine consumes and every alert it sees, backed by Postgres/TimescaleDB.
// The engine writes to it best-effort and the query service reads time
// ranges from it; the live state in package store never depends on it.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360/coldchain/errors"
	"github.com/c360/coldchain/telemetry"
)

// Result-count bounds for range queries.
const (
	DefaultTelemetryLimit = 1000
	DefaultAlertLimit     = 100
)

// Config configures the history store connection.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	MaxConns int    `json:"max_conns"`
}

func (c Config) connString() string {
	maxConns := c.MaxConns
	if maxConns == 0 {
		maxConns = 10
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?pool_max_conns=%d",
		c.User, c.Password, c.Host, c.Port, c.Database, maxConns,
	)
}

// TelemetryEntry is one persisted telemetry event.
type TelemetryEntry struct {
	AssetID   string          `json:"asset_id"`
	AssetType string          `json:"asset_type"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// AlertEntry is one persisted alert notification.
type AlertEntry struct {
	AlertID      string          `json:"alert_id"`
	AssetID      string          `json:"asset_id"`
	AssetType    string          `json:"asset_type"`
	State        string          `json:"state,omitempty"`
	Anomaly      json.RawMessage `json:"anomaly,omitempty"`
	Acknowledged bool            `json:"acknowledged"`
	DetectedAt   time.Time       `json:"detected_at"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AlertQuery filters a historical alert lookup.
type AlertQuery struct {
	AssetID      string
	Hours        int
	Acknowledged *bool
	Limit        int
}

// Store persists events to Postgres and serves time-range queries.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS telemetry_history (
	asset_id   TEXT        NOT NULL,
	asset_type TEXT        NOT NULL DEFAULT '',
	subject    TEXT        NOT NULL DEFAULT '',
	payload    JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS telemetry_history_asset_time_idx
	ON telemetry_history (asset_id, created_at DESC);

CREATE TABLE IF NOT EXISTS alert_history (
	alert_id        TEXT        NOT NULL,
	asset_id        TEXT        NOT NULL,
	asset_type      TEXT        NOT NULL DEFAULT '',
	state           TEXT        NOT NULL DEFAULT '',
	anomaly         JSONB,
	acknowledged    BOOLEAN     NOT NULL DEFAULT FALSE,
	acknowledged_at TIMESTAMPTZ,
	detected_at     TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS alert_history_asset_time_idx
	ON alert_history (asset_id, created_at DESC);
CREATE INDEX IF NOT EXISTS alert_history_time_idx
	ON alert_history (created_at DESC);
`

// NewStore connects to Postgres, verifies the connection, and ensures the
// schema exists.
func NewStore(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.connString())
	if err != nil {
		return nil, errors.WrapFatal(err, "history", "NewStore", "create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(err, "history", "NewStore", "ping postgres")
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.WrapFatal(err, "history", "NewStore", "initialize schema")
	}

	logger.Info("Connected to history store", "host", cfg.Host, "database", cfg.Database)
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the Postgres connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.WrapTransient(err, "history", "Ping", "postgres ping")
	}
	return nil
}

// AppendTelemetry persists one raw telemetry event. The ingestion
// timestamp is assigned by the database.
func (s *Store) AppendTelemetry(ctx context.Context, e TelemetryEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO telemetry_history (asset_id, asset_type, subject, payload) VALUES ($1, $2, $3, $4)`,
		e.AssetID, e.AssetType, e.Subject, e.Payload,
	)
	if err != nil {
		return errors.WrapTransient(err, "history", "AppendTelemetry", "insert telemetry")
	}
	return nil
}

var telemetryColumns = []string{"asset_id", "asset_type", "subject", "payload"}

// BatchAppendTelemetry persists a batch of telemetry events with COPY.
// Used by backfill tooling and batched writers.
func (s *Store) BatchAppendTelemetry(ctx context.Context, entries []TelemetryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{e.AssetID, e.AssetType, e.Subject, e.Payload}
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"telemetry_history"},
		telemetryColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return errors.WrapTransient(err, "history", "BatchAppendTelemetry",
			fmt.Sprintf("copy batch of %d", len(entries)))
	}
	return nil
}

// AppendAlert persists one alert notification, unacknowledged.
func (s *Store) AppendAlert(ctx context.Context, n telemetry.AlertNotification) error {
	anomaly, err := json.Marshal(n.Anomaly)
	if err != nil {
		return errors.WrapInvalid(err, "history", "AppendAlert", "marshal anomaly")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO alert_history (alert_id, asset_id, asset_type, state, anomaly, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		n.AlertID, n.AssetID, n.AssetType, n.State, anomaly, n.DetectedAt,
	)
	if err != nil {
		return errors.WrapTransient(err, "history", "AppendAlert", "insert alert")
	}
	return nil
}

// AssetHistory returns an asset's telemetry over the last hours, newest
// first, bounded by limit.
func (s *Store) AssetHistory(ctx context.Context, assetID string, hours, limit int) ([]TelemetryEntry, error) {
	if limit <= 0 {
		limit = DefaultTelemetryLimit
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	rows, err := s.pool.Query(ctx,
		`SELECT asset_id, asset_type, subject, payload, created_at
		 FROM telemetry_history
		 WHERE asset_id = $1 AND created_at >= $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		assetID, since, limit,
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "history", "AssetHistory", "query telemetry")
	}
	defer rows.Close()

	var out []TelemetryEntry
	for rows.Next() {
		var e TelemetryEntry
		if err := rows.Scan(&e.AssetID, &e.AssetType, &e.Subject, &e.Payload, &e.CreatedAt); err != nil {
			return nil, errors.WrapTransient(err, "history", "AssetHistory", "scan telemetry row")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "history", "AssetHistory", "iterate telemetry rows")
	}
	return out, nil
}

// Alerts returns historical alerts matching the query, newest first.
func (s *Store) Alerts(ctx context.Context, q AlertQuery) ([]AlertEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	hours := q.Hours
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	query := `SELECT alert_id, asset_id, asset_type, state, anomaly, acknowledged, detected_at, created_at
		 FROM alert_history
		 WHERE created_at >= $1`
	args := []any{since}

	if q.AssetID != "" {
		args = append(args, q.AssetID)
		query += fmt.Sprintf(" AND asset_id = $%d", len(args))
	}
	if q.Acknowledged != nil {
		args = append(args, *q.Acknowledged)
		query += fmt.Sprintf(" AND acknowledged = $%d", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "history", "Alerts", "query alerts")
	}
	defer rows.Close()

	var out []AlertEntry
	for rows.Next() {
		var (
			e          AlertEntry
			detectedAt *time.Time
		)
		if err := rows.Scan(&e.AlertID, &e.AssetID, &e.AssetType, &e.State, &e.Anomaly, &e.Acknowledged, &detectedAt, &e.CreatedAt); err != nil {
			return nil, errors.WrapTransient(err, "history", "Alerts", "scan alert row")
		}
		if detectedAt != nil {
			e.DetectedAt = *detectedAt
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "history", "Alerts", "iterate alert rows")
	}
	return out, nil
}

// Acknowledge marks an alert acknowledged. Acknowledging an unknown or
// already-acknowledged alert returns a not-found error.
func (s *Store) Acknowledge(ctx context.Context, alertID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE alert_history
		 SET acknowledged = TRUE, acknowledged_at = now()
		 WHERE alert_id = $1 AND NOT acknowledged`,
		alertID,
	)
	if err != nil {
		return errors.WrapTransient(err, "history", "Acknowledge", "update alert")
	}
	if tag.RowsAffected() == 0 {
		return errors.WrapNotFound(errors.ErrAlertNotFound, "history", "Acknowledge", alertID)
	}
	return nil
}
