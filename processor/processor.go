// Package processor is the state derivation and alerting engine. It
// consumes telemetry and alert events from the stream, classifies each
// telemetry event through the rule evaluator, maintains the live asset
// and alert stores, emits alert notifications for anomalies, and persists
// everything to the history store asynchronously.
package processor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/coldchain/errors"
	"github.com/c360/coldchain/history"
	"github.com/c360/coldchain/metric"
	"github.com/c360/coldchain/pkg/retry"
	"github.com/c360/coldchain/pkg/worker"
	"github.com/c360/coldchain/rules"
	"github.com/c360/coldchain/store"
	"github.com/c360/coldchain/telemetry"
)

const progressLogInterval = 500

// Stream is the event-log surface the processor needs from the NATS
// client: stream setup, durable consumption, and publishing.
type Stream interface {
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	ConsumeStream(ctx context.Context, streamName, subject, durable string, handler func([]byte)) error
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// HistorySink is the durable history surface. Writes are best-effort from
// the engine's perspective.
type HistorySink interface {
	AppendTelemetry(ctx context.Context, e history.TelemetryEntry) error
	AppendAlert(ctx context.Context, n telemetry.AlertNotification) error
}

// Config holds processor tuning.
type Config struct {
	StreamName      string        `json:"stream_name"`
	DurablePrefix   string        `json:"durable_prefix"`
	AlertTTL        time.Duration `json:"alert_ttl"`
	HistoryWorkers  int           `json:"history_workers"`
	HistoryQueue    int           `json:"history_queue"`
	StreamMaxAgeHrs int           `json:"stream_max_age_hours"`
}

func (c *Config) applyDefaults() {
	if c.StreamName == "" {
		c.StreamName = telemetry.StreamName
	}
	if c.DurablePrefix == "" {
		c.DurablePrefix = "coldchain-engine"
	}
	if c.AlertTTL <= 0 {
		c.AlertTTL = store.DefaultAlertTTL
	}
	if c.HistoryWorkers <= 0 {
		c.HistoryWorkers = 2
	}
	if c.HistoryQueue <= 0 {
		c.HistoryQueue = 4096
	}
	if c.StreamMaxAgeHrs <= 0 {
		c.StreamMaxAgeHrs = 7 * 24
	}
}

// historyItem is one unit of asynchronous history work.
type historyItem struct {
	telemetry *history.TelemetryEntry
	alert     *telemetry.AlertNotification
}

// Processor wires the stream consumers to the rule evaluator and stores.
type Processor struct {
	cfg     Config
	stream  Stream
	assets  store.AssetStateStore
	alerts  store.AlertStore
	hist    HistorySink
	pool    *worker.Pool[historyItem]
	metrics *metric.EngineMetrics
	logger  *slog.Logger

	started   atomic.Bool
	processed atomic.Int64
	skipped   atomic.Int64
}

// New creates a processor. The metrics registry and all dependencies are
// required.
func New(
	cfg Config,
	stream Stream,
	assets store.AssetStateStore,
	alerts store.AlertStore,
	hist HistorySink,
	registry *metric.Registry,
	logger *slog.Logger,
) *Processor {
	cfg.applyDefaults()

	p := &Processor{
		cfg:     cfg,
		stream:  stream,
		assets:  assets,
		alerts:  alerts,
		hist:    hist,
		metrics: metric.NewEngineMetrics(registry),
		logger:  logger.With("component", "processor"),
	}

	p.pool = worker.NewPool(cfg.HistoryWorkers, cfg.HistoryQueue, p.writeHistory,
		worker.WithMetrics[historyItem](registry, "history_writer"))
	return p
}

// Start ensures the stream exists, starts the history writer pool, and
// binds one durable consumer per subject. Consumers dispatch sequentially
// within a subject and run in parallel across subjects.
func (p *Processor) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	if _, err := p.stream.CreateStream(ctx, jetstream.StreamConfig{
		Name: p.cfg.StreamName,
		Subjects: []string{
			telemetry.SubjectTruckTelemetry,
			telemetry.SubjectRoomTelemetry,
			telemetry.SubjectAlerts,
			telemetry.SubjectAlertNotify,
		},
		MaxAge: time.Duration(p.cfg.StreamMaxAgeHrs) * time.Hour,
	}); err != nil {
		p.started.Store(false)
		return errors.Wrap(err, "processor", "Start", "ensure stream")
	}

	// Store writes and the history drain must survive cancellation of the
	// start context: after a shutdown signal, already-delivered events still
	// get persisted before their ack, and queued history items flush during
	// Stop. Shutdown is bounded by Stop's timeout instead.
	workCtx := context.WithoutCancel(ctx)

	if err := p.pool.Start(workCtx); err != nil {
		p.started.Store(false)
		return errors.Wrap(err, "processor", "Start", "start history writer pool")
	}

	subjects := map[string]string{
		telemetry.SubjectTruckTelemetry: p.cfg.DurablePrefix + "-trucks",
		telemetry.SubjectRoomTelemetry:  p.cfg.DurablePrefix + "-rooms",
		telemetry.SubjectAlerts:         p.cfg.DurablePrefix + "-alerts",
	}
	for subject, durable := range subjects {
		subject := subject
		if err := p.stream.ConsumeStream(ctx, p.cfg.StreamName, subject, durable, func(data []byte) {
			p.handleMessage(workCtx, subject, data)
		}); err != nil {
			p.started.Store(false)
			return errors.Wrap(err, "processor", "Start", "bind consumer for "+subject)
		}
		p.logger.Info("Consumer started", "subject", subject, "durable", durable)
	}

	p.logger.Info("Processor started", "stream", p.cfg.StreamName)
	return nil
}

// Stop drains in-flight history writes. The stream consumers themselves
// are stopped when the NATS client closes.
func (p *Processor) Stop(timeout time.Duration) error {
	if !p.started.CompareAndSwap(true, false) {
		return errors.ErrNotStarted
	}

	if err := p.pool.Stop(timeout); err != nil {
		return errors.Wrap(err, "processor", "Stop", "drain history writer pool")
	}

	stats := p.pool.Stats()
	p.logger.Info("Processor stopped",
		"processed", p.processed.Load(),
		"skipped", p.skipped.Load(),
		"history_written", stats.Processed,
		"history_dropped", stats.Dropped)
	return nil
}

// Processed returns the number of successfully handled events.
func (p *Processor) Processed() int64 { return p.processed.Load() }

// Skipped returns the number of events dropped as malformed.
func (p *Processor) Skipped() int64 { return p.skipped.Load() }

// handleMessage processes one event from the stream. It never returns an
// error: malformed events are counted and skipped, store failures are
// retried with bounded backoff and then logged, so one bad event never
// blocks the subject's partition.
func (p *Processor) handleMessage(ctx context.Context, subject string, data []byte) {
	start := time.Now()
	p.metrics.EventsReceived.WithLabelValues(subject).Inc()

	kind := telemetry.KindForSubject(subject)

	var err error
	switch kind {
	case telemetry.KindTruckTelemetry, telemetry.KindRoomTelemetry:
		err = p.handleTelemetry(ctx, subject, kind, data)
	case telemetry.KindAlert:
		err = p.handleAlert(ctx, data)
	default:
		err = errors.WrapInvalid(errors.ErrUnknownEventKind, "processor", "handleMessage", subject)
	}

	if err != nil {
		if errors.IsInvalid(err) {
			p.skipped.Add(1)
			p.metrics.EventsSkipped.WithLabelValues(subject).Inc()
			p.logger.Warn("Skipping malformed event", "subject", subject, "error", err)
		} else {
			p.metrics.EventsFailed.WithLabelValues(subject).Inc()
			p.logger.Error("Event processing failed", "subject", subject, "error", err)
		}
		return
	}

	p.metrics.EventsProcessed.WithLabelValues(subject).Inc()
	p.metrics.ProcessingSeconds.WithLabelValues(subject).Observe(time.Since(start).Seconds())

	if n := p.processed.Add(1); n%progressLogInterval == 0 {
		p.logger.Info("Processing progress", "events", n)
	}
}

func (p *Processor) handleTelemetry(ctx context.Context, subject string, kind telemetry.Kind, data []byte) error {
	event, err := telemetry.DecodeEvent(kind, data)
	if err != nil {
		return err
	}
	assetID := event.AssetID()

	p.submitHistory(historyItem{telemetry: &history.TelemetryEntry{
		AssetID:   assetID,
		AssetType: event.AssetType,
		Subject:   subject,
		Payload:   append([]byte(nil), data...),
	}})

	result := rules.Evaluate(event)
	rec := recordFromEvent(event, result)

	if err := retry.Do(ctx, retry.Quick(), func() error {
		return p.assets.Upsert(ctx, assetID, rec)
	}); err != nil {
		return errors.Wrap(err, "processor", "handleTelemetry", "upsert asset state")
	}

	if err := p.assets.AdjustCounter(ctx, result.State, 1); err != nil {
		// Counters are approximate; a miss here only widens the known drift.
		p.logger.Warn("Counter adjustment failed", "asset_id", assetID, "error", err)
	}
	p.metrics.StateTransitions.WithLabelValues(string(result.State)).Inc()

	if result.State.IsAlerting() {
		if err := retry.Do(ctx, retry.Quick(), func() error {
			return p.alerts.Raise(ctx, assetID, store.Alert{
				State:        result.State,
				Reasons:      result.Reasons,
				TemperatureC: event.TemperatureC,
			}, p.cfg.AlertTTL)
		}); err != nil {
			return errors.Wrap(err, "processor", "handleTelemetry", "raise alert")
		}
		p.metrics.AlertsRaised.WithLabelValues(string(result.State)).Inc()

		p.emitNotification(ctx, event, result)
	} else {
		if err := retry.Do(ctx, retry.Quick(), func() error {
			return p.alerts.Clear(ctx, assetID)
		}); err != nil {
			return errors.Wrap(err, "processor", "handleTelemetry", "clear alert")
		}
		p.metrics.AlertsCleared.WithLabelValues(event.AssetType).Inc()
	}

	return nil
}

// handleAlert passes an upstream alert notification straight into the
// alert store, keyed by its carried asset id, without re-evaluation.
func (p *Processor) handleAlert(ctx context.Context, data []byte) error {
	n, err := telemetry.DecodeAlertNotification(data)
	if err != nil {
		return err
	}

	p.submitHistory(historyItem{alert: n})

	state := telemetry.Classification(n.State)
	if !state.Valid() {
		state = telemetry.StateWarning
	}

	if err := retry.Do(ctx, retry.Quick(), func() error {
		return p.alerts.Raise(ctx, n.AssetID, store.Alert{
			State:        state,
			AlertID:      n.AlertID,
			Anomaly:      &n.Anomaly,
			TemperatureC: n.Anomaly.Value,
		}, p.cfg.AlertTTL)
	}); err != nil {
		return errors.Wrap(err, "processor", "handleAlert", "raise pass-through alert")
	}

	p.metrics.AlertsRaised.WithLabelValues(string(state)).Inc()
	return nil
}

// emitNotification publishes an engine-detected anomaly to the notify
// subject and queues it for history. Both are best-effort: notification
// failures never fail the triggering event.
func (p *Processor) emitNotification(ctx context.Context, event *telemetry.Event, result rules.Result) {
	n := telemetry.NewAlertNotification(event.AssetID(), event.AssetType, result.State,
		telemetry.StateChangeAnomaly(result.State, result.Reasons, event.TemperatureC))

	data, err := n.Encode()
	if err != nil {
		p.logger.Error("Failed to encode alert notification", "asset_id", n.AssetID, "error", err)
		return
	}
	if err := p.stream.PublishToStream(ctx, telemetry.SubjectAlertNotify, data); err != nil {
		p.logger.Warn("Failed to publish alert notification", "asset_id", n.AssetID, "error", err)
	}

	p.submitHistory(historyItem{alert: &n})
}

func (p *Processor) submitHistory(item historyItem) {
	if err := p.pool.Submit(item); err != nil {
		// Queue full or shutting down; history is best-effort.
		p.logger.Warn("History write dropped", "error", err)
	}
}

// writeHistory persists one queued item with a single bounded retry.
func (p *Processor) writeHistory(ctx context.Context, item historyItem) error {
	cfg := retry.Config{MaxAttempts: 2, InitialDelay: 100 * time.Millisecond}

	switch {
	case item.telemetry != nil:
		return retry.Do(ctx, cfg, func() error {
			return p.hist.AppendTelemetry(ctx, *item.telemetry)
		})
	case item.alert != nil:
		return retry.Do(ctx, cfg, func() error {
			return p.hist.AppendAlert(ctx, *item.alert)
		})
	}
	return nil
}

func recordFromEvent(e *telemetry.Event, result rules.Result) store.AssetRecord {
	rec := store.AssetRecord{
		AssetType:         e.AssetType,
		State:             result.State,
		Reasons:           result.Reasons,
		TemperatureC:      e.TemperatureC,
		HumidityPct:       e.HumidityPct,
		DoorOpen:          e.DoorOpen,
		CompressorRunning: e.CompressorRunning,
		MQTTTopic:         e.MQTTTopic,
		LastTelemetryAt:   e.Timestamp,
	}
	if e.HasLocation() {
		rec.Location = &store.Location{
			Latitude:  *e.Latitude,
			Longitude: *e.Longitude,
			SpeedKmh:  e.SpeedKmh,
		}
	}
	return rec
}
