package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/coldchain/errors"
)

// Anomaly is the payload of an alert notification.
type Anomaly struct {
	Type     string   `json:"type"`
	Severity string   `json:"severity"`
	Message  string   `json:"message"`
	Value    *float64 `json:"value,omitempty"`
}

// AlertNotification is an alert-on-log event. The engine consumes these
// from the alerts subject (upstream detectors publish them) and produces
// its own on the notify subject for every WARNING or CRITICAL
// classification. It never reads its own notifications back.
type AlertNotification struct {
	AlertID    string    `json:"alert_id"`
	AssetID    string    `json:"asset_id"`
	AssetType  string    `json:"asset_type"`
	State      string    `json:"state,omitempty"`
	Anomaly    Anomaly   `json:"anomaly"`
	DetectedAt time.Time `json:"detected_at"`
}

// NewAlertNotification synthesizes a notification with a unique id.
func NewAlertNotification(assetID, assetType string, state Classification, anomaly Anomaly) AlertNotification {
	return AlertNotification{
		AlertID:    uuid.NewString(),
		AssetID:    assetID,
		AssetType:  assetType,
		State:      string(state),
		Anomaly:    anomaly,
		DetectedAt: time.Now().UTC(),
	}
}

// StateChangeAnomaly builds the anomaly payload for an engine-detected
// classification, summarizing the reasons behind it.
func StateChangeAnomaly(state Classification, reasons []string, temperature *float64) Anomaly {
	severity := "MEDIUM"
	if state == StateCritical {
		severity = "HIGH"
	}
	message := "State " + string(state)
	if len(reasons) > 0 {
		message = fmt.Sprintf("State %s: %s", state, reasons[0])
	}
	return Anomaly{
		Type:     "STATE_" + string(state),
		Severity: severity,
		Message:  message,
		Value:    temperature,
	}
}

// DecodeAlertNotification parses an alert payload from the alerts subject.
// A notification without an asset id cannot be keyed and is malformed.
func DecodeAlertNotification(data []byte) (*AlertNotification, error) {
	var n AlertNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "telemetry", "DecodeAlertNotification", err.Error())
	}
	if n.AssetID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingAssetID, "telemetry", "DecodeAlertNotification", "notification carries no asset_id")
	}
	return &n, nil
}

// Encode serializes the notification for publishing.
func (n AlertNotification) Encode() ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, errors.Wrap(err, "telemetry", "Encode", "marshal alert notification")
	}
	return data, nil
}
