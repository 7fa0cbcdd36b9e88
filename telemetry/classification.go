// Package telemetry defines the event model shared by the stream processor,
// the rule evaluator, and the stores: telemetry events from trucks and cold
// rooms, alert notifications, and the derived state classification.
package telemetry

// Classification is the derived health state of an asset.
type Classification string

// Asset classifications, ordered by severity.
const (
	StateUnknown  Classification = "UNKNOWN"
	StateNormal   Classification = "NORMAL"
	StateWarning  Classification = "WARNING"
	StateCritical Classification = "CRITICAL"
)

// Severity returns the ordering rank of the classification.
// UNKNOWN ranks below NORMAL so it never masks a real state.
func (c Classification) Severity() int {
	switch c {
	case StateNormal:
		return 0
	case StateWarning:
		return 1
	case StateCritical:
		return 2
	default:
		return -1
	}
}

// Escalate returns the worse of the two classifications. It never downgrades.
func (c Classification) Escalate(to Classification) Classification {
	if to.Severity() > c.Severity() {
		return to
	}
	return c
}

// Valid reports whether c is one of the known classifications.
func (c Classification) Valid() bool {
	switch c {
	case StateNormal, StateWarning, StateCritical, StateUnknown:
		return true
	}
	return false
}

// IsAlerting reports whether the classification requires an active alert.
func (c Classification) IsAlerting() bool {
	return c == StateWarning || c == StateCritical
}
