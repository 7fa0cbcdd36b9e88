// Package rules derives an asset's health classification from a single
// telemetry event. Evaluation is pure: no I/O, no state, identical input
// always yields identical output.
package rules

import (
	"fmt"

	"github.com/c360/coldchain/telemetry"
)

// Temperature thresholds in degrees Celsius. Bands are checked worst to
// best and the first match wins.
const (
	TruckTempNormalMax   = -15.0
	TruckTempWarningMax  = -10.0
	TruckTempCriticalMax = -5.0

	RoomTempNormalMax   = -18.0
	RoomTempWarningMax  = -15.0
	RoomTempCriticalMax = -10.0
)

// Result is the outcome of a rule evaluation.
type Result struct {
	State   telemetry.Classification
	Reasons []string
}

// Evaluate classifies a telemetry event. It never fails: missing data
// degrades the reasons list, not the call.
func Evaluate(e *telemetry.Event) Result {
	state := telemetry.StateNormal
	var reasons []string

	if e.TemperatureC != nil {
		temp := *e.TemperatureC
		normalMax, warningMax, criticalMax := thresholds(e.AssetType)
		switch {
		case temp > criticalMax:
			state = telemetry.StateCritical
			reasons = append(reasons, fmt.Sprintf("Temperature critical: %.1f°C > %.1f°C", temp, criticalMax))
		case temp > warningMax:
			state = telemetry.StateWarning
			reasons = append(reasons, fmt.Sprintf("Temperature warning: %.1f°C > %.1f°C", temp, warningMax))
		case temp > normalMax:
			state = state.Escalate(telemetry.StateWarning)
			reasons = append(reasons, fmt.Sprintf("Temperature elevated: %.1f°C", temp))
		}
	}

	if e.IsDoorOpen() {
		if e.IsCompressorRunning() {
			state = telemetry.StateCritical
			reasons = append(reasons, "Door open while compressor running - energy waste")
		} else {
			state = state.Escalate(telemetry.StateWarning)
			reasons = append(reasons, "Door open")
		}
	}

	// The compressor check deliberately reuses the truck warning threshold
	// for every asset type; cold rooms inherit the -10.0°C cutoff. Keep it
	// aligned with the fielded rule set before changing.
	if !e.IsCompressorRunning() && e.TemperatureC != nil && *e.TemperatureC > TruckTempWarningMax {
		state = telemetry.StateCritical
		reasons = append(reasons, "Compressor off with elevated temperature")
	}

	return Result{State: state, Reasons: reasons}
}

func thresholds(assetType string) (normalMax, warningMax, criticalMax float64) {
	if assetType == telemetry.AssetTypeTruck {
		return TruckTempNormalMax, TruckTempWarningMax, TruckTempCriticalMax
	}
	return RoomTempNormalMax, RoomTempWarningMax, RoomTempCriticalMax
}
