package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/coldchain/telemetry"
)

func event(assetType string, temp *float64, doorOpen, compressorRunning bool) *telemetry.Event {
	return &telemetry.Event{
		AssetType:         assetType,
		TemperatureC:      temp,
		DoorOpen:          &doorOpen,
		CompressorRunning: &compressorRunning,
	}
}

func f(v float64) *float64 { return &v }

func TestTruckTemperatureBands(t *testing.T) {
	tests := []struct {
		name      string
		temp      float64
		wantState telemetry.Classification
		wantSub   string
	}{
		{"deep frozen is normal", -16.0, telemetry.StateNormal, ""},
		{"at normal max stays normal", -15.0, telemetry.StateNormal, ""},
		{"just above normal max is elevated", -14.9, telemetry.StateWarning, "Temperature elevated: -14.9°C"},
		{"elevated band", -12.0, telemetry.StateWarning, "Temperature elevated: -12.0°C"},
		{"at warning max stays elevated", -10.0, telemetry.StateWarning, "Temperature elevated: -10.0°C"},
		{"warning band", -8.0, telemetry.StateWarning, "Temperature warning: -8.0°C > -10.0°C"},
		{"at critical max stays warning", -5.0, telemetry.StateWarning, "Temperature warning: -5.0°C > -10.0°C"},
		{"above critical max", -3.0, telemetry.StateCritical, "Temperature critical: -3.0°C > -5.0°C"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Evaluate(event(telemetry.AssetTypeTruck, f(tt.temp), false, true))
			assert.Equal(t, tt.wantState, r.State)
			if tt.wantSub == "" {
				assert.Empty(t, r.Reasons)
			} else {
				require.Len(t, r.Reasons, 1)
				assert.Equal(t, tt.wantSub, r.Reasons[0])
			}
		})
	}
}

func TestRoomTemperatureBands(t *testing.T) {
	tests := []struct {
		name      string
		temp      float64
		wantState telemetry.Classification
	}{
		{"normal", -19.0, telemetry.StateNormal},
		{"elevated", -16.5, telemetry.StateWarning},
		{"warning", -12.0, telemetry.StateWarning},
		{"critical", -9.0, telemetry.StateCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Evaluate(event(telemetry.AssetTypeRoom, f(tt.temp), false, true))
			assert.Equal(t, tt.wantState, r.State)
		})
	}
}

func TestEvaluateIsPure(t *testing.T) {
	e := event(telemetry.AssetTypeTruck, f(-8.0), true, false)
	first := Evaluate(e)
	second := Evaluate(e)
	assert.Equal(t, first, second)
}

func TestDoorOpenCompressorRunningIsEnergyWaste(t *testing.T) {
	r := Evaluate(event(telemetry.AssetTypeRoom, f(-12.0), true, true))
	assert.Equal(t, telemetry.StateCritical, r.State)
	require.Len(t, r.Reasons, 2)
	assert.Contains(t, r.Reasons[0], "Temperature warning")
	assert.Equal(t, "Door open while compressor running - energy waste", r.Reasons[1])
}

func TestDoorOpenCompressorOffIsAtLeastWarning(t *testing.T) {
	r := Evaluate(event(telemetry.AssetTypeTruck, nil, true, false))
	assert.Equal(t, telemetry.StateWarning, r.State)
	require.Len(t, r.Reasons, 1)
	assert.Equal(t, "Door open", r.Reasons[0])
}

func TestDoorOpenDoesNotDowngradeCritical(t *testing.T) {
	// Critical temperature, door open, compressor off: door check must not
	// pull the state back to WARNING.
	r := Evaluate(event(telemetry.AssetTypeTruck, f(-3.0), true, false))
	assert.Equal(t, telemetry.StateCritical, r.State)
	assert.Contains(t, r.Reasons, "Door open")
	assert.Contains(t, r.Reasons, "Compressor off with elevated temperature")
}

func TestCompressorOffUsesTruckThresholdForAllAssetTypes(t *testing.T) {
	// A truck above the truck warning max with the compressor off is forced
	// to CRITICAL.
	r := Evaluate(event(telemetry.AssetTypeTruck, f(-8.0), false, false))
	assert.Equal(t, telemetry.StateCritical, r.State)
	assert.Contains(t, r.Reasons, "Compressor off with elevated temperature")

	// A room at -12°C is inside its own warning band, but the compressor
	// check compares against the truck cutoff (-10°C), so it stays quiet.
	r = Evaluate(event(telemetry.AssetTypeRoom, f(-12.0), false, false))
	assert.Equal(t, telemetry.StateWarning, r.State)
	assert.NotContains(t, r.Reasons, "Compressor off with elevated temperature")
}

func TestCompressorOffWithoutTemperature(t *testing.T) {
	r := Evaluate(event(telemetry.AssetTypeTruck, nil, false, false))
	assert.Equal(t, telemetry.StateNormal, r.State)
	assert.Empty(t, r.Reasons)
}

func TestMissingTemperatureAddsNoTemperatureReason(t *testing.T) {
	r := Evaluate(event(telemetry.AssetTypeTruck, nil, true, true))
	assert.Equal(t, telemetry.StateCritical, r.State)
	require.Len(t, r.Reasons, 1)
	assert.Equal(t, "Door open while compressor running - energy waste", r.Reasons[0])
}

func TestMissingFlagsUseProducerDefaults(t *testing.T) {
	// No door or compressor flags at all: door treated closed, compressor
	// treated running.
	r := Evaluate(&telemetry.Event{
		AssetType:    telemetry.AssetTypeTruck,
		TemperatureC: f(-16.0),
	})
	assert.Equal(t, telemetry.StateNormal, r.State)
	assert.Empty(t, r.Reasons)
}

func TestUnknownAssetTypeUsesRoomBands(t *testing.T) {
	r := Evaluate(event("unknown_type", f(-11.0), false, true))
	assert.Equal(t, telemetry.StateWarning, r.State)
}
