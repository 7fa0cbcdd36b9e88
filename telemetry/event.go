package telemetry

import (
	"encoding/json"
	"time"

	"github.com/c360/coldchain/errors"
)

// Asset types carried on the wire.
const (
	AssetTypeTruck = "refrigerated_truck"
	AssetTypeRoom  = "cold_room"
)

// Stream subjects. The engine consumes the first three and produces
// notifications on the fourth; notifications are never read back.
const (
	StreamName            = "COLDCHAIN"
	SubjectTruckTelemetry = "coldchain.telemetry.trucks"
	SubjectRoomTelemetry  = "coldchain.telemetry.rooms"
	SubjectAlerts         = "coldchain.alerts"
	SubjectAlertNotify    = "coldchain.alerts.notify"
)

// Kind discriminates the event union by source subject.
type Kind int

const (
	KindUnknown Kind = iota
	KindTruckTelemetry
	KindRoomTelemetry
	KindAlert
)

func (k Kind) String() string {
	switch k {
	case KindTruckTelemetry:
		return "truck_telemetry"
	case KindRoomTelemetry:
		return "room_telemetry"
	case KindAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// KindForSubject maps a stream subject to its event kind.
func KindForSubject(subject string) Kind {
	switch subject {
	case SubjectTruckTelemetry:
		return KindTruckTelemetry
	case SubjectRoomTelemetry:
		return KindRoomTelemetry
	case SubjectAlerts:
		return KindAlert
	default:
		return KindUnknown
	}
}

// Event is a decoded telemetry reading from a truck or cold room.
// Optional fields are pointers so a missing value is distinct from zero.
// Unknown wire fields are ignored.
type Event struct {
	Kind Kind `json:"-"`

	SensorID          string    `json:"sensor_id,omitempty"`
	TruckID           string    `json:"truck_id,omitempty"`
	RouteID           string    `json:"route_id,omitempty"`
	SiteID            string    `json:"site_id,omitempty"`
	RoomID            string    `json:"room_id,omitempty"`
	AssetType         string    `json:"asset_type"`
	Timestamp         time.Time `json:"timestamp"`
	TemperatureC      *float64  `json:"temperature_c,omitempty"`
	HumidityPct       *float64  `json:"humidity_pct,omitempty"`
	DoorOpen          *bool     `json:"door_open,omitempty"`
	CompressorRunning *bool     `json:"compressor_running,omitempty"`
	Latitude          *float64  `json:"latitude,omitempty"`
	Longitude         *float64  `json:"longitude,omitempty"`
	SpeedKmh          *float64  `json:"speed_kmh,omitempty"`
	MQTTTopic         string    `json:"mqtt_topic,omitempty"`
	IngestedAt        time.Time `json:"ingested_at,omitempty"`
}

// AssetID returns the asset identity: truck id for trucks, sensor id for
// rooms. Empty means the event is malformed.
func (e *Event) AssetID() string {
	if e.TruckID != "" {
		return e.TruckID
	}
	return e.SensorID
}

// IsDoorOpen treats a missing door flag as closed.
func (e *Event) IsDoorOpen() bool {
	return e.DoorOpen != nil && *e.DoorOpen
}

// IsCompressorRunning treats a missing compressor flag as running, matching
// the producer contract where only fault conditions are reported explicitly.
func (e *Event) IsCompressorRunning() bool {
	return e.CompressorRunning == nil || *e.CompressorRunning
}

// HasLocation reports whether the event carries a GPS fix.
func (e *Event) HasLocation() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// DecodeEvent parses a telemetry payload from the given subject kind.
// It returns ErrInvalidData for undecodable payloads and ErrMissingAssetID
// when neither truck_id nor sensor_id is present.
func DecodeEvent(kind Kind, data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "telemetry", "DecodeEvent", err.Error())
	}
	e.Kind = kind
	if e.AssetID() == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingAssetID, "telemetry", "DecodeEvent", "event carries no truck_id or sensor_id")
	}
	return &e, nil
}
