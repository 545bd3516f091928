package chargepoint

import "time"

// ChargePoint describes a charging station as reported by the cloud API.
// A charge point exposes one or more connectors that are controlled
// independently of each other.
type ChargePoint struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Type            string      `json:"type"`
	FirmwareVersion string      `json:"firmwareVersion"`
	HardwareVersion string      `json:"hardwareVersion"`
	Connectors      []Connector `json:"connectors"`
}

// Connector is a single charging socket on a charge point.
type Connector struct {
	ChargePointID string `json:"chargePointId"`
	ConnectorID   int    `json:"connectorId"`
	Type          string `json:"type"`
}

// Measurement is a single phase reading on a connector.
type Measurement struct {
	Phase   string  `json:"phase"`
	Current float64 `json:"current"`
	Voltage float64 `json:"voltage"`
}

// ConnectorStatus is the last known state of one connector. It merges the
// vendor status response with the connector settings so consumers never have
// to join the two themselves.
type ConnectorStatus struct {
	ChargePointID       string        `json:"chargePointId"`
	ConnectorID         int           `json:"connectorId"`
	Status              Status        `json:"status"`
	TotalConsumptionKwh float64       `json:"totalConsumptionKwh"`
	Measurements        []Measurement `json:"measurements,omitempty"`
	Mode                string        `json:"mode"`
	MaxCurrent          float64       `json:"maxCurrent"`
}

// Power returns the instantaneous power draw in watts, summed over all
// measured phases.
func (s ConnectorStatus) Power() float64 {
	var w float64
	for _, m := range s.Measurements {
		w += m.Current * m.Voltage
	}
	return w
}

// Enabled reports whether the connector mode allows charging.
func (s ConnectorStatus) Enabled() bool {
	return s.Mode == ModeOn
}

// Connector modes accepted by the vendor settings endpoint.
const (
	ModeOn  = "On"
	ModeOff = "Off"
)

// Lights controllable on a charge point.
const (
	LightDownlight = "downlight"
	LightDimmer    = "dimmer"
)

// DimmerLevels lists the dimmer states the vendor accepts.
var DimmerLevels = []string{"off", "low", "medium", "high"}

// ValidDimmerLevel reports whether level is accepted by the dimmer light.
func ValidDimmerLevel(level string) bool {
	for _, l := range DimmerLevels {
		if l == level {
			return true
		}
	}
	return false
}

// Key identifies a connector across charge points.
type Key struct {
	ChargePointID string
	ConnectorID   int
}

// Snapshot is the result of one full poll cycle: every known charge point
// together with the status of each of its connectors. Snapshots are treated
// as immutable once published.
type Snapshot struct {
	Timestamp    time.Time
	ChargePoints []ChargePoint
	Connectors   map[Key]ConnectorStatus
}

// TotalEnergy returns the accumulated consumption in kWh across all
// connectors of the given charge point.
func (s *Snapshot) TotalEnergy(chargePointID string) float64 {
	var kwh float64
	for key, st := range s.Connectors {
		if key.ChargePointID == chargePointID {
			kwh += st.TotalConsumptionKwh
		}
	}
	return kwh
}
