package domain

import (
	"reflect"
	"time"

	"github.com/kirei/chargeamps-hass/internal/chargepoint"
)

// Changed returns true if *cur* differs from *prev* in anything but the poll
// timestamp. Measurement jitter below the thresholds is ignored so that tiny
// current/voltage fluctuations don't trigger a transmit every cycle.
func Changed(prev, cur *chargepoint.Snapshot) bool {
	if prev == nil && cur == nil {
		return false
	}
	if prev == nil || cur == nil {
		return true
	}

	p, c := *prev, *cur // copy
	p.Timestamp = time.Time{}
	c.Timestamp = time.Time{}

	if len(p.Connectors) != len(c.Connectors) {
		return true
	}
	for key, ps := range p.Connectors {
		cs, ok := c.Connectors[key]
		if !ok {
			return true
		}
		if !statusEqual(ps, cs) {
			return true
		}
	}
	return !reflect.DeepEqual(p.ChargePoints, c.ChargePoints)
}

const (
	currentJitterAmps  = 0.1
	voltageJitterVolts = 2.0
)

func statusEqual(a, b chargepoint.ConnectorStatus) bool {
	if a.Status != b.Status || a.Mode != b.Mode {
		return false
	}
	if a.TotalConsumptionKwh != b.TotalConsumptionKwh || a.MaxCurrent != b.MaxCurrent {
		return false
	}
	if len(a.Measurements) != len(b.Measurements) {
		return false
	}
	for i := range a.Measurements {
		am, bm := a.Measurements[i], b.Measurements[i]
		if am.Phase != bm.Phase {
			return false
		}
		if abs(am.Current-bm.Current) > currentJitterAmps {
			return false
		}
		if abs(am.Voltage-bm.Voltage) > voltageJitterVolts {
			return false
		}
	}
	return true
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
