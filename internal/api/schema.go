package api

import "github.com/kirei/chargeamps-hass/internal/chargepoint"

// Raw vendor response shapes. Fields are pointers where the vendor is known to
// omit them; normalization applies defaults here so the rest of the bridge
// only ever sees fully populated records (status falls back to unknown,
// numerics to zero).

type rawChargePoint struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	FirmwareVersion string         `json:"firmwareVersion"`
	HardwareVersion string         `json:"hardwareVersion"`
	Connectors      []rawConnector `json:"connectors"`
}

type rawConnector struct {
	ChargePointID string `json:"chargePointId"`
	ConnectorID   int    `json:"connectorId"`
	Type          string `json:"type"`
}

type rawChargePointStatus struct {
	ID                string               `json:"id"`
	Status            *string              `json:"status"`
	ConnectorStatuses []rawConnectorStatus `json:"connectorStatuses"`
}

type rawConnectorStatus struct {
	ChargePointID       string           `json:"chargePointId"`
	ConnectorID         int              `json:"connectorId"`
	Status              *string          `json:"status"`
	TotalConsumptionKwh *float64         `json:"totalConsumptionKwh"`
	Measurements        []rawMeasurement `json:"measurements"`
}

type rawMeasurement struct {
	Phase   string   `json:"phase"`
	Current *float64 `json:"current"`
	Voltage *float64 `json:"voltage"`
}

func (r rawChargePoint) normalize() chargepoint.ChargePoint {
	cp := chargepoint.ChargePoint{
		ID:              r.ID,
		Name:            r.Name,
		Type:            r.Type,
		FirmwareVersion: r.FirmwareVersion,
		HardwareVersion: r.HardwareVersion,
	}
	for _, conn := range r.Connectors {
		id := conn.ChargePointID
		if id == "" {
			id = r.ID
		}
		cp.Connectors = append(cp.Connectors, chargepoint.Connector{
			ChargePointID: id,
			ConnectorID:   conn.ConnectorID,
			Type:          conn.Type,
		})
	}
	return cp
}

func (r rawChargePointStatus) normalize(chargePointID string) []chargepoint.ConnectorStatus {
	statuses := make([]chargepoint.ConnectorStatus, 0, len(r.ConnectorStatuses))
	for _, cs := range r.ConnectorStatuses {
		id := cs.ChargePointID
		if id == "" {
			id = chargePointID
		}
		statuses = append(statuses, cs.normalize(id))
	}
	return statuses
}

func (r rawConnectorStatus) normalize(chargePointID string) chargepoint.ConnectorStatus {
	st := chargepoint.ConnectorStatus{
		ChargePointID: chargePointID,
		ConnectorID:   r.ConnectorID,
		Status:        chargepoint.StatusUnknown,
	}
	if r.Status != nil {
		st.Status = chargepoint.ParseStatus(*r.Status)
	}
	if r.TotalConsumptionKwh != nil {
		st.TotalConsumptionKwh = *r.TotalConsumptionKwh
	}
	for _, m := range r.Measurements {
		meas := chargepoint.Measurement{Phase: m.Phase}
		if m.Current != nil {
			meas.Current = *m.Current
		}
		if m.Voltage != nil {
			meas.Voltage = *m.Voltage
		}
		st.Measurements = append(st.Measurements, meas)
	}
	return st
}
