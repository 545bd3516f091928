package state

import (
	"strings"
	"sync"

	"github.com/kirei/chargeamps-hass/internal/chargepoint"
	"github.com/kirei/chargeamps-hass/internal/mqtt"
)

// Store holds the last known snapshot of all charge points and connectors.
// The poller is the only writer and replaces the snapshot wholesale; every
// other component (command dispatcher, HTTP API, MQTT transmitter) only
// reads. A failed poll never touches the stored snapshot, so transient
// outages keep the previous state visible.
type Store struct {
	mu   sync.RWMutex
	snap *chargepoint.Snapshot
}

// New creates an empty store.
func New() *Store { return &Store{} }

// Replace swaps in a new snapshot.
func (s *Store) Replace(snap *chargepoint.Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

// Snapshot returns the current snapshot, or nil before the first poll.
func (s *Store) Snapshot() *chargepoint.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// ChargePoint looks up a charge point by id.
func (s *Store) ChargePoint(chargePointID string) (chargepoint.ChargePoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return chargepoint.ChargePoint{}, false
	}
	for _, cp := range s.snap.ChargePoints {
		if cp.ID == chargePointID {
			return cp, true
		}
	}
	return chargepoint.ChargePoint{}, false
}

// ResolveChargePointID maps a charge point id back to the vendor's canonical
// id. Ids arriving from command topics have been through the MQTT topic
// segment rewriting (lowercased, spaces replaced), so both the literal id and
// its topic form are accepted.
func (s *Store) ResolveChargePointID(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return "", false
	}
	for _, cp := range s.snap.ChargePoints {
		if strings.EqualFold(cp.ID, id) || mqtt.BuildCleanTopic(cp.ID) == mqtt.BuildCleanTopic(id) {
			return cp.ID, true
		}
	}
	return "", false
}

// ConnectorStatus returns the last known status for a connector.
func (s *Store) ConnectorStatus(chargePointID string, connectorID int) (chargepoint.ConnectorStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return chargepoint.ConnectorStatus{}, false
	}
	st, ok := s.snap.Connectors[chargepoint.Key{ChargePointID: chargePointID, ConnectorID: connectorID}]
	return st, ok
}

// HasConnector reports whether the connector is known from the last poll.
func (s *Store) HasConnector(chargePointID string, connectorID int) bool {
	_, ok := s.ConnectorStatus(chargePointID, connectorID)
	return ok
}
