package state

import (
	"testing"
	"time"

	"github.com/kirei/chargeamps-hass/internal/chargepoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() *chargepoint.Snapshot {
	return &chargepoint.Snapshot{
		Timestamp: time.Now(),
		ChargePoints: []chargepoint.ChargePoint{
			{ID: "CP100", Name: "Garage"},
		},
		Connectors: map[chargepoint.Key]chargepoint.ConnectorStatus{
			{ChargePointID: "CP100", ConnectorID: 1}: {
				ChargePointID: "CP100",
				ConnectorID:   1,
				Status:        chargepoint.StatusCharging,
			},
		},
	}
}

func TestStoreEmpty(t *testing.T) {
	s := New()
	assert.Nil(t, s.Snapshot())

	_, ok := s.ChargePoint("CP100")
	assert.False(t, ok)

	_, ok = s.ConnectorStatus("CP100", 1)
	assert.False(t, ok)

	assert.False(t, s.HasConnector("CP100", 1))

	_, ok = s.ResolveChargePointID("cp100")
	assert.False(t, ok)
}

func TestStoreReplaceAndLookup(t *testing.T) {
	s := New()
	s.Replace(testSnapshot())

	cp, ok := s.ChargePoint("CP100")
	require.True(t, ok)
	assert.Equal(t, "Garage", cp.Name)

	st, ok := s.ConnectorStatus("CP100", 1)
	require.True(t, ok)
	assert.Equal(t, chargepoint.StatusCharging, st.Status)

	assert.True(t, s.HasConnector("CP100", 1))
	assert.False(t, s.HasConnector("CP100", 2))
	assert.False(t, s.HasConnector("CP999", 1))
}

func TestStoreResolveChargePointID(t *testing.T) {
	s := New()
	s.Replace(testSnapshot())

	// MQTT topics lowercase the id; resolution restores the canonical form.
	id, ok := s.ResolveChargePointID("cp100")
	require.True(t, ok)
	assert.Equal(t, "CP100", id)

	_, ok = s.ResolveChargePointID("cp999")
	assert.False(t, ok)
}

func TestStoreResolveTopicRewrittenID(t *testing.T) {
	s := New()
	s.Replace(&chargepoint.Snapshot{
		Timestamp:    time.Now(),
		ChargePoints: []chargepoint.ChargePoint{{ID: "Garage Left"}},
	})

	// Topic segments rewrite spaces to underscores; the rewritten form must
	// still resolve to the canonical id.
	id, ok := s.ResolveChargePointID("garage_left")
	require.True(t, ok)
	assert.Equal(t, "Garage Left", id)
}

func TestStoreReplaceIsWholesale(t *testing.T) {
	s := New()
	s.Replace(testSnapshot())

	replacement := &chargepoint.Snapshot{
		Timestamp:    time.Now(),
		ChargePoints: []chargepoint.ChargePoint{{ID: "CP200"}},
		Connectors: map[chargepoint.Key]chargepoint.ConnectorStatus{
			{ChargePointID: "CP200", ConnectorID: 1}: {ChargePointID: "CP200", ConnectorID: 1},
		},
	}
	s.Replace(replacement)

	assert.False(t, s.HasConnector("CP100", 1))
	assert.True(t, s.HasConnector("CP200", 1))
}
