package transmission

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kirei/chargeamps-hass/internal/api"
	"github.com/kirei/chargeamps-hass/internal/chargepoint"
	"github.com/kirei/chargeamps-hass/internal/commands"
	"github.com/kirei/chargeamps-hass/internal/state"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishRecord struct {
	topic    string
	payload  []byte
	retained bool
}

type fakePublisher struct {
	records  []publishRecord
	handlers map[string]pahomqtt.MessageHandler
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{handlers: make(map[string]pahomqtt.MessageHandler)}
}

func (f *fakePublisher) IsConnected() bool { return true }

func (f *fakePublisher) Publish(topic string, payload []byte, retained bool) error {
	f.records = append(f.records, publishRecord{topic: topic, payload: payload, retained: retained})
	return nil
}

func (f *fakePublisher) Subscribe(topic string, handler pahomqtt.MessageHandler) error {
	f.handlers[topic] = handler
	return nil
}

func (f *fakePublisher) BaseTopic() string         { return "chargeamps" }
func (f *fakePublisher) AvailabilityTopic() string { return "chargeamps/availability" }

func (f *fakePublisher) PublishAvailability(online bool) error {
	status := "offline"
	if online {
		status = "online"
	}
	return f.Publish(f.AvailabilityTopic(), []byte(status), true)
}

// last returns the most recent payload published to topic.
func (f *fakePublisher) last(topic string) ([]byte, bool) {
	for i := len(f.records) - 1; i >= 0; i-- {
		if f.records[i].topic == topic {
			return f.records[i].payload, true
		}
	}
	return nil, false
}

func (f *fakePublisher) count(topic string) int {
	var n int
	for _, r := range f.records {
		if r.topic == topic {
			n++
		}
	}
	return n
}

type fakeMessage struct {
	topic   string
	payload string
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return []byte(m.payload) }
func (m fakeMessage) Ack()              {}

type fakeAdapter struct {
	setCalls []api.ConnectorSettings
}

func (a *fakeAdapter) GetConnectorSettings(_ context.Context, chargePointID string, connectorID int) (*api.ConnectorSettings, error) {
	return &api.ConnectorSettings{
		ChargePointID: chargePointID,
		ConnectorID:   connectorID,
		Mode:          chargepoint.ModeOn,
		MaxCurrent:    16,
	}, nil
}

func (a *fakeAdapter) SetConnectorSettings(_ context.Context, s *api.ConnectorSettings) error {
	a.setCalls = append(a.setCalls, *s)
	return nil
}

func (a *fakeAdapter) SetLights(_ context.Context, _ *api.LightSettings) error { return nil }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func chargingSnapshot() *chargepoint.Snapshot {
	return &chargepoint.Snapshot{
		Timestamp: time.Now(),
		ChargePoints: []chargepoint.ChargePoint{
			{ID: "CP1", Name: "Garage", Type: "HALO", FirmwareVersion: "5.0",
				Connectors: []chargepoint.Connector{
					{ChargePointID: "CP1", ConnectorID: 1, Type: "Type2"},
				}},
		},
		Connectors: map[chargepoint.Key]chargepoint.ConnectorStatus{
			{ChargePointID: "CP1", ConnectorID: 1}: {
				ChargePointID:       "CP1",
				ConnectorID:         1,
				Status:              chargepoint.StatusCharging,
				TotalConsumptionKwh: 12.3,
				Mode:                chargepoint.ModeOn,
				MaxCurrent:          16,
				Measurements: []chargepoint.Measurement{
					{Phase: "L1", Current: 16, Voltage: 230},
				},
			},
		},
	}
}

func newTestTransmitter() (*MQTTTransmitter, *fakePublisher) {
	pub := newFakePublisher()
	return NewMQTTTransmitter(pub, "homeassistant", nil, testLogger()), pub
}

func TestTransmitConnectorState(t *testing.T) {
	tx, pub := newTestTransmitter()
	require.NoError(t, tx.Transmit(chargingSnapshot()))

	payload, ok := pub.last("chargeamps/cp1/1/state")
	require.True(t, ok, "connector state must be published")

	var st map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &st))
	assert.Equal(t, "charging", st["status"])
	assert.InDelta(t, 12.3, st["total_consumption_kwh"].(float64), 0.001)
	assert.InDelta(t, 16.0, st["max_current"].(float64), 0.001)
	assert.Equal(t, chargepoint.ModeOn, st["mode"])
	assert.InDelta(t, 16*230, st["power_w"].(float64), 0.01)
	assert.InDelta(t, 16.0, st["l1_current"].(float64), 0.001)
	assert.InDelta(t, 230.0, st["l1_voltage"].(float64), 0.001)
}

func TestTransmitChargePointStateAndAvailability(t *testing.T) {
	tx, pub := newTestTransmitter()
	require.NoError(t, tx.Transmit(chargingSnapshot()))

	payload, ok := pub.last("chargeamps/cp1/state")
	require.True(t, ok)
	var st map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &st))
	assert.Equal(t, "Garage", st["name"])
	assert.InDelta(t, 12.3, st["total_energy_kwh"].(float64), 0.001)

	avail, ok := pub.last("chargeamps/availability")
	require.True(t, ok)
	assert.Equal(t, "online", string(avail))
}

func TestStatusSensorDiscoveryConfig(t *testing.T) {
	tx, pub := newTestTransmitter()
	require.NoError(t, tx.Transmit(chargingSnapshot()))

	payload, ok := pub.last("homeassistant/sensor/chargeamps_cp1_1/status/config")
	require.True(t, ok, "status sensor discovery config must be published")

	var cfg HADiscoveryConfig
	require.NoError(t, json.Unmarshal(payload, &cfg))
	assert.Equal(t, "chargeamps_cp1_1_status", cfg.UniqueID)
	assert.Equal(t, "chargeamps/cp1/1/state", cfg.StateTopic)
	assert.Equal(t, "{{ value_json.status }}", cfg.ValueTemplate)
	// Attributes like total_consumption_kwh and max_current ride on the state
	// topic itself.
	assert.Equal(t, "chargeamps/cp1/1/state", cfg.JSONAttributesTopic)
	assert.Equal(t, "chargeamps/availability", cfg.AvailabilityTopic)
	assert.Equal(t, "Charge Amps", cfg.Device.Manufacturer)
}

func TestMaxCurrentNumberDiscoveryConfig(t *testing.T) {
	tx, pub := newTestTransmitter()
	require.NoError(t, tx.Transmit(chargingSnapshot()))

	payload, ok := pub.last("homeassistant/number/chargeamps_cp1_1/max_current/config")
	require.True(t, ok)

	var cfg HADiscoveryConfig
	require.NoError(t, json.Unmarshal(payload, &cfg))
	assert.Equal(t, "chargeamps/cp1/1/max_current/set", cfg.CommandTopic)
	require.NotNil(t, cfg.Min)
	require.NotNil(t, cfg.Max)
	assert.InDelta(t, 6.0, *cfg.Min, 0.001)
	assert.InDelta(t, 63.0, *cfg.Max, 0.001)
}

func TestDimmerSelectDiscoveryConfig(t *testing.T) {
	tx, pub := newTestTransmitter()
	require.NoError(t, tx.Transmit(chargingSnapshot()))

	payload, ok := pub.last("homeassistant/select/chargeamps_cp1/dimmer/config")
	require.True(t, ok)

	var cfg HADiscoveryConfig
	require.NoError(t, json.Unmarshal(payload, &cfg))
	assert.Equal(t, chargepoint.DimmerLevels, cfg.Options)
	assert.Equal(t, "chargeamps/cp1/light/dimmer/set", cfg.CommandTopic)
	assert.True(t, cfg.Optimistic)
}

func TestDiscoveryConfigsPublishedOnce(t *testing.T) {
	tx, pub := newTestTransmitter()
	snap := chargingSnapshot()
	require.NoError(t, tx.Transmit(snap))
	require.NoError(t, tx.Transmit(snap))

	assert.Equal(t, 1, pub.count("homeassistant/sensor/chargeamps_cp1_1/status/config"))
	assert.Equal(t, 2, pub.count("chargeamps/cp1/1/state"))
}

func TestSubscribeCommandsRoutesToDispatcher(t *testing.T) {
	store := state.New()
	store.Replace(chargingSnapshot())
	adapter := &fakeAdapter{}
	dispatcher := commands.NewDispatcher(adapter, store, nil, testLogger())

	pub := newFakePublisher()
	tx := NewMQTTTransmitter(pub, "homeassistant", dispatcher, testLogger())
	require.NoError(t, tx.SubscribeCommands())
	require.Len(t, pub.handlers, 3)

	handler, ok := pub.handlers["chargeamps/+/+/switch/set"]
	require.True(t, ok)
	handler(nil, fakeMessage{topic: "chargeamps/cp1/1/switch/set", payload: "OFF"})

	require.Len(t, adapter.setCalls, 1)
	assert.Equal(t, chargepoint.ModeOff, adapter.setCalls[0].Mode)
	assert.Equal(t, "CP1", adapter.setCalls[0].ChargePointID)
}

func TestParseConnectorTopic(t *testing.T) {
	tx := &MQTTTransmitter{logger: logrus.New()}

	tests := []struct {
		name     string
		topic    string
		wantCP   string
		wantConn int
		wantOK   bool
	}{
		{name: "switch set", topic: "chargeamps/cp1/1/switch/set", wantCP: "cp1", wantConn: 1, wantOK: true},
		{name: "max current set", topic: "chargeamps/cp1/2/max_current/set", wantCP: "cp1", wantConn: 2, wantOK: true},
		{name: "too short", topic: "chargeamps/cp1/set", wantOK: false},
		{name: "too long", topic: "chargeamps/cp1/1/switch/set/extra", wantOK: false},
		{name: "non numeric connector", topic: "chargeamps/cp1/one/switch/set", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp, conn, ok := tx.parseConnectorTopic(tt.topic)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantCP, cp)
				assert.Equal(t, tt.wantConn, conn)
			}
		})
	}
}
