package transmission

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kirei/chargeamps-hass/internal/chargepoint"
	"github.com/kirei/chargeamps-hass/internal/commands"
	"github.com/kirei/chargeamps-hass/internal/mqtt"
	"github.com/sirupsen/logrus"
)

const commandTimeout = 15 * time.Second

// Publisher is the slice of the MQTT client the transmitter needs. Satisfied
// by *mqtt.Client.
type Publisher interface {
	IsConnected() bool
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler pahomqtt.MessageHandler) error
	BaseTopic() string
	AvailabilityTopic() string
	PublishAvailability(online bool) error
}

// MQTTTransmitter publishes connector state to Home Assistant via MQTT
// discovery and routes command topics back to the command dispatcher.
type MQTTTransmitter struct {
	client          Publisher
	discoveryPrefix string
	dispatcher      *commands.Dispatcher
	logger          *logrus.Logger
	published       map[string]bool // discovery configs already sent
}

// HADiscoveryConfig represents a Home Assistant MQTT discovery payload.
type HADiscoveryConfig struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic,omitempty"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	JSONAttributesTopic string   `json:"json_attributes_topic,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	Icon                string   `json:"icon,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	Min                 *float64 `json:"min,omitempty"`
	Max                 *float64 `json:"max,omitempty"`
	Step                *float64 `json:"step,omitempty"`
	Mode                string   `json:"mode,omitempty"`
	Options             []string `json:"options,omitempty"`
	Optimistic          bool     `json:"optimistic,omitempty"`
	Device              HADevice `json:"device"`
	AvailabilityTopic   string   `json:"availability_topic"`
}

// HADevice groups all entities of one charge point under a single device in
// Home Assistant.
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// NewMQTTTransmitter creates a transmitter. Call SubscribeCommands once after
// construction to start receiving command topics.
func NewMQTTTransmitter(client Publisher, discoveryPrefix string, dispatcher *commands.Dispatcher, logger *logrus.Logger) *MQTTTransmitter {
	return &MQTTTransmitter{
		client:          client,
		discoveryPrefix: discoveryPrefix,
		dispatcher:      dispatcher,
		logger:          logger,
		published:       make(map[string]bool),
	}
}

// Topic layout, all under the client base topic (default "chargeamps"):
//
//	<base>/<cp>/state                          charge point JSON state
//	<base>/<cp>/<connector>/state              connector JSON state
//	<base>/<cp>/<connector>/switch/set         ON / OFF
//	<base>/<cp>/<connector>/max_current/set    amps as plain number
//	<base>/<cp>/light/<light>/set              on/off or dimmer level

func (t *MQTTTransmitter) chargePointTopic(cpID string) string {
	return mqtt.BuildCleanTopic(t.client.BaseTopic(), cpID) + "/state"
}

func (t *MQTTTransmitter) connectorTopic(cpID string, connectorID int) string {
	return mqtt.BuildCleanTopic(t.client.BaseTopic(), cpID, strconv.Itoa(connectorID)) + "/state"
}

func (t *MQTTTransmitter) connectorCommandTopic(cpID string, connectorID int, entity string) string {
	return mqtt.BuildCleanTopic(t.client.BaseTopic(), cpID, strconv.Itoa(connectorID), entity) + "/set"
}

func (t *MQTTTransmitter) lightCommandTopic(cpID, lightID string) string {
	return mqtt.BuildCleanTopic(t.client.BaseTopic(), cpID, "light", lightID) + "/set"
}

// Transmit publishes discovery configs (once) and the current state for every
// charge point and connector in the snapshot.
func (t *MQTTTransmitter) Transmit(snap *chargepoint.Snapshot) error {
	if !t.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	if err := t.publishDiscoveryConfigs(snap); err != nil {
		// Log but don't block state transmission.
		t.logger.WithError(err).Error("Failed to publish Home Assistant discovery configs")
	}

	for _, cp := range snap.ChargePoints {
		if err := t.publishChargePointState(snap, cp); err != nil {
			return err
		}
		for _, conn := range cp.Connectors {
			key := chargepoint.Key{ChargePointID: conn.ChargePointID, ConnectorID: conn.ConnectorID}
			status, ok := snap.Connectors[key]
			if !ok {
				continue
			}
			if err := t.publishConnectorState(conn, status); err != nil {
				return err
			}
		}
	}

	if err := t.client.PublishAvailability(true); err != nil {
		return fmt.Errorf("failed to publish availability: %w", err)
	}

	t.logger.Debug("Snapshot transmitted")
	return nil
}

func (t *MQTTTransmitter) publishChargePointState(snap *chargepoint.Snapshot, cp chargepoint.ChargePoint) error {
	payload, err := json.Marshal(map[string]interface{}{
		"name":             cp.Name,
		"total_energy_kwh": snap.TotalEnergy(cp.ID),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal charge point state: %w", err)
	}
	return t.client.Publish(t.chargePointTopic(cp.ID), payload, true)
}

func (t *MQTTTransmitter) publishConnectorState(conn chargepoint.Connector, status chargepoint.ConnectorStatus) error {
	state := map[string]interface{}{
		"status":                status.Status.String(),
		"total_consumption_kwh": status.TotalConsumptionKwh,
		"max_current":           status.MaxCurrent,
		"mode":                  status.Mode,
		"power_w":               status.Power(),
	}
	for _, m := range status.Measurements {
		phase := strings.ToLower(m.Phase)
		state[phase+"_current"] = m.Current
		state[phase+"_voltage"] = m.Voltage
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal connector state: %w", err)
	}
	return t.client.Publish(t.connectorTopic(conn.ChargePointID, conn.ConnectorID), payload, true)
}

// publishDiscoveryConfigs ensures every entity has its retained discovery
// config published exactly once per process lifetime.
func (t *MQTTTransmitter) publishDiscoveryConfigs(snap *chargepoint.Snapshot) error {
	for _, cp := range snap.ChargePoints {
		device := HADevice{
			Identifiers:  []string{fmt.Sprintf("chargeamps_%s", cp.ID)},
			Name:         cp.Name,
			Model:        cp.Type,
			Manufacturer: "Charge Amps",
			SWVersion:    cp.FirmwareVersion,
		}

		if err := t.publishChargePointDiscovery(cp, device); err != nil {
			t.logger.WithError(err).WithField("charge_point", cp.ID).Error("Failed to publish charge point discovery")
		}
		for _, conn := range cp.Connectors {
			if err := t.publishConnectorDiscovery(conn, device); err != nil {
				t.logger.WithError(err).WithFields(logrus.Fields{
					"charge_point": conn.ChargePointID,
					"connector":    conn.ConnectorID,
				}).Error("Failed to publish connector discovery")
			}
		}
	}
	return nil
}

func (t *MQTTTransmitter) publishChargePointDiscovery(cp chargepoint.ChargePoint, device HADevice) error {
	nodeID := fmt.Sprintf("chargeamps_%s", strings.ToLower(cp.ID))

	// Accumulated energy over all connectors.
	if err := t.publishOnce("sensor", nodeID, "total_energy", HADiscoveryConfig{
		Name:              fmt.Sprintf("%s Total Energy", cp.Name),
		UniqueID:          fmt.Sprintf("%s_total_energy", nodeID),
		StateTopic:        t.chargePointTopic(cp.ID),
		ValueTemplate:     "{{ value_json.total_energy_kwh | default(0) }}",
		DeviceClass:       "energy",
		UnitOfMeasurement: "kWh",
		StateClass:        "total_increasing",
		Device:            device,
	}); err != nil {
		return err
	}

	// Lights are write-only: the vendor does not report their state, so the
	// entities run in optimistic mode.
	if err := t.publishOnce("light", nodeID, "downlight", HADiscoveryConfig{
		Name:         fmt.Sprintf("%s Downlight", cp.Name),
		UniqueID:     fmt.Sprintf("%s_downlight", nodeID),
		CommandTopic: t.lightCommandTopic(cp.ID, chargepoint.LightDownlight),
		PayloadOn:    "on",
		PayloadOff:   "off",
		Optimistic:   true,
		Icon:         "mdi:wall-sconce-round",
		Device:       device,
	}); err != nil {
		return err
	}
	return t.publishOnce("select", nodeID, "dimmer", HADiscoveryConfig{
		Name:         fmt.Sprintf("%s Dimmer", cp.Name),
		UniqueID:     fmt.Sprintf("%s_dimmer", nodeID),
		CommandTopic: t.lightCommandTopic(cp.ID, chargepoint.LightDimmer),
		Options:      chargepoint.DimmerLevels,
		Optimistic:   true,
		Icon:         "mdi:brightness-6",
		Device:       device,
	})
}

func (t *MQTTTransmitter) publishConnectorDiscovery(conn chargepoint.Connector, device HADevice) error {
	nodeID := fmt.Sprintf("chargeamps_%s_%d", strings.ToLower(conn.ChargePointID), conn.ConnectorID)
	stateTopic := t.connectorTopic(conn.ChargePointID, conn.ConnectorID)
	label := fmt.Sprintf("Connector %d", conn.ConnectorID)

	if err := t.publishOnce("sensor", nodeID, "status", HADiscoveryConfig{
		Name:                fmt.Sprintf("%s Status", label),
		UniqueID:            fmt.Sprintf("%s_status", nodeID),
		StateTopic:          stateTopic,
		ValueTemplate:       "{{ value_json.status }}",
		JSONAttributesTopic: stateTopic,
		Icon:                "mdi:ev-station",
		Device:              device,
	}); err != nil {
		return err
	}

	if err := t.publishOnce("sensor", nodeID, "power", HADiscoveryConfig{
		Name:              fmt.Sprintf("%s Power", label),
		UniqueID:          fmt.Sprintf("%s_power", nodeID),
		StateTopic:        stateTopic,
		ValueTemplate:     "{{ value_json.power_w | default(0) | round(0) }}",
		DeviceClass:       "power",
		UnitOfMeasurement: "W",
		StateClass:        "measurement",
		Device:            device,
	}); err != nil {
		return err
	}

	if err := t.publishOnce("switch", nodeID, "charging_enabled", HADiscoveryConfig{
		Name:                fmt.Sprintf("%s Charging Enabled", label),
		UniqueID:            fmt.Sprintf("%s_charging_enabled", nodeID),
		StateTopic:          stateTopic,
		CommandTopic:        t.connectorCommandTopic(conn.ChargePointID, conn.ConnectorID, "switch"),
		ValueTemplate:       "{{ 'ON' if value_json.mode == 'On' else 'OFF' }}",
		JSONAttributesTopic: stateTopic,
		PayloadOn:           "ON",
		PayloadOff:          "OFF",
		Icon:                "mdi:power-plug",
		Device:              device,
	}); err != nil {
		return err
	}

	min, max, step := 6.0, 63.0, 1.0
	return t.publishOnce("number", nodeID, "max_current", HADiscoveryConfig{
		Name:              fmt.Sprintf("%s Max Current", label),
		UniqueID:          fmt.Sprintf("%s_max_current", nodeID),
		StateTopic:        stateTopic,
		CommandTopic:      t.connectorCommandTopic(conn.ChargePointID, conn.ConnectorID, "max_current"),
		ValueTemplate:     "{{ value_json.max_current | default(0) }}",
		UnitOfMeasurement: "A",
		Min:               &min,
		Max:               &max,
		Step:              &step,
		Mode:              "slider",
		Icon:              "mdi:current-ac",
		Device:            device,
	})
}

// publishOnce publishes a retained discovery config unless it was already
// published during this process lifetime.
func (t *MQTTTransmitter) publishOnce(component, nodeID, objectID string, config HADiscoveryConfig) error {
	if t.published[config.UniqueID] {
		return nil
	}

	config.AvailabilityTopic = t.client.AvailabilityTopic()
	topic := fmt.Sprintf("%s/%s/%s/%s/config", t.discoveryPrefix, component, nodeID, objectID)

	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}
	if err := t.client.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish discovery config to %s: %w", topic, err)
	}

	t.logger.WithFields(logrus.Fields{
		"entity": config.UniqueID,
		"topic":  topic,
	}).Info("Published discovery config")
	t.published[config.UniqueID] = true
	return nil
}

// SubscribeCommands wires the bridge command topics to the dispatcher.
func (t *MQTTTransmitter) SubscribeCommands() error {
	base := t.client.BaseTopic()

	subs := map[string]pahomqtt.MessageHandler{
		base + "/+/+/switch/set":      t.handleSwitchCommand,
		base + "/+/+/max_current/set": t.handleMaxCurrentCommand,
		base + "/+/light/+/set":       t.handleLightCommand,
	}
	for topic, handler := range subs {
		if err := t.client.Subscribe(topic, handler); err != nil {
			return err
		}
	}
	return nil
}

// connector command topics look like <base>/<cp>/<connector>/<entity>/set
func (t *MQTTTransmitter) parseConnectorTopic(topic string) (string, int, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 {
		return "", 0, false
	}
	connectorID, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, false
	}
	return parts[1], connectorID, true
}

func (t *MQTTTransmitter) handleSwitchCommand(_ pahomqtt.Client, msg pahomqtt.Message) {
	cpID, connectorID, ok := t.parseConnectorTopic(msg.Topic())
	if !ok {
		t.logger.WithField("topic", msg.Topic()).Warn("Malformed switch command topic")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch strings.ToUpper(strings.TrimSpace(string(msg.Payload()))) {
	case "ON":
		err = t.dispatcher.Enable(ctx, cpID, connectorID)
	case "OFF":
		err = t.dispatcher.Disable(ctx, cpID, connectorID)
	default:
		t.logger.WithFields(logrus.Fields{
			"topic":   msg.Topic(),
			"payload": string(msg.Payload()),
		}).Warn("Ignoring switch command with unknown payload")
		return
	}
	if err != nil {
		t.logger.WithError(err).WithField("topic", msg.Topic()).Warn("Switch command failed")
	}
}

func (t *MQTTTransmitter) handleMaxCurrentCommand(_ pahomqtt.Client, msg pahomqtt.Message) {
	cpID, connectorID, ok := t.parseConnectorTopic(msg.Topic())
	if !ok {
		t.logger.WithField("topic", msg.Topic()).Warn("Malformed max current command topic")
		return
	}

	amps, err := strconv.ParseFloat(strings.TrimSpace(string(msg.Payload())), 64)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"topic":   msg.Topic(),
			"payload": string(msg.Payload()),
		}).Warn("Ignoring max current command with non-numeric payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := t.dispatcher.SetMaxCurrent(ctx, cpID, connectorID, amps); err != nil {
		t.logger.WithError(err).WithField("topic", msg.Topic()).Warn("Max current command failed")
	}
}

func (t *MQTTTransmitter) handleLightCommand(_ pahomqtt.Client, msg pahomqtt.Message) {
	// <base>/<cp>/light/<light>/set
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 5 {
		t.logger.WithField("topic", msg.Topic()).Warn("Malformed light command topic")
		return
	}
	cpID, lightID := parts[1], parts[3]
	lightState := strings.ToLower(strings.TrimSpace(string(msg.Payload())))

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := t.dispatcher.SetLight(ctx, cpID, lightID, lightState); err != nil {
		t.logger.WithError(err).WithField("topic", msg.Topic()).Warn("Light command failed")
	}
}

// IsConnected checks if the MQTT client is connected.
func (t *MQTTTransmitter) IsConnected() bool {
	return t.client.IsConnected()
}
