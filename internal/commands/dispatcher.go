package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirei/chargeamps-hass/internal/api"
	"github.com/kirei/chargeamps-hass/internal/chargepoint"
	"github.com/kirei/chargeamps-hass/internal/state"
	"github.com/sirupsen/logrus"
)

// Sentinel errors so callers can distinguish validation failures from vendor
// call failures without parsing messages.
var (
	ErrUnknownChargePoint = errors.New("unknown charge point")
	ErrUnknownConnector   = errors.New("unknown connector")
	ErrInvalidParam       = errors.New("invalid parameter")
)

// Adapter is the slice of the vendor API the dispatcher needs.
type Adapter interface {
	GetConnectorSettings(ctx context.Context, chargePointID string, connectorID int) (*api.ConnectorSettings, error)
	SetConnectorSettings(ctx context.Context, settings *api.ConnectorSettings) error
	SetLights(ctx context.Context, settings *api.LightSettings) error
}

// Dispatcher validates user commands against the last known state and
// forwards them to the vendor API. Commands are not retried; a failure is
// returned to the caller and the result of a successful command becomes
// visible on the next poll.
type Dispatcher struct {
	adapter Adapter
	store   *state.Store
	logger  *logrus.Logger

	// poke requests an early poll after a successful command so entity
	// state converges without waiting a full interval. May be nil.
	poke chan<- struct{}
}

// NewDispatcher creates a dispatcher. poke may be nil when no early-refresh
// channel is wired up (e.g. in tests).
func NewDispatcher(adapter Adapter, store *state.Store, poke chan<- struct{}, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		adapter: adapter,
		store:   store,
		logger:  logger,
		poke:    poke,
	}
}

// Enable allows charging on a connector by setting its mode to On.
func (d *Dispatcher) Enable(ctx context.Context, chargePointID string, connectorID int) error {
	return d.setMode(ctx, chargePointID, connectorID, chargepoint.ModeOn)
}

// Disable stops charging on a connector by setting its mode to Off.
func (d *Dispatcher) Disable(ctx context.Context, chargePointID string, connectorID int) error {
	return d.setMode(ctx, chargePointID, connectorID, chargepoint.ModeOff)
}

func (d *Dispatcher) setMode(ctx context.Context, chargePointID string, connectorID int, mode string) error {
	canonical, ok := d.store.ResolveChargePointID(chargePointID)
	if !ok || !d.store.HasConnector(canonical, connectorID) {
		return fmt.Errorf("%w %s/%d", ErrUnknownConnector, chargePointID, connectorID)
	}
	chargePointID = canonical

	settings, err := d.adapter.GetConnectorSettings(ctx, chargePointID, connectorID)
	if err != nil {
		return fmt.Errorf("failed to read connector settings: %w", err)
	}
	settings.Mode = mode
	if err := d.adapter.SetConnectorSettings(ctx, settings); err != nil {
		return err
	}

	d.logger.WithFields(logrus.Fields{
		"charge_point": chargePointID,
		"connector":    connectorID,
		"mode":         mode,
	}).Info("Connector mode command accepted")
	d.requestRefresh()
	return nil
}

// SetMaxCurrent updates the charging current limit on a connector. The lower
// bound is validated locally; the vendor enforces its own upper bound.
func (d *Dispatcher) SetMaxCurrent(ctx context.Context, chargePointID string, connectorID int, amps float64) error {
	if amps <= 0 {
		return fmt.Errorf("%w: max current must be positive, got %.1f", ErrInvalidParam, amps)
	}
	canonical, ok := d.store.ResolveChargePointID(chargePointID)
	if !ok || !d.store.HasConnector(canonical, connectorID) {
		return fmt.Errorf("%w %s/%d", ErrUnknownConnector, chargePointID, connectorID)
	}
	chargePointID = canonical

	settings, err := d.adapter.GetConnectorSettings(ctx, chargePointID, connectorID)
	if err != nil {
		return fmt.Errorf("failed to read connector settings: %w", err)
	}
	settings.MaxCurrent = amps
	if err := d.adapter.SetConnectorSettings(ctx, settings); err != nil {
		return err
	}

	d.logger.WithFields(logrus.Fields{
		"charge_point": chargePointID,
		"connector":    connectorID,
		"max_current":  amps,
	}).Info("Max current command accepted")
	d.requestRefresh()
	return nil
}

// SetLight controls a charge point light. lightID is "downlight" (state
// on/off) or "dimmer" (state off/low/medium/high).
func (d *Dispatcher) SetLight(ctx context.Context, chargePointID, lightID, lightState string) error {
	canonical, ok := d.store.ResolveChargePointID(chargePointID)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownChargePoint, chargePointID)
	}
	chargePointID = canonical

	settings := &api.LightSettings{ChargePointID: chargePointID}
	switch lightID {
	case chargepoint.LightDownlight:
		switch lightState {
		case "on", "true":
			on := true
			settings.DownLight = &on
		case "off", "false":
			off := false
			settings.DownLight = &off
		default:
			return fmt.Errorf("%w: downlight state %q (want on/off)", ErrInvalidParam, lightState)
		}
	case chargepoint.LightDimmer:
		if !chargepoint.ValidDimmerLevel(lightState) {
			return fmt.Errorf("%w: dimmer level %q (want one of %v)", ErrInvalidParam, lightState, chargepoint.DimmerLevels)
		}
		settings.Dimmer = lightState
	default:
		return fmt.Errorf("%w: light %q (want downlight or dimmer)", ErrInvalidParam, lightID)
	}

	if err := d.adapter.SetLights(ctx, settings); err != nil {
		return err
	}

	d.logger.WithFields(logrus.Fields{
		"charge_point": chargePointID,
		"light":        lightID,
		"state":        lightState,
	}).Info("Light command accepted")
	return nil
}

func (d *Dispatcher) requestRefresh() {
	if d.poke == nil {
		return
	}
	select {
	case d.poke <- struct{}{}:
	default:
	}
}
