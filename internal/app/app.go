package app

import (
	"context"
	"time"

	"github.com/kirei/chargeamps-hass/internal/api"
	"github.com/kirei/chargeamps-hass/internal/bus"
	"github.com/kirei/chargeamps-hass/internal/chargepoint"
	"github.com/kirei/chargeamps-hass/internal/config"
	"github.com/kirei/chargeamps-hass/internal/domain"
	"github.com/kirei/chargeamps-hass/internal/httpapi"
	"github.com/kirei/chargeamps-hass/internal/state"
	"github.com/kirei/chargeamps-hass/internal/transmission"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Run wires the poller, the MQTT scheduler and the optional HTTP API together
// and blocks until ctx is cancelled.
//
// The poller is the single writer of the state store: each cycle it fetches
// the status of every configured charge point, replaces the snapshot
// wholesale and publishes it on the bus. A failed cycle logs a warning and
// leaves the previous snapshot in place; the next tick is the retry.
func Run(
	parentCtx context.Context,
	cfg *config.Config,
	client *api.Client,
	chargePoints []chargepoint.ChargePoint,
	store *state.Store,
	mqttTx *transmission.MQTTTransmitter,
	httpSrv *httpapi.Server,
	poke <-chan struct{},
	logger *logrus.Logger,
) {
	messageBus := bus.New()
	grp, ctx := errgroup.WithContext(parentCtx)

	// Poller -------------------------------------------------------------
	grp.Go(func() error {
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()

		// Prime entity state immediately instead of waiting a full tick.
		pollOnce(ctx, client, chargePoints, store, messageBus, logger)

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				pollOnce(ctx, client, chargePoints, store, messageBus, logger)
			case <-poke:
				// A command went through; refresh early so entities converge.
				pollOnce(ctx, client, chargePoints, store, messageBus, logger)
				ticker.Reset(cfg.PollInterval)
			}
		}
	})

	// MQTT scheduler ------------------------------------------------------
	if mqttTx != nil {
		sub := messageBus.Subscribe()
		grp.Go(func() error {
			var latest, lastSent *chargepoint.Snapshot
			lastSentAt := time.Now().Add(-cfg.MQTTInterval)

			ticker := time.NewTicker(1 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case snap, ok := <-sub:
					if !ok {
						return nil
					}
					latest = snap
				case now := <-ticker.C:
					if latest == nil {
						continue
					}
					if now.Sub(lastSentAt) < cfg.MQTTInterval {
						continue
					}
					force := cfg.ForceUpdateInterval > 0 && now.Sub(lastSentAt) >= cfg.ForceUpdateInterval
					if !force && !domain.Changed(lastSent, latest) {
						continue
					}
					if err := mqttTx.Transmit(latest); err != nil {
						logger.WithError(err).Warn("MQTT transmit failed")
						// Drop lastSent so the next tick retries even if the
						// snapshot itself did not change again.
						lastSent = nil
						lastSentAt = now
					} else {
						lastSent = latest
						lastSentAt = now
					}
				}
			}
		})
	}

	// HTTP API -------------------------------------------------------------
	if httpSrv != nil {
		grp.Go(func() error {
			return httpSrv.Run(ctx)
		})
	}

	if err := grp.Wait(); err != nil && err != context.Canceled {
		logger.WithError(err).Warn("app: background group exited")
	}
}

// pollOnce fetches the status of every charge point and replaces the stored
// snapshot. Any failure aborts the whole cycle so the snapshot is never
// partially updated.
func pollOnce(
	ctx context.Context,
	client *api.Client,
	chargePoints []chargepoint.ChargePoint,
	store *state.Store,
	messageBus *bus.Bus,
	logger *logrus.Logger,
) {
	snap := &chargepoint.Snapshot{
		Timestamp:    time.Now(),
		ChargePoints: chargePoints,
		Connectors:   make(map[chargepoint.Key]chargepoint.ConnectorStatus),
	}

	for _, cp := range chargePoints {
		statuses, err := client.GetChargePointStatus(ctx, cp.ID)
		if err != nil {
			logger.WithError(err).WithField("charge_point", cp.ID).Warn("poller: status fetch failed, keeping previous state")
			return
		}
		for _, st := range statuses {
			key := chargepoint.Key{ChargePointID: st.ChargePointID, ConnectorID: st.ConnectorID}

			// Settings are merged in so entity attributes always carry mode
			// and max current next to the status.
			if settings, err := client.GetConnectorSettings(ctx, st.ChargePointID, st.ConnectorID); err != nil {
				logger.WithError(err).WithFields(logrus.Fields{
					"charge_point": st.ChargePointID,
					"connector":    st.ConnectorID,
				}).Debug("poller: settings fetch failed, carrying over previous values")
				if prev, ok := store.ConnectorStatus(st.ChargePointID, st.ConnectorID); ok {
					st.Mode = prev.Mode
					st.MaxCurrent = prev.MaxCurrent
				}
			} else {
				st.Mode = settings.Mode
				st.MaxCurrent = settings.MaxCurrent
			}

			snap.Connectors[key] = st
		}
	}

	store.Replace(snap)
	messageBus.Publish(snap)

	logger.WithFields(logrus.Fields{
		"charge_points": len(snap.ChargePoints),
		"connectors":    len(snap.Connectors),
	}).Debug("poller: snapshot updated")
}
