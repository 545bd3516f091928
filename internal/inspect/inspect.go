package inspect

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/kirei/chargeamps-hass/internal/api"
	"github.com/sirupsen/logrus"
)

// Run performs a one-shot login, lists all owned charge points with their
// connector statuses and renders the result as tables on stdout. Used by the
// -inspect flag to verify credentials and API access without starting the
// bridge.
func Run(ctx context.Context, client *api.Client, logger *logrus.Logger) error {
	if err := client.Login(ctx); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	chargePoints, err := client.GetChargePoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to list charge points: %w", err)
	}
	if len(chargePoints) == 0 {
		logger.Warn("Account has no charge points")
		return nil
	}

	cpTable := table.NewWriter()
	cpTable.SetOutputMirror(os.Stdout)
	cpTable.SetTitle("Charge Points")
	cpTable.AppendHeader(table.Row{"ID", "Name", "Type", "Firmware", "Connectors"})
	for _, cp := range chargePoints {
		cpTable.AppendRow(table.Row{cp.ID, cp.Name, cp.Type, cp.FirmwareVersion, len(cp.Connectors)})
	}
	cpTable.Render()

	connTable := table.NewWriter()
	connTable.SetOutputMirror(os.Stdout)
	connTable.SetTitle("Connectors")
	connTable.AppendHeader(table.Row{"Charge Point", "Connector", "Status", "Total kWh", "Power W", "Mode", "Max A"})

	for _, cp := range chargePoints {
		statuses, err := client.GetChargePointStatus(ctx, cp.ID)
		if err != nil {
			logger.WithError(err).WithField("charge_point", cp.ID).Warn("Status fetch failed")
			continue
		}
		for _, st := range statuses {
			mode, maxCurrent := "-", "-"
			if settings, err := client.GetConnectorSettings(ctx, st.ChargePointID, st.ConnectorID); err == nil {
				mode = settings.Mode
				maxCurrent = fmt.Sprintf("%.0f", settings.MaxCurrent)
			}
			connTable.AppendRow(table.Row{
				st.ChargePointID,
				st.ConnectorID,
				st.Status,
				fmt.Sprintf("%.3f", st.TotalConsumptionKwh),
				fmt.Sprintf("%.0f", st.Power()),
				mode,
				maxCurrent,
			})
		}
	}
	connTable.Render()

	return nil
}
