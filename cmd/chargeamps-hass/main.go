package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirei/chargeamps-hass/internal/api"
	"github.com/kirei/chargeamps-hass/internal/app"
	"github.com/kirei/chargeamps-hass/internal/chargepoint"
	"github.com/kirei/chargeamps-hass/internal/commands"
	"github.com/kirei/chargeamps-hass/internal/config"
	"github.com/kirei/chargeamps-hass/internal/httpapi"
	"github.com/kirei/chargeamps-hass/internal/inspect"
	"github.com/kirei/chargeamps-hass/internal/mqtt"
	"github.com/kirei/chargeamps-hass/internal/state"
	"github.com/kirei/chargeamps-hass/internal/transmission"
	"github.com/sirupsen/logrus"
)

// version is injected at build time via ldflags
var version = "dev"

func main() {
	cfgPath, inspectMode, showVersion := parseFlags()

	if showVersion {
		fmt.Printf("chargeamps-hass %s\n", version)
		return
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Verbose || inspectMode)

	client := api.NewClient(cfg.APIURL, cfg.Username, cfg.Password, cfg.APIKey, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("Shutdown signal received")
		cancel()
	}()

	// Inspect path ------------------------------------------------------------
	if inspectMode {
		if cfg.Username == "" || cfg.Password == "" || cfg.APIKey == "" {
			logger.Fatal("Inspect mode requires username, password and api_key")
		}
		if err := inspect.Run(ctx, client, logger); err != nil {
			logger.WithError(err).Fatal("Inspect failed")
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	logger.WithFields(logrus.Fields{
		"version":   version,
		"poll":      cfg.PollInterval,
		"mqtt_int":  cfg.MQTTInterval,
		"discovery": cfg.DiscoveryPrefix,
	}).Info("Starting chargeamps-hass")

	// Setup: authenticate and discover charge points. Both failures are fatal
	// here; once running, failures degrade to skipped poll cycles instead.
	if err := client.Login(ctx); err != nil {
		logger.WithError(err).Fatal("Authentication failed")
	}

	chargePoints, err := discoverChargePoints(ctx, cfg, client, logger)
	if err != nil {
		logger.WithError(err).Fatal("Charge point discovery failed")
	}

	store := state.New()
	poke := make(chan struct{}, 1)
	dispatcher := commands.NewDispatcher(client, store, poke, logger)

	// Transmitters ---------------------------------------------------------------
	var mqttTx *transmission.MQTTTransmitter
	if cfg.HasMQTT() {
		mqttClient, err := mqtt.NewClient(cfg.MQTTUrl, cfg.TopicPrefix, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create MQTT client")
		}
		defer func() {
			_ = mqttClient.PublishAvailability(false)
			mqttClient.Disconnect(250)
		}()

		mqttTx = transmission.NewMQTTTransmitter(mqttClient, cfg.DiscoveryPrefix, dispatcher, logger)
		if err := mqttTx.SubscribeCommands(); err != nil {
			logger.WithError(err).Fatal("Failed to subscribe to command topics")
		}
		logger.Info("MQTT transmitter ready")
	}

	var httpSrv *httpapi.Server
	if cfg.HasHTTPAPI() {
		httpSrv = httpapi.NewServer(store, dispatcher, cfg.HTTPListenAddr, logger)
		logger.WithField("addr", cfg.HTTPListenAddr).Info("HTTP API ready")
	}

	// Run application ------------------------------------------------------------
	app.Run(ctx, cfg, client, chargePoints, store, mqttTx, httpSrv, poke, logger)

	logger.Info("chargeamps-hass stopped")
}

// discoverChargePoints lists the account's charge points and applies the
// configured allow-list. Zero usable charge points is an error.
func discoverChargePoints(ctx context.Context, cfg *config.Config, client *api.Client, logger *logrus.Logger) ([]chargepoint.ChargePoint, error) {
	all, err := client.GetChargePoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list charge points: %w", err)
	}

	var selected []chargepoint.ChargePoint
	for _, cp := range all {
		if !cfg.AllowsChargePoint(cp.ID) {
			logger.WithField("charge_point", cp.ID).Debug("Skipping charge point not in allow-list")
			continue
		}
		logger.WithFields(logrus.Fields{
			"charge_point": cp.ID,
			"name":         cp.Name,
			"connectors":   len(cp.Connectors),
		}).Info("Adding charge point")
		selected = append(selected, cp)
	}

	if len(selected) == 0 {
		return nil, fmt.Errorf("no usable charge points found (account has %d)", len(all))
	}
	return selected, nil
}

// -----------------------------------------------------------------------------
// Helpers & Flags
// -----------------------------------------------------------------------------

func parseFlags() (string, bool, bool) {
	cfgPath := flag.String("config", getEnv("CHARGEAMPS_CONFIG", ""), "Path to config file")
	inspectMode := flag.Bool("inspect", false, "List charge points and connector statuses, then exit")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()
	return *cfgPath, *inspectMode, *showVersion
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setupLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
