// Package main provides the entry point for the panelwatch server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ferrostat/go-panelwatch/internal/config"
	"github.com/ferrostat/go-panelwatch/internal/domain"
	"github.com/ferrostat/go-panelwatch/internal/engine"
	"github.com/ferrostat/go-panelwatch/internal/layout"
	"github.com/ferrostat/go-panelwatch/internal/monitor"
	"github.com/ferrostat/go-panelwatch/internal/parser"
	"github.com/ferrostat/go-panelwatch/internal/pubsub"
	"github.com/ferrostat/go-panelwatch/internal/service"
	"github.com/ferrostat/go-panelwatch/internal/validation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run() // run() returns an int
	os.Exit(code) // os.Exit is called after deferred functions in run() execute
}

func run() int {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Show version if requested
	if *showVersion {
		fmt.Printf("panelwatch server %s\n", Version)
		return 0
	}

	// Initialize context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	// Initialize logger with the configured log level
	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting panelwatch server")

	cfg.Print()

	// Load the zone layout. A zone map file overrides the embedded
	// protocol tables.
	var lay *layout.Layout
	if cfg.Panel.ZoneMapFile != "" {
		lay, err = layout.LoadFile(cfg.Panel.ZoneMapFile)
	} else {
		lay, err = layout.Load(cfg.Panel.ProtocolVersion)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load zone layout")
		return 1
	}

	telegramParser := parser.NewParser(lay)
	validator := validation.NewBatchValidator(validation.ParseLevel(cfg.Validation.Level), log.Logger)

	// Initialize the status engine
	eng, err := engine.New(cfg, telegramParser, validator, domain.NewDeviceRegistry())
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize status engine")
		return 1
	}

	// Initialize MQTT publisher. The feed sink must be set before the
	// connect so a retained push telegram is not lost.
	var publisher domain.MessagePublisher
	if cfg.MQTT.Enabled {
		mqttPublisher := pubsub.NewMQTTPublisher(cfg)
		mqttPublisher.SetFeedSink(eng)
		if err := mqttPublisher.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
			publisher = pubsub.NewNoopPublisher()
		} else {
			publisher = mqttPublisher
			log.Info().Msg("MQTT publisher connected successfully")
		}
	} else {
		log.Info().Msg("MQTT disabled, using noop publisher")
		publisher = pubsub.NewNoopPublisher()
	}

	// Initialize the monitoring uplink
	var monitoringService domain.MonitoringService
	if cfg.Monitor.Enabled {
		monitorClient := monitor.NewClient(cfg)
		if err := monitorClient.Connect(); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize monitoring client")
			monitoringService = monitor.NewNoopClient()
		} else {
			monitoringService = monitorClient
		}
	} else {
		// Use NoopClient when the monitor is disabled
		monitoringService = monitor.NewNoopClient()
	}

	// Create and start the panel server
	srv, err := service.NewPanelServer(cfg, eng, telegramParser, publisher, monitoringService)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create panel server")
		return 1
	}

	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start panel server")
		return 1
	}

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Msg("Panel server started successfully")

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	// Create context with timeout for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop the server
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping server")
		return 1
	}

	log.Info().Msg("Server stopped")
	return 0
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	// Set up pretty console logging for development
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	// Parse the log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	// Configure global logger
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
