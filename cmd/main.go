// Package main provides the entry point for the go-solarman poller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-solarman/internal/api"
	"github.com/resident-x/go-solarman/internal/config"
	"github.com/resident-x/go-solarman/internal/domain"
	"github.com/resident-x/go-solarman/internal/pubsub"
	"github.com/resident-x/go-solarman/internal/service"
	pvoutput "github.com/resident-x/go-solarman/internal/service/pvoutput"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run(os.Args[1:], os.Stdout)
	os.Exit(code)
}

func run(args []string, stdout io.Writer) int {
	flags := flag.NewFlagSet("go-solarman", flag.ContinueOnError)
	configFile := flags.String("config", "config.yaml", "Path to configuration file")
	showVersion := flags.Bool("version", false, "Show version information")
	identify := flags.String("identify", "", "Read the identity of the named device and exit")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintf(stdout, "go-solarman %s\n", Version)
		return 0
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(stdout, "Failed to load configuration: %v\n", err)
		return 1
	}

	initLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	if *identify != "" {
		return runIdentify(cfg, *identify, stdout)
	}

	log.Info().Str("version", Version).Msg("Starting go-solarman")
	logServiceConfiguration(cfg)
	api.Version = Version

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var publisher service.StatusPublisher
	if cfg.MQTT.Enabled {
		publisher = pubsub.NewMQTTPublisher(cfg)
	} else {
		log.Info().Msg("MQTT disabled, using noop publisher")
		publisher = pubsub.NewNoopPublisher()
	}

	var monitoringService domain.MonitoringService
	if cfg.PVOutput.Enabled {
		monitoringService = pvoutput.NewClient(cfg, nil)
	} else {
		monitoringService = pvoutput.NewNoopClient()
	}

	srv, err := service.NewServer(cfg, publisher, monitoringService, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create server")
		return 1
	}

	if err := srv.Start(ctx); err != nil {
		// Devices that failed to start are reported; the others keep polling.
		log.Error().Err(err).Msg("Some devices failed to start")
	}

	if err := config.Watch(*configFile, func(updated *config.Config) {
		if level, err := zerolog.ParseLevel(strings.ToLower(updated.LogLevel)); err == nil {
			zerolog.SetGlobalLevel(level)
		}
		srv.ApplyConfig(ctx, updated)
	}); err != nil {
		log.Warn().Err(err).Msg("Configuration hot reload disabled")
	}

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping server")
		return 1
	}

	log.Info().Msg("Server stopped")
	return 0
}

// runIdentify reads the identity string of one configured device, the
// pairing check run before a device is added for polling.
func runIdentify(cfg *config.Config, name string, stdout io.Writer) int {
	dc, ok := cfg.Device(name)
	if !ok {
		log.Error().Err(domain.ErrDeviceNotFound).Str("device", name).Msg("Cannot identify device")
		return 1
	}

	library, err := service.LoadLibrary(cfg.CatalogsDir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load catalogs")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	identity, err := service.Pair(ctx, library, dc)
	if err != nil {
		if errors.Is(err, domain.ErrNotSupported) {
			log.Error().Str("variant", dc.Variant).Msg("Variant has no identity register")
		} else {
			log.Error().Err(err).Str("device", name).Msg("Identification failed")
		}
		return 1
	}

	fmt.Fprintln(stdout, identity)
	return 0
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// logServiceConfiguration logs the current service configuration for debugging.
func logServiceConfiguration(cfg *config.Config) {
	log.Debug().Msg("=== Service Configuration ===")

	log.Debug().
		Str("log_level", cfg.LogLevel).
		Str("catalogs_dir", cfg.CatalogsDir).
		Int("interval_seconds", cfg.Poll.IntervalSeconds).
		Int("night_backoff_minutes", cfg.Poll.NightBackoffMinutes).
		Float64("power_threshold", cfg.Poll.PowerThreshold).
		Msg("Polling settings")

	for _, d := range cfg.Devices {
		log.Debug().
			Str("device", d.Name).
			Str("address", d.Address()).
			Uint32("logger_serial", d.LoggerSerial).
			Str("variant", d.Variant).
			Str("transport", d.Transport).
			Msg("Device configuration")
	}

	log.Debug().
		Bool("enabled", cfg.API.Enabled).
		Str("host", cfg.API.Host).
		Int("port", cfg.API.Port).
		Msg("HTTP API configuration")

	if cfg.MQTT.Enabled {
		log.Debug().
			Str("host", cfg.MQTT.Host).
			Int("port", cfg.MQTT.Port).
			Str("username", cfg.MQTT.Username).
			Str("topic", cfg.MQTT.Topic).
			Bool("retain", cfg.MQTT.Retain).
			Bool("homeassistant", cfg.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT configuration")
	} else {
		log.Debug().Bool("enabled", false).Msg("MQTT disabled")
	}

	if cfg.PVOutput.Enabled {
		log.Debug().
			Str("system_id", cfg.PVOutput.SystemID).
			Int("update_limit_minutes", cfg.PVOutput.UpdateLimitMinutes).
			Msg("PVOutput configuration")
	} else {
		log.Debug().Bool("enabled", false).Msg("PVOutput disabled")
	}

	log.Debug().
		Bool("enabled", cfg.Metrics.Enabled).
		Str("path", cfg.Metrics.Path).
		Msg("Metrics configuration")

	log.Debug().Msg("=== End Configuration ===")
}
