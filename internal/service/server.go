// Package service wires device schedulers to the registry, publishers and HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-solarman/internal/api"
	"github.com/resident-x/go-solarman/internal/clock"
	"github.com/resident-x/go-solarman/internal/config"
	"github.com/resident-x/go-solarman/internal/device"
	"github.com/resident-x/go-solarman/internal/domain"
	"github.com/resident-x/go-solarman/internal/metrics"
	"github.com/resident-x/go-solarman/internal/registers"
	"github.com/resident-x/go-solarman/internal/scheduler"
	"github.com/resident-x/go-solarman/internal/solar"
	"github.com/resident-x/go-solarman/internal/telemetry"
)

// StatusPublisher publishes device status to a message broker.
type StatusPublisher interface {
	domain.MessagePublisher
	domain.StatusListener
	RegisterDevice(device string, catalog *registers.Catalog) error
	UnregisterDevice(ctx context.Context, device string) error
}

// powerFieldRegistrar is implemented by monitoring services that need the
// output power field of each device.
type powerFieldRegistrar interface {
	RegisterDevice(device, powerField string)
}

// Server polls every configured device and distributes the results.
type Server struct {
	config     *config.Config
	library    *registers.Library
	clock      clock.Clock
	registry   *domain.DeviceRegistry
	publisher  StatusPublisher
	monitoring domain.MonitoringService
	metrics    *metrics.Metrics
	apiServer  *api.Server
	logger     zerolog.Logger
	startTime  time.Time

	mutex      sync.RWMutex
	ctx        context.Context
	running    bool
	schedulers map[string]*scheduler.Scheduler
	devices    map[string]config.DeviceConfig
}

// LoadLibrary loads the embedded catalogs plus any found in dir.
func LoadLibrary(dir string) (*registers.Library, error) {
	lib, err := registers.LoadLibrary()
	if err != nil {
		return nil, err
	}
	if dir != "" {
		if err := lib.Load(os.DirFS(dir), "."); err != nil {
			return nil, fmt.Errorf("failed to load catalogs from %s: %w", dir, err)
		}
	}
	return lib, nil
}

// NewServer creates a server for cfg. A nil clock uses wall time.
func NewServer(cfg *config.Config, publisher StatusPublisher, monitoring domain.MonitoringService, clk clock.Clock) (*Server, error) {
	library, err := LoadLibrary(cfg.CatalogsDir)
	if err != nil {
		return nil, err
	}

	if clk == nil {
		clk = clock.New()
	}

	server := &Server{
		config:     cfg,
		library:    library,
		clock:      clk,
		registry:   domain.NewDeviceRegistry(),
		publisher:  publisher,
		monitoring: monitoring,
		logger:     log.With().Str("component", "server").Logger(),
		schedulers: make(map[string]*scheduler.Scheduler),
		devices:    make(map[string]config.DeviceConfig),
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		server.metrics = metrics.New()
		metricsHandler = server.metrics.Handler()
	}

	if cfg.API.Enabled {
		server.apiServer = api.NewServer(cfg, server.registry, server, metricsHandler)
	}

	return server, nil
}

// Registry returns the registry holding the status of every device.
func (s *Server) Registry() domain.Registry {
	return s.registry
}

// Start connects the sinks, starts the HTTP API and one scheduler per device.
func (s *Server) Start(ctx context.Context) error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.ctx = ctx
	s.running = true
	s.startTime = s.clock.Now()
	s.mutex.Unlock()

	if err := s.publisher.Connect(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to connect message publisher")
	}

	if err := s.monitoring.Connect(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to connect monitoring service")
	}

	if s.apiServer != nil {
		if err := s.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	var errs []error
	for _, dc := range s.config.Devices {
		if err := s.startDevice(dc); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info().
		Int("devices", len(s.config.Devices)).
		Msg("Server started")

	return errors.Join(errs...)
}

// Stop stops every scheduler and closes the sinks.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping server")

	s.mutex.Lock()
	s.running = false
	schedulers := s.schedulers
	s.schedulers = make(map[string]*scheduler.Scheduler)
	s.mutex.Unlock()

	for name, sched := range schedulers {
		if err := sched.Stop(); err != nil {
			s.logger.Error().Str("device", name).Err(err).Msg("Failed to stop scheduler")
		}
	}

	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	if err := s.publisher.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close message publisher")
	}

	if err := s.monitoring.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close monitoring service")
	}

	return nil
}

// Reconfigure tears down the scheduler of dc.Name, if any, and starts a
// fresh one with the new settings.
func (s *Server) Reconfigure(dc config.DeviceConfig) error {
	if err := dc.Validate(); err != nil {
		return err
	}

	s.stopDevice(dc.Name)

	// Forget the old block so a failed start is retried on the next reload.
	s.mutex.Lock()
	delete(s.devices, dc.Name)
	s.mutex.Unlock()

	s.registry.Remove(dc.Name)
	if s.metrics != nil {
		s.metrics.Remove(dc.Name)
	}

	return s.startDevice(dc)
}

// RemoveDevice stops polling a device and drops its published state.
func (s *Server) RemoveDevice(ctx context.Context, name string) error {
	if !s.stopDevice(name) {
		return fmt.Errorf("remove %s: %w", name, domain.ErrDeviceNotFound)
	}

	s.mutex.Lock()
	delete(s.devices, name)
	s.mutex.Unlock()

	s.registry.Remove(name)
	if s.metrics != nil {
		s.metrics.Remove(name)
	}
	return s.publisher.UnregisterDevice(ctx, name)
}

// ApplyConfig reconciles the running devices with a reloaded configuration.
// Only devices whose block changed are restarted. Poll settings apply to
// every device.
func (s *Server) ApplyConfig(ctx context.Context, cfg *config.Config) {
	s.mutex.Lock()
	pollChanged := s.config.Poll != cfg.Poll
	s.config.Poll = cfg.Poll
	s.config.Devices = cfg.Devices
	current := make(map[string]config.DeviceConfig, len(s.devices))
	for name, dc := range s.devices {
		current[name] = dc
	}
	s.mutex.Unlock()

	wanted := make(map[string]bool, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		wanted[dc.Name] = true
		if old, ok := current[dc.Name]; ok && old == dc && !pollChanged {
			continue
		}

		s.logger.Info().Str("device", dc.Name).Msg("Applying device configuration")
		if err := s.Reconfigure(dc); err != nil {
			s.logger.Error().Str("device", dc.Name).Err(err).Msg("Failed to reconfigure device")
		}
	}

	for name := range current {
		if wanted[name] {
			continue
		}
		s.logger.Info().Str("device", name).Msg("Removing device")
		if err := s.RemoveDevice(ctx, name); err != nil {
			s.logger.Error().Str("device", name).Err(err).Msg("Failed to remove device")
		}
	}
}

// WriteRegister writes one holding register of a running device.
func (s *Server) WriteRegister(ctx context.Context, name string, address, value uint16) error {
	sched, err := s.lookup(name)
	if err != nil {
		return err
	}

	writer, ok := sched.Device().(device.Writer)
	if !ok {
		return fmt.Errorf("write %s: %w", name, domain.ErrNotSupported)
	}
	return writer.WriteRegister(ctx, address, value)
}

// Identify reads the identity string of a running device.
func (s *Server) Identify(ctx context.Context, name string) (string, error) {
	sched, err := s.lookup(name)
	if err != nil {
		return "", err
	}

	identifier, ok := sched.Device().(device.Identifier)
	if !ok {
		return "", fmt.Errorf("identify %s: %w", name, domain.ErrNotSupported)
	}
	return identifier.Identify(ctx)
}

// lookup returns the scheduler of a running device.
func (s *Server) lookup(name string) (*scheduler.Scheduler, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	sched, ok := s.schedulers[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, domain.ErrDeviceNotFound)
	}
	return sched, nil
}

// Pair connects to a device that is not running and reads its identity with
// the short pairing timeout.
func Pair(ctx context.Context, library *registers.Library, dc config.DeviceConfig) (string, error) {
	spec, err := deviceSpec(dc)
	if err != nil {
		return "", err
	}
	spec.Telemetry.Timeout = telemetry.PairingTimeout

	dev, _, err := device.New(spec, library, nil)
	if err != nil {
		return "", err
	}

	identifier, ok := dev.(device.Identifier)
	if !ok {
		return "", fmt.Errorf("identify %s: %w", dc.Name, domain.ErrNotSupported)
	}

	if err := dev.Init(ctx); err != nil {
		return "", err
	}
	defer func() {
		_ = dev.Teardown()
	}()

	return identifier.Identify(ctx)
}

func deviceSpec(dc config.DeviceConfig) (device.Spec, error) {
	mode, err := dc.Mode()
	if err != nil {
		return device.Spec{}, err
	}

	return device.Spec{
		Name:    dc.Name,
		Variant: dc.Variant,
		Telemetry: telemetry.Config{
			Address:      dc.Address(),
			LoggerSerial: dc.LoggerSerial,
			UnitID:       byte(dc.UnitID),
			Mode:         mode,
			Timeout:      dc.Timeout(),
		},
	}, nil
}

func (s *Server) site(dc config.DeviceConfig, poll config.PollConfig) (solar.Site, error) {
	loc, err := dc.Location()
	if err != nil {
		return solar.Site{}, err
	}

	site := solar.NewSite(dc.Latitude, dc.Longitude, loc)
	if margin := poll.WindowMargin(); margin > 0 {
		site.Margin = margin
	}

	start, end, err := poll.Fallback()
	if err != nil {
		return solar.Site{}, err
	}
	site.FallbackStart = start
	site.FallbackEnd = end

	return site, nil
}

func (s *Server) startDevice(dc config.DeviceConfig) error {
	s.mutex.RLock()
	poll := s.config.Poll
	ctx := s.ctx
	running := s.running
	s.mutex.RUnlock()

	if !running {
		return fmt.Errorf("server is not running")
	}

	spec, err := deviceSpec(dc)
	if err != nil {
		return fmt.Errorf("device %s: %w", dc.Name, err)
	}

	site, err := s.site(dc, poll)
	if err != nil {
		return fmt.Errorf("device %s: %w", dc.Name, err)
	}

	dev, catalog, err := device.New(spec, s.library, s.clock)
	if err != nil {
		return err
	}

	if err := s.publisher.RegisterDevice(dc.Name, catalog); err != nil {
		s.logger.Error().Str("device", dc.Name).Err(err).Msg("Failed to register device with publisher")
	}
	if registrar, ok := s.monitoring.(powerFieldRegistrar); ok {
		registrar.RegisterDevice(dc.Name, catalog.PowerField)
	}

	sched := scheduler.New(
		dev,
		scheduler.Info{Variant: dc.Variant, Address: dc.Address()},
		device.ProfileOf(catalog),
		site,
		scheduler.Config{
			Interval:       poll.Interval(),
			InitialDelay:   poll.InitialDelay(),
			NightBackoff:   poll.NightBackoff(),
			PowerThreshold: poll.PowerThreshold,
		},
		s.clock,
		domain.StatusListenerFunc(s.onStatus),
		s.logger,
	)

	if err := sched.Start(ctx); err != nil {
		return err
	}

	s.mutex.Lock()
	s.schedulers[dc.Name] = sched
	s.devices[dc.Name] = dc
	s.mutex.Unlock()

	s.registry.Update(sched.Status())

	s.logger.Info().
		Str("device", dc.Name).
		Str("variant", dc.Variant).
		Str("address", dc.Address()).
		Msg("Device polling started")

	return nil
}

// stopDevice stops the scheduler of name and reports whether one was running.
func (s *Server) stopDevice(name string) bool {
	s.mutex.Lock()
	sched, ok := s.schedulers[name]
	delete(s.schedulers, name)
	s.mutex.Unlock()

	if !ok {
		return false
	}

	if err := sched.Stop(); err != nil {
		s.logger.Error().Str("device", name).Err(err).Msg("Failed to stop scheduler")
	}
	return true
}

// onStatus fans a status update out to every sink.
func (s *Server) onStatus(ctx context.Context, status domain.DeviceStatus) {
	s.registry.Update(status)
	s.publisher.OnStatus(ctx, status)

	if s.metrics != nil {
		s.metrics.OnStatus(ctx, status)
	}

	// Only fresh readings are uploaded; zeroed night snapshots carry the poll error.
	if status.Snapshot != nil && status.LastError == "" {
		if err := s.monitoring.Send(ctx, status.Name, status.Snapshot); err != nil {
			s.logger.Error().Str("device", status.Name).Err(err).Msg("Failed to send to monitoring service")
		}
	}
}

// GetMetrics returns server metrics including per-device scheduler status.
func (s *Server) GetMetrics() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	names := make([]string, 0, len(s.schedulers))
	for name := range s.schedulers {
		names = append(names, name)
	}
	sort.Strings(names)

	devices := make(map[string]interface{}, len(names))
	for _, name := range names {
		devices[name] = s.schedulers[name].GetMetrics()
	}

	return map[string]interface{}{
		"uptime":       s.clock.Now().Sub(s.startTime).Seconds(),
		"start_time":   s.startTime,
		"device_count": len(names),
		"devices":      devices,
	}
}
