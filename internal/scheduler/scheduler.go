// Package scheduler drives the periodic polling of one device and decides
// between an inverter that is asleep at night and one that is unreachable.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/resident-x/go-solarman/internal/clock"
	"github.com/resident-x/go-solarman/internal/device"
	"github.com/resident-x/go-solarman/internal/domain"
	"github.com/resident-x/go-solarman/internal/solar"
)

// Config holds the timing and threshold settings of a scheduler.
type Config struct {
	Interval       time.Duration
	InitialDelay   time.Duration
	NightBackoff   time.Duration
	PowerThreshold float64
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       60 * time.Second,
		InitialDelay:   5 * time.Second,
		NightBackoff:   30 * time.Minute,
		PowerThreshold: 5,
	}
}

// Info identifies the device a scheduler polls.
type Info struct {
	Variant string
	Address string
}

// Scheduler polls one device on a fixed interval.
type Scheduler struct {
	device   device.Device
	info     Info
	site     solar.Site
	policy   Policy
	config   Config
	clock    clock.Clock
	listener domain.StatusListener
	logger   zerolog.Logger

	stateMu sync.Mutex
	state   DeviceState

	mutex     sync.Mutex
	isRunning bool
	timer     clock.Timer
	cancel    context.CancelFunc
	ctx       context.Context
	wg        sync.WaitGroup
}

// New creates a scheduler for dev. A nil listener discards status updates and
// a nil clock uses wall time.
func New(
	dev device.Device,
	info Info,
	profile device.Profile,
	site solar.Site,
	config Config,
	clk clock.Clock,
	listener domain.StatusListener,
	logger zerolog.Logger,
) *Scheduler {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.NightBackoff <= 0 {
		config.NightBackoff = defaults.NightBackoff
	}
	if config.PowerThreshold <= 0 {
		config.PowerThreshold = defaults.PowerThreshold
	}
	if clk == nil {
		clk = clock.New()
	}
	if listener == nil {
		listener = domain.StatusListenerFunc(func(context.Context, domain.DeviceStatus) {})
	}

	return &Scheduler{
		device: dev,
		info:   info,
		site:   site,
		policy: Policy{
			PowerField:     profile.PowerField,
			Cumulative:     profile.Cumulative,
			PowerThreshold: config.PowerThreshold,
			NightBackoff:   config.NightBackoff,
		},
		config:   config,
		clock:    clk,
		listener: listener,
		state:    InitialState(),
		logger: logger.With().
			Str("component", "scheduler").
			Str("device", dev.Name()).
			Logger(),
	}
}

// Start initializes the device and arms the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	if err := s.device.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize device %s: %w", s.device.Name(), err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.isRunning = true
	s.timer = s.clock.AfterFunc(s.config.InitialDelay, s.fire)

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Dur("initial_delay", s.config.InitialDelay).
		Msg("Scheduler started")

	return nil
}

// Stop cancels pending ticks, waits for an in-flight poll and tears the device down.
func (s *Scheduler) Stop() error {
	s.mutex.Lock()
	if !s.isRunning {
		s.mutex.Unlock()
		return fmt.Errorf("scheduler is not running")
	}

	s.isRunning = false
	if s.timer != nil {
		s.timer.Stop()
	}
	s.cancel()
	s.mutex.Unlock()

	s.wg.Wait()

	if err := s.device.Teardown(); err != nil {
		s.logger.Warn().Err(err).Msg("Device teardown failed")
	}

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning reports whether the scheduler is started.
func (s *Scheduler) IsRunning() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.isRunning
}

// fire re-arms the interval timer and runs a tick in the background.
func (s *Scheduler) fire() {
	s.mutex.Lock()
	if !s.isRunning {
		s.mutex.Unlock()
		return
	}
	s.timer = s.clock.AfterFunc(s.config.Interval, s.fire)
	ctx := s.ctx
	s.wg.Add(1)
	s.mutex.Unlock()

	go func() {
		defer s.wg.Done()
		s.Tick(ctx)
	}()
}

// Tick attempts one poll cycle. It is a no-op while in backoff or while a
// poll is in flight. It reports whether a poll ran.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if effects := s.apply(TickEvent{Now: s.clock.Now()}); !startsPoll(effects) {
		s.logger.Debug().Msg("Tick skipped")
		return false
	}

	snapshot, err := s.device.Poll(ctx)
	now := s.clock.Now()

	var ev Event
	if err != nil {
		ev = PollFailed{Now: now, Err: err, InWindow: s.site.InWindow(now)}
	} else {
		ev = PollSucceeded{Now: now, Snapshot: snapshot}
	}

	s.execute(ctx, s.apply(ev), err)
	return true
}

func (s *Scheduler) apply(ev Event) []Effect {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	var effects []Effect
	s.state, effects = s.policy.Transition(s.state, ev)
	return effects
}

func startsPoll(effects []Effect) bool {
	for _, effect := range effects {
		if _, ok := effect.(EffectStartPoll); ok {
			return true
		}
	}
	return false
}

func (s *Scheduler) execute(ctx context.Context, effects []Effect, pollErr error) {
	for _, effect := range effects {
		switch e := effect.(type) {
		case EffectPublish:
			s.logger.Debug().Int("values", len(e.Snapshot)).Msg("Snapshot updated")
		case EffectBackoff:
			s.logger.Info().
				Err(pollErr).
				Time("until", e.Until).
				Msg("Device unreachable outside solar window, backing off")
		case EffectUnavailable:
			s.logger.Error().Str("reason", e.Reason).Msg("Device unreachable")
		case EffectRecordFailure:
			s.logger.Warn().Err(e.Err).Msg("Poll failed")
		}
	}

	s.listener.OnStatus(ctx, s.Status())
}

// State returns a copy of the current device state.
func (s *Scheduler) State() DeviceState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	state := s.state
	state.Snapshot = state.Snapshot.Clone()
	return state
}

// Status returns the externally visible status of the device.
func (s *Scheduler) Status() domain.DeviceStatus {
	state := s.State()

	transport := ""
	if reporter, ok := s.device.(device.TransportReporter); ok {
		transport = reporter.Transport()
	}

	return domain.DeviceStatus{
		Name:         s.device.Name(),
		Variant:      s.info.Variant,
		Address:      s.info.Address,
		Phase:        state.Phase,
		Transport:    transport,
		Available:    state.Available,
		Reason:       state.Reason,
		LastPower:    state.LastPower,
		LastPoll:     state.LastPoll,
		LastSuccess:  state.LastSuccess,
		BackoffUntil: state.BackoffUntil,
		LastError:    state.LastError,
		Polls:        state.Polls,
		Failures:     state.Failures,
		Snapshot:     state.Snapshot,
	}
}

// Device returns the polled device.
func (s *Scheduler) Device() device.Device {
	return s.device
}

// GetMetrics returns current scheduler metrics.
func (s *Scheduler) GetMetrics() map[string]interface{} {
	state := s.State()

	return map[string]interface{}{
		"is_running":    s.IsRunning(),
		"phase":         string(state.Phase),
		"available":     state.Available,
		"polls":         state.Polls,
		"failures":      state.Failures,
		"last_power":    state.LastPower,
		"interval":      s.config.Interval.String(),
		"night_backoff": s.config.NightBackoff.String(),
	}
}
