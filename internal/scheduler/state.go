package scheduler

import (
	"time"

	"github.com/resident-x/go-solarman/internal/domain"
)

// DeviceState is the polling state of one device. It is owned by a single
// Scheduler and only changed through Transition.
type DeviceState struct {
	Phase        domain.Phase
	Available    bool
	Reason       string
	LastPower    float64
	Snapshot     domain.Snapshot
	BackoffUntil time.Time
	LastPoll     time.Time
	LastSuccess  time.Time
	LastError    string
	Polls        uint64
	Failures     uint64
}

// InitialState is the state of a device that has not been polled yet.
func InitialState() DeviceState {
	return DeviceState{Phase: domain.PhaseIdle, Available: true}
}

// Event drives a state transition.
type Event interface {
	event()
}

// TickEvent is a timer tick asking for a poll.
type TickEvent struct {
	Now time.Time
}

// PollSucceeded carries the snapshot of a completed poll cycle.
type PollSucceeded struct {
	Now      time.Time
	Snapshot domain.Snapshot
}

// PollFailed reports a failed poll cycle. InWindow tells whether the device's
// local time was inside its solar window.
type PollFailed struct {
	Now      time.Time
	Err      error
	InWindow bool
}

func (TickEvent) event()     {}
func (PollSucceeded) event() {}
func (PollFailed) event()    {}

// Effect is an action the scheduler performs after a transition.
type Effect interface {
	effect()
}

// EffectStartPoll starts a poll cycle.
type EffectStartPoll struct{}

// EffectPublish publishes a snapshot.
type EffectPublish struct {
	Snapshot domain.Snapshot
}

// EffectAvailable marks the device reachable.
type EffectAvailable struct{}

// EffectUnavailable marks the device unreachable.
type EffectUnavailable struct {
	Reason string
}

// EffectRecordFailure records a failure for diagnostics.
type EffectRecordFailure struct {
	Err error
}

// EffectBackoff reports that polling is suspended until a point in time.
type EffectBackoff struct {
	Until time.Time
}

func (EffectStartPoll) effect()     {}
func (EffectPublish) effect()       {}
func (EffectAvailable) effect()     {}
func (EffectUnavailable) effect()   {}
func (EffectRecordFailure) effect() {}
func (EffectBackoff) effect()       {}

// Policy holds the per-device constants transitions depend on.
type Policy struct {
	PowerField     string
	Cumulative     map[string]bool
	PowerThreshold float64
	NightBackoff   time.Duration
}

// Transition computes the next state and the effects of ev. It has no side effects.
func (p Policy) Transition(state DeviceState, ev Event) (DeviceState, []Effect) {
	switch ev := ev.(type) {
	case TickEvent:
		if state.Phase == domain.PhasePolling {
			return state, nil
		}
		if state.Phase == domain.PhaseBackoff && ev.Now.Before(state.BackoffUntil) {
			return state, nil
		}
		state.Phase = domain.PhasePolling
		state.BackoffUntil = time.Time{}
		state.LastPoll = ev.Now
		state.Polls++
		return state, []Effect{EffectStartPoll{}}

	case PollSucceeded:
		state.Phase = domain.PhaseIdle
		state.Snapshot = ev.Snapshot.Clone()
		state.LastSuccess = ev.Now
		state.Available = true
		state.Reason = ""
		state.LastError = ""
		if power, ok := state.Snapshot.Float(p.PowerField); ok {
			state.LastPower = power
		}
		return state, []Effect{EffectPublish{Snapshot: state.Snapshot}, EffectAvailable{}}

	case PollFailed:
		state.Failures++
		state.LastError = errorText(ev.Err)

		if !ev.InWindow {
			state.Phase = domain.PhaseBackoff
			state.BackoffUntil = ev.Now.Add(p.NightBackoff)
			state.Available = true
			state.Reason = ""
			state.LastPower = 0

			effects := []Effect{EffectAvailable{}, EffectBackoff{Until: state.BackoffUntil}}
			if state.Snapshot != nil {
				state.Snapshot = p.zeroInstantaneous(state.Snapshot)
				effects = append(effects, EffectPublish{Snapshot: state.Snapshot})
			}
			return state, effects
		}

		state.Phase = domain.PhaseIdle
		if state.LastPower > p.PowerThreshold {
			state.Available = false
			state.Reason = state.LastError
			return state, []Effect{EffectUnavailable{Reason: state.Reason}, EffectRecordFailure{Err: ev.Err}}
		}
		return state, []Effect{EffectRecordFailure{Err: ev.Err}}
	}

	return state, nil
}

// zeroInstantaneous returns a copy of snapshot with every non-cumulative
// numeric value set to zero.
func (p Policy) zeroInstantaneous(snapshot domain.Snapshot) domain.Snapshot {
	out := snapshot.Clone()
	for name, value := range out {
		if _, numeric := value.(float64); numeric && !p.Cumulative[name] {
			out[name] = 0.0
		}
	}
	return out
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
