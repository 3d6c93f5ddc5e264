// Package domain provides core domain models and interfaces for the go-solarman application
package domain

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceNotFound is returned for operations on a device name that is not configured.
var ErrDeviceNotFound = errors.New("device not found")

// ErrNotSupported is returned when a device variant lacks an optional capability.
var ErrNotSupported = errors.New("operation not supported by device")

// Snapshot maps a register definition name to its decoded value: a float64
// for numeric rules and a string for text, bit-array, version and lookup
// rules. Definitions that could not be decoded are absent.
type Snapshot map[string]interface{}

// Clone returns a shallow copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Float returns the numeric value stored under name.
func (s Snapshot) Float(name string) (float64, bool) {
	v, ok := s[name].(float64)
	return v, ok
}

// Phase is the polling phase of a device.
type Phase string

// Polling phases.
const (
	PhaseIdle    Phase = "idle"
	PhasePolling Phase = "polling"
	PhaseBackoff Phase = "backoff"
)

// DeviceStatus is the externally visible state of one polled device.
type DeviceStatus struct {
	Name         string    `json:"name"`
	Variant      string    `json:"variant"`
	Address      string    `json:"address"`
	Phase        Phase     `json:"phase"`
	Transport    string    `json:"transport"`
	Available    bool      `json:"available"`
	Reason       string    `json:"reason,omitempty"`
	LastPower    float64   `json:"last_power"`
	LastPoll     time.Time `json:"last_poll,omitempty"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Polls        uint64    `json:"polls"`
	Failures     uint64    `json:"failures"`
	Snapshot     Snapshot  `json:"snapshot,omitempty"`
}

// StatusListener receives a device status after every state change.
type StatusListener interface {
	OnStatus(ctx context.Context, status DeviceStatus)
}

// StatusListenerFunc adapts a function to StatusListener.
type StatusListenerFunc func(ctx context.Context, status DeviceStatus)

// OnStatus calls f.
func (f StatusListenerFunc) OnStatus(ctx context.Context, status DeviceStatus) {
	f(ctx, status)
}

// MessagePublisher defines the interface for publishing device data.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}

// MonitoringService defines the interface for external monitoring services.
type MonitoringService interface {
	// Send uploads a device snapshot to the monitoring service
	Send(ctx context.Context, device string, snapshot Snapshot) error

	// Connect establishes a connection to the service
	Connect() error

	// Close terminates the connection to the service
	Close() error
}

// Registry keeps track of polled devices.
type Registry interface {
	// Update stores the latest status of a device
	Update(status DeviceStatus)

	// Get retrieves the status of a device
	Get(name string) (DeviceStatus, bool)

	// All returns the status of every device, ordered by name
	All() []DeviceStatus

	// Remove drops a device from the registry
	Remove(name string)
}
