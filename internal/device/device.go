// Package device defines the polling lifecycle of a hardware variant and the
// catalog-driven inverter implementation.
package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-solarman/internal/clock"
	"github.com/resident-x/go-solarman/internal/domain"
	"github.com/resident-x/go-solarman/internal/registers"
	"github.com/resident-x/go-solarman/internal/telemetry"
)

// ErrNotInitialized is returned when a device is used before Init or after Teardown.
var ErrNotInitialized = errors.New("device not initialized")

// Device is the lifecycle a polling scheduler drives.
type Device interface {
	// Name returns the configured device name
	Name() string

	// Init prepares the device for polling without contacting it
	Init(ctx context.Context) error

	// Poll runs one complete read cycle
	Poll(ctx context.Context) (domain.Snapshot, error)

	// Teardown releases everything Init created
	Teardown() error
}

// Profile describes how a device's snapshot is interpreted.
type Profile struct {
	Variant    string
	PowerField string
	Cumulative map[string]bool
}

// Spec is the configuration of one device.
type Spec struct {
	Name      string
	Variant   string
	Telemetry telemetry.Config
}

// Constructor builds a device for a spec and its variant catalog.
type Constructor func(spec Spec, catalog *registers.Catalog, clk clock.Clock) Device

var (
	constructorsMu sync.RWMutex
	constructors   = map[string]Constructor{}
)

// Register installs a constructor for a variant. Variants without one use
// the catalog-driven Inverter.
func Register(variant string, ctor Constructor) {
	constructorsMu.Lock()
	defer constructorsMu.Unlock()
	constructors[variant] = ctor
}

// RegisteredVariants returns the variants with a dedicated constructor.
func RegisteredVariants() []string {
	constructorsMu.RLock()
	defer constructorsMu.RUnlock()

	variants := make([]string, 0, len(constructors))
	for v := range constructors {
		variants = append(variants, v)
	}
	sort.Strings(variants)
	return variants
}

// New builds the device for spec using the catalog of its variant.
func New(spec Spec, lib *registers.Library, clk clock.Clock) (Device, *registers.Catalog, error) {
	catalog, err := lib.Lookup(spec.Variant)
	if err != nil {
		return nil, nil, fmt.Errorf("device %s: %w", spec.Name, err)
	}

	if spec.Telemetry.MaxBatch == 0 {
		spec.Telemetry.MaxBatch = catalog.MaxBatch
	}

	constructorsMu.RLock()
	ctor, ok := constructors[spec.Variant]
	constructorsMu.RUnlock()
	if !ok {
		ctor = NewInverter
	}

	return ctor(spec, catalog, clk), catalog, nil
}

// ProfileOf derives the snapshot profile of a catalog.
func ProfileOf(catalog *registers.Catalog) Profile {
	profile := Profile{
		Variant:    catalog.Variant,
		PowerField: catalog.PowerField,
		Cumulative: make(map[string]bool),
	}
	for _, def := range catalog.Definitions {
		if def.Cumulative {
			profile.Cumulative[def.Name] = true
		}
	}
	return profile
}

// Inverter polls every definition of its catalog through a telemetry client.
type Inverter struct {
	spec    Spec
	catalog *registers.Catalog
	clock   clock.Clock
	logger  zerolog.Logger

	mu     sync.Mutex
	client *telemetry.Client
}

// NewInverter creates a catalog-driven inverter.
func NewInverter(spec Spec, catalog *registers.Catalog, clk clock.Clock) Device {
	return &Inverter{
		spec:    spec,
		catalog: catalog,
		clock:   clk,
		logger: log.With().
			Str("component", "device").
			Str("device", spec.Name).
			Str("variant", catalog.Variant).
			Logger(),
	}
}

// Name returns the configured device name.
func (d *Inverter) Name() string {
	return d.spec.Name
}

// Catalog returns the register catalog of the inverter.
func (d *Inverter) Catalog() *registers.Catalog {
	return d.catalog
}

// Init creates a fresh telemetry client.
func (d *Inverter) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.spec.Telemetry.Address == "" {
		return fmt.Errorf("device %s has no address", d.spec.Name)
	}

	d.client = telemetry.New(d.spec.Telemetry, d.clock)

	d.logger.Info().
		Str("address", d.spec.Telemetry.Address).
		Uint32("logger_serial", d.spec.Telemetry.LoggerSerial).
		Str("transport", d.spec.Telemetry.Mode.String()).
		Int("definitions", len(d.catalog.Definitions)).
		Msg("Device initialized")

	return nil
}

func (d *Inverter) currentClient() (*telemetry.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return nil, ErrNotInitialized
	}
	return d.client, nil
}

// Poll reads and decodes every catalog definition.
func (d *Inverter) Poll(ctx context.Context) (domain.Snapshot, error) {
	client, err := d.currentClient()
	if err != nil {
		return nil, err
	}
	return client.ReadAll(ctx, d.catalog.Definitions)
}

// Identify reads the catalog's identity definition.
func (d *Inverter) Identify(ctx context.Context) (string, error) {
	client, err := d.currentClient()
	if err != nil {
		return "", err
	}
	return client.ReadIdentity(ctx, d.catalog.Identity)
}

// WriteRegister writes a single holding register.
func (d *Inverter) WriteRegister(ctx context.Context, address, value uint16) error {
	client, err := d.currentClient()
	if err != nil {
		return err
	}
	return client.WriteRegister(ctx, address, value)
}

// Transport returns the transport mode currently assumed for the device.
func (d *Inverter) Transport() string {
	client, err := d.currentClient()
	if err != nil {
		return d.spec.Telemetry.Mode.String()
	}
	return client.Mode().String()
}

// Teardown drops the telemetry client.
func (d *Inverter) Teardown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return ErrNotInitialized
	}
	d.client = nil

	d.logger.Info().Msg("Device torn down")
	return nil
}

// Identifier is implemented by devices that can read a human-readable identity.
type Identifier interface {
	Identify(ctx context.Context) (string, error)
}

// Writer is implemented by devices that accept single-register writes.
type Writer interface {
	WriteRegister(ctx context.Context, address, value uint16) error
}

// TransportReporter is implemented by devices that expose their transport mode.
type TransportReporter interface {
	Transport() string
}
