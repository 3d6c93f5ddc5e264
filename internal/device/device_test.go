package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-solarman/internal/clock"
	"github.com/resident-x/go-solarman/internal/domain"
	"github.com/resident-x/go-solarman/internal/protocol"
	"github.com/resident-x/go-solarman/internal/registers"
	"github.com/resident-x/go-solarman/internal/simulator"
	"github.com/resident-x/go-solarman/internal/telemetry"
)

const testSerial = 2712345678

func startSimulator(t *testing.T) *simulator.Simulator {
	t.Helper()

	sim := simulator.New(testSerial)
	for addr := uint16(0); addr < 200; addr++ {
		sim.SetHolding(addr, 0)
	}
	sim.SetASCII(3, "2312345678")
	sim.SetHolding(59, 2)
	sim.SetHolding(86, 3125, 0)

	require.NoError(t, sim.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = sim.Close() })
	return sim
}

func testSpec(address string) Spec {
	return Spec{
		Name:    "balcony",
		Variant: "deye_micro",
		Telemetry: telemetry.Config{
			Address:      address,
			LoggerSerial: testSerial,
			Mode:         protocol.ModeRTU,
			Timeout:      2 * time.Second,
		},
	}
}

func newInverter(t *testing.T, address string) *Inverter {
	t.Helper()

	lib, err := registers.LoadLibrary()
	require.NoError(t, err)

	dev, catalog, err := New(testSpec(address), lib, clock.New())
	require.NoError(t, err)
	assert.Equal(t, "deye_micro", catalog.Variant)

	inv, ok := dev.(*Inverter)
	require.True(t, ok)
	return inv
}

func TestInverterLifecycle(t *testing.T) {
	sim := startSimulator(t)
	inv := newInverter(t, sim.Addr())
	ctx := context.Background()

	assert.Equal(t, "balcony", inv.Name())

	_, err := inv.Poll(ctx)
	assert.True(t, errors.Is(err, ErrNotInitialized))

	require.NoError(t, inv.Init(ctx))
	assert.Equal(t, 0, sim.Requests(), "init must not contact the device")

	snapshot, err := inv.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Normal", snapshot["running_status"])
	assert.InDelta(t, 312.5, snapshot["ac_output_power"], 1e-9)
	assert.Equal(t, len(inv.Catalog().Requests()), sim.Requests())

	identity, err := inv.Identify(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2312345678", identity)

	require.NoError(t, inv.WriteRegister(ctx, 40, 100))
	value, _ := sim.Holding(40)
	assert.Equal(t, uint16(100), value)

	assert.Equal(t, "rtu", inv.Transport())

	require.NoError(t, inv.Teardown())
	assert.ErrorIs(t, inv.Teardown(), ErrNotInitialized)

	_, err = inv.Poll(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitRequiresAddress(t *testing.T) {
	inv := newInverter(t, "")
	assert.Error(t, inv.Init(context.Background()))
}

func TestNewUnknownVariant(t *testing.T) {
	lib, err := registers.LoadLibrary()
	require.NoError(t, err)

	spec := testSpec("127.0.0.1:8899")
	spec.Variant = "nope"

	_, _, err = New(spec, lib, nil)
	assert.Error(t, err)
}

type stubPoller struct {
	name string
}

func (s *stubPoller) Name() string                   { return s.name }
func (s *stubPoller) Init(ctx context.Context) error { return nil }
func (s *stubPoller) Teardown() error                { return nil }
func (s *stubPoller) Poll(ctx context.Context) (domain.Snapshot, error) {
	return domain.Snapshot{}, nil
}

func TestRegisterConstructor(t *testing.T) {
	lib, err := registers.LoadLibrary()
	require.NoError(t, err)

	Register("deye_hybrid", func(spec Spec, catalog *registers.Catalog, clk clock.Clock) Device {
		return &stubPoller{name: spec.Name}
	})
	t.Cleanup(func() {
		constructorsMu.Lock()
		delete(constructors, "deye_hybrid")
		constructorsMu.Unlock()
	})

	assert.Contains(t, RegisteredVariants(), "deye_hybrid")

	spec := testSpec("127.0.0.1:8899")
	spec.Variant = "deye_hybrid"

	dev, catalog, err := New(spec, lib, nil)
	require.NoError(t, err)
	assert.IsType(t, &stubPoller{}, dev)
	assert.Equal(t, "inverter_output_power", catalog.PowerField)
}

func TestProfileOf(t *testing.T) {
	lib, err := registers.LoadLibrary()
	require.NoError(t, err)

	catalog, err := lib.Lookup("deye_micro")
	require.NoError(t, err)

	profile := ProfileOf(catalog)
	assert.Equal(t, "ac_output_power", profile.PowerField)
	assert.True(t, profile.Cumulative["total_production"])
	assert.False(t, profile.Cumulative["ac_output_power"])
}
