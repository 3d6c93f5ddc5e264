package telemetry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-solarman/internal/protocol"
	"github.com/resident-x/go-solarman/internal/registers"
	"github.com/resident-x/go-solarman/internal/simulator"
)

const testSerial = 2712345678

func startSimulator(t *testing.T) *simulator.Simulator {
	t.Helper()

	sim := simulator.New(testSerial)
	require.NoError(t, sim.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = sim.Close() })

	return sim
}

func newClient(sim *simulator.Simulator, mode protocol.Mode) *Client {
	return New(Config{
		Address:      sim.Addr(),
		LoggerSerial: sim.Serial(),
		UnitID:       1,
		Mode:         mode,
		Timeout:      2 * time.Second,
	}, nil)
}

func testDefinitions() []registers.Definition {
	return []registers.Definition{
		{Name: "serial_number", Rule: 5, Registers: []uint16{3, 4, 5}},
		{Name: "running_status", Rule: 1, Registers: []uint16{59}, Lookup: map[uint64]string{2: "Normal"}},
		{Name: "ac_output_power", Rule: 3, Registers: []uint16{86, 87}, Scale: 0.1},
		{Name: "radiator_temperature", Rule: 2, Registers: []uint16{90}, Offset: 1000, Scale: 0.1},
		{Name: "grid_voltage", Rule: 1, Registers: []uint16{150}, Scale: 0.1, FunctionCode: registers.FunctionInput},
	}
}

func populate(sim *simulator.Simulator) {
	sim.SetASCII(3, "2312345678")
	for addr := uint16(6); addr < 200; addr++ {
		sim.SetHolding(addr, 0)
	}
	sim.SetHolding(59, 2)
	sim.SetHolding(86, 4123, 0)
	sim.SetHolding(90, 1256)
	sim.SetInput(150, 2304)
}

func TestReadAll(t *testing.T) {
	sim := startSimulator(t)
	populate(sim)

	client := newClient(sim, protocol.ModeRTU)

	snapshot, err := client.ReadAll(context.Background(), testDefinitions())
	require.NoError(t, err)

	assert.Equal(t, "231234", snapshot["serial_number"])
	assert.Equal(t, "Normal", snapshot["running_status"])
	assert.InDelta(t, 412.3, snapshot["ac_output_power"], 1e-9)
	assert.InDelta(t, 25.6, snapshot["radiator_temperature"], 1e-9)
	assert.InDelta(t, 230.4, snapshot["grid_voltage"], 1e-9)

	// One holding range plus one input range.
	assert.Equal(t, 2, sim.Requests())
	assert.Equal(t, protocol.ModeRTU, client.Mode())
}

func TestReadAllTrailingZeroPair(t *testing.T) {
	sim := startSimulator(t)
	populate(sim)
	sim.SetTrailingZeros(true)

	snapshot, err := newClient(sim, protocol.ModeRTU).ReadAll(context.Background(), testDefinitions())
	require.NoError(t, err)
	assert.Equal(t, "Normal", snapshot["running_status"])
}

func TestTransportAutoDetect(t *testing.T) {
	sim := startSimulator(t)
	populate(sim)
	sim.SetShape(simulator.ShapeTCP)

	client := newClient(sim, protocol.ModeRTU)
	defs := []registers.Definition{{Name: "running_status", Rule: 1, Registers: []uint16{59}}}

	snapshot, err := client.ReadAll(context.Background(), defs)
	require.NoError(t, err)
	assert.Equal(t, 2.0, snapshot["running_status"])

	// Exactly one retry, and the switch persists.
	assert.Equal(t, 2, sim.Requests())
	assert.Equal(t, protocol.ModeTCP, client.Mode())

	_, err = client.ReadAll(context.Background(), defs)
	require.NoError(t, err)
	assert.Equal(t, 3, sim.Requests())
}

func TestTransportAutoDetectBackToRTU(t *testing.T) {
	sim := startSimulator(t)
	populate(sim)
	sim.SetShape(simulator.ShapeRTU)

	client := newClient(sim, protocol.ModeTCP)

	_, err := client.ReadAll(context.Background(), []registers.Definition{{Name: "s", Rule: 1, Registers: []uint16{59}}})
	require.NoError(t, err)
	assert.Equal(t, protocol.ModeRTU, client.Mode())
}

func TestPersistentMismatchIsFrameError(t *testing.T) {
	// The server answers every request in the shape opposite to the request.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 512)
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				frame, err := protocol.DecodeRequest(buf[:n])
				if err != nil {
					return
				}
				req, err := protocol.ParseRequest(frame.ADU)
				if err != nil {
					return
				}
				mode := req.Mode.Flip()
				adu := protocol.BuildResponse(mode, req.TransactionID, req.UnitID, req.FunctionCode, []byte{2, 0x00, 0x02})
				_, _ = conn.Write(protocol.EncodeResponse(frame.Serial, frame.Sequence, adu))
			}(conn)
		}
	}()

	client := New(Config{Address: listener.Addr().String(), LoggerSerial: testSerial, Timeout: 2 * time.Second}, nil)

	_, err = client.ReadAll(context.Background(), []registers.Definition{{Name: "s", Rule: 1, Registers: []uint16{59}}})
	require.Error(t, err)

	var frameErr *protocol.FrameFormatError
	assert.True(t, errors.As(err, &frameErr))
}

func TestReadAllErrors(t *testing.T) {
	t.Run("exception aborts the cycle", func(t *testing.T) {
		sim := startSimulator(t)
		populate(sim)
		sim.SetException(protocol.ExceptionServerBusy)

		snapshot, err := newClient(sim, protocol.ModeRTU).ReadAll(context.Background(), testDefinitions())
		assert.Nil(t, snapshot)

		var exc *protocol.ExceptionError
		require.True(t, errors.As(err, &exc))
		assert.Equal(t, byte(protocol.ExceptionServerBusy), exc.Code)
		assert.Equal(t, 1, sim.Requests())
	})

	t.Run("missing register in second range aborts", func(t *testing.T) {
		sim := startSimulator(t)
		populate(sim)

		defs := append(testDefinitions(), registers.Definition{Name: "far", Rule: 1, Registers: []uint16{900}})
		snapshot, err := newClient(sim, protocol.ModeRTU).ReadAll(context.Background(), defs)
		assert.Nil(t, snapshot)

		var exc *protocol.ExceptionError
		require.True(t, errors.As(err, &exc))
		assert.Equal(t, byte(protocol.ExceptionIllegalAddress), exc.Code)
	})

	t.Run("offline device", func(t *testing.T) {
		sim := startSimulator(t)
		sim.SetOffline(true)

		_, err := newClient(sim, protocol.ModeRTU).ReadAll(context.Background(), testDefinitions())

		var connErr *protocol.ConnectionError
		assert.True(t, errors.As(err, &connErr))
	})

	t.Run("silent device times out", func(t *testing.T) {
		sim := startSimulator(t)
		populate(sim)
		sim.SetSilent(true)

		client := New(Config{Address: sim.Addr(), LoggerSerial: sim.Serial(), Timeout: 100 * time.Millisecond}, nil)
		_, err := client.ReadAll(context.Background(), testDefinitions())

		var connErr *protocol.ConnectionError
		require.True(t, errors.As(err, &connErr))
		assert.True(t, connErr.Timeout())
	})

	t.Run("unreachable address", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		address := listener.Addr().String()
		require.NoError(t, listener.Close())

		client := New(Config{Address: address, LoggerSerial: 1, Timeout: time.Second}, nil)
		_, err = client.ReadAll(context.Background(), testDefinitions())

		var connErr *protocol.ConnectionError
		assert.True(t, errors.As(err, &connErr))
	})
}

func TestReadIdentity(t *testing.T) {
	sim := startSimulator(t)
	sim.SetASCII(3, "2312345678")

	client := New(Config{Address: sim.Addr(), LoggerSerial: sim.Serial(), Timeout: PairingTimeout}, nil)

	identity, err := client.ReadIdentity(context.Background(), &registers.Definition{Name: "serial_number", Rule: 5, Registers: []uint16{3, 4, 5, 6, 7}})
	require.NoError(t, err)
	assert.Equal(t, "2312345678", identity)

	_, err = client.ReadIdentity(context.Background(), nil)
	assert.Error(t, err)

	sim.SetHolding(20, 0, 0)
	_, err = client.ReadIdentity(context.Background(), &registers.Definition{Name: "blank", Rule: 5, Registers: []uint16{20, 21}})
	assert.Error(t, err)
}

func TestWriteRegister(t *testing.T) {
	sim := startSimulator(t)

	client := newClient(sim, protocol.ModeRTU)
	require.NoError(t, client.WriteRegister(context.Background(), 40, 75))

	value, ok := sim.Holding(40)
	require.True(t, ok)
	assert.Equal(t, uint16(75), value)

	sim.SetException(protocol.ExceptionIllegalAddress)
	err := client.WriteRegister(context.Background(), 41, 1)

	var exc *protocol.ExceptionError
	assert.True(t, errors.As(err, &exc))
}

func TestNewDefaults(t *testing.T) {
	client := New(Config{Address: "127.0.0.1:8899"}, nil)

	assert.Equal(t, protocol.DefaultTimeout, client.cfg.Timeout)
	assert.Equal(t, registers.DefaultMaxBatch, client.cfg.MaxBatch)
	assert.Equal(t, byte(1), client.cfg.UnitID)
	assert.Equal(t, "127.0.0.1:8899", client.Address())
	assert.Equal(t, protocol.ModeRTU, client.Mode())
}
