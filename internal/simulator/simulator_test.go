package simulator

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-solarman/internal/protocol"
	"github.com/resident-x/go-solarman/internal/session"
)

func request(serial uint32, adu []byte) []byte {
	return protocol.NewCodec(serial).EncodeRequest(adu)
}

func TestHandleRead(t *testing.T) {
	sim := New(100)
	sim.SetHolding(59, 2, 17)
	sim.SetInput(10, 0xABCD)

	tests := []struct {
		name     string
		shape    ResponseShape
		adu      []byte
		mode     protocol.Mode
		expected []byte
	}{
		{
			name:     "mirror rtu",
			adu:      protocol.BuildRTU(1, protocol.FuncReadHoldingRegisters, 59, 2),
			mode:     protocol.ModeRTU,
			expected: []byte{4, 0x00, 0x02, 0x00, 0x11},
		},
		{
			name:     "mirror tcp",
			adu:      protocol.BuildTCP(3, 1, protocol.FuncReadInputRegisters, 10, 1),
			mode:     protocol.ModeTCP,
			expected: []byte{2, 0xAB, 0xCD},
		},
		{
			name:     "forced tcp",
			shape:    ShapeTCP,
			adu:      protocol.BuildRTU(1, protocol.FuncReadHoldingRegisters, 59, 1),
			mode:     protocol.ModeTCP,
			expected: []byte{2, 0x00, 0x02},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim.SetShape(tt.shape)

			response, err := sim.Handle(request(100, tt.adu))
			require.NoError(t, err)

			adu, err := protocol.NewCodec(100).DecodeResponse(response)
			require.NoError(t, err)
			assert.Equal(t, tt.mode, protocol.DetectShape(adu))

			pdu, err := protocol.ParseResponse(adu, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, pdu.Data)
		})
	}
}

func TestHandleExceptions(t *testing.T) {
	sim := New(100)
	sim.SetHolding(0, 1)

	response, err := sim.Handle(request(100, protocol.BuildRTU(1, protocol.FuncReadHoldingRegisters, 0, 2)))
	require.NoError(t, err)
	adu, err := protocol.NewCodec(100).DecodeResponse(response)
	require.NoError(t, err)

	_, err = protocol.ParseResponse(adu, protocol.ModeRTU)
	var exc *protocol.ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, byte(protocol.ExceptionIllegalAddress), exc.Code)

	sim.SetException(protocol.ExceptionServerBusy)
	response, err = sim.Handle(request(100, protocol.BuildRTU(1, protocol.FuncReadHoldingRegisters, 0, 1)))
	require.NoError(t, err)
	adu, err = protocol.NewCodec(100).DecodeResponse(response)
	require.NoError(t, err)

	_, err = protocol.ParseResponse(adu, protocol.ModeRTU)
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, byte(protocol.ExceptionServerBusy), exc.Code)
}

func TestHandleWrite(t *testing.T) {
	sim := New(7)

	response, err := sim.Handle(request(7, protocol.BuildRTU(1, protocol.FuncWriteSingleRegister, 40, 0x0064)))
	require.NoError(t, err)
	require.NotNil(t, response)

	value, ok := sim.Holding(40)
	assert.True(t, ok)
	assert.Equal(t, uint16(0x0064), value)
}

func TestHandleRejects(t *testing.T) {
	sim := New(7)

	_, err := sim.Handle(request(8, protocol.BuildRTU(1, protocol.FuncReadHoldingRegisters, 0, 1)))
	assert.Error(t, err, "wrong serial")

	_, err = sim.Handle([]byte{0x00, 0x01})
	assert.Error(t, err, "garbage")

	sim.SetSilent(true)
	response, err := sim.Handle(request(7, protocol.BuildRTU(1, protocol.FuncReadHoldingRegisters, 0, 1)))
	assert.NoError(t, err)
	assert.Nil(t, response)

	assert.Equal(t, 1, sim.Requests())
}

func TestSetASCII(t *testing.T) {
	sim := New(1)
	sim.SetASCII(3, "ABC")

	first, _ := sim.Holding(3)
	second, _ := sim.Holding(4)
	assert.Equal(t, uint16(0x4142), first)
	assert.Equal(t, uint16(0x4300), second)
}

func TestTrailingZeros(t *testing.T) {
	sim := New(1)
	sim.SetHolding(0, 5)
	sim.SetTrailingZeros(true)

	response, err := sim.Handle(request(1, protocol.BuildRTU(1, protocol.FuncReadHoldingRegisters, 0, 1)))
	require.NoError(t, err)

	frame, err := protocol.DecodeFrame(response, protocol.ResponsePrefixSize)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, frame.ADU[len(frame.ADU)-2:])

	adu, err := protocol.NewCodec(1).DecodeResponse(response)
	require.NoError(t, err)
	_, err = protocol.ParseResponse(adu, protocol.ModeRTU)
	assert.NoError(t, err)
}

func TestSessionsOverTCP(t *testing.T) {
	sim := New(100)
	sim.SetHolding(59, 2)
	sim.SetIdleTimeout(100 * time.Millisecond)
	require.NoError(t, sim.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = sim.Close() })

	conn, err := net.Dial("tcp", sim.Addr())
	require.NoError(t, err)
	defer conn.Close()

	frame := request(100, protocol.BuildRTU(1, protocol.FuncReadHoldingRegisters, 59, 1))
	_, err = conn.Write(frame)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	header := make([]byte, protocol.HeaderSize)
	_, err = io.ReadFull(conn, header)
	require.NoError(t, err)

	var sessions []session.Stats
	assert.Eventually(t, func() bool {
		sessions = sim.Sessions()
		return len(sessions) == 1 && sessions[0].FramesSent == 1
	}, time.Second, 5*time.Millisecond)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(1), sessions[0].FramesReceived)
	assert.Equal(t, int64(len(frame)), sessions[0].BytesReceived)

	// The idle client is dropped like a real logger would.
	assert.Eventually(t, func() bool { return len(sim.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
}
