// Package simulator provides an in-process data logger that answers framed
// Modbus requests from a register table.
package simulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-solarman/internal/protocol"
	"github.com/resident-x/go-solarman/internal/session"
)

// ResponseShape selects how the simulator frames its response ADUs.
type ResponseShape int

// Response shapes.
const (
	// ShapeMirror answers in the shape of the request.
	ShapeMirror ResponseShape = iota
	ShapeRTU
	ShapeTCP
)

// Simulator is a fake logger bridging to a single Modbus device.
type Simulator struct {
	serial uint32

	mu            sync.Mutex
	holding       map[uint16]uint16
	input         map[uint16]uint16
	shape         ResponseShape
	exception     byte
	offline       bool
	silent        bool
	trailingZeros bool

	requests    atomic.Int64
	listener    net.Listener
	sessions    *session.Manager
	idleTimeout time.Duration
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// New creates a simulator that answers frames addressed to serial.
func New(serial uint32) *Simulator {
	return &Simulator{
		serial:  serial,
		holding: make(map[uint16]uint16),
		input:   make(map[uint16]uint16),
		logger:  log.With().Str("component", "simulator").Logger(),
	}
}

// Serial returns the logger serial the simulator answers to.
func (s *Simulator) Serial() uint32 {
	return s.serial
}

// SetHolding stores consecutive holding register values starting at address.
func (s *Simulator) SetHolding(address uint16, values ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range values {
		s.holding[address+uint16(i)] = v
	}
}

// SetInput stores consecutive input register values starting at address.
func (s *Simulator) SetInput(address uint16, values ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range values {
		s.input[address+uint16(i)] = v
	}
}

// SetASCII stores text in holding registers, two characters per register,
// padding the last register with a zero byte.
func (s *Simulator) SetASCII(address uint16, text string) {
	b := []byte(text)
	if len(b)%2 == 1 {
		b = append(b, 0)
	}
	values := make([]uint16, len(b)/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	s.SetHolding(address, values...)
}

// Holding returns a holding register value.
func (s *Simulator) Holding(address uint16) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.holding[address]
	return v, ok
}

// SetShape selects the response ADU shape.
func (s *Simulator) SetShape(shape ResponseShape) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shape = shape
}

// SetException makes every request fail with the given exception code. Zero clears it.
func (s *Simulator) SetException(code byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exception = code
}

// SetOffline makes the simulator drop connections without answering.
func (s *Simulator) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// SetSilent makes the simulator accept requests but never answer.
func (s *Simulator) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// SetTrailingZeros appends a zero pair after every response ADU.
func (s *Simulator) SetTrailingZeros(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trailingZeros = enabled
}

// SetIdleTimeout closes client connections silent for longer than d once
// the simulator is started. Zero keeps them open.
func (s *Simulator) SetIdleTimeout(d time.Duration) {
	s.idleTimeout = d
}

// Sessions returns statistics of the open client connections.
func (s *Simulator) Sessions() []session.Stats {
	if s.sessions == nil {
		return nil
	}
	return s.sessions.All()
}

// Requests returns the number of frames handled.
func (s *Simulator) Requests() int {
	return int(s.requests.Load())
}

// Handle answers one request frame. It returns nil when no answer is sent.
func (s *Simulator) Handle(frame []byte) ([]byte, error) {
	request, err := protocol.DecodeRequest(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to decode request frame: %w", err)
	}

	if request.Serial != s.serial {
		return nil, fmt.Errorf("frame for logger %d, simulator is %d", request.Serial, s.serial)
	}

	s.requests.Add(1)

	req, err := protocol.ParseRequest(request.ADU)
	if err != nil {
		return nil, fmt.Errorf("failed to parse request adu: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.silent {
		return nil, nil
	}

	mode := req.Mode
	switch s.shape {
	case ShapeRTU:
		mode = protocol.ModeRTU
	case ShapeTCP:
		mode = protocol.ModeTCP
	}

	adu := s.answer(req, mode)
	if s.trailingZeros {
		adu = append(adu, 0x00, 0x00)
	}

	return protocol.EncodeResponse(s.serial, request.Sequence, adu), nil
}

// answer builds the response ADU for req. Callers hold s.mu.
func (s *Simulator) answer(req *protocol.Request, mode protocol.Mode) []byte {
	if s.exception != 0 {
		return protocol.BuildException(mode, req.TransactionID, req.UnitID, req.FunctionCode, s.exception)
	}

	var table map[uint16]uint16
	switch req.FunctionCode {
	case protocol.FuncReadHoldingRegisters:
		table = s.holding
	case protocol.FuncReadInputRegisters:
		table = s.input
	case protocol.FuncWriteSingleRegister:
		s.holding[req.Address] = req.Value
		data := make([]byte, 4)
		binary.BigEndian.PutUint16(data[0:2], req.Address)
		binary.BigEndian.PutUint16(data[2:4], req.Value)
		return protocol.BuildResponse(mode, req.TransactionID, req.UnitID, req.FunctionCode, data)
	default:
		return protocol.BuildException(mode, req.TransactionID, req.UnitID, req.FunctionCode, protocol.ExceptionIllegalFunction)
	}

	count := int(req.Value)
	if count < 1 || count > 125 {
		return protocol.BuildException(mode, req.TransactionID, req.UnitID, req.FunctionCode, protocol.ExceptionIllegalValue)
	}

	data := make([]byte, 1, 1+2*count)
	data[0] = byte(2 * count)
	for i := 0; i < count; i++ {
		v, ok := table[req.Address+uint16(i)]
		if !ok {
			return protocol.BuildException(mode, req.TransactionID, req.UnitID, req.FunctionCode, protocol.ExceptionIllegalAddress)
		}
		data = binary.BigEndian.AppendUint16(data, v)
	}

	return protocol.BuildResponse(mode, req.TransactionID, req.UnitID, req.FunctionCode, data)
}

// Start listens on address and serves connections until Close.
func (s *Simulator) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = listener
	s.sessions = session.NewManager(s.idleTimeout)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("address", listener.Addr().String()).Uint32("serial", s.serial).Msg("Simulator listening")
	return nil
}

// Addr returns the listening address.
func (s *Simulator) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops listening and waits for the accept loop to exit.
func (s *Simulator) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.wg.Wait()
	s.sessions.Close()
	return err
}

func (s *Simulator) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error().Err(err).Msg("Accept failed")
			}
			return
		}

		go s.serve(conn)
	}
}

func (s *Simulator) serve(conn net.Conn) {
	sess := s.sessions.Create(conn)
	defer s.sessions.Remove(sess.ID)

	s.mu.Lock()
	offline := s.offline
	s.mu.Unlock()
	if offline {
		return
	}

	for {
		header := make([]byte, protocol.HeaderSize)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		frame := make([]byte, protocol.HeaderSize+protocol.PayloadLength(header)+protocol.TrailerSize)
		copy(frame, header)
		if _, err := io.ReadFull(conn, frame[protocol.HeaderSize:]); err != nil {
			return
		}
		sess.FrameReceived(len(frame))

		response, err := s.Handle(frame)
		if err != nil {
			sess.IncrementErrorCount()
			s.logger.Warn().Err(err).Str("session_id", sess.ID).Str("frame", protocol.FormatHex(frame)).Msg("Dropping request")
			return
		}

		if response == nil {
			continue
		}

		n, err := conn.Write(response)
		if err != nil {
			return
		}
		sess.FrameSent(n)
	}
}
