package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/resident-x/go-solarman/internal/clock"
)

// DefaultTimeout is the production response wait.
const DefaultTimeout = 10 * time.Second

// Transporter performs one request/response exchange per Send over a fresh
// TCP connection. It implements modbus.Transporter.
type Transporter struct {
	ctx     context.Context
	address string
	codec   *Codec
	timeout time.Duration
	clock   clock.Clock
	logger  zerolog.Logger
}

var _ modbus.Transporter = (*Transporter)(nil)

// NewTransporter creates a transporter bound to ctx for the duration of the
// exchanges it performs.
func NewTransporter(ctx context.Context, address string, codec *Codec, timeout time.Duration, clk clock.Clock, logger zerolog.Logger) *Transporter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Transporter{
		ctx:     ctx,
		address: address,
		codec:   codec,
		timeout: timeout,
		clock:   clk,
		logger:  logger,
	}
}

// Send wraps aduRequest in a frame, writes it and returns the response ADU.
// The connection is closed on return, on timeout and on context cancellation.
func (t *Transporter) Send(aduRequest []byte) ([]byte, error) {
	if err := t.ctx.Err(); err != nil {
		return nil, &ConnectionError{Op: "dial", Address: t.address, Err: err}
	}

	dialer := net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(t.ctx, "tcp", t.address)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Address: t.address, Err: err}
	}

	var closeOnce sync.Once
	closeConn := func() {
		closeOnce.Do(func() { _ = conn.Close() })
	}
	defer closeConn()

	var timedOut atomic.Bool
	timer := t.clock.AfterFunc(t.timeout, func() {
		timedOut.Store(true)
		closeConn()
	})
	defer timer.Stop()

	stop := context.AfterFunc(t.ctx, closeConn)
	defer stop()

	request := t.codec.EncodeRequest(aduRequest)
	t.logger.Debug().
		Str("address", t.address).
		Str("frame", FormatHex(request)).
		Msg("Sending request frame")

	if _, err := conn.Write(request); err != nil {
		return nil, t.ioError("write", err, &timedOut)
	}

	response, err := t.readFrame(conn)
	if err != nil {
		var frameErr *FrameFormatError
		if errors.As(err, &frameErr) {
			return nil, err
		}
		return nil, t.ioError("read", err, &timedOut)
	}

	t.logger.Debug().
		Str("address", t.address).
		Str("frame", FormatHex(response)).
		Msg("Received response frame")

	return t.codec.DecodeResponse(response)
}

// readFrame reads exactly one frame: the fixed header, then the declared
// payload and trailer.
func (t *Transporter) readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	if header[0] != StartMarker {
		return nil, frameErrorf("invalid start marker 0x%02X", header[0])
	}

	payloadLen := PayloadLength(header)
	if payloadLen > MaxPayloadSize {
		return nil, frameErrorf("payload length %d exceeds limit %d", payloadLen, MaxPayloadSize)
	}

	frame := make([]byte, HeaderSize+payloadLen+TrailerSize)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}

	return frame, nil
}

func (t *Transporter) ioError(op string, err error, timedOut *atomic.Bool) error {
	switch {
	case timedOut.Load():
		err = ErrTimeout
	case t.ctx.Err() != nil:
		err = t.ctx.Err()
	}
	return &ConnectionError{Op: op, Address: t.address, Err: err}
}
