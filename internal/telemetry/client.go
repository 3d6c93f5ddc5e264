// Package telemetry runs poll cycles against one logger: it plans register
// reads, performs them sequentially over the framed transport and decodes the
// results into a snapshot.
package telemetry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-solarman/internal/clock"
	"github.com/resident-x/go-solarman/internal/domain"
	"github.com/resident-x/go-solarman/internal/protocol"
	"github.com/resident-x/go-solarman/internal/registers"
)

// PairingTimeout is the response wait used for identity checks while pairing.
const PairingTimeout = 3 * time.Second

// Config holds the connection settings of one logger.
type Config struct {
	Address      string
	LoggerSerial uint32
	UnitID       byte
	Mode         protocol.Mode
	Timeout      time.Duration
	MaxBatch     int
}

// Client reads and writes registers of one device. Exchanges are sequential.
type Client struct {
	cfg     Config
	codec   *protocol.Codec
	handler *protocol.Handler
	clock   clock.Clock
	logger  zerolog.Logger
	mu      sync.Mutex
}

// New creates a client. A nil clock uses wall time.
func New(cfg Config, clk clock.Clock) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = protocol.DefaultTimeout
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = registers.DefaultMaxBatch
	}
	if cfg.UnitID == 0 {
		cfg.UnitID = 1
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Client{
		cfg:     cfg,
		codec:   protocol.NewCodec(cfg.LoggerSerial),
		handler: protocol.NewHandler(cfg.UnitID, cfg.Mode),
		clock:   clk,
		logger: log.With().
			Str("component", "telemetry").
			Str("address", cfg.Address).
			Logger(),
	}
}

// Mode returns the transport mode currently assumed for the device.
func (c *Client) Mode() protocol.Mode {
	return c.handler.Mode()
}

// Address returns the logger address.
func (c *Client) Address() string {
	return c.cfg.Address
}

// ReadAll reads every register the definitions need and decodes them. Any
// failing request aborts the cycle without a partial snapshot.
func (c *Client) ReadAll(ctx context.Context, defs []registers.Definition) (domain.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	requests := registers.BuildReadRequests(defs, c.cfg.MaxBatch)
	values := make(registers.RegisterMap)

	for _, req := range requests {
		words, err := c.readRange(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to read %d registers at %d (function %d): %w", req.Count, req.Start, req.FunctionCode, err)
		}
		values.Fill(req, words)
	}

	snapshot := registers.DecodeAll(defs, values)

	c.logger.Debug().
		Int("requests", len(requests)).
		Int("registers", len(values)).
		Int("values", len(snapshot)).
		Msg("Poll cycle complete")

	return snapshot, nil
}

// ReadIdentity reads an ASCII identity definition and returns its text.
func (c *Client) ReadIdentity(ctx context.Context, def *registers.Definition) (string, error) {
	if def == nil {
		return "", fmt.Errorf("no identity definition")
	}

	snapshot, err := c.ReadAll(ctx, []registers.Definition{*def})
	if err != nil {
		return "", err
	}

	identity, _ := snapshot[def.Name].(string)
	if strings.TrimSpace(identity) == "" {
		return "", fmt.Errorf("device returned an empty %s", def.Name)
	}

	return identity, nil
}

// WriteRegister writes a single holding register.
func (c *Client) WriteRegister(ctx context.Context, address, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.exchange(ctx, func(mb modbus.Client) error {
		_, err := mb.WriteSingleRegister(address, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write register %d: %w", address, err)
	}

	c.logger.Info().Uint16("register", address).Uint16("value", value).Msg("Register written")
	return nil
}

func (c *Client) readRange(ctx context.Context, req registers.ReadRequest) ([]uint16, error) {
	var data []byte
	err := c.exchange(ctx, func(mb modbus.Client) error {
		var err error
		switch req.FunctionCode {
		case registers.FunctionInput:
			data, err = mb.ReadInputRegisters(req.Start, req.Count)
		default:
			data, err = mb.ReadHoldingRegisters(req.Start, req.Count)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(data) != 2*int(req.Count) {
		return nil, &protocol.FrameFormatError{Reason: fmt.Sprintf("expected %d register bytes, got %d", 2*int(req.Count), len(data))}
	}

	words := make([]uint16, req.Count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return words, nil
}

// exchange runs op once, and once more under the opposite transport mode if
// the response was shaped for the other mode. The switch persists.
func (c *Client) exchange(ctx context.Context, op func(modbus.Client) error) error {
	err := op(c.modbusClient(ctx))

	var mismatch *protocol.TransportMismatchError
	if !errors.As(err, &mismatch) {
		return classify(err)
	}

	next := c.handler.Mode().Flip()
	c.logger.Info().
		Str("from", c.handler.Mode().String()).
		Str("to", next.String()).
		Msg("Switching transport mode")
	c.handler.SetMode(next)

	err = op(c.modbusClient(ctx))
	if errors.As(err, &mismatch) {
		return &protocol.FrameFormatError{Reason: "transport mismatch persisted after mode switch", Err: err}
	}
	return classify(err)
}

func (c *Client) modbusClient(ctx context.Context) modbus.Client {
	transporter := protocol.NewTransporter(ctx, c.cfg.Address, c.codec, c.cfg.Timeout, c.clock, c.logger)
	return modbus.NewClient2(c.handler, transporter)
}

// classify maps validation errors raised by the modbus client onto the
// transport error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var (
		connErr  *protocol.ConnectionError
		frameErr *protocol.FrameFormatError
		excErr   *protocol.ExceptionError
		mbErr    *modbus.ModbusError
	)

	switch {
	case errors.As(err, &connErr), errors.As(err, &frameErr), errors.As(err, &excErr):
		return err
	case errors.As(err, &mbErr):
		return &protocol.FrameFormatError{Reason: fmt.Sprintf("unexpected function code 0x%02X", mbErr.FunctionCode), Err: err}
	default:
		return &protocol.FrameFormatError{Reason: "invalid response", Err: err}
	}
}
