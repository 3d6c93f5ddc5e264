package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/goburrow/modbus"
	"github.com/sigurn/crc16"
)

// Modbus function codes used over the logger.
const (
	FuncReadHoldingRegisters = 0x03
	FuncReadInputRegisters   = 0x04
	FuncWriteSingleRegister  = 0x06

	exceptionBit = 0x80
)

const (
	mbapHeaderSize = 7
	minTCPResponse = mbapHeaderSize + 2 // header, function, one data byte
	minRTUResponse = 5                  // unit, function, one data byte, crc
)

// Mode identifies the Modbus ADU shape spoken inside the frame.
type Mode int

// Transport modes.
const (
	ModeRTU Mode = iota
	ModeTCP
)

func (m Mode) String() string {
	if m == ModeTCP {
		return "tcp"
	}
	return "rtu"
}

// Flip returns the opposite transport mode.
func (m Mode) Flip() Mode {
	if m == ModeTCP {
		return ModeRTU
	}
	return ModeTCP
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rtu":
		return ModeRTU, nil
	case "tcp":
		return ModeTCP, nil
	default:
		return ModeRTU, fmt.Errorf("unknown transport mode %q", s)
	}
}

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// CRC16 computes the Modbus RTU checksum of data.
func CRC16(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

func appendCRC(adu []byte) []byte {
	return binary.LittleEndian.AppendUint16(adu, CRC16(adu))
}

func rtuCRCValid(adu []byte) bool {
	if len(adu) < 4 {
		return false
	}
	n := len(adu) - 2
	return binary.LittleEndian.Uint16(adu[n:]) == CRC16(adu[:n])
}

func rtuADU(unit, function byte, data []byte) []byte {
	adu := make([]byte, 0, 2+len(data)+2)
	adu = append(adu, unit, function)
	adu = append(adu, data...)
	return appendCRC(adu)
}

func tcpADU(tid uint16, unit, function byte, data []byte) []byte {
	adu := make([]byte, 0, mbapHeaderSize+1+len(data))
	adu = binary.BigEndian.AppendUint16(adu, tid)
	adu = binary.BigEndian.AppendUint16(adu, 0)
	adu = binary.BigEndian.AppendUint16(adu, uint16(2+len(data)))
	adu = append(adu, unit, function)
	return append(adu, data...)
}

func addressBlock(address, value uint16) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], value)
	return data
}

// BuildRTU builds a Modbus RTU request ADU.
func BuildRTU(unit, function byte, address, value uint16) []byte {
	return rtuADU(unit, function, addressBlock(address, value))
}

// BuildTCP builds a Modbus TCP request ADU with an MBAP header.
func BuildTCP(tid uint16, unit, function byte, address, value uint16) []byte {
	return tcpADU(tid, unit, function, addressBlock(address, value))
}

func tcpShaped(adu []byte) bool {
	if len(adu) < minTCPResponse {
		return false
	}
	protocolID := binary.BigEndian.Uint16(adu[2:4])
	length := int(binary.BigEndian.Uint16(adu[4:6]))
	return protocolID == 0 && length == len(adu)-6
}

func consistentADU(adu []byte) bool {
	return tcpShaped(adu) || rtuCRCValid(adu)
}

// DetectShape reports the transport mode a response ADU is framed in.
// Anything not plausibly MBAP-framed is treated as RTU.
func DetectShape(adu []byte) Mode {
	if tcpShaped(adu) {
		return ModeTCP
	}
	return ModeRTU
}

func checkShape(adu []byte, mode Mode) error {
	if detected := DetectShape(adu); detected != mode {
		return &TransportMismatchError{Assumed: mode, Detected: detected}
	}

	if mode == ModeRTU {
		if len(adu) < minRTUResponse {
			return frameErrorf("rtu response too short: %d bytes", len(adu))
		}
		if !rtuCRCValid(adu) {
			return frameErrorf("rtu crc mismatch")
		}
	}

	return nil
}

func extractPDU(adu []byte, mode Mode) (*modbus.ProtocolDataUnit, error) {
	var function byte
	var data []byte

	switch mode {
	case ModeTCP:
		if len(adu) < minTCPResponse {
			return nil, frameErrorf("tcp response too short: %d bytes", len(adu))
		}
		function = adu[mbapHeaderSize]
		data = adu[mbapHeaderSize+1:]
	default:
		if len(adu) < minRTUResponse {
			return nil, frameErrorf("rtu response too short: %d bytes", len(adu))
		}
		function = adu[1]
		data = adu[2 : len(adu)-2]
	}

	if function&exceptionBit != 0 {
		return nil, &ExceptionError{FunctionCode: function &^ exceptionBit, Code: data[0]}
	}

	return &modbus.ProtocolDataUnit{FunctionCode: function, Data: append([]byte(nil), data...)}, nil
}

// ParseResponse validates a response ADU against the assumed mode and returns
// its protocol data unit.
func ParseResponse(adu []byte, mode Mode) (*modbus.ProtocolDataUnit, error) {
	if err := checkShape(adu, mode); err != nil {
		return nil, err
	}
	return extractPDU(adu, mode)
}

// Handler packages protocol data units as RTU or TCP ADUs. It implements
// modbus.Packager and holds the persistent transport mode of a client.
type Handler struct {
	unitID byte
	mode   atomic.Int32
	tid    atomic.Uint32
}

var _ modbus.Packager = (*Handler)(nil)

// NewHandler creates a handler for the given unit id and initial mode.
func NewHandler(unitID byte, mode Mode) *Handler {
	h := &Handler{unitID: unitID}
	h.mode.Store(int32(mode))
	return h
}

// Mode returns the current transport mode.
func (h *Handler) Mode() Mode {
	return Mode(h.mode.Load())
}

// SetMode replaces the transport mode used for subsequent requests.
func (h *Handler) SetMode(mode Mode) {
	h.mode.Store(int32(mode))
}

// Encode builds a request ADU for pdu in the current mode.
func (h *Handler) Encode(pdu *modbus.ProtocolDataUnit) ([]byte, error) {
	if pdu == nil {
		return nil, fmt.Errorf("nil protocol data unit")
	}

	if h.Mode() == ModeTCP {
		return tcpADU(uint16(h.tid.Add(1)), h.unitID, pdu.FunctionCode, pdu.Data), nil
	}
	return rtuADU(h.unitID, pdu.FunctionCode, pdu.Data), nil
}

// Verify checks the response shape against the mode of the request.
func (h *Handler) Verify(aduRequest, aduResponse []byte) error {
	return checkShape(aduResponse, h.Mode())
}

// Decode extracts the protocol data unit from a verified response ADU.
func (h *Handler) Decode(adu []byte) (*modbus.ProtocolDataUnit, error) {
	return extractPDU(adu, h.Mode())
}

// Request is a request ADU as seen by a device.
type Request struct {
	Mode          Mode
	TransactionID uint16
	UnitID        byte
	FunctionCode  byte
	Address       uint16
	Value         uint16
}

// ParseRequest decodes a read or single-write request ADU in either shape.
func ParseRequest(adu []byte) (*Request, error) {
	switch {
	case len(adu) == mbapHeaderSize+5 && tcpShaped(adu):
		return &Request{
			Mode:          ModeTCP,
			TransactionID: binary.BigEndian.Uint16(adu[0:2]),
			UnitID:        adu[6],
			FunctionCode:  adu[7],
			Address:       binary.BigEndian.Uint16(adu[8:10]),
			Value:         binary.BigEndian.Uint16(adu[10:12]),
		}, nil
	case len(adu) == 8 && rtuCRCValid(adu):
		return &Request{
			Mode:         ModeRTU,
			UnitID:       adu[0],
			FunctionCode: adu[1],
			Address:      binary.BigEndian.Uint16(adu[2:4]),
			Value:        binary.BigEndian.Uint16(adu[4:6]),
		}, nil
	default:
		return nil, frameErrorf("unrecognised request adu of %d bytes", len(adu))
	}
}

// BuildResponse builds a response ADU in the given mode.
func BuildResponse(mode Mode, tid uint16, unit, function byte, data []byte) []byte {
	if mode == ModeTCP {
		return tcpADU(tid, unit, function, data)
	}
	return rtuADU(unit, function, data)
}

// BuildException builds an exception response ADU in the given mode.
func BuildException(mode Mode, tid uint16, unit, function, code byte) []byte {
	return BuildResponse(mode, tid, unit, function|exceptionBit, []byte{code})
}
