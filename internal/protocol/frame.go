// Package protocol provides the outer logger frame and the Modbus RTU/TCP
// application data units tunnelled inside it.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
)

// Frame markers and control codes.
const (
	StartMarker = 0xA5
	EndMarker   = 0x15

	ControlRequest  = 0x4510
	ControlResponse = 0x1510
)

// Frame layout sizes.
const (
	HeaderSize         = 11 // start, length, control, sequence, serial
	TrailerSize        = 2  // checksum, end
	RequestPrefixSize  = 15
	ResponsePrefixSize = 14

	// MaxPayloadSize bounds the declared payload length of a received frame.
	MaxPayloadSize = 1024
)

// FrameTypeInverter is the frame-type tag carried in the request prefix.
const FrameTypeInverter = 0x02

// Frame is a decoded outer frame.
type Frame struct {
	ControlCode uint16
	Sequence    uint16
	Serial      uint32
	Prefix      []byte
	ADU         []byte
}

// Checksum returns the low 8 bits of the sum of data.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// EncodeFrame serialises f. The payload length field covers prefix and ADU.
func EncodeFrame(f *Frame) []byte {
	payloadLen := len(f.Prefix) + len(f.ADU)
	buf := make([]byte, 0, HeaderSize+payloadLen+TrailerSize)

	buf = append(buf, StartMarker)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(payloadLen))
	buf = binary.LittleEndian.AppendUint16(buf, f.ControlCode)
	buf = binary.LittleEndian.AppendUint16(buf, f.Sequence)
	buf = binary.LittleEndian.AppendUint32(buf, f.Serial)
	buf = append(buf, f.Prefix...)
	buf = append(buf, f.ADU...)

	// Checksum covers everything after the start marker.
	buf = append(buf, Checksum(buf[1:]))
	buf = append(buf, EndMarker)

	return buf
}

// DecodeFrame validates data as a complete frame and splits its payload into
// a prefix of prefixLen bytes and the ADU that follows.
func DecodeFrame(data []byte, prefixLen int) (*Frame, error) {
	if len(data) < HeaderSize+TrailerSize {
		return nil, frameErrorf("frame too short: %d bytes", len(data))
	}

	if data[0] != StartMarker {
		return nil, frameErrorf("invalid start marker 0x%02X", data[0])
	}

	if data[len(data)-1] != EndMarker {
		return nil, frameErrorf("invalid end marker 0x%02X", data[len(data)-1])
	}

	payloadLen := int(binary.LittleEndian.Uint16(data[1:3]))
	if payloadLen > MaxPayloadSize {
		return nil, frameErrorf("payload length %d exceeds limit %d", payloadLen, MaxPayloadSize)
	}

	if HeaderSize+payloadLen+TrailerSize != len(data) {
		return nil, frameErrorf("payload length %d inconsistent with frame size %d", payloadLen, len(data))
	}

	if payloadLen < prefixLen {
		return nil, frameErrorf("payload length %d shorter than prefix %d", payloadLen, prefixLen)
	}

	sumAt := len(data) - 2
	if expected := Checksum(data[1:sumAt]); data[sumAt] != expected {
		return nil, frameErrorf("checksum mismatch: expected 0x%02X, got 0x%02X", expected, data[sumAt])
	}

	payload := data[HeaderSize:sumAt]

	return &Frame{
		ControlCode: binary.LittleEndian.Uint16(data[3:5]),
		Sequence:    binary.LittleEndian.Uint16(data[5:7]),
		Serial:      binary.LittleEndian.Uint32(data[7:11]),
		Prefix:      append([]byte(nil), payload[:prefixLen]...),
		ADU:         append([]byte(nil), payload[prefixLen:]...),
	}, nil
}

// PayloadLength returns the payload length declared in a frame header.
func PayloadLength(header []byte) int {
	if len(header) < 3 {
		return 0
	}
	return int(binary.LittleEndian.Uint16(header[1:3]))
}

// Codec wraps request ADUs for one logger and unwraps its responses.
type Codec struct {
	serial   uint32
	sequence atomic.Uint32
}

// NewCodec creates a codec addressing the logger with the given serial.
func NewCodec(serial uint32) *Codec {
	return &Codec{serial: serial}
}

// Serial returns the logger serial the codec addresses.
func (c *Codec) Serial() uint32 {
	return c.serial
}

// NextSequence returns the next frame sequence number, wrapping at 2^16.
func (c *Codec) NextSequence() uint16 {
	return uint16(c.sequence.Add(1))
}

// EncodeRequest wraps adu in a request frame with the next sequence number.
func (c *Codec) EncodeRequest(adu []byte) []byte {
	prefix := make([]byte, RequestPrefixSize)
	prefix[0] = FrameTypeInverter

	return EncodeFrame(&Frame{
		ControlCode: ControlRequest,
		Sequence:    c.NextSequence(),
		Serial:      c.serial,
		Prefix:      prefix,
		ADU:         adu,
	})
}

// DecodeResponse validates a response frame and returns the embedded ADU.
func (c *Codec) DecodeResponse(data []byte) ([]byte, error) {
	frame, err := DecodeFrame(data, ResponsePrefixSize)
	if err != nil {
		return nil, err
	}

	if frame.ControlCode != ControlResponse {
		return nil, frameErrorf("unexpected control code 0x%04X", frame.ControlCode)
	}

	return TrimTrailingZeros(frame.ADU), nil
}

// EncodeResponse wraps adu in a response frame echoing the request sequence.
func EncodeResponse(serial uint32, sequence uint16, adu []byte) []byte {
	prefix := make([]byte, ResponsePrefixSize)
	prefix[0] = FrameTypeInverter
	prefix[1] = 0x01

	return EncodeFrame(&Frame{
		ControlCode: ControlResponse,
		Sequence:    sequence,
		Serial:      serial,
		Prefix:      prefix,
		ADU:         adu,
	})
}

// DecodeRequest validates a request frame and returns it.
func DecodeRequest(data []byte) (*Frame, error) {
	frame, err := DecodeFrame(data, RequestPrefixSize)
	if err != nil {
		return nil, err
	}

	if frame.ControlCode != ControlRequest {
		return nil, frameErrorf("unexpected control code 0x%04X", frame.ControlCode)
	}

	return frame, nil
}

// TrimTrailingZeros removes a spurious trailing zero pair some loggers append
// after the ADU. The pair is only dropped when the ADU is not already
// self-consistent and becomes so without it.
func TrimTrailingZeros(adu []byte) []byte {
	n := len(adu)
	if n < 4 || adu[n-1] != 0 || adu[n-2] != 0 {
		return adu
	}

	if consistentADU(adu) {
		return adu
	}

	if trimmed := adu[:n-2]; consistentADU(trimmed) {
		return trimmed
	}

	return adu
}

// FormatHex returns a hex representation of data for logging.
func FormatHex(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return hex.EncodeToString(data)
}
