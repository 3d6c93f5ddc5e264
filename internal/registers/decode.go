package registers

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/resident-x/go-solarman/internal/domain"
)

// Numeric results are rounded to this many decimals to hide float noise from scaling.
const decimals = 6

// Decode converts the raw words of def into a value. It reports false when a
// required register is missing or the rule is unknown.
func Decode(def *Definition, values RegisterMap) (interface{}, bool) {
	words, ok := collect(def.Registers, values)
	if !ok {
		return nil, false
	}

	switch def.Rule {
	case 1, 3:
		raw := accumulate(words)
		if len(def.Lookup) > 0 {
			if label, found := def.Lookup[raw]; found {
				return label, true
			}
			return fmt.Sprintf("Unknown(%d)", raw), true
		}
		return scale(float64(raw), def), true
	case 2, 4:
		return scale(float64(signExtend(accumulate(words), len(words))), def), true
	case 5:
		return decodeASCII(words), true
	case 6:
		return decodeBits(words), true
	case 7:
		return decodeVersion(words), true
	default:
		return nil, false
	}
}

// DecodeAll decodes every definition that can be decoded from values.
func DecodeAll(defs []Definition, values RegisterMap) domain.Snapshot {
	snapshot := make(domain.Snapshot, len(defs))
	for i := range defs {
		if v, ok := Decode(&defs[i], values); ok {
			snapshot[defs[i].Name] = v
		}
	}
	return snapshot
}

func collect(addresses []uint16, values RegisterMap) ([]uint16, bool) {
	if len(addresses) == 0 {
		return nil, false
	}

	words := make([]uint16, len(addresses))
	for i, addr := range addresses {
		v, ok := values[addr]
		if !ok {
			return nil, false
		}
		words[i] = v
	}
	return words, true
}

// accumulate assembles words low register first.
func accumulate(words []uint16) uint64 {
	var raw uint64
	for i, w := range words {
		raw |= uint64(w) << (16 * uint(i))
	}
	return raw
}

func signExtend(raw uint64, n int) int64 {
	bits := uint(16 * n)
	if bits >= 64 {
		return int64(raw)
	}
	if raw >= 1<<(bits-1) {
		return int64(raw) - int64(1)<<bits
	}
	return int64(raw)
}

func scale(raw float64, def *Definition) float64 {
	v := (raw - def.Offset) * def.Factor()
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}

func decodeASCII(words []uint16) string {
	var sb strings.Builder
	for _, w := range words {
		if hi := byte(w >> 8); hi != 0 {
			sb.WriteByte(hi)
		}
		if lo := byte(w); lo != 0 {
			sb.WriteByte(lo)
		}
	}
	return strings.TrimSpace(sb.String())
}

func decodeBits(words []uint16) string {
	tokens := make([]string, len(words))
	for i, w := range words {
		tokens[i] = fmt.Sprintf("%04x", w)
	}
	return strings.Join(tokens, ",")
}

func decodeVersion(words []uint16) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = strings.Join([]string{
			strconv.Itoa(int(w >> 12 & 0xF)),
			strconv.Itoa(int(w >> 8 & 0xF)),
			strconv.Itoa(int(w >> 4 & 0xF)),
			strconv.Itoa(int(w & 0xF)),
		}, ".")
	}
	return strings.Join(parts, "-")
}
