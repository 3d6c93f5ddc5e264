package registers

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func def(name string, rule int, regs ...uint16) Definition {
	return Definition{Name: name, Rule: rule, Registers: regs}
}

func TestBuildReadRequests(t *testing.T) {
	tests := []struct {
		name     string
		defs     []Definition
		maxBatch int
		expected []ReadRequest
	}{
		{
			name:     "empty",
			defs:     nil,
			maxBatch: 100,
			expected: nil,
		},
		{
			name:     "single register",
			defs:     []Definition{def("a", 1, 59)},
			maxBatch: 100,
			expected: []ReadRequest{{FunctionCode: 3, Start: 59, Count: 1}},
		},
		{
			name: "merged and deduplicated",
			defs: []Definition{
				def("serial", 5, 3, 4, 5, 6, 7),
				def("status", 1, 59),
				def("power", 3, 86, 87),
				def("again", 1, 59),
			},
			maxBatch: 100,
			expected: []ReadRequest{{FunctionCode: 3, Start: 3, Count: 85}},
		},
		{
			name: "split at batch limit",
			defs: []Definition{
				def("a", 1, 0),
				def("b", 1, 99),
				def("c", 1, 100),
				def("d", 1, 150),
			},
			maxBatch: 100,
			expected: []ReadRequest{
				{FunctionCode: 3, Start: 0, Count: 100},
				{FunctionCode: 3, Start: 100, Count: 51},
			},
		},
		{
			name: "grouped by function code",
			defs: []Definition{
				{Name: "in", Rule: 1, Registers: []uint16{10, 11}, FunctionCode: FunctionInput},
				def("hold", 1, 500),
				{Name: "in2", Rule: 1, Registers: []uint16{2}, FunctionCode: FunctionInput},
				def("hold2", 1, 40),
			},
			maxBatch: 100,
			expected: []ReadRequest{
				{FunctionCode: 3, Start: 40, Count: 1},
				{FunctionCode: 3, Start: 500, Count: 1},
				{FunctionCode: 4, Start: 2, Count: 10},
			},
		},
		{
			name:     "default batch",
			defs:     []Definition{def("a", 1, 0), def("b", 1, 100)},
			maxBatch: 0,
			expected: []ReadRequest{
				{FunctionCode: 3, Start: 0, Count: 1},
				{FunctionCode: 3, Start: 100, Count: 1},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BuildReadRequests(tt.defs, tt.maxBatch))
		})
	}
}

func TestBuildReadRequestsProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for iteration := 0; iteration < 200; iteration++ {
		maxBatch := 1 + rng.Intn(120)

		var defs []Definition
		want := map[uint8]map[uint16]bool{}
		for i := 0; i < 1+rng.Intn(40); i++ {
			fc := uint8(FunctionHolding + rng.Intn(2))
			n := 1 + rng.Intn(4)
			regs := make([]uint16, n)
			for j := range regs {
				regs[j] = uint16(rng.Intn(2000))
				if want[fc] == nil {
					want[fc] = map[uint16]bool{}
				}
				want[fc][regs[j]] = true
			}
			defs = append(defs, Definition{Name: "d", Rule: 1, Registers: regs, FunctionCode: fc})
		}

		requests := BuildReadRequests(defs, maxBatch)

		covered := map[uint8]map[uint16]int{}
		for i, req := range requests {
			require.LessOrEqual(t, int(req.Count), maxBatch)
			require.Greater(t, int(req.Count), 0)

			if i > 0 {
				prev := requests[i-1]
				if prev.FunctionCode == req.FunctionCode {
					require.Greater(t, req.Start, prev.End(), "ranges must be sorted and disjoint")
				} else {
					require.Greater(t, req.FunctionCode, prev.FunctionCode)
				}
			}

			if covered[req.FunctionCode] == nil {
				covered[req.FunctionCode] = map[uint16]int{}
			}
			for addr := int(req.Start); addr <= int(req.End()); addr++ {
				covered[req.FunctionCode][uint16(addr)]++
			}
		}

		for fc, addrs := range want {
			for addr := range addrs {
				assert.Equal(t, 1, covered[fc][addr], "fc %d addr %d", fc, addr)
			}
		}
	}
}

func TestRegisterMapFill(t *testing.T) {
	m := RegisterMap{}
	m.Fill(ReadRequest{FunctionCode: 3, Start: 10, Count: 3}, []uint16{1, 2, 3})

	assert.Equal(t, RegisterMap{10: 1, 11: 2, 12: 3}, m)
}

func TestDefinitionDefaults(t *testing.T) {
	d := Definition{Rule: 1}
	assert.Equal(t, uint8(FunctionHolding), d.Function())
	assert.Equal(t, 1.0, d.Factor())
	assert.True(t, d.Numeric())

	d.Lookup = map[uint64]string{0: "Off"}
	assert.False(t, d.Numeric())

	d = Definition{Rule: 5, Scale: 0.1, FunctionCode: FunctionInput}
	assert.Equal(t, uint8(FunctionInput), d.Function())
	assert.Equal(t, 0.1, d.Factor())
	assert.False(t, d.Numeric())
}
