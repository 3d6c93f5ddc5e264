// Package registers turns register catalogs into planned range reads and
// decodes the raw words those reads return.
package registers

import (
	"sort"
)

// DefaultMaxBatch is the largest register count requested in one read.
const DefaultMaxBatch = 100

// Function codes a definition may be read with.
const (
	FunctionHolding = 3
	FunctionInput   = 4
)

// OutputBinding describes how a decoded value is exposed to consumers.
type OutputBinding struct {
	Name        string `yaml:"name" json:"name"`
	Unit        string `yaml:"unit" json:"unit,omitempty"`
	DeviceClass string `yaml:"device_class" json:"device_class,omitempty"`
	StateClass  string `yaml:"state_class" json:"state_class,omitempty"`
	Icon        string `yaml:"icon" json:"icon,omitempty"`
}

// Definition describes one value assembled from device registers.
type Definition struct {
	Name         string            `yaml:"name"`
	Rule         int               `yaml:"rule"`
	Registers    []uint16          `yaml:"registers"` // low word first
	Scale        float64           `yaml:"scale"`
	Offset       float64           `yaml:"offset"`
	FunctionCode uint8             `yaml:"function_code"`
	Lookup       map[uint64]string `yaml:"lookup"`
	Cumulative   bool              `yaml:"cumulative"`
	Output       *OutputBinding    `yaml:"output"`
}

// Function returns the function code the definition is read with.
func (d *Definition) Function() uint8 {
	if d.FunctionCode == 0 {
		return FunctionHolding
	}
	return d.FunctionCode
}

// Factor returns the scale applied to numeric values. An unset scale is 1;
// catalogs cannot set it to zero.
func (d *Definition) Factor() float64 {
	if d.Scale == 0 {
		return 1
	}
	return d.Scale
}

// Numeric reports whether the definition decodes to a number.
func (d *Definition) Numeric() bool {
	switch d.Rule {
	case 1, 3:
		return len(d.Lookup) == 0
	case 2, 4:
		return true
	default:
		return false
	}
}

// ReadRequest is one contiguous range read.
type ReadRequest struct {
	FunctionCode uint8
	Start        uint16
	Count        uint16
}

// End returns the last address covered by the request.
func (r ReadRequest) End() uint16 {
	return r.Start + r.Count - 1
}

// RegisterMap holds raw register values by address for one poll cycle.
type RegisterMap map[uint16]uint16

// Fill stores values read by req starting at req.Start.
func (m RegisterMap) Fill(req ReadRequest, values []uint16) {
	for i, v := range values {
		m[req.Start+uint16(i)] = v
	}
}

// BuildReadRequests groups the addresses of defs by function code and merges
// each sorted group greedily into ranges spanning at most maxBatch registers.
// Requests are ordered by function code, then by start address.
func BuildReadRequests(defs []Definition, maxBatch int) []ReadRequest {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}

	groups := make(map[uint8]map[uint16]struct{})
	for i := range defs {
		fc := defs[i].Function()
		if groups[fc] == nil {
			groups[fc] = make(map[uint16]struct{})
		}
		for _, addr := range defs[i].Registers {
			groups[fc][addr] = struct{}{}
		}
	}

	functions := make([]int, 0, len(groups))
	for fc := range groups {
		functions = append(functions, int(fc))
	}
	sort.Ints(functions)

	var requests []ReadRequest
	for _, fc := range functions {
		addresses := make([]int, 0, len(groups[uint8(fc)]))
		for addr := range groups[uint8(fc)] {
			addresses = append(addresses, int(addr))
		}
		sort.Ints(addresses)

		requests = append(requests, mergeRanges(uint8(fc), addresses, maxBatch)...)
	}

	return requests
}

func mergeRanges(fc uint8, addresses []int, maxBatch int) []ReadRequest {
	if len(addresses) == 0 {
		return nil
	}

	var requests []ReadRequest
	start, end := addresses[0], addresses[0]

	for _, addr := range addresses[1:] {
		if addr-start < maxBatch {
			end = addr
			continue
		}
		requests = append(requests, ReadRequest{FunctionCode: fc, Start: uint16(start), Count: uint16(end - start + 1)})
		start, end = addr, addr
	}

	return append(requests, ReadRequest{FunctionCode: fc, Start: uint16(start), Count: uint16(end - start + 1)})
}
