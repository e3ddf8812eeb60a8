// Package governor provides the table-driven control laws used to pick charge
// limits from a scalar input such as temperature, voltage or state of charge.
package governor

import (
	"errors"
	"fmt"
)

// MaxRangeEntries is the largest table accepted at load.
const MaxRangeEntries = 16

var (
	ErrEmptyTable = errors.New("range table is empty")
	ErrTooLarge   = errors.New("range table has too many entries")
	ErrInverted   = errors.New("range entry low is above high")
	ErrOverlap    = errors.New("range entries overlap or are unsorted")
)

// Range maps the inclusive input interval [Low, High] to Value.
type Range struct {
	Low   int `yaml:"low"`
	High  int `yaml:"high"`
	Value int `yaml:"value"`
}

func (r Range) isSentinel() bool {
	return r.Low == 0 && r.High == 0 && r.Value == 0
}

func (r Range) contains(v int) bool {
	return v >= r.Low && v <= r.High
}

// RangeTable is a sorted, non-overlapping list of ranges.
type RangeTable []Range

// NewRangeTable trims entries at the first all-zero sentinel and validates the
// rest.
func NewRangeTable(entries []Range) (RangeTable, error) {
	if len(entries) > MaxRangeEntries {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(entries), MaxRangeEntries)
	}
	n := len(entries)
	for i, e := range entries {
		if e.isSentinel() {
			n = i
			break
		}
	}
	t := make(RangeTable, n)
	copy(t, entries[:n])
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks low <= high for every entry and high[i] <= low[i+1].
func (t RangeTable) Validate() error {
	if len(t) == 0 {
		return ErrEmptyTable
	}
	if len(t) > MaxRangeEntries {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(t), MaxRangeEntries)
	}
	for i, e := range t {
		if e.Low > e.High {
			return fmt.Errorf("%w: entry %d (%d > %d)", ErrInverted, i, e.Low, e.High)
		}
		if i > 0 && t[i-1].High > e.Low {
			return fmt.Errorf("%w: entry %d high %d > entry %d low %d", ErrOverlap, i-1, t[i-1].High, i, e.Low)
		}
	}
	return nil
}

// MinValue returns the smallest value in the table.
func (t RangeTable) MinValue() int {
	if len(t) == 0 {
		return 0
	}
	m := t[0].Value
	for _, e := range t[1:] {
		m = min(m, e.Value)
	}
	return m
}

// match returns the index of the entry covering v without hysteresis.
// Inputs below the table clamp to the first entry, inputs above it to the last,
// and inputs falling into a gap resolve to the entry below the gap.
func (t RangeTable) match(v int) int {
	if v < t[0].Low {
		return 0
	}
	below := 0
	for i, e := range t {
		if e.contains(v) {
			return i
		}
		if e.Low <= v {
			below = i
		}
	}
	return below
}

// RangeEvaluator resolves inputs against a RangeTable, damping index changes
// near entry boundaries.
//
// Moving up one entry requires the input to reach low+hysteresis of the new
// entry; moving down one entry requires it to fall to high-hysteresis of the new
// entry or below. Jumps of more than one entry are taken immediately.
type RangeEvaluator struct {
	Index int // Last resolved index, -1 before the first resolve

	table      RangeTable
	hysteresis int
}

// NewRangeEvaluator creates an evaluator over a validated table.
func NewRangeEvaluator(table RangeTable, hysteresis int) *RangeEvaluator {
	return &RangeEvaluator{
		Index:      -1,
		table:      table,
		hysteresis: hysteresis,
	}
}

// Table returns the evaluated table.
func (e *RangeEvaluator) Table() RangeTable { return e.table }

// Resolve returns the new index and its value. ok is false only for an empty
// table, in which case the state is left untouched.
func (e *RangeEvaluator) Resolve(input int) (index, value int, ok bool) {
	if len(e.table) == 0 {
		return -1, 0, false
	}

	index = e.table.match(input)

	switch prev := e.Index; {
	case prev < 0 || prev >= len(e.table):
		// No hysteresis on the first resolve.
	case index == prev+1:
		if input < e.table[index].Low+e.hysteresis {
			index = prev
		}
	case index == prev-1:
		if input > e.table[index].High-e.hysteresis {
			index = prev
		}
	}

	e.Index = index
	return index, e.table[index].Value, true
}

// Reset forgets the last resolved index.
func (e *RangeEvaluator) Reset() {
	e.Index = -1
}
