// Package ttf estimates the time left until the battery is full from a
// constant-current segment followed by a table-driven constant-voltage curve.
package ttf

import (
	"errors"
	"fmt"
)

const (
	// Unknown is reported whenever no estimate applies.
	Unknown = -1
	// MinSeconds is added to every estimate so a charging battery never shows
	// zero time remaining.
	MinSeconds = 60
	// FullSoC is 100% in the 0.1% units used throughout this package.
	FullSoC = 1000
)

var (
	ErrEmptyCurve = errors.New("cv curve is empty")
	ErrCurveOrder = errors.New("cv curve rows out of order")
)

// CVRow describes the constant-voltage phase entered at Current.
// SoC is in 0.1% units, Time is the seconds left to full from SoC.
type CVRow struct {
	Current int `yaml:"current"`
	SoC     int `yaml:"soc"`
	Time    int `yaml:"time"`
}

// Curve lists rows by falling current, rising SoC and falling time.
type Curve []CVRow

// Validate enforces the row ordering the interpolation depends on.
func (c Curve) Validate() error {
	if len(c) == 0 {
		return ErrEmptyCurve
	}
	for i, row := range c {
		if row.SoC < 0 || row.SoC > FullSoC || row.Time < 0 || row.Current <= 0 {
			return fmt.Errorf("%w: row %d out of range %+v", ErrCurveOrder, i, row)
		}
		if i == 0 {
			continue
		}
		prev := c[i-1]
		switch {
		case row.Current > prev.Current:
			return fmt.Errorf("%w: current rises at row %d", ErrCurveOrder, i)
		case row.SoC <= prev.SoC:
			return fmt.Errorf("%w: soc does not rise at row %d", ErrCurveOrder, i)
		case row.Time >= prev.Time:
			return fmt.Errorf("%w: time does not fall at row %d", ErrCurveOrder, i)
		}
	}
	return nil
}

// Estimate returns the seconds to full for soc (0.1% units) charging at
// chargeCurrent mA into a capacity mAh battery.
//
// While soc is below the CV entry point of the active current the estimate is
// the linear CC time up to that point plus the row's CV time. Past the entry
// point the CV time is interpolated between the bracketing rows.
func Estimate(soc, chargeCurrent, capacity int, curve Curve) int {
	if len(curve) == 0 || chargeCurrent <= 0 || capacity <= 0 {
		return Unknown
	}

	i := len(curve) - 1
	for k, row := range curve {
		if chargeCurrent >= row.Current {
			i = k
			break
		}
	}

	var ccTime, cvTime int
	if row := curve[i]; row.SoC < soc {
		cvTime = interpolate(soc, curve)
	} else {
		cvTime = row.Time
		ccTime = int(int64(capacity) * int64(row.SoC-soc) * 3600 / (int64(chargeCurrent) * 1000))
	}

	total := max(ccTime+cvTime, 0)
	return total + MinSeconds
}

// interpolate returns the CV time at soc between the rows bracketing it. The
// last row is bracketed against an implicit zero-time row at full.
func interpolate(soc int, curve Curve) int {
	if soc >= FullSoC {
		return 0
	}
	j := len(curve)
	for k, row := range curve {
		if soc <= row.SoC {
			j = k
			break
		}
	}
	if j == 0 {
		return curve[0].Time
	}

	lo := curve[j-1]
	hi := CVRow{SoC: FullSoC}
	if j < len(curve) {
		hi = curve[j]
	}
	if hi.SoC == lo.SoC {
		return hi.Time
	}
	return (lo.Time-hi.Time)*(hi.SoC-soc)/(hi.SoC-lo.SoC) + hi.Time
}
