package charging

import (
	"fmt"

	"github.com/ryansname/chargectl/src/ttf"
)

// Cable identifies the attached power source.
type Cable string

const (
	CableNone       Cable = "none"
	CableUSB        Cable = "usb"
	CableTA         Cable = "ta"
	CableHV         Cable = "hv"
	CablePD         Cable = "pd"
	CablePPS        Cable = "pps"
	CableWireless   Cable = "wireless"
	CableHVWireless Cable = "hv_wireless"
)

var cableClasses = map[Cable]ttf.Class{
	CableNone:       ttf.ClassNone,
	CableUSB:        ttf.ClassDefault,
	CableTA:         ttf.ClassDefault,
	CableHV:         ttf.ClassHV,
	CablePD:         ttf.ClassPD,
	CablePPS:        ttf.ClassDirect,
	CableWireless:   ttf.ClassWireless,
	CableHVWireless: ttf.ClassHVWireless,
}

// ParseCable maps a sensor string to a Cable. Empty means none.
func ParseCable(s string) (Cable, error) {
	if s == "" {
		return CableNone, nil
	}
	c := Cable(s)
	if _, ok := cableClasses[c]; !ok {
		return CableNone, fmt.Errorf("unknown cable type %q", s)
	}
	return c, nil
}

// Attached reports whether c is a real power source.
func (c Cable) Attached() bool {
	return c != CableNone && c != ""
}

// Class returns the time-to-full reference class of the cable.
func (c Cable) Class() ttf.Class {
	return cableClasses[c]
}

// Profile holds the charge limits for one cable type
type Profile struct {
	InputCurrent      int `yaml:"input_current"`       // mA
	FastChargeCurrent int `yaml:"fast_charge_current"` // mA
}

// Profiles maps cable types to their limits. Immutable after load.
type Profiles map[Cable]Profile

// For returns the profile of c, falling back to the USB profile for attached
// cables without one.
func (p Profiles) For(c Cable) (Profile, bool) {
	if prof, ok := p[c]; ok {
		return prof, true
	}
	if c.Attached() {
		prof, ok := p[CableUSB]
		return prof, ok
	}
	return Profile{}, false
}
