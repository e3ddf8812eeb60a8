package ttf

import (
	"sync"
	"time"
)

// Class is the cable or power-negotiation class that selects the reference
// current of the model.
type Class int

const (
	ClassNone Class = iota
	ClassDefault
	ClassHV
	ClassPD
	ClassDirect
	ClassWireless
	ClassHVWireless
)

var classNames = map[Class]string{
	ClassNone:       "none",
	ClassDefault:    "default",
	ClassHV:         "hv",
	ClassPD:         "pd",
	ClassDirect:     "direct",
	ClassWireless:   "wireless",
	ClassHVWireless: "hv_wireless",
}

func (c Class) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return "unknown"
}

// ParseClass maps a config name back to a Class.
func ParseClass(s string) (Class, bool) {
	for c, name := range classNames {
		if name == s {
			return c, true
		}
	}
	return ClassNone, false
}

// Currents holds the per-class reference currents in mA.
type Currents struct {
	Default    int `yaml:"default"`
	HV         int `yaml:"hv"`
	Direct     int `yaml:"direct"`
	Wireless   int `yaml:"wireless"`
	HVWireless int `yaml:"hv_wireless"`

	// PD current is a share of the negotiated power at PDVoltage, capped at
	// PDCeiling.
	PDCeiling      int `yaml:"pd_ceiling"`
	PDVoltage      int `yaml:"pd_voltage"`
	PDPowerPercent int `yaml:"pd_power_percent"`
}

// ForClass returns the reference current for class. negotiatedPower is in mW
// and only used for ClassPD. A PD source that has not negotiated yet falls back
// to the default current.
func (c Currents) ForClass(class Class, negotiatedPower int) int {
	switch class {
	case ClassDefault:
		return c.Default
	case ClassHV:
		return c.HV
	case ClassDirect:
		return c.Direct
	case ClassWireless:
		return c.Wireless
	case ClassHVWireless:
		return c.HVWireless
	case ClassPD:
		if negotiatedPower <= 0 || c.PDVoltage <= 0 {
			return c.Default
		}
		pct := c.PDPowerPercent
		if pct <= 0 {
			pct = 100
		}
		cur := negotiatedPower * pct / 100 * 1000 / c.PDVoltage
		if c.PDCeiling > 0 {
			cur = min(cur, c.PDCeiling)
		}
		return cur
	default:
		return 0
	}
}

// Config is the static estimator configuration.
type Config struct {
	Capacity int      `yaml:"capacity"` // mAh
	Curve    Curve    `yaml:"cv_curve"`
	Currents Currents `yaml:"currents"`
}

// Input is the charging state sampled for one recompute.
type Input struct {
	SoC             int // 0.1% units
	Class           Class
	NegotiatedPower int // mW
	// EffectiveCurrent is the arbitrated fast-charge current. Zero means
	// unconstrained.
	EffectiveCurrent int
	Charging         bool
	Full             bool
	NormalZone       bool
}

// Estimator holds the last time-to-full estimate.
//
// A recompute is requested, then completed later by the owner. Requests made
// while one is pending are dropped.
type Estimator struct {
	cfg Config

	mu         sync.Mutex
	seconds    int
	computedAt time.Time
	pending    bool
}

// NewEstimator creates an estimator. An invalid curve disables estimation.
func NewEstimator(cfg Config) *Estimator {
	if cfg.Curve.Validate() != nil {
		cfg.Curve = nil
	}
	return &Estimator{cfg: cfg, seconds: Unknown}
}

// Request marks a recompute as pending. It returns false when one already is.
func (e *Estimator) Request() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending {
		return false
	}
	e.pending = true
	return true
}

// Pending reports whether a recompute is outstanding.
func (e *Estimator) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Complete runs the pending recompute and stores the result.
func (e *Estimator) Complete(now time.Time, in Input) int {
	secs := e.compute(in)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = false
	e.seconds = secs
	e.computedAt = now
	return secs
}

func (e *Estimator) compute(in Input) int {
	if !in.Charging || in.Full || !in.NormalZone || in.SoC >= FullSoC {
		return Unknown
	}
	cur := e.cfg.Currents.ForClass(in.Class, in.NegotiatedPower)
	if in.EffectiveCurrent > 0 {
		cur = min(cur, in.EffectiveCurrent)
	}
	return Estimate(in.SoC, cur, e.cfg.Capacity, e.cfg.Curve)
}

// Reset drops any pending recompute and reports unknown.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = false
	e.seconds = Unknown
	e.computedAt = time.Time{}
}

// TimeToFull returns the last estimate in seconds, or Unknown.
func (e *Estimator) TimeToFull() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seconds
}

// ComputedAt returns when the last estimate was produced.
func (e *Estimator) ComputedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.computedAt
}

// Enabled reports whether a valid curve is configured.
func (e *Estimator) Enabled() bool {
	return len(e.cfg.Curve) > 0
}
