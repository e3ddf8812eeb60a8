// Package safety implements the charging safety timer: a budget of charging
// time, measured at a reference current, that runs down faster or slower as
// the effective charge current changes. When it runs out charging must stop.
package safety

import (
	"errors"
	"sync"
	"time"
)

// Fallbacks used when a sensor value is missing. They are all low so the
// effective current comes out low and the budget is never overstated.
const (
	FallbackInputVoltage = 5000 // mV
	FallbackInputCurrent = 500  // mA
	FallbackFloatVoltage = 4350 // mV

	DefaultDischargeCount = 5
)

var ErrInvalidConfig = errors.New("invalid safety timer config")

// ScreenPolicy decides what a tick does while the screen is on.
type ScreenPolicy string

const (
	// ScreenPause stops the clock; no elapsed time is counted while on.
	ScreenPause ScreenPolicy = "pause"
	// ScreenReset restores the full budget on every screen-on tick.
	ScreenReset ScreenPolicy = "reset"
	// ScreenIgnore ticks normally.
	ScreenIgnore ScreenPolicy = "ignore"
)

type Config struct {
	Budget           time.Duration `yaml:"budget"`
	RechargeBudget   time.Duration `yaml:"recharge_budget"`
	ReferenceCurrent int           `yaml:"reference_current"` // mA
	DischargeCount   int           `yaml:"discharge_count"`
	ScreenPolicy     ScreenPolicy  `yaml:"screen_policy"`
}

func (c Config) Validate() error {
	switch {
	case c.Budget <= 0:
		return errors.Join(ErrInvalidConfig, errors.New("budget must be positive"))
	case c.ReferenceCurrent <= 0:
		return errors.Join(ErrInvalidConfig, errors.New("reference current must be positive"))
	case c.RechargeBudget < 0:
		return errors.Join(ErrInvalidConfig, errors.New("recharge budget must not be negative"))
	}
	switch c.ScreenPolicy {
	case "", ScreenPause, ScreenReset, ScreenIgnore:
	default:
		return errors.Join(ErrInvalidConfig, errors.New("unknown screen policy "+string(c.ScreenPolicy)))
	}
	return nil
}

// Inputs are the values sampled for one tick. Zero means missing.
type Inputs struct {
	Current       int // battery current mA, negative while discharging
	ChargeSetting int // effective fast-charge current mA
	InputVoltage  int // mV
	InputCurrent  int // effective input current ceiling mA
	FloatVoltage  int // mV
	ScreenOn      bool
}

// Result describes what a tick did.
type Result struct {
	Remaining time.Duration
	Effective int // effective current used, 0 when skipped
	Expired   bool
	Restored  bool // budget restored to full without expiry
	Skipped   bool
}

// State is the persisted part of the timer.
type State struct {
	Remaining  time.Duration
	Armed      bool
	Expired    bool
	Checkpoint time.Time
}

// Timer tracks the remaining budget. The budget is kept in milliseconds at the
// reference current so it stays comparable as the current changes.
type Timer struct {
	cfg Config

	mu         sync.Mutex
	remaining  int64
	checkpoint time.Time
	armed      bool
	expired    bool
	discharges int
}

// New creates a disarmed timer holding the full budget.
func New(cfg Config) *Timer {
	if cfg.DischargeCount <= 0 {
		cfg.DischargeCount = DefaultDischargeCount
	}
	if cfg.ScreenPolicy == "" {
		cfg.ScreenPolicy = ScreenPause
	}
	if cfg.RechargeBudget == 0 {
		cfg.RechargeBudget = cfg.Budget
	}
	return &Timer{cfg: cfg, remaining: cfg.Budget.Milliseconds()}
}

func (t *Timer) Config() Config { return t.cfg }

// Arm starts counting from now with the full budget, or the recharge budget
// when recharge is set.
func (t *Timer) Arm(now time.Time, recharge bool) {
	budget := t.cfg.Budget
	if recharge {
		budget = t.cfg.RechargeBudget
	}
	t.Restore(now, budget)
}

// Restore starts counting from now with the given remaining budget.
func (t *Timer) Restore(now time.Time, remaining time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = max(remaining.Milliseconds(), 0)
	t.checkpoint = now
	t.armed = true
	t.discharges = 0
}

// Disarm stops counting. The remaining budget is kept.
func (t *Timer) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = false
	t.checkpoint = time.Time{}
	t.discharges = 0
}

// Pause drops the checkpoint so the time until the next tick is not counted.
// The timer stays armed.
func (t *Timer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkpoint = time.Time{}
}

// Resume sets the checkpoint to now if the timer is armed and paused.
func (t *Timer) Resume(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed && t.checkpoint.IsZero() {
		t.checkpoint = now
	}
}

// Expire puts the timer in the expired state, as Tick does when the budget
// runs out. It stays disarmed until Reset and Arm.
func (t *Timer) Expire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()
}

// Reset restores the full budget and clears expiry. An armed timer keeps
// running from the next tick.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = t.cfg.Budget.Milliseconds()
	t.checkpoint = time.Time{}
	t.expired = false
	t.discharges = 0
}

// Tick advances the timer to now.
func (t *Timer) Tick(now time.Time, in Inputs) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed {
		return t.resultLocked(Result{Skipped: true})
	}

	if in.Current < 0 {
		t.discharges++
		if t.discharges >= t.cfg.DischargeCount {
			t.restoreLocked(now)
			return t.resultLocked(Result{Restored: true})
		}
	} else {
		t.discharges = 0
	}
	return t.advanceLocked(now, in)
}

// Flush counts the time up to now like Tick, without sampling the current for
// the discharge count.
func (t *Timer) Flush(now time.Time, in Inputs) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed {
		return t.resultLocked(Result{Skipped: true})
	}
	return t.advanceLocked(now, in)
}

func (t *Timer) advanceLocked(now time.Time, in Inputs) Result {
	if in.ScreenOn {
		switch t.cfg.ScreenPolicy {
		case ScreenPause:
			t.checkpoint = time.Time{}
			return t.resultLocked(Result{Skipped: true})
		case ScreenReset:
			t.restoreLocked(now)
			return t.resultLocked(Result{Restored: true})
		}
	}

	if t.checkpoint.IsZero() {
		t.checkpoint = now
		return t.resultLocked(Result{Skipped: true})
	}

	eff := effectiveCurrent(in, int64(t.cfg.ReferenceCurrent))
	if eff <= 0 {
		return t.resultLocked(Result{Skipped: true})
	}

	ref := int64(t.cfg.ReferenceCurrent)
	elapsed := max(now.Sub(t.checkpoint).Milliseconds(), 0)
	scaled := t.remaining*ref/eff - elapsed
	if scaled <= 0 {
		t.expireLocked()
		return t.resultLocked(Result{Expired: true, Effective: int(eff)})
	}

	t.remaining = scaled * eff / ref
	t.checkpoint = now
	return t.resultLocked(Result{Effective: int(eff)})
}

func (t *Timer) expireLocked() {
	t.expired = true
	t.armed = false
	t.checkpoint = time.Time{}
	t.remaining = t.cfg.Budget.Milliseconds()
	t.discharges = 0
}

func (t *Timer) restoreLocked(now time.Time) {
	t.remaining = t.cfg.Budget.Milliseconds()
	t.checkpoint = now
	t.discharges = 0
}

func (t *Timer) resultLocked(r Result) Result {
	r.Remaining = time.Duration(t.remaining) * time.Millisecond
	return r
}

// effectiveCurrent is the charge setting, or the current the input can supply
// at the float voltage when that is lower, capped at ref.
func effectiveCurrent(in Inputs, ref int64) int64 {
	if in.ChargeSetting <= 0 {
		return 0
	}
	iv := orDefault(in.InputVoltage, FallbackInputVoltage)
	ic := orDefault(in.InputCurrent, FallbackInputCurrent)
	fv := orDefault(in.FloatVoltage, FallbackFloatVoltage)

	setting := int64(in.ChargeSetting)
	inputPower := int64(ic) * int64(iv)
	chargePower := setting * int64(fv)

	eff := setting
	if chargePower > inputPower {
		eff = inputPower / int64(fv) * 9 / 10
	}
	return min(eff, ref)
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// Remaining returns the budget left at the reference current.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(t.remaining) * time.Millisecond
}

func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Expired stays true from expiry until Reset.
func (t *Timer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}

func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		Remaining:  time.Duration(t.remaining) * time.Millisecond,
		Armed:      t.armed,
		Expired:    t.expired,
		Checkpoint: t.checkpoint,
	}
}
