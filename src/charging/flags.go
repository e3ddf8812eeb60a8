package charging

import (
	"strings"
	"sync"
)

// Event is a bitmask of active charging constraints.
type Event uint32

const (
	HighTempLimit Event = 1 << iota
	LowTempLimit
	HighTempSwelling
	LowTempSwelling
	VbatOVP
	SafetyTimerExpired
	ChargeLimit
	ThermalLimit
	StepCharging
	Full
	ScreenOn
)

var eventNames = []struct {
	event Event
	name  string
}{
	{HighTempLimit, "high_temp_limit"},
	{LowTempLimit, "low_temp_limit"},
	{HighTempSwelling, "high_temp_swelling"},
	{LowTempSwelling, "low_temp_swelling"},
	{VbatOVP, "vbat_ovp"},
	{SafetyTimerExpired, "safety_timer_expired"},
	{ChargeLimit, "charge_limit"},
	{ThermalLimit, "thermal_limit"},
	{StepCharging, "step_charging"},
	{Full, "full"},
	{ScreenOn, "screen_on"},
}

// Names lists the set events in bit order.
func (e Event) Names() []string {
	var names []string
	for _, n := range eventNames {
		if e&n.event != 0 {
			names = append(names, n.name)
		}
	}
	return names
}

func (e Event) String() string {
	if e == 0 {
		return "none"
	}
	return strings.Join(e.Names(), "|")
}

// Flags is an Event set shared between the engine loop and readers.
type Flags struct {
	mu sync.Mutex
	v  Event
}

func (f *Flags) Set(e Event) {
	f.mu.Lock()
	f.v |= e
	f.mu.Unlock()
}

func (f *Flags) Clear(e Event) {
	f.mu.Lock()
	f.v &^= e
	f.mu.Unlock()
}

// Test reports whether any event in e is set.
func (f *Flags) Test(e Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v&e != 0
}

// Update replaces the bits under mask with those of val.
func (f *Flags) Update(val, mask Event) {
	f.mu.Lock()
	f.v = f.v&^mask | val&mask
	f.mu.Unlock()
}

// Toggle sets e when on is true and clears it otherwise.
func (f *Flags) Toggle(e Event, on bool) {
	if on {
		f.Update(e, e)
	} else {
		f.Update(0, e)
	}
}

func (f *Flags) Load() Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v
}
