// Package charging owns one charger's control state: it turns sensor
// snapshots into votes on the charger resources, runs the safety timer and the
// time-to-full estimate, and drives everything from a single loop.
package charging

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/ryansname/chargectl/src/governor"
	"github.com/ryansname/chargectl/src/safety"
	"github.com/ryansname/chargectl/src/store"
	"github.com/ryansname/chargectl/src/ttf"
	"github.com/ryansname/chargectl/src/voter"
)

// Charger resources
const (
	ResourceICL        = "ICL"
	ResourceFCC        = "FCC"
	ResourceFV         = "FV"
	ResourceChgDisable = "CHG_DISABLE"
)

// Voters cast by the engine. Any other voter name belongs to an external
// collaborator and is left alone on detach.
const (
	VoterCable       voter.Voter = "cable"
	VoterJeita       voter.Voter = "jeita"
	VoterStep        voter.Voter = "step"
	VoterSIOP        voter.Voter = "siop"
	VoterSafetyTimer voter.Voter = "safety_timer"
	VoterVbatOVP     voter.Voter = "vbat_ovp"
	VoterChgLimit    voter.Voter = "chg_limit"
	VoterFull        voter.Voter = "full"
)

var coreVoters = []voter.Voter{
	VoterCable, VoterJeita, VoterStep, VoterSIOP,
	VoterSafetyTimer, VoterVbatOVP, VoterChgLimit, VoterFull,
}

// IsCoreVoter reports whether v is cast by the engine itself.
func IsCoreVoter(v voter.Voter) bool {
	for _, c := range coreVoters {
		if c == v {
			return true
		}
	}
	return false
}

// Session scoped events, cleared on detach
const sessionEvents = HighTempLimit | LowTempLimit | HighTempSwelling | LowTempSwelling |
	VbatOVP | SafetyTimerExpired | ChargeLimit | ThermalLimit | StepCharging | Full

// Sensor is a bit in Snapshot.Valid
type Sensor uint8

const (
	SensorTemp Sensor = 1 << iota
	SensorVoltage
	SensorCurrent
	SensorInputVoltage
	SensorSoC
	SensorThermal
)

// UserMode selects optional user charging behaviour
type UserMode string

const (
	ModeNormal  UserMode = "normal"
	ModeProtect UserMode = "protect"
)

// Snapshot is one consistent set of sensor readings
type Snapshot struct {
	Temp            int // 0.1 °C
	Voltage         int // mV
	Current         int // mA, negative while discharging
	InputVoltage    int // mV
	SoC             int // 0.1%
	ThermalLevel    int // 0-100, 100 means no throttling
	NegotiatedPower int // mW
	Cable           Cable
	ScreenOn        bool
	UserMode        UserMode
	Valid           Sensor
}

// Has reports whether every sensor in v was read.
func (s Snapshot) Has(v Sensor) bool {
	return s.Valid&v == v
}

// ChargeState is the charging status derived from the votes
type ChargeState int

const (
	StateDischarging ChargeState = iota
	StateCharging
	StateFull
	StateNotCharging
)

func (s ChargeState) String() string {
	switch s {
	case StateDischarging:
		return "discharging"
	case StateCharging:
		return "charging"
	case StateFull:
		return "full"
	case StateNotCharging:
		return "not_charging"
	default:
		return "unknown"
	}
}

// Zone is the JEITA temperature zone
type Zone int

const (
	ZoneUnknown Zone = iota
	ZoneNormal
	ZoneCold
	ZoneHot
)

func (z Zone) String() string {
	switch z {
	case ZoneNormal:
		return "normal"
	case ZoneCold:
		return "cold"
	case ZoneHot:
		return "hot"
	default:
		return "unknown"
	}
}

// Store persists the safety timer and the session log. Optional.
type Store interface {
	SaveSafety(ctx context.Context, rec store.SafetyRecord) error
	LoadSafety(ctx context.Context) (store.SafetyRecord, bool, error)
	StartSession(ctx context.Context, sess store.Session) error
	EndSession(ctx context.Context, id string, end time.Time, reason string, expiries int) error
}

// Options holds the engine collaborators
type Options struct {
	Logger logrus.FieldLogger
	Store  Store
	Now    func() time.Time
}

// Status is a read-only view of the engine published after every loop step
type Status struct {
	Session         string
	Cable           Cable
	State           ChargeState
	Zone            Zone
	Effective       map[string]voter.Effective
	TimeToFull      int
	SafetyRemaining time.Duration
	SafetyArmed     bool
	SafetyExpired   bool
	Events          Event
	RechargeVoltage int
	Snapshot        Snapshot
	UpdatedAt       time.Time
}

// Command is an operator request run on the engine loop
type Command func(e *Engine, now time.Time)

// ResetSafetyTimerCommand restores the full safety budget and lifts an expiry.
func ResetSafetyTimerCommand() Command {
	return (*Engine).ResetSafetyTimer
}

// SetRechargeVoltageCommand changes the recharge threshold.
func SetRechargeVoltageCommand(mv int) Command {
	return func(e *Engine, now time.Time) { e.SetRechargeVoltage(now, mv) }
}

// ExternalVoteCommand casts a vote for a collaborator outside the engine.
func ExternalVoteCommand(resource string, v voter.Voter, enabled bool, value int) Command {
	return func(e *Engine, now time.Time) { e.CastExternal(resource, v, enabled, value) }
}

// Engine is the control context of one charger.
//
// Handler methods (Update, Attach, Detach, Cycle, SafetyTick, ScreenChanged,
// ResetSafetyTimer, SetRechargeVoltage, CastExternal) must only be called from
// the goroutine running Run, or before Run starts. Read methods are safe from
// any goroutine.
type Engine struct {
	cfg   Config
	log   logrus.FieldLogger
	store Store
	now   func() time.Time

	votes                    *voter.Registry
	icl, fcc, fv, chgDisable *voter.Resource

	flags        Flags
	jeitaCurrent *governor.RangeEvaluator
	jeitaVoltage *governor.RangeEvaluator
	step         *governor.RangeEvaluator
	thermalFCC   *governor.RangeEvaluator
	thermalICL   *governor.RangeEvaluator
	timer        *safety.Timer
	ttf          *ttf.Estimator

	sched      *Scheduler
	monitor    *Delayed
	ttfSlot    *Delayed
	safetySlot *Delayed
	commands   chan Command
	entropy    io.Reader

	// Loop owned
	snap            Snapshot
	haveSnap        bool
	cable           Cable
	profile         Profile
	session         string
	zone            Zone
	full            bool
	fullCount       int
	expiries        int
	rechargeVoltage int

	mu     sync.Mutex
	status Status
}

// New builds an engine. Malformed tables are logged and disable only the
// limiting they would have provided.
func New(cfg Config, opts Options) *Engine {
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		cfg:             cfg,
		log:             opts.Logger,
		store:           opts.Store,
		now:             opts.Now,
		votes:           voter.NewRegistry(),
		sched:           NewScheduler(),
		commands:        make(chan Command, 16),
		entropy:         ulid.Monotonic(rand.Reader, 0),
		cable:           CableNone,
		rechargeVoltage: cfg.Battery.RechargeVoltage,
	}

	e.icl = e.votes.Register(ResourceICL, voter.Min)
	e.fcc = e.votes.Register(ResourceFCC, voter.Min)
	e.fv = e.votes.Register(ResourceFV, voter.Min)
	e.chgDisable = e.votes.Register(ResourceChgDisable, voter.Any)

	e.jeitaCurrent = e.evaluator("jeita.current", cfg.Jeita.Current, cfg.Jeita.Hysteresis)
	e.jeitaVoltage = e.evaluator("jeita.voltage", cfg.Jeita.Voltage, cfg.Jeita.Hysteresis)
	e.step = e.evaluator("step.table", cfg.Step.Table, cfg.Step.Hysteresis)
	e.thermalFCC = e.evaluator("thermal.fast_charge", cfg.Thermal.FastCharge, cfg.Thermal.Hysteresis)
	e.thermalICL = e.evaluator("thermal.input", cfg.Thermal.Input, cfg.Thermal.Hysteresis)

	e.cfg.Timing = e.checkTiming(cfg.Timing)

	if err := cfg.Safety.Validate(); err != nil {
		e.log.WithError(err).Warn("Invalid safety timer config, using defaults")
		e.cfg.Safety = DefaultConfig().Safety
	}
	e.timer = safety.New(e.cfg.Safety)

	if err := cfg.TTF.Curve.Validate(); err != nil {
		e.log.WithError(err).Warn("Rejected cv curve, time to full disabled")
	}
	e.ttf = ttf.NewEstimator(cfg.TTF)

	e.monitor = e.sched.Slot(TaskMonitor)
	e.ttfSlot = e.sched.Slot(TaskTTF)
	e.safetySlot = e.sched.Slot(TaskSafety)

	e.publish(e.now())
	return e
}

// checkTiming replaces cadences that are not positive with the defaults.
func (e *Engine) checkTiming(t TimingConfig) TimingConfig {
	def := DefaultConfig().Timing
	for _, c := range []struct {
		name     string
		val, def *time.Duration
	}{
		{"monitor_active", &t.MonitorActive, &def.MonitorActive},
		{"monitor_idle", &t.MonitorIdle, &def.MonitorIdle},
		{"safety_interval", &t.SafetyInterval, &def.SafetyInterval},
	} {
		if *c.val <= 0 {
			e.log.WithFields(logrus.Fields{"timing": c.name, "value": *c.val, "default": *c.def}).
				Warn("Invalid cadence, using default")
			*c.val = *c.def
		}
	}
	return t
}

func (e *Engine) evaluator(name string, entries []governor.Range, hysteresis int) *governor.RangeEvaluator {
	table, err := governor.NewRangeTable(entries)
	if err != nil {
		e.log.WithError(err).WithField("table", name).Warn("Rejected range table, not limiting")
	}
	return governor.NewRangeEvaluator(table, hysteresis)
}

// OnChange installs fn as the change callback of every charger resource.
func (e *Engine) OnChange(fn voter.ChangeFunc) {
	for _, r := range []*voter.Resource{e.icl, e.fcc, e.fv, e.chgDisable} {
		r.SetOnChange(fn)
	}
}

// Post queues a command for the loop. It returns false when the queue is full.
func (e *Engine) Post(cmd Command) bool {
	select {
	case e.commands <- cmd:
		return true
	default:
		return false
	}
}

// Run drives the engine until ctx is done. Every loop step publishes a Status
// to statusChan when it is not nil.
func (e *Engine) Run(ctx context.Context, snapshots <-chan Snapshot, statusChan chan<- Status) {
	e.log.Info("Charging engine started")
	e.monitor.Arm(e.cfg.Timing.MonitorIdle)

	defer func() {
		e.saveSafety(e.now())
		// A panicking loop may be restarted, so the timers stay live
		if ctx.Err() == nil {
			return
		}
		e.sched.Stop()
		e.log.Info("Charging engine stopped")
	}()

	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			e.Update(e.now(), snap)

		case cmd := <-e.commands:
			cmd(e, e.now())

		case f := <-e.sched.Fired():
			if !f.Claim() {
				continue
			}
			e.runTask(e.now(), f.Task())

		case <-ctx.Done():
			return
		}

		st := e.publish(e.now())
		if statusChan == nil {
			continue
		}
		select {
		case statusChan <- st:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) runTask(now time.Time, task Task) {
	switch task {
	case TaskMonitor:
		e.Cycle(now)
	case TaskTTF:
		e.completeTTF(now)
	case TaskSafety:
		e.SafetyTick(now)
	}
}

// Update takes a new snapshot, following cable and screen transitions before
// running a cycle.
func (e *Engine) Update(now time.Time, snap Snapshot) {
	if snap.Cable == "" {
		snap.Cable = CableNone
	}
	prev, first := e.snap, !e.haveSnap
	e.snap, e.haveSnap = snap, true

	if snap.Cable != e.cable {
		if e.cable.Attached() {
			e.Detach(now, "detach")
		}
		if snap.Cable.Attached() {
			e.Attach(now, snap.Cable)
		}
	}
	if first || snap.ScreenOn != prev.ScreenOn {
		e.ScreenChanged(now, snap.ScreenOn)
	}
	e.Cycle(now)
}

// Attach starts a charging session for cable.
func (e *Engine) Attach(now time.Time, cable Cable) {
	if !cable.Attached() || cable == e.cable {
		return
	}
	if e.cable.Attached() {
		e.Detach(now, "cable_change")
	}

	prof, ok := e.cfg.Profiles.For(cable)
	if !ok {
		prof = Profile{InputCurrent: safety.FallbackInputCurrent, FastChargeCurrent: safety.FallbackInputCurrent}
		e.log.WithField("cable", cable).Warn("No charge profile for cable, using fallback limits")
	}

	e.cable = cable
	e.profile = prof
	e.session = ulid.MustNew(ulid.Timestamp(now), e.entropy).String()
	e.full, e.fullCount, e.expiries = false, 0, 0
	e.zone = ZoneUnknown

	e.icl.Cast(VoterCable, true, prof.InputCurrent)
	e.fcc.Cast(VoterCable, true, prof.FastChargeCurrent)
	e.fv.Cast(VoterCable, true, e.cfg.Battery.FloatVoltage)

	e.armSafety(now)
	e.persist("start session", func(ctx context.Context) error {
		return e.store.StartSession(ctx, store.Session{ID: e.session, Cable: string(cable), StartedAt: now})
	})
	e.monitor.Rearm(e.cfg.Timing.MonitorActive)

	e.log.WithFields(logrus.Fields{
		"cable":   cable,
		"session": e.session,
		"icl":     prof.InputCurrent,
		"fcc":     prof.FastChargeCurrent,
	}).Info("Charger attached")
}

// armSafety restores a recently saved budget, or arms a full one.
func (e *Engine) armSafety(now time.Time) {
	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		rec, ok, err := e.store.LoadSafety(ctx)
		cancel()
		switch {
		case err != nil:
			e.log.WithError(err).Warn("Failed to load safety timer state")
		case ok && rec.Expired && now.Sub(rec.SavedAt) <= e.cfg.Timing.RestoreWindow:
			e.timer.Expire()
			e.flags.Set(SafetyTimerExpired)
			e.chgDisable.Cast(VoterSafetyTimer, true, 1)
			e.log.Warn("Safety timer expired before restart, charging stays disabled until reset")
			return
		case ok && rec.Armed && now.Sub(rec.SavedAt) <= e.cfg.Timing.RestoreWindow:
			e.timer.Restore(now, rec.Remaining)
			e.safetySlot.Arm(e.cfg.Timing.SafetyInterval)
			e.log.WithField("remaining", rec.Remaining).Info("Restored safety timer budget")
			return
		}
	}
	e.timer.Arm(now, false)
	e.safetySlot.Arm(e.cfg.Timing.SafetyInterval)
}

// Detach ends the session: every core vote is retracted in one batch and the
// session tasks are cancelled. The monitor keeps running at idle cadence.
func (e *Engine) Detach(now time.Time, reason string) {
	if !e.cable.Attached() {
		return
	}

	e.ttfSlot.Cancel()
	e.safetySlot.Cancel()
	e.votes.Retract(coreVoters...)

	e.ttf.Reset()
	e.timer.Disarm()
	e.timer.Reset()
	e.saveSafety(now)

	session, expiries := e.session, e.expiries
	e.persist("end session", func(ctx context.Context) error {
		return e.store.EndSession(ctx, session, now, reason, expiries)
	})

	for _, ev := range []*governor.RangeEvaluator{e.jeitaCurrent, e.jeitaVoltage, e.step, e.thermalFCC, e.thermalICL} {
		ev.Reset()
	}
	e.flags.Update(0, sessionEvents)

	e.log.WithFields(logrus.Fields{
		"cable":   e.cable,
		"session": session,
		"reason":  reason,
	}).Info("Charger detached")

	e.cable = CableNone
	e.profile = Profile{}
	e.session = ""
	e.zone = ZoneUnknown
	e.full, e.fullCount, e.expiries = false, 0, 0
	e.monitor.Rearm(e.cfg.Timing.MonitorIdle)
}

// Cycle evaluates every control law against the current snapshot.
func (e *Engine) Cycle(now time.Time) {
	defer e.monitor.Arm(e.cadence())
	if !e.cable.Attached() {
		return
	}
	s := e.snap

	e.evalJeita(s)
	e.evalStep(s)
	e.evalThermal(s)
	e.evalOVP(s)
	e.evalChargeLimit(s)
	e.evalFull(now, s)
	e.requestTTF()
}

func (e *Engine) cadence() time.Duration {
	if e.cable.Attached() {
		return e.cfg.Timing.MonitorActive
	}
	return e.cfg.Timing.MonitorIdle
}

// chargeState derives the charge state from the session and the votes.
func (e *Engine) chargeState() ChargeState {
	switch {
	case !e.cable.Attached():
		return StateDischarging
	case e.full:
		return StateFull
	case e.chgDisable.Effective().Active:
		return StateNotCharging
	default:
		return StateCharging
	}
}

func (e *Engine) requestTTF() {
	if e.chargeState() != StateCharging || e.zone != ZoneNormal || !e.snap.Has(SensorSoC) {
		e.ttfSlot.Cancel()
		e.ttf.Reset()
		return
	}
	if e.ttf.Request() {
		e.ttfSlot.Arm(e.cfg.Timing.TTFDelay)
	}
}

func (e *Engine) completeTTF(now time.Time) {
	in := ttf.Input{
		SoC:             e.snap.SoC,
		Class:           e.cable.Class(),
		NegotiatedPower: e.snap.NegotiatedPower,
		Charging:        e.chargeState() == StateCharging && e.snap.Has(SensorSoC),
		Full:            e.full,
		NormalZone:      e.zone == ZoneNormal,
	}
	if eff := e.fcc.Effective(); eff.Active {
		in.EffectiveCurrent = eff.Value
	}
	secs := e.ttf.Complete(now, in)
	e.log.WithFields(logrus.Fields{"session": e.session, "seconds": secs}).Debug("Time to full updated")
}

// SafetyTick advances the safety timer and re-arms its slot.
func (e *Engine) SafetyTick(now time.Time) {
	e.advanceSafety(now, e.timer.Tick)
}

func (e *Engine) advanceSafety(now time.Time, step func(time.Time, safety.Inputs) safety.Result) {
	if !e.cable.Attached() || !e.timer.Armed() {
		return
	}
	defer e.saveSafety(now)

	if e.chargeState() != StateCharging {
		e.timer.Pause()
		e.safetySlot.Arm(e.cfg.Timing.SafetyInterval)
		return
	}

	s := e.snap
	in := safety.Inputs{
		ChargeSetting: e.effectiveOr(e.fcc, e.profile.FastChargeCurrent),
		InputCurrent:  e.effectiveOr(e.icl, 0),
		FloatVoltage:  e.effectiveOr(e.fv, 0),
		ScreenOn:      e.flags.Test(ScreenOn),
	}
	if s.Has(SensorCurrent) {
		in.Current = s.Current
	}
	if s.Has(SensorInputVoltage) {
		in.InputVoltage = s.InputVoltage
	}

	r := step(now, in)
	fields := logrus.Fields{"session": e.session, "remaining": r.Remaining}
	switch {
	case r.Expired:
		e.expiries++
		e.flags.Set(SafetyTimerExpired)
		e.chgDisable.Cast(VoterSafetyTimer, true, 1)
		e.ttfSlot.Cancel()
		e.ttf.Reset()
		e.log.WithFields(fields).Warn("Safety timer expired, charging disabled")
		return
	case r.Restored:
		e.log.WithFields(fields).Info("Safety timer budget restored")
	case !r.Skipped:
		fields["effective_current"] = r.Effective
		e.log.WithFields(fields).Debug("Safety timer tick")
	}
	e.safetySlot.Arm(e.cfg.Timing.SafetyInterval)
}

func (e *Engine) effectiveOr(r *voter.Resource, fallback int) int {
	if eff := r.Effective(); eff.Active {
		return eff.Value
	}
	return fallback
}

// ScreenChanged applies a display state change. The elapsed time up to the
// change is counted under the previous screen state.
func (e *Engine) ScreenChanged(now time.Time, on bool) {
	if e.flags.Test(ScreenOn) == on {
		return
	}
	if on {
		e.advanceSafety(now, e.timer.Flush)
		e.flags.Set(ScreenOn)
		return
	}
	e.flags.Clear(ScreenOn)
	if e.chargeState() == StateCharging {
		e.timer.Resume(now)
	}
}

// ResetSafetyTimer restores the full budget and lifts an expiry.
func (e *Engine) ResetSafetyTimer(now time.Time) {
	e.timer.Reset()
	e.chgDisable.Cast(VoterSafetyTimer, false, 0)
	e.flags.Clear(SafetyTimerExpired)
	if e.cable.Attached() && !e.full {
		e.timer.Arm(now, false)
		e.safetySlot.Rearm(e.cfg.Timing.SafetyInterval)
	}
	e.saveSafety(now)
	e.log.WithField("session", e.session).Info("Safety timer reset")
}

// SetRechargeVoltage changes the recharge threshold and runs the monitor
// right away, re-arming it even when already armed.
func (e *Engine) SetRechargeVoltage(now time.Time, mv int) {
	e.rechargeVoltage = mv
	e.monitor.Rearm(0)
	e.log.WithField("voltage", mv).Info("Recharge voltage changed")
}

// CastExternal votes for a collaborator. Core voter names are refused.
func (e *Engine) CastExternal(resource string, v voter.Voter, enabled bool, value int) {
	if IsCoreVoter(v) {
		e.log.WithField("voter", v).Warn("Refusing external vote under a core voter name")
		return
	}
	eff := e.votes.Cast(resource, v, enabled, value)
	e.log.WithFields(logrus.Fields{
		"resource":  resource,
		"voter":     v,
		"enabled":   enabled,
		"value":     value,
		"effective": eff.Value,
	}).Info("External vote")
}

func (e *Engine) saveSafety(now time.Time) {
	st := e.timer.State()
	e.persist("save safety timer", func(ctx context.Context) error {
		return e.store.SaveSafety(ctx, store.SafetyRecord{
			Remaining:  st.Remaining,
			Armed:      st.Armed,
			Expired:    st.Expired,
			Checkpoint: st.Checkpoint,
			SavedAt:    now,
		})
	})
}

// persist runs fn against the store, logging failures.
func (e *Engine) persist(what string, fn func(ctx context.Context) error) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		e.log.WithError(err).Warnf("Failed to %s", what)
	}
}

func (e *Engine) publish(now time.Time) Status {
	st := Status{
		Session:         e.session,
		Cable:           e.cable,
		State:           e.chargeState(),
		Zone:            e.zone,
		Effective:       make(map[string]voter.Effective),
		TimeToFull:      e.ttf.TimeToFull(),
		SafetyRemaining: e.timer.Remaining(),
		SafetyArmed:     e.timer.Armed(),
		SafetyExpired:   e.timer.Expired(),
		Events:          e.flags.Load(),
		RechargeVoltage: e.rechargeVoltage,
		Snapshot:        e.snap,
		UpdatedAt:       now,
	}
	for _, name := range e.votes.Names() {
		st.Effective[name], _ = e.votes.Effective(name)
	}

	e.mu.Lock()
	e.status = st
	e.mu.Unlock()
	return st
}

// Status returns the status published after the last loop step.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Effective returns the effective value of a resource.
func (e *Engine) Effective(resource string) (voter.Effective, bool) {
	return e.votes.Effective(resource)
}

// Votes lists every vote recorded on a resource.
func (e *Engine) Votes(resource string) []voter.Vote {
	if _, ok := e.votes.Effective(resource); !ok {
		return nil
	}
	return e.votes.Resource(resource).Votes()
}

// Resources lists the registered resource names.
func (e *Engine) Resources() []string {
	return e.votes.Names()
}

// TimeToFull returns the last estimate in seconds, or -1 when unknown.
func (e *Engine) TimeToFull() int {
	return e.ttf.TimeToFull()
}

// SafetyBudgetRemaining returns the safety budget left at the reference
// current.
func (e *Engine) SafetyBudgetRemaining() time.Duration {
	return e.timer.Remaining()
}

// Events returns the active constraint events.
func (e *Engine) Events() Event {
	return e.flags.Load()
}
