package charging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/chargectl/src/governor"
	"github.com/ryansname/chargectl/src/store"
	"github.com/ryansname/chargectl/src/ttf"
	"github.com/ryansname/chargectl/src/voter"
)

var t0 = time.Date(2026, 5, 4, 21, 30, 0, 0, time.UTC)

const allSensors = SensorTemp | SensorVoltage | SensorCurrent | SensorInputVoltage | SensorSoC | SensorThermal

// A 9 V fast charger at room temperature, half full
func charging(cable Cable) Snapshot {
	return Snapshot{
		Temp:         250,
		Voltage:      3900,
		Current:      2000,
		InputVoltage: 9000,
		SoC:          500,
		ThermalLevel: 100,
		Cable:        cable,
		UserMode:     ModeNormal,
		Valid:        allSensors,
	}
}

type memStore struct {
	mu       sync.Mutex
	safety   store.SafetyRecord
	saved    bool
	sessions map[string]store.Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]store.Session)}
}

func (m *memStore) SaveSafety(_ context.Context, rec store.SafetyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.safety, m.saved = rec, true
	return nil
}

func (m *memStore) LoadSafety(context.Context) (store.SafetyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.safety, m.saved, nil
}

func (m *memStore) StartSession(_ context.Context, sess store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	return nil
}

func (m *memStore) EndSession(_ context.Context, id string, end time.Time, reason string, expiries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[id]
	sess.EndedAt, sess.EndReason, sess.Expiries = end, reason, expiries
	m.sessions[id] = sess
	return nil
}

func newTestEngine(t *testing.T, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	e := New(cfg, Options{Now: func() time.Time { return t0 }})
	t.Cleanup(e.sched.Stop)
	return e
}

func effective(t *testing.T, e *Engine, resource string) voter.Effective {
	t.Helper()
	eff, ok := e.Effective(resource)
	require.True(t, ok, resource)
	return eff
}

func TestAttach(t *testing.T) {
	e := newTestEngine(t)
	e.Update(t0, charging(CableHV))

	st := e.publish(t0)
	assert.Equal(t, StateCharging, st.State)
	assert.Equal(t, ZoneNormal, st.Zone)
	assert.Len(t, st.Session, 26)

	assert.Equal(t, voter.Effective{Value: 1650, Voter: VoterCable, Active: true}, effective(t, e, ResourceICL))
	assert.Equal(t, voter.Effective{Value: 3150, Voter: VoterCable, Active: true}, effective(t, e, ResourceFCC))
	assert.Equal(t, voter.Effective{Value: 4400, Voter: VoterCable, Active: true}, effective(t, e, ResourceFV))
	assert.False(t, effective(t, e, ResourceChgDisable).Active)

	assert.True(t, e.timer.Armed())
	assert.True(t, e.safetySlot.Armed())
	assert.Equal(t, Event(0), e.Events())
}

func TestJeita(t *testing.T) {
	t.Run("hot zone limits current and voltage", func(t *testing.T) {
		e := newTestEngine(t)
		e.Update(t0, charging(CableHV))

		hot := charging(CableHV)
		hot.Temp = 460
		e.Update(t0, hot)

		assert.Equal(t, voter.Effective{Value: 1500, Voter: VoterJeita, Active: true}, effective(t, e, ResourceFCC))
		assert.Equal(t, voter.Effective{Value: 4100, Voter: VoterJeita, Active: true}, effective(t, e, ResourceFV))
		assert.Equal(t, HighTempSwelling|HighTempLimit, e.Events())
		assert.Equal(t, ZoneHot, e.zone)
	})

	t.Run("hysteresis holds the normal zone near the boundary", func(t *testing.T) {
		e := newTestEngine(t)
		e.Update(t0, charging(CableHV))

		warm := charging(CableHV)
		warm.Temp = 430
		e.Update(t0, warm)
		assert.Equal(t, ZoneNormal, e.zone)
		assert.Equal(t, 3150, effective(t, e, ResourceFCC).Value)
	})

	t.Run("cold zone", func(t *testing.T) {
		e := newTestEngine(t)
		e.Update(t0, charging(CableHV))

		cold := charging(CableHV)
		cold.Temp = 50
		e.Update(t0, cold)

		assert.Equal(t, 500, effective(t, e, ResourceFCC).Value)
		assert.Equal(t, 4200, effective(t, e, ResourceFV).Value)
		assert.Equal(t, LowTempSwelling|LowTempLimit, e.Events())
		assert.Equal(t, ttf.Unknown, e.TimeToFull())
	})

	t.Run("missing temperature uses the lowest table values", func(t *testing.T) {
		e := newTestEngine(t)
		snap := charging(CableHV)
		snap.Valid &^= SensorTemp
		e.Update(t0, snap)

		assert.Equal(t, 0, effective(t, e, ResourceFCC).Value)
		assert.Equal(t, 4100, effective(t, e, ResourceFV).Value)
		assert.Equal(t, voter.Effective{Value: 1, Voter: VoterJeita, Active: true}, effective(t, e, ResourceChgDisable))
		assert.Equal(t, StateNotCharging, e.chargeState())
		assert.False(t, e.ttfSlot.Armed())
	})

	t.Run("rejected table does not limit", func(t *testing.T) {
		e := newTestEngine(t, func(c *Config) {
			c.Jeita.Current = append(c.Jeita.Current, c.Jeita.Current[0])
		})
		snap := charging(CableHV)
		snap.Temp = 700
		e.Update(t0, snap)

		assert.Equal(t, voter.Vote{Voter: VoterJeita}, e.fcc.Vote(VoterJeita))
		assert.Equal(t, 3150, effective(t, e, ResourceFCC).Value)
		assert.False(t, effective(t, e, ResourceChgDisable).Active)
	})
}

func TestStepCharging(t *testing.T) {
	e := newTestEngine(t)
	snap := charging(CableHV)
	snap.Voltage = 4300
	e.Update(t0, snap)

	assert.Equal(t, voter.Effective{Value: 2000, Voter: VoterStep, Active: true}, effective(t, e, ResourceFCC))
	assert.True(t, e.flags.Test(StepCharging))

	t.Run("missing voltage uses the lowest step", func(t *testing.T) {
		snap.Valid &^= SensorVoltage
		e.Update(t0, snap)
		assert.Equal(t, 1500, effective(t, e, ResourceFCC).Value)
	})

	t.Run("keyed by soc", func(t *testing.T) {
		e := newTestEngine(t, func(c *Config) {
			c.Step.Key = StepBySoC
			c.Step.Table = []governor.Range{
				{Low: 0, High: 799, Value: 4000},
				{Low: 800, High: 1000, Value: 1000},
			}
		})
		snap := charging(CableHV)
		snap.SoC = 900
		e.Update(t0, snap)
		assert.Equal(t, voter.Effective{Value: 1000, Voter: VoterStep, Active: true}, effective(t, e, ResourceFCC))
	})
}

func TestThermal(t *testing.T) {
	e := newTestEngine(t)
	snap := charging(CableHV)
	snap.ThermalLevel = 50
	e.Update(t0, snap)

	assert.Equal(t, voter.Effective{Value: 1000, Voter: VoterSIOP, Active: true}, effective(t, e, ResourceFCC))
	assert.Equal(t, voter.Effective{Value: 1000, Voter: VoterSIOP, Active: true}, effective(t, e, ResourceICL))
	assert.True(t, e.flags.Test(ThermalLimit))

	snap.ThermalLevel = 100
	e.Update(t0, snap)
	assert.Equal(t, VoterCable, effective(t, e, ResourceFCC).Voter)
	assert.Equal(t, VoterCable, effective(t, e, ResourceICL).Voter)
	assert.False(t, e.flags.Test(ThermalLimit))
}

func TestOVP(t *testing.T) {
	e := newTestEngine(t)
	snap := charging(CableHV)
	e.Update(t0, snap)

	steps := []struct {
		voltage  int
		disabled bool
	}{
		{4550, true},
		{4450, true},
		{4401, true},
		{4390, false},
		{4480, false},
	}
	for _, s := range steps {
		snap.Voltage = s.voltage
		e.Update(t0, snap)
		assert.Equal(t, s.disabled, effective(t, e, ResourceChgDisable).Active, "voltage %d", s.voltage)
		assert.Equal(t, s.disabled, e.flags.Test(VbatOVP), "voltage %d", s.voltage)
	}
}

func TestChargeLimit(t *testing.T) {
	e := newTestEngine(t)
	snap := charging(CableHV)
	snap.UserMode = ModeProtect

	for _, s := range []struct {
		soc     int
		limited bool
	}{
		{800, false},
		{850, true},
		{840, true},
		{830, true},
		{829, false},
	} {
		snap.SoC = s.soc
		e.Update(t0, snap)
		assert.Equal(t, s.limited, e.flags.Test(ChargeLimit), "soc %d", s.soc)
		if s.limited {
			assert.Equal(t, VoterChgLimit, effective(t, e, ResourceChgDisable).Voter)
		} else {
			assert.False(t, effective(t, e, ResourceChgDisable).Active)
		}
	}

	t.Run("leaving protect mode releases the limit", func(t *testing.T) {
		snap.SoC = 900
		e.Update(t0, snap)
		require.True(t, e.flags.Test(ChargeLimit))

		snap.UserMode = ModeNormal
		e.Update(t0, snap)
		assert.False(t, e.flags.Test(ChargeLimit))
		assert.False(t, effective(t, e, ResourceChgDisable).Active)
	})
}

func TestFullAndRecharge(t *testing.T) {
	e := newTestEngine(t)
	snap := charging(CableHV)
	snap.SoC = 1000
	snap.Current = 100
	snap.Voltage = 4390

	e.Update(t0, snap)
	e.Update(t0, snap)
	assert.Equal(t, StateCharging, e.chargeState())

	e.Update(t0, snap)
	assert.Equal(t, StateFull, e.chargeState())
	assert.Equal(t, VoterFull, effective(t, e, ResourceChgDisable).Voter)
	assert.True(t, e.flags.Test(Full))
	assert.False(t, e.timer.Armed())
	assert.False(t, e.safetySlot.Armed())
	assert.Equal(t, ttf.Unknown, e.TimeToFull())

	snap.Voltage = 4300
	e.Update(t0, snap)
	assert.Equal(t, StateFull, e.chargeState())

	snap.Voltage = 4250
	e.Update(t0.Add(time.Hour), snap)
	assert.Equal(t, StateCharging, e.chargeState())
	assert.False(t, e.flags.Test(Full))
	assert.True(t, e.timer.Armed())
	assert.Equal(t, 3*time.Hour, e.SafetyBudgetRemaining())
}

func TestSetRechargeVoltage(t *testing.T) {
	e := newTestEngine(t)
	snap := charging(CableHV)
	snap.SoC, snap.Current, snap.Voltage = 1000, 100, 4300
	for range 3 {
		e.Update(t0, snap)
	}
	require.Equal(t, StateFull, e.chargeState())

	due, _ := e.monitor.Due()
	e.SetRechargeVoltage(t0, 4350)
	newDue, armed := e.monitor.Due()
	assert.True(t, armed)
	assert.True(t, newDue.Before(due))

	e.Cycle(t0)
	assert.Equal(t, StateCharging, e.chargeState())
}

func TestSafetyTimer(t *testing.T) {
	t.Run("budget runs down at the reference current", func(t *testing.T) {
		e := newTestEngine(t)
		e.Update(t0, charging(CableHV))

		now := t0
		for range 10 {
			now = now.Add(30 * time.Second)
			e.SafetyTick(now)
		}
		assert.Equal(t, 10*time.Hour-5*time.Minute, e.SafetyBudgetRemaining())
	})

	t.Run("expiry disables charging until reset", func(t *testing.T) {
		e := newTestEngine(t, func(c *Config) { c.Safety.Budget = time.Minute })
		e.Update(t0, charging(CableHV))

		e.SafetyTick(t0.Add(30 * time.Second))
		require.False(t, effective(t, e, ResourceChgDisable).Active)
		e.SafetyTick(t0.Add(60 * time.Second))

		want := voter.Effective{Value: 1, Voter: VoterSafetyTimer, Active: true}
		assert.Equal(t, want, effective(t, e, ResourceChgDisable))
		assert.True(t, e.flags.Test(SafetyTimerExpired))
		assert.False(t, e.safetySlot.Armed())

		for i := range 5 {
			now := t0.Add(time.Duration(90+i*30) * time.Second)
			e.Update(now, charging(CableHV))
			e.SafetyTick(now)
			assert.Equal(t, want, effective(t, e, ResourceChgDisable))
		}
		assert.True(t, e.publish(t0).SafetyExpired)

		e.ResetSafetyTimer(t0.Add(10 * time.Minute))
		assert.False(t, effective(t, e, ResourceChgDisable).Active)
		assert.False(t, e.flags.Test(SafetyTimerExpired))
		assert.True(t, e.timer.Armed())
		assert.Equal(t, time.Minute, e.SafetyBudgetRemaining())
		assert.Equal(t, StateCharging, e.chargeState())
	})

	t.Run("screen on pauses the budget", func(t *testing.T) {
		e := newTestEngine(t)
		snap := charging(CableHV)
		e.Update(t0, snap)

		snap.ScreenOn = true
		e.Update(t0.Add(30*time.Second), snap)
		assert.True(t, e.flags.Test(ScreenOn))
		e.SafetyTick(t0.Add(10 * time.Minute))

		snap.ScreenOn = false
		e.Update(t0.Add(20*time.Minute), snap)
		e.SafetyTick(t0.Add(21 * time.Minute))

		assert.Equal(t, 10*time.Hour-90*time.Second, e.SafetyBudgetRemaining())
	})

	t.Run("screen toggles do not count as discharge samples", func(t *testing.T) {
		e := newTestEngine(t)
		snap := charging(CableHV)
		e.Update(t0, snap)
		e.SafetyTick(t0.Add(time.Hour))
		require.Equal(t, 9*time.Hour, e.SafetyBudgetRemaining())

		snap.Current = -200
		for i := range 4 {
			now := t0.Add(time.Hour + time.Duration(i)*2*time.Minute)
			snap.ScreenOn = true
			e.Update(now, snap)
			e.SafetyTick(now.Add(30 * time.Second))
			snap.ScreenOn = false
			e.Update(now.Add(time.Minute), snap)
		}

		// Four scheduled discharge ticks are one short of a restore
		assert.Equal(t, 9*time.Hour-3*time.Minute, e.SafetyBudgetRemaining())
	})

	t.Run("another disable voter pauses the budget", func(t *testing.T) {
		e := newTestEngine(t)
		snap := charging(CableHV)
		e.Update(t0, snap)
		e.SafetyTick(t0.Add(time.Minute))

		snap.Voltage = 4600
		e.Update(t0.Add(time.Minute), snap)
		e.SafetyTick(t0.Add(time.Hour))
		snap.Voltage = 4300
		e.Update(t0.Add(time.Hour), snap)
		e.SafetyTick(t0.Add(time.Hour + time.Minute))
		e.SafetyTick(t0.Add(time.Hour + 2*time.Minute))

		assert.Equal(t, 10*time.Hour-2*time.Minute, e.SafetyBudgetRemaining())
	})
}

func TestTimeToFull(t *testing.T) {
	e := newTestEngine(t)
	e.Update(t0, charging(CableHV))
	assert.True(t, e.ttfSlot.Armed())
	assert.Equal(t, ttf.Unknown, e.TimeToFull())

	// Still pending, so further cycles do not request again
	e.Update(t0, charging(CableHV))
	assert.True(t, e.ttf.Pending())

	e.completeTTF(t0)
	want := ttf.Estimate(500, 3000, 4500, DefaultConfig().TTF.Curve)
	assert.Equal(t, want, e.TimeToFull())
	assert.GreaterOrEqual(t, e.TimeToFull(), ttf.MinSeconds)

	e.Update(t0, charging(CableNone))
	assert.Equal(t, ttf.Unknown, e.TimeToFull())
}

func TestDetach(t *testing.T) {
	e := newTestEngine(t)
	snap := charging(CableHV)
	snap.Temp = 460
	snap.ThermalLevel = 40
	snap.UserMode = ModeProtect
	snap.SoC = 900
	e.Update(t0, snap)
	e.CastExternal(ResourceFCC, "user_limit", true, 900)
	e.CastExternal(ResourceFCC, VoterJeita, true, 10)
	require.Equal(t, voter.Effective{Value: 900, Voter: "user_limit", Active: true}, effective(t, e, ResourceFCC))
	require.NotZero(t, e.Events())

	e.Update(t0.Add(time.Minute), charging(CableNone))

	for _, name := range e.Resources() {
		for _, v := range e.Votes(name) {
			if IsCoreVoter(v.Voter) {
				assert.False(t, v.Enabled, "%s/%s", name, v.Voter)
			}
		}
	}
	assert.Equal(t, voter.Effective{Value: 900, Voter: "user_limit", Active: true}, effective(t, e, ResourceFCC))
	assert.False(t, effective(t, e, ResourceChgDisable).Active)
	assert.False(t, e.ttfSlot.Armed())
	assert.False(t, e.safetySlot.Armed())
	assert.True(t, e.monitor.Armed())
	assert.False(t, e.timer.Armed())
	assert.Equal(t, Event(0), e.Events())
	assert.Equal(t, StateDischarging, e.chargeState())
	assert.Empty(t, e.publish(t0).Session)
}

func TestDetachDropsFiredSessionTasks(t *testing.T) {
	e := newTestEngine(t, func(c *Config) {
		c.Timing.TTFDelay = time.Millisecond
		c.Timing.SafetyInterval = time.Millisecond
	})
	e.Update(t0, charging(CableHV))
	time.Sleep(20 * time.Millisecond)

	e.Update(t0, charging(CableNone))
	time.Sleep(20 * time.Millisecond)

	for {
		select {
		case f := <-e.sched.Fired():
			if f.Task() != TaskMonitor {
				assert.False(t, f.Claim(), f.Task().String())
			}
			continue
		default:
		}
		break
	}
}

func TestPersistence(t *testing.T) {
	t.Run("sessions are recorded", func(t *testing.T) {
		st := newMemStore()
		e := New(DefaultConfig(), Options{Store: st})
		t.Cleanup(e.sched.Stop)

		e.Update(t0, charging(CablePD))
		id := e.session
		e.Update(t0.Add(time.Hour), charging(CableNone))

		require.Contains(t, st.sessions, id)
		sess := st.sessions[id]
		assert.Equal(t, "pd", sess.Cable)
		assert.Equal(t, t0, sess.StartedAt)
		assert.Equal(t, t0.Add(time.Hour), sess.EndedAt)
		assert.Equal(t, "detach", sess.EndReason)
	})

	t.Run("recent budget is restored on attach", func(t *testing.T) {
		st := newMemStore()
		st.safety = store.SafetyRecord{Remaining: 4 * time.Hour, Armed: true, SavedAt: t0.Add(-time.Minute)}
		st.saved = true

		e := New(DefaultConfig(), Options{Store: st})
		t.Cleanup(e.sched.Stop)
		e.Update(t0, charging(CableHV))
		assert.Equal(t, 4*time.Hour, e.SafetyBudgetRemaining())
	})

	t.Run("stale budget is not restored", func(t *testing.T) {
		st := newMemStore()
		st.safety = store.SafetyRecord{Remaining: 4 * time.Hour, Armed: true, SavedAt: t0.Add(-time.Hour)}
		st.saved = true

		e := New(DefaultConfig(), Options{Store: st})
		t.Cleanup(e.sched.Stop)
		e.Update(t0, charging(CableHV))
		assert.Equal(t, 10*time.Hour, e.SafetyBudgetRemaining())
	})

	t.Run("expired budget stays expired across a restart", func(t *testing.T) {
		st := newMemStore()
		cfg := DefaultConfig()
		cfg.Safety.Budget = time.Minute

		first := New(cfg, Options{Store: st})
		t.Cleanup(first.sched.Stop)
		first.Update(t0, charging(CableHV))
		first.SafetyTick(t0.Add(30 * time.Second))
		first.SafetyTick(t0.Add(60 * time.Second))
		require.True(t, st.safety.Expired)

		e := New(cfg, Options{Store: st})
		t.Cleanup(e.sched.Stop)
		e.Update(t0.Add(70*time.Second), charging(CableHV))

		want := voter.Effective{Value: 1, Voter: VoterSafetyTimer, Active: true}
		assert.Equal(t, want, effective(t, e, ResourceChgDisable))
		assert.True(t, e.flags.Test(SafetyTimerExpired))
		assert.False(t, e.timer.Armed())
		assert.False(t, e.safetySlot.Armed())
		assert.Equal(t, StateNotCharging, e.chargeState())

		e.SafetyTick(t0.Add(100 * time.Second))
		assert.Equal(t, want, effective(t, e, ResourceChgDisable))

		e.ResetSafetyTimer(t0.Add(2 * time.Minute))
		assert.False(t, effective(t, e, ResourceChgDisable).Active)
		assert.True(t, e.timer.Armed())
		assert.Equal(t, StateCharging, e.chargeState())
	})

	t.Run("stale expiry is not restored", func(t *testing.T) {
		st := newMemStore()
		st.safety = store.SafetyRecord{Remaining: 10 * time.Hour, Expired: true, SavedAt: t0.Add(-time.Hour)}
		st.saved = true

		e := New(DefaultConfig(), Options{Store: st})
		t.Cleanup(e.sched.Stop)
		e.Update(t0, charging(CableHV))
		assert.False(t, effective(t, e, ResourceChgDisable).Active)
		assert.True(t, e.timer.Armed())
	})

	t.Run("ticks save the budget", func(t *testing.T) {
		st := newMemStore()
		e := New(DefaultConfig(), Options{Store: st})
		t.Cleanup(e.sched.Stop)
		e.Update(t0, charging(CableHV))
		e.SafetyTick(t0.Add(time.Hour))

		assert.Equal(t, 9*time.Hour, st.safety.Remaining)
		assert.True(t, st.safety.Armed)
		assert.Equal(t, t0.Add(time.Hour), st.safety.SavedAt)
	})
}

func TestInvalidTimingFallsBack(t *testing.T) {
	e := newTestEngine(t, func(c *Config) {
		c.Timing.MonitorActive = 0
		c.Timing.SafetyInterval = -time.Second
		c.Timing.MonitorIdle = 2 * time.Minute
	})

	def := DefaultConfig().Timing
	assert.Equal(t, def.MonitorActive, e.cfg.Timing.MonitorActive)
	assert.Equal(t, def.SafetyInterval, e.cfg.Timing.SafetyInterval)
	assert.Equal(t, 2*time.Minute, e.cfg.Timing.MonitorIdle)

	e.Update(t0, charging(CableHV))
	assert.Equal(t, def.MonitorActive, e.cadence())
}

func TestRun(t *testing.T) {
	e := New(DefaultConfig(), Options{})
	snapshots := make(chan Snapshot)
	statuses := make(chan Status)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, snapshots, statuses)
		close(done)
	}()

	next := func() Status {
		select {
		case st := <-statuses:
			return st
		case <-time.After(time.Second):
			t.Fatal("no status published")
			return Status{}
		}
	}

	snapshots <- charging(CableTA)
	st := next()
	assert.Equal(t, StateCharging, st.State)
	assert.Equal(t, CableTA, st.Cable)
	assert.Equal(t, 1550, st.Effective[ResourceICL].Value)

	require.True(t, e.Post(ExternalVoteCommand(ResourceICL, "dock", true, 1000)))
	st = next()
	assert.Equal(t, voter.Effective{Value: 1000, Voter: "dock", Active: true}, st.Effective[ResourceICL])
	assert.Equal(t, st, e.Status())

	require.True(t, e.Post(ResetSafetyTimerCommand()))
	st = next()
	assert.Equal(t, 10*time.Hour, st.SafetyRemaining)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}
