package charging

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ryansname/chargectl/src/governor"
	"github.com/ryansname/chargectl/src/ttf"
)

const noThrottle = 100

// evalJeita votes the temperature limits and classifies the zone. Without a
// temperature reading the lowest current and voltage of the tables apply.
func (e *Engine) evalJeita(s Snapshot) {
	table := e.jeitaCurrent.Table()
	if len(table) == 0 {
		e.fcc.Retract(VoterJeita)
		e.chgDisable.Retract(VoterJeita)
		e.zone = ZoneNormal
		e.flags.Update(0, HighTempLimit|LowTempLimit|HighTempSwelling|LowTempSwelling)
	} else {
		var cur int
		if s.Has(SensorTemp) {
			idx, value, _ := e.jeitaCurrent.Resolve(s.Temp)
			cur = value
			e.zone = e.zoneOf(table[idx])
		} else {
			e.jeitaCurrent.Reset()
			cur = table.MinValue()
			e.zone = ZoneUnknown
		}
		e.fcc.Cast(VoterJeita, true, cur)
		e.chgDisable.Cast(VoterJeita, cur == 0, 1)

		limited := cur < e.profile.FastChargeCurrent
		var ev Event
		switch e.zone {
		case ZoneCold:
			ev = LowTempSwelling
			if limited {
				ev |= LowTempLimit
			}
		case ZoneHot:
			ev = HighTempSwelling
			if limited {
				ev |= HighTempLimit
			}
		}
		e.flags.Update(ev, HighTempLimit|LowTempLimit|HighTempSwelling|LowTempSwelling)
	}

	vtable := e.jeitaVoltage.Table()
	switch {
	case len(vtable) == 0:
		e.fv.Retract(VoterJeita)
	case s.Has(SensorTemp):
		_, fv, _ := e.jeitaVoltage.Resolve(s.Temp)
		e.fv.Cast(VoterJeita, true, fv)
	default:
		e.jeitaVoltage.Reset()
		e.fv.Cast(VoterJeita, true, vtable.MinValue())
	}
}

func (e *Engine) zoneOf(r governor.Range) Zone {
	switch {
	case r.High <= e.cfg.Jeita.SwellingLow:
		return ZoneCold
	case r.Low >= e.cfg.Jeita.SwellingHigh:
		return ZoneHot
	default:
		return ZoneNormal
	}
}

// evalStep votes the step charging current keyed by voltage or SoC. A missing
// key falls back to the lowest step.
func (e *Engine) evalStep(s Snapshot) {
	table := e.step.Table()
	if len(table) == 0 {
		e.fcc.Retract(VoterStep)
		e.flags.Clear(StepCharging)
		return
	}

	key, sensor := s.Voltage, SensorVoltage
	if e.cfg.Step.Key == StepBySoC {
		key, sensor = s.SoC, SensorSoC
	}

	var cur int
	if s.Has(sensor) {
		_, cur, _ = e.step.Resolve(key)
	} else {
		e.step.Reset()
		cur = table.MinValue()
	}
	e.fcc.Cast(VoterStep, true, cur)
	e.flags.Toggle(StepCharging, cur < e.profile.FastChargeCurrent)
}

// evalThermal votes the thermal caps. Level 100, or no level at all, requests
// no throttling.
func (e *Engine) evalThermal(s Snapshot) {
	level := noThrottle
	if s.Has(SensorThermal) {
		level = min(max(s.ThermalLevel, 0), noThrottle)
	}

	fccTable, iclTable := e.thermalFCC.Table(), e.thermalICL.Table()
	if level >= noThrottle || (len(fccTable) == 0 && len(iclTable) == 0) {
		if e.flags.Test(ThermalLimit) {
			e.log.WithField("session", e.session).Info("Thermal throttling lifted")
		}
		e.fcc.Retract(VoterSIOP)
		e.icl.Retract(VoterSIOP)
		e.thermalFCC.Reset()
		e.thermalICL.Reset()
		e.flags.Clear(ThermalLimit)
		return
	}

	if _, fcc, ok := e.thermalFCC.Resolve(level); ok {
		e.fcc.Cast(VoterSIOP, true, fcc)
	}
	if _, icl, ok := e.thermalICL.Resolve(level); ok {
		e.icl.Cast(VoterSIOP, true, icl)
	}
	e.flags.Set(ThermalLimit)
}

// evalOVP disables charging above the overvoltage threshold until the voltage
// falls back below threshold minus hysteresis.
func (e *Engine) evalOVP(s Snapshot) {
	if !s.Has(SensorVoltage) {
		return
	}
	b := e.cfg.Battery
	tripped := e.flags.Test(VbatOVP)
	switch {
	case !tripped && s.Voltage > b.OVPVoltage:
		e.flags.Set(VbatOVP)
		e.chgDisable.Cast(VoterVbatOVP, true, 1)
		e.log.WithFields(logrus.Fields{
			"session": e.session,
			"voltage": s.Voltage,
			"limit":   b.OVPVoltage,
		}).Warn("Battery overvoltage, charging disabled")
	case tripped && s.Voltage < b.OVPVoltage-b.OVPHysteresis:
		e.flags.Clear(VbatOVP)
		e.chgDisable.Cast(VoterVbatOVP, false, 0)
		e.log.WithFields(logrus.Fields{"session": e.session, "voltage": s.Voltage}).Info("Battery overvoltage cleared")
	}
}

// evalChargeLimit stops charging at the protect mode SoC and resumes below it
// by the hysteresis.
func (e *Engine) evalChargeLimit(s Snapshot) {
	limited := e.flags.Test(ChargeLimit)
	if s.UserMode != ModeProtect {
		if limited {
			e.flags.Clear(ChargeLimit)
			e.chgDisable.Cast(VoterChgLimit, false, 0)
		}
		return
	}
	if !s.Has(SensorSoC) {
		return
	}

	lim := e.cfg.ChargeLimit
	switch {
	case !limited && s.SoC >= lim.SoC:
		e.flags.Set(ChargeLimit)
		e.chgDisable.Cast(VoterChgLimit, true, 1)
		e.log.WithFields(logrus.Fields{"session": e.session, "soc": s.SoC}).Info("Charge limit reached")
	case limited && s.SoC < lim.SoC-lim.Hysteresis:
		e.flags.Clear(ChargeLimit)
		e.chgDisable.Cast(VoterChgLimit, false, 0)
		e.log.WithFields(logrus.Fields{"session": e.session, "soc": s.SoC}).Info("Charge limit released")
	}
}

// evalFull detects the end of charge and the recharge point.
func (e *Engine) evalFull(now time.Time, s Snapshot) {
	b := e.cfg.Battery
	if e.full {
		if !s.Has(SensorVoltage) || s.Voltage >= e.rechargeVoltage {
			return
		}
		e.full, e.fullCount = false, 0
		e.flags.Clear(Full)
		e.chgDisable.Cast(VoterFull, false, 0)
		e.timer.Arm(now, true)
		e.safetySlot.Rearm(e.cfg.Timing.SafetyInterval)
		e.log.WithFields(logrus.Fields{
			"session": e.session,
			"voltage": s.Voltage,
			"limit":   e.rechargeVoltage,
		}).Info("Recharge started")
		return
	}

	if e.chargeState() != StateCharging {
		e.fullCount = 0
		return
	}
	if s.Has(SensorSoC|SensorCurrent) && s.SoC >= ttf.FullSoC && abs(s.Current) <= b.TopoffCurrent {
		e.fullCount++
	} else {
		e.fullCount = 0
	}
	if e.fullCount < max(b.FullCheckCount, 1) {
		return
	}

	e.full = true
	e.flags.Set(Full)
	e.chgDisable.Cast(VoterFull, true, 1)
	e.timer.Disarm()
	e.safetySlot.Cancel()
	e.ttfSlot.Cancel()
	e.ttf.Reset()
	e.log.WithField("session", e.session).Info("Battery full, charging stopped")
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
