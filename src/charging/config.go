package charging

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ryansname/chargectl/src/governor"
	"github.com/ryansname/chargectl/src/safety"
	"github.com/ryansname/chargectl/src/ttf"
)

// Config holds the static charging configuration, loaded once at startup
type Config struct {
	Battery     BatteryConfig     `yaml:"battery"`
	Profiles    Profiles          `yaml:"profiles"`
	Jeita       JeitaConfig       `yaml:"jeita"`
	Step        StepConfig        `yaml:"step"`
	Thermal     ThermalConfig     `yaml:"thermal"`
	ChargeLimit ChargeLimitConfig `yaml:"charge_limit"`
	Safety      safety.Config     `yaml:"safety_timer"`
	TTF         ttf.Config        `yaml:"ttf"`
	Timing      TimingConfig      `yaml:"timing"`
}

// BatteryConfig holds cell limits, all in mV or mA
type BatteryConfig struct {
	FloatVoltage    int `yaml:"float_voltage"`
	RechargeVoltage int `yaml:"recharge_voltage"`
	TopoffCurrent   int `yaml:"topoff_current"`
	FullCheckCount  int `yaml:"full_check_count"`
	OVPVoltage      int `yaml:"ovp_voltage"`
	OVPHysteresis   int `yaml:"ovp_hysteresis"`
}

// JeitaConfig holds the temperature keyed tables, in 0.1 °C.
// Current entries lying wholly at or below SwellingLow form the cold zone,
// those wholly at or above SwellingHigh the hot zone.
type JeitaConfig struct {
	Current      []governor.Range `yaml:"current"`
	Voltage      []governor.Range `yaml:"voltage"`
	Hysteresis   int              `yaml:"hysteresis"`
	SwellingLow  int              `yaml:"swelling_low"`
	SwellingHigh int              `yaml:"swelling_high"`
}

// StepKey selects the input of the step charging table
type StepKey string

const (
	StepByVoltage StepKey = "voltage"
	StepBySoC     StepKey = "soc"
)

// StepConfig holds the step charging table keyed by voltage (mV) or SoC (0.1%)
type StepConfig struct {
	Key        StepKey          `yaml:"key"`
	Table      []governor.Range `yaml:"table"`
	Hysteresis int              `yaml:"hysteresis"`
}

// ThermalConfig holds the thermal level keyed caps. Level 100 means no
// throttling is requested.
type ThermalConfig struct {
	FastCharge []governor.Range `yaml:"fast_charge"`
	Input      []governor.Range `yaml:"input"`
	Hysteresis int              `yaml:"hysteresis"`
}

// ChargeLimitConfig holds the protect mode stop point in 0.1% SoC
type ChargeLimitConfig struct {
	SoC        int `yaml:"soc"`
	Hysteresis int `yaml:"hysteresis"`
}

// TimingConfig holds the scheduling cadences
type TimingConfig struct {
	MonitorActive  time.Duration `yaml:"monitor_active"`
	MonitorIdle    time.Duration `yaml:"monitor_idle"`
	TTFDelay       time.Duration `yaml:"ttf_delay"`
	SafetyInterval time.Duration `yaml:"safety_interval"`
	RestoreWindow  time.Duration `yaml:"restore_window"`
}

// DefaultConfig returns a complete configuration for a 4500 mAh single cell
func DefaultConfig() Config {
	return Config{
		Battery: BatteryConfig{
			FloatVoltage:    4400,
			RechargeVoltage: 4280,
			TopoffCurrent:   250,
			FullCheckCount:  3,
			OVPVoltage:      4500,
			OVPHysteresis:   100,
		},
		Profiles: Profiles{
			CableUSB:        {InputCurrent: 500, FastChargeCurrent: 500},
			CableTA:         {InputCurrent: 1550, FastChargeCurrent: 2100},
			CableHV:         {InputCurrent: 1650, FastChargeCurrent: 3150},
			CablePD:         {InputCurrent: 3000, FastChargeCurrent: 4000},
			CablePPS:        {InputCurrent: 3000, FastChargeCurrent: 4500},
			CableWireless:   {InputCurrent: 750, FastChargeCurrent: 1000},
			CableHVWireless: {InputCurrent: 1200, FastChargeCurrent: 1800},
		},
		Jeita: JeitaConfig{
			Current: []governor.Range{
				{Low: -400, High: 0, Value: 0},
				{Low: 1, High: 100, Value: 500},
				{Low: 101, High: 150, Value: 1500},
				{Low: 151, High: 420, Value: 4500},
				{Low: 421, High: 480, Value: 1500},
				{Low: 481, High: 800, Value: 0},
			},
			Voltage: []governor.Range{
				{Low: -400, High: 150, Value: 4200},
				{Low: 151, High: 420, Value: 4400},
				{Low: 421, High: 800, Value: 4100},
			},
			Hysteresis:   20,
			SwellingLow:  150,
			SwellingHigh: 421,
		},
		Step: StepConfig{
			Key: StepByVoltage,
			Table: []governor.Range{
				{Low: 0, High: 4100, Value: 4500},
				{Low: 4101, High: 4250, Value: 3000},
				{Low: 4251, High: 4350, Value: 2000},
				{Low: 4351, High: 5000, Value: 1500},
			},
			Hysteresis: 30,
		},
		Thermal: ThermalConfig{
			FastCharge: []governor.Range{
				{Low: 0, High: 29, Value: 500},
				{Low: 30, High: 59, Value: 1000},
				{Low: 60, High: 89, Value: 2000},
				{Low: 90, High: 100, Value: 4500},
			},
			Input: []governor.Range{
				{Low: 0, High: 29, Value: 500},
				{Low: 30, High: 59, Value: 1000},
				{Low: 60, High: 89, Value: 1500},
				{Low: 90, High: 100, Value: 3000},
			},
			Hysteresis: 3,
		},
		ChargeLimit: ChargeLimitConfig{SoC: 850, Hysteresis: 20},
		Safety: safety.Config{
			Budget:           10 * time.Hour,
			RechargeBudget:   3 * time.Hour,
			ReferenceCurrent: 2100,
			DischargeCount:   safety.DefaultDischargeCount,
			ScreenPolicy:     safety.ScreenPause,
		},
		TTF: ttf.Config{
			Capacity: 4500,
			Curve: ttf.Curve{
				{Current: 3000, SoC: 780, Time: 2400},
				{Current: 2000, SoC: 860, Time: 1600},
				{Current: 1000, SoC: 930, Time: 900},
				{Current: 500, SoC: 970, Time: 400},
			},
			Currents: ttf.Currents{
				Default:        2000,
				HV:             3000,
				Direct:         4500,
				Wireless:       900,
				HVWireless:     1600,
				PDCeiling:      4000,
				PDVoltage:      9000,
				PDPowerPercent: 90,
			},
		},
		Timing: TimingConfig{
			MonitorActive:  10 * time.Second,
			MonitorIdle:    time.Minute,
			TTFDelay:       5 * time.Second,
			SafetyInterval: 30 * time.Second,
			RestoreWindow:  5 * time.Minute,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Tables present in the file
// replace the default tables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every malformed table and constant. The engine tolerates
// all of these at runtime; this is for check-config.
func (c Config) Validate() error {
	var errs []error
	check := func(name string, entries []governor.Range) {
		if _, err := governor.NewRangeTable(entries); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	check("jeita.current", c.Jeita.Current)
	check("jeita.voltage", c.Jeita.Voltage)
	check("step.table", c.Step.Table)
	check("thermal.fast_charge", c.Thermal.FastCharge)
	check("thermal.input", c.Thermal.Input)

	if err := c.TTF.Curve.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ttf.cv_curve: %w", err))
	}
	if err := c.Safety.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("safety_timer: %w", err))
	}
	switch c.Step.Key {
	case StepByVoltage, StepBySoC:
	default:
		errs = append(errs, fmt.Errorf("step.key: unknown key %q", c.Step.Key))
	}
	for cable := range c.Profiles {
		if _, err := ParseCable(string(cable)); err != nil {
			errs = append(errs, fmt.Errorf("profiles: %w", err))
		}
	}
	if c.Battery.OVPVoltage <= c.Battery.OVPHysteresis {
		errs = append(errs, errors.New("battery: ovp_voltage must exceed ovp_hysteresis"))
	}
	if c.Timing.MonitorActive <= 0 || c.Timing.MonitorIdle <= 0 || c.Timing.SafetyInterval <= 0 {
		errs = append(errs, errors.New("timing: cadences must be positive"))
	}
	return errors.Join(errs...)
}
