package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ryansname/chargectl/src/charging"
)

// SensorTopic maps one MQTT state topic onto a snapshot field
type SensorTopic struct {
	Topic string `yaml:"topic"`
	// Scale converts the published value into engine units (0.1 °C, mV, mA,
	// 0.1 %, mW). Zero means 1.
	Scale float64 `yaml:"scale"`
}

// SensorTopics holds the state topics that make up a snapshot
type SensorTopics struct {
	Temp            SensorTopic `yaml:"temp"`
	Voltage         SensorTopic `yaml:"voltage"`
	Current         SensorTopic `yaml:"current"`
	InputVoltage    SensorTopic `yaml:"input_voltage"`
	SoC             SensorTopic `yaml:"soc"`
	Thermal         SensorTopic `yaml:"thermal"`
	NegotiatedPower SensorTopic `yaml:"negotiated_power"`
	Cable           string      `yaml:"cable"`
	Screen          string      `yaml:"screen"`
	UserMode        string      `yaml:"user_mode"`
}

// List returns every configured topic, skipping empty ones.
func (t SensorTopics) List() []string {
	all := []string{
		t.Temp.Topic, t.Voltage.Topic, t.Current.Topic, t.InputVoltage.Topic,
		t.SoC.Topic, t.Thermal.Topic, t.NegotiatedPower.Topic,
		t.Cable, t.Screen, t.UserMode,
	}
	topics := make([]string, 0, len(all))
	for _, topic := range all {
		if topic != "" {
			topics = append(topics, topic)
		}
	}
	return topics
}

// MQTTConfig holds broker settings and the topic layout
type MQTTConfig struct {
	Broker          string        `yaml:"broker"`
	Port            int           `yaml:"port"`
	ClientID        string        `yaml:"client_id"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	BaseTopic       string        `yaml:"base_topic"`
	DeviceName      string        `yaml:"device_name"`
	Topics          SensorTopics  `yaml:"topics"`
	CurrentWindow   time.Duration `yaml:"current_window"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	StatusInterval  time.Duration `yaml:"status_interval"`
}

// Topic layout under the base topic
func (c MQTTConfig) AvailabilityTopic() string { return c.BaseTopic + "/availability" }
func (c MQTTConfig) StatusTopic() string { return c.BaseTopic + "/status" }
func (c MQTTConfig) ResetTopic() string { return c.BaseTopic + "/safety_timer/reset" }
func (c MQTTConfig) RechargeTopic() string { return c.BaseTopic + "/recharge_voltage/set" }
func (c MQTTConfig) EnabledStateTopic() string { return c.BaseTopic + "/enabled/state" }
func (c MQTTConfig) EnabledSetTopic() string { return c.BaseTopic + "/enabled/set" }
func (c MQTTConfig) VoteFilter() string { return c.BaseTopic + "/vote/+/+/set" }
func (c MQTTConfig) ChargerTopic(resource string) string {
	return c.BaseTopic + "/charger/" + strings.ToLower(resource) + "/set"
}

// CommandTopics lists the topics carrying operator commands.
func (c MQTTConfig) CommandTopics() []string {
	return []string{c.ResetTopic(), c.RechargeTopic(), c.EnabledSetTopic(), c.VoteFilter()}
}

func defaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:          "homeassistant.lan",
		Port:            1883,
		ClientID:        "chargectl",
		DiscoveryPrefix: "homeassistant",
		BaseTopic:       "chargectl",
		DeviceName:      "Chargectl",
		Topics: SensorTopics{
			Temp:            SensorTopic{Topic: "homeassistant/sensor/phone_battery_temperature/state", Scale: 10},
			Voltage:         SensorTopic{Topic: "homeassistant/sensor/phone_battery_voltage/state", Scale: 1000},
			Current:         SensorTopic{Topic: "homeassistant/sensor/phone_battery_current/state", Scale: 1000},
			InputVoltage:    SensorTopic{Topic: "homeassistant/sensor/phone_charger_voltage/state", Scale: 1000},
			SoC:             SensorTopic{Topic: "homeassistant/sensor/phone_battery_level/state", Scale: 10},
			Thermal:         SensorTopic{Topic: "homeassistant/sensor/phone_thermal_level/state", Scale: 1},
			NegotiatedPower: SensorTopic{Topic: "homeassistant/sensor/phone_charger_power/state", Scale: 1000},
			Cable:           "homeassistant/sensor/phone_charger_type/state",
			Screen:          "homeassistant/binary_sensor/phone_screen/state",
			UserMode:        "homeassistant/select/phone_charge_mode/state",
		},
		CurrentWindow:  30 * time.Second,
		StaleAfter:     5 * time.Minute,
		StatusInterval: 30 * time.Second,
	}
}

// DaemonConfig holds the charging tables plus the MQTT wiring
type DaemonConfig struct {
	charging.Config `yaml:",inline"`
	MQTT            MQTTConfig `yaml:"mqtt"`
}

// loadDaemonConfig reads path over the defaults. An empty path gives the
// defaults.
func loadDaemonConfig(path string) (DaemonConfig, error) {
	cfg := DaemonConfig{Config: charging.DefaultConfig(), MQTT: defaultMQTTConfig()}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the charging tables and the MQTT layout.
func (c DaemonConfig) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.MQTT.BaseTopic == "" || strings.ContainsAny(c.MQTT.BaseTopic, "+#") {
		return fmt.Errorf("mqtt.base_topic %q is not a valid topic prefix", c.MQTT.BaseTopic)
	}
	return nil
}
