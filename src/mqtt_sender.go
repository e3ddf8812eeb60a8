package main

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ryansname/chargectl/src/charging"
	"github.com/ryansname/chargectl/src/voter"
)

// MQTTMessage represents an outgoing MQTT message
type MQTTMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MQTTSender wraps a channel for sending MQTT messages with helper methods
type MQTTSender struct {
	ch      chan<- MQTTMessage
	cfg     MQTTConfig
	enabled atomic.Bool
}

// NewMQTTSender creates a new MQTTSender wrapping the given channel
func NewMQTTSender(ch chan<- MQTTMessage, cfg MQTTConfig) *MQTTSender {
	s := &MQTTSender{ch: ch, cfg: cfg}
	s.enabled.Store(true)
	return s
}

// Send sends a raw MQTTMessage
func (s *MQTTSender) Send(msg MQTTMessage) {
	s.ch <- msg
}

// SetEnabled switches charger command publishing on or off and reports the
// new state to Home Assistant.
func (s *MQTTSender) SetEnabled(on bool) {
	s.enabled.Store(on)
	payload := "OFF"
	if on {
		payload = "ON"
	}
	s.Send(MQTTMessage{Topic: s.cfg.EnabledStateTopic(), Payload: []byte(payload), QoS: 1, Retain: true})
}

// Enabled reports whether charger commands are published.
func (s *MQTTSender) Enabled() bool {
	return s.enabled.Load()
}

// PublishCharger sends the effective value of a charger resource to its
// command topic. An inactive resource is sent as "none". Dropped while
// disabled.
func (s *MQTTSender) PublishCharger(resource string, eff voter.Effective) {
	if !s.Enabled() {
		log.Debugf("Charger commands disabled, dropping %s update", resource)
		return
	}
	s.Send(MQTTMessage{
		Topic:   s.cfg.ChargerTopic(resource),
		Payload: []byte(chargerPayload(resource, eff)),
		QoS:     1,
		Retain:  true,
	})
}

func chargerPayload(resource string, eff voter.Effective) string {
	if resource == charging.ResourceChgDisable {
		if eff.Active {
			return "ON"
		}
		return "OFF"
	}
	if !eff.Active {
		return "none"
	}
	return strconv.Itoa(eff.Value)
}

// PublishAvailability marks the daemon online or offline.
func (s *MQTTSender) PublishAvailability(online bool) {
	payload := "offline"
	if online {
		payload = "online"
	}
	s.Send(MQTTMessage{Topic: s.cfg.AvailabilityTopic(), Payload: []byte(payload), QoS: 1, Retain: true})
}

// PublishStatus sends the status document read by the discovery entities.
func (s *MQTTSender) PublishStatus(doc StatusDocument) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.Send(MQTTMessage{Topic: s.cfg.StatusTopic(), Payload: payload, QoS: 0, Retain: true})
	return nil
}

type haDeviceConfig struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

func (s *MQTTSender) device() haDeviceConfig {
	return haDeviceConfig{
		Identifiers:  []string{s.deviceID()},
		Name:         s.cfg.DeviceName,
		Manufacturer: "Custom",
		Model:        "chargectl",
	}
}

func (s *MQTTSender) deviceID() string {
	return strings.ReplaceAll(strings.ToLower(s.cfg.DeviceName), " ", "_")
}

func (s *MQTTSender) discovery(component, key string, config any) error {
	payload, err := json.Marshal(config)
	if err != nil {
		return err
	}
	s.Send(MQTTMessage{
		Topic:   s.cfg.DiscoveryPrefix + "/" + component + "/" + s.deviceID() + "_" + key + "/config",
		Payload: payload,
		QoS:     2,
		Retain:  true,
	})
	return nil
}

// CreateSensorEntity creates a Home Assistant sensor reading jsonKey from the
// status document
func (s *MQTTSender) CreateSensorEntity(
	entityName, entityClass, entityMeasure, jsonKey string,
	displayPrecision int,
) error {
	type haEntityConfig struct {
		Name              string         `json:"name,omitempty"`
		DeviceClass       string         `json:"device_class,omitempty"`
		StateTopic        string         `json:"state_topic"`
		AvailabilityTopic string         `json:"availability_topic"`
		UnitOfMeasure     string         `json:"unit_of_measurement,omitempty"`
		ValueTemplate     string         `json:"value_template"`
		UniqueId          string         `json:"unique_id"`
		ExpireAfter       uint           `json:"expire_after,omitempty"`
		StateClass        string         `json:"state_class,omitempty"`
		DisplayPrecision  int            `json:"suggested_display_precision,omitempty"`
		Device            haDeviceConfig `json:"device"`
	}

	stateClass := ""
	if entityMeasure != "" {
		stateClass = "measurement"
	}

	return s.discovery("sensor", jsonKey, haEntityConfig{
		Name:              entityName,
		DeviceClass:       entityClass,
		StateTopic:        s.cfg.StatusTopic(),
		AvailabilityTopic: s.cfg.AvailabilityTopic(),
		UnitOfMeasure:     entityMeasure,
		ValueTemplate:     "{{ value_json." + jsonKey + " }}",
		UniqueId:          s.deviceID() + "_" + jsonKey,
		ExpireAfter:       60 * 30, // 30 minutes
		StateClass:        stateClass,
		DisplayPrecision:  displayPrecision,
		Device:            s.device(),
	})
}

// CreateResetButton creates the button that resets the safety timer
func (s *MQTTSender) CreateResetButton() error {
	type haButtonConfig struct {
		Name              string         `json:"name"`
		CommandTopic      string         `json:"command_topic"`
		AvailabilityTopic string         `json:"availability_topic"`
		UniqueId          string         `json:"unique_id"`
		Icon              string         `json:"icon,omitempty"`
		Device            haDeviceConfig `json:"device"`
	}

	return s.discovery("button", "reset_safety_timer", haButtonConfig{
		Name:              "Reset Safety Timer",
		CommandTopic:      s.cfg.ResetTopic(),
		AvailabilityTopic: s.cfg.AvailabilityTopic(),
		UniqueId:          s.deviceID() + "_reset_safety_timer",
		Icon:              "mdi:timer-refresh",
		Device:            s.device(),
	})
}

// CreateRechargeNumber creates the recharge voltage input
func (s *MQTTSender) CreateRechargeNumber(current int) error {
	type haNumberConfig struct {
		Name              string         `json:"name"`
		CommandTopic      string         `json:"command_topic"`
		StateTopic        string         `json:"state_topic"`
		ValueTemplate     string         `json:"value_template"`
		AvailabilityTopic string         `json:"availability_topic"`
		UniqueId          string         `json:"unique_id"`
		Min               int            `json:"min"`
		Max               int            `json:"max"`
		Step              int            `json:"step"`
		UnitOfMeasure     string         `json:"unit_of_measurement"`
		Mode              string         `json:"mode"`
		Device            haDeviceConfig `json:"device"`
	}

	return s.discovery("number", "recharge_voltage", haNumberConfig{
		Name:              "Recharge Voltage",
		CommandTopic:      s.cfg.RechargeTopic(),
		StateTopic:        s.cfg.StatusTopic(),
		ValueTemplate:     "{{ value_json.recharge_voltage | default(" + strconv.Itoa(current) + ") }}",
		AvailabilityTopic: s.cfg.AvailabilityTopic(),
		UniqueId:          s.deviceID() + "_recharge_voltage",
		Min:               3800,
		Max:               4400,
		Step:              10,
		UnitOfMeasure:     "mV",
		Mode:              "box",
		Device:            s.device(),
	})
}

// CreateEnabledSwitch creates the switch gating charger commands
func (s *MQTTSender) CreateEnabledSwitch() error {
	type haSwitchConfig struct {
		Name              string         `json:"name"`
		StateTopic        string         `json:"state_topic"`
		CommandTopic      string         `json:"command_topic"`
		AvailabilityTopic string         `json:"availability_topic"`
		UniqueId          string         `json:"unique_id"`
		Icon              string         `json:"icon,omitempty"`
		Device            haDeviceConfig `json:"device"`
	}

	return s.discovery("switch", "enabled", haSwitchConfig{
		Name:              "Enabled",
		StateTopic:        s.cfg.EnabledStateTopic(),
		CommandTopic:      s.cfg.EnabledSetTopic(),
		AvailabilityTopic: s.cfg.AvailabilityTopic(),
		UniqueId:          s.deviceID() + "_enabled",
		Icon:              "mdi:power",
		Device:            s.device(),
	})
}

// createEntities announces every Home Assistant entity.
func createEntities(s *MQTTSender, rechargeVoltage int) error {
	sensors := []struct {
		name, class, unit, key string
		precision              int
	}{
		{"Time To Full", "duration", "s", "time_to_full", 0},
		{"Safety Timer Remaining", "duration", "s", "safety_remaining", 0},
		{"Input Current Limit", "current", "mA", "icl", 0},
		{"Fast Charge Current", "current", "mA", "fcc", 0},
		{"Float Voltage", "voltage", "mV", "fv", 0},
		{"Battery Temperature", "temperature", "°C", "temperature", 1},
		{"Battery Temperature Low (1h)", "temperature", "°C", "temp_min_1h", 1},
		{"Battery Temperature High (1h)", "temperature", "°C", "temp_max_1h", 1},
		{"Charge State", "", "", "state", 0},
		{"Charger", "", "", "cable", 0},
		{"Temperature Zone", "", "", "zone", 0},
		{"Charge Events", "", "", "events", 0},
	}
	for _, e := range sensors {
		if err := s.CreateSensorEntity(e.name, e.class, e.unit, e.key, e.precision); err != nil {
			return err
		}
	}
	if err := s.CreateResetButton(); err != nil {
		return err
	}
	if err := s.CreateRechargeNumber(rechargeVoltage); err != nil {
		return err
	}
	return s.CreateEnabledSwitch()
}

// mqttSenderWorker publishes outgoing messages, queuing them until a client
// is connected
func mqttSenderWorker(
	ctx context.Context,
	outgoingChan <-chan MQTTMessage,
	clientChan <-chan mqtt.Client,
) {
	log.Info("MQTT sender worker started")

	var client mqtt.Client
	var messageQueue []MQTTMessage

	publish := func(msg MQTTMessage) {
		token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
		token.Wait()
		if token.Error() != nil {
			log.WithError(token.Error()).WithField("topic", msg.Topic).Warn("Failed to publish")
		}
	}

	for {
		select {
		case newClient := <-clientChan:
			log.Debug("MQTT sender worker received new client")
			client = newClient

			if client != nil && client.IsConnected() {
				for _, msg := range messageQueue {
					publish(msg)
				}
				if len(messageQueue) > 0 {
					log.Infof("MQTT sender worker processed %d queued messages", len(messageQueue))
				}
				messageQueue = nil
			}

		case msg := <-outgoingChan:
			if client != nil && client.IsConnected() {
				publish(msg)
			} else {
				messageQueue = append(messageQueue, msg)
				log.Debugf("MQTT sender worker queued message (total queued: %d)", len(messageQueue))
			}

		case <-ctx.Done():
			log.Info("MQTT sender worker stopped")
			return
		}
	}
}
