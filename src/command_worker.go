package main

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/ryansname/chargectl/src/charging"
	"github.com/ryansname/chargectl/src/voter"
)

// engineControl is the part of the engine the operator surfaces use
type engineControl interface {
	Post(cmd charging.Command) bool
	Effective(resource string) (voter.Effective, bool)
	Resources() []string
}

type commandKind int

const (
	cmdResetSafety commandKind = iota
	cmdRecharge
	cmdEnable
	cmdVote
)

// operatorCommand is a parsed command message
type operatorCommand struct {
	kind     commandKind
	value    int
	enabled  bool
	resource string
	voter    voter.Voter
}

// parseCommand decodes a message received on one of the command topics.
func parseCommand(cfg MQTTConfig, msg SensorMessage) (operatorCommand, error) {
	value := strings.TrimSpace(msg.Value)

	switch msg.Topic {
	case cfg.ResetTopic():
		return operatorCommand{kind: cmdResetSafety}, nil

	case cfg.RechargeTopic():
		mv, err := parseMillis(value)
		if err != nil {
			return operatorCommand{}, fmt.Errorf("recharge voltage: %w", err)
		}
		return operatorCommand{kind: cmdRecharge, value: mv}, nil

	case cfg.EnabledSetTopic():
		switch strings.ToUpper(value) {
		case "ON":
			return operatorCommand{kind: cmdEnable, enabled: true}, nil
		case "OFF":
			return operatorCommand{kind: cmdEnable}, nil
		}
		return operatorCommand{}, fmt.Errorf("enabled: unexpected payload %q", value)
	}

	// <base>/vote/<resource>/<voter>/set
	rest, ok := strings.CutPrefix(msg.Topic, cfg.BaseTopic+"/vote/")
	parts := strings.Split(rest, "/")
	if !ok || len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return operatorCommand{}, fmt.Errorf("unexpected command topic %s", msg.Topic)
	}
	cmd := operatorCommand{kind: cmdVote, resource: strings.ToUpper(parts[0]), voter: voter.Voter(parts[1])}
	if value == "" || strings.EqualFold(value, "off") {
		return cmd, nil
	}
	v, err := parseMillis(value)
	if err != nil {
		return operatorCommand{}, fmt.Errorf("vote %s/%s: %w", parts[0], parts[1], err)
	}
	cmd.enabled, cmd.value = true, v
	return cmd, nil
}

// parseMillis accepts integer or decimal payloads and rounds them.
func parseMillis(s string) (int, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int(math.Round(f)), nil
}

// applyCommand runs a parsed command against the engine and the sender.
func applyCommand(cmd operatorCommand, engine engineControl, sender *MQTTSender) error {
	var posted bool
	switch cmd.kind {
	case cmdResetSafety:
		log.Info("Safety timer reset requested")
		posted = engine.Post(charging.ResetSafetyTimerCommand())

	case cmdRecharge:
		posted = engine.Post(charging.SetRechargeVoltageCommand(cmd.value))

	case cmdEnable:
		log.WithField("enabled", cmd.enabled).Info("Charger commands toggled")
		sender.SetEnabled(cmd.enabled)
		if cmd.enabled {
			publishEffective(engine, sender)
		}
		return nil

	case cmdVote:
		if !slices.Contains(engine.Resources(), cmd.resource) {
			return fmt.Errorf("unknown resource %s", cmd.resource)
		}
		if charging.IsCoreVoter(cmd.voter) {
			return fmt.Errorf("voter %s is reserved", cmd.voter)
		}
		posted = engine.Post(charging.ExternalVoteCommand(cmd.resource, cmd.voter, cmd.enabled, cmd.value))
	}

	if !posted {
		return fmt.Errorf("engine command queue full")
	}
	return nil
}

// publishEffective sends the effective value of every charger resource.
func publishEffective(engine engineControl, sender *MQTTSender) {
	for _, resource := range engine.Resources() {
		if eff, ok := engine.Effective(resource); ok {
			sender.PublishCharger(resource, eff)
		}
	}
}

// commandWorker applies operator commands received over MQTT
func commandWorker(
	ctx context.Context,
	cfg MQTTConfig,
	commandChan <-chan SensorMessage,
	engine engineControl,
	sender *MQTTSender,
) {
	log.Info("Command worker started")
	for {
		select {
		case msg := <-commandChan:
			cmd, err := parseCommand(cfg, msg)
			if err == nil {
				err = applyCommand(cmd, engine, sender)
			}
			if err != nil {
				log.WithError(err).WithField("topic", msg.Topic).Warn("Rejected command")
			}

		case <-ctx.Done():
			log.Info("Command worker stopped")
			return
		}
	}
}
