package main

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// SensorMessage represents an MQTT message with topic and value
type SensorMessage struct {
	Topic string
	Value string
}

// mqttWorker manages the MQTT connection and forwards messages for each
// subscribed topic filter to its channel
func mqttWorker(
	ctx context.Context,
	cfg MQTTConfig,
	username, password string,
	subscriptions map[string]chan<- SensorMessage,
	clientChan chan<- mqtt.Client,
) {
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(username)
	opts.SetPassword(password)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetWill(cfg.AvailabilityTopic(), "offline", 1, true)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost")
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.WithField("broker", broker).Info("Connected to MQTT broker")

		// Send the new client to the sender worker
		select {
		case clientChan <- client:
		case <-ctx.Done():
			return
		}

		for filter, ch := range subscriptions {
			token := client.Subscribe(filter, 0, forwardTo(ctx, ch))
			if token.Wait() && token.Error() != nil {
				log.WithError(token.Error()).WithField("topic", filter).Error("Failed to subscribe")
			} else {
				log.WithField("topic", filter).Debug("Subscribed")
			}
		}
	})

	client := mqtt.NewClient(opts)

	log.WithField("broker", broker).Info("Connecting to MQTT broker")
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.WithError(token.Error()).Error("Failed to connect to MQTT broker")
		return
	}

	<-ctx.Done()

	if client.IsConnected() {
		// The will only fires on an unclean disconnect
		client.Publish(cfg.AvailabilityTopic(), 1, true, "offline").WaitTimeout(time.Second)
		client.Disconnect(250)
		log.Info("Disconnected from MQTT broker")
	}
}

func forwardTo(ctx context.Context, ch chan<- SensorMessage) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		value := string(msg.Payload())

		// Home Assistant publishes these when a sensor drops out
		if value == "Undefined" || value == "unavailable" || value == "unknown" {
			value = ""
		}

		select {
		case ch <- SensorMessage{Topic: msg.Topic(), Value: value}:
		case <-ctx.Done():
		}
	}
}
