package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/chargectl/src/charging"
	"github.com/ryansname/chargectl/src/voter"
)

func TestChargerPayload(t *testing.T) {
	assert.Equal(t, "1500", chargerPayload(charging.ResourceFCC, voter.Effective{Value: 1500, Voter: "jeita", Active: true}))
	assert.Equal(t, "none", chargerPayload(charging.ResourceICL, voter.Effective{}))
	assert.Equal(t, "ON", chargerPayload(charging.ResourceChgDisable, voter.Effective{Value: 1, Voter: "full", Active: true}))
	assert.Equal(t, "OFF", chargerPayload(charging.ResourceChgDisable, voter.Effective{}))
}

func TestPublishCharger(t *testing.T) {
	sender, ch := newTestSender()

	sender.PublishCharger(charging.ResourceFV, voter.Effective{Value: 4400, Voter: "cable", Active: true})
	msgs := drain(ch)
	require.Len(t, msgs, 1)
	assert.Equal(t, "chargectl/charger/fv/set", msgs[0].Topic)
	assert.Equal(t, "4400", string(msgs[0].Payload))
	assert.True(t, msgs[0].Retain)

	sender.SetEnabled(false)
	drain(ch)
	sender.PublishCharger(charging.ResourceFV, voter.Effective{Value: 4100, Voter: "jeita", Active: true})
	assert.Empty(t, drain(ch))
}

func TestCreateEntities(t *testing.T) {
	sender, ch := newTestSender()
	require.NoError(t, createEntities(sender, 4280))

	configs := make(map[string]map[string]any)
	for _, m := range drain(ch) {
		require.True(t, strings.HasSuffix(m.Topic, "/config"), m.Topic)
		assert.True(t, m.Retain)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(m.Payload, &doc))
		configs[m.Topic] = doc
	}

	ttf := configs["homeassistant/sensor/chargectl_time_to_full/config"]
	require.NotNil(t, ttf)
	assert.Equal(t, "chargectl/status", ttf["state_topic"])
	assert.Equal(t, "chargectl/availability", ttf["availability_topic"])
	assert.Equal(t, "{{ value_json.time_to_full }}", ttf["value_template"])
	assert.Equal(t, "duration", ttf["device_class"])

	state := configs["homeassistant/sensor/chargectl_state/config"]
	require.NotNil(t, state)
	assert.NotContains(t, state, "state_class")
	assert.NotContains(t, state, "device_class")

	button := configs["homeassistant/button/chargectl_reset_safety_timer/config"]
	require.NotNil(t, button)
	assert.Equal(t, "chargectl/safety_timer/reset", button["command_topic"])

	number := configs["homeassistant/number/chargectl_recharge_voltage/config"]
	require.NotNil(t, number)
	assert.Equal(t, "chargectl/recharge_voltage/set", number["command_topic"])

	sw := configs["homeassistant/switch/chargectl_enabled/config"]
	require.NotNil(t, sw)
	assert.Equal(t, "chargectl/enabled/set", sw["command_topic"])
	assert.Equal(t, "chargectl/enabled/state", sw["state_topic"])
}
