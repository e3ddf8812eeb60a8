package main

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ryansname/chargectl/src/charging"
)

// Reading represents a timestamped sensor reading
type Reading struct {
	Value     float64
	Timestamp time.Time
}

// Readings is a collection of timestamped readings
type Readings []Reading

// weightedValue represents a value with its duration weight for percentile calculation
type weightedValue struct {
	value    float64
	duration float64
}

// calculateTimeWeightedMedian returns the median of the readings in the
// window where each value is weighted by how long it persisted. With fewer
// than two readings in the window the last known value is used.
func calculateTimeWeightedMedian(readings Readings, windowDuration time.Duration, now time.Time) float64 {
	if len(readings) == 0 {
		return 0
	}
	lastReading := readings[len(readings)-1]
	cutoff := now.Add(-windowDuration)

	var windowReadings Readings
	for _, r := range readings {
		if r.Timestamp.After(cutoff) {
			windowReadings = append(windowReadings, r)
		}
	}
	if len(windowReadings) <= 1 {
		return lastReading.Value
	}

	pairs := make([]weightedValue, 0, len(windowReadings))
	var totalDuration float64
	for i, r := range windowReadings {
		var duration float64
		if i < len(windowReadings)-1 {
			duration = windowReadings[i+1].Timestamp.Sub(r.Timestamp).Seconds()
		} else {
			duration = now.Sub(r.Timestamp).Seconds()
		}
		pairs = append(pairs, weightedValue{value: r.Value, duration: duration})
		totalDuration += duration
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].value < pairs[j].value
	})

	target := totalDuration * 0.5
	var cumulative float64
	for _, pair := range pairs {
		cumulative += pair.duration
		if cumulative >= target {
			return pair.value
		}
	}
	return pairs[len(pairs)-1].value
}

// pruneReadings drops readings older than cutoff, always keeping the most
// recent one
func pruneReadings(readings Readings, cutoff time.Time) Readings {
	if len(readings) == 0 {
		return readings
	}
	kept := make(Readings, 0, len(readings))
	for _, r := range readings {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		kept = append(kept, readings[len(readings)-1])
	}
	return kept
}

type numericSensor struct {
	topic  SensorTopic
	sensor charging.Sensor
	set    func(s *charging.Snapshot, v int)
}

// sensorState assembles snapshots from individual sensor topics
type sensorState struct {
	topics     SensorTopics
	numeric    map[string]numericSensor
	window     time.Duration
	staleAfter time.Duration

	snap    charging.Snapshot
	seen    map[charging.Sensor]time.Time
	current Readings
}

func newSensorState(cfg MQTTConfig) *sensorState {
	t := cfg.Topics
	s := &sensorState{
		topics:     t,
		numeric:    make(map[string]numericSensor),
		window:     cfg.CurrentWindow,
		staleAfter: cfg.StaleAfter,
		snap:       charging.Snapshot{Cable: charging.CableNone, UserMode: charging.ModeNormal},
		seen:       make(map[charging.Sensor]time.Time),
	}
	for _, n := range []numericSensor{
		{t.Temp, charging.SensorTemp, func(s *charging.Snapshot, v int) { s.Temp = v }},
		{t.Voltage, charging.SensorVoltage, func(s *charging.Snapshot, v int) { s.Voltage = v }},
		{t.Current, charging.SensorCurrent, func(s *charging.Snapshot, v int) { s.Current = v }},
		{t.InputVoltage, charging.SensorInputVoltage, func(s *charging.Snapshot, v int) { s.InputVoltage = v }},
		{t.SoC, charging.SensorSoC, func(s *charging.Snapshot, v int) { s.SoC = v }},
		{t.Thermal, charging.SensorThermal, func(s *charging.Snapshot, v int) { s.ThermalLevel = v }},
		{t.NegotiatedPower, 0, func(s *charging.Snapshot, v int) { s.NegotiatedPower = v }},
	} {
		if n.topic.Topic != "" {
			s.numeric[n.topic.Topic] = n
		}
	}
	return s
}

// apply folds one message into the state. It reports whether the snapshot
// changed.
func (s *sensorState) apply(msg SensorMessage, now time.Time) (bool, error) {
	prev := s.snap
	value := strings.TrimSpace(msg.Value)

	switch msg.Topic {
	case s.topics.Cable:
		cable, err := charging.ParseCable(strings.ToLower(value))
		if err != nil {
			return false, err
		}
		s.snap.Cable = cable

	case s.topics.Screen:
		s.snap.ScreenOn = strings.EqualFold(value, "on")

	case s.topics.UserMode:
		switch mode := charging.UserMode(strings.ToLower(value)); mode {
		case charging.ModeProtect:
			s.snap.UserMode = mode
		case charging.ModeNormal, "":
			s.snap.UserMode = charging.ModeNormal
		default:
			return false, fmt.Errorf("unknown user mode %q", value)
		}

	default:
		n, ok := s.numeric[msg.Topic]
		if !ok {
			return false, fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		if value == "" {
			s.snap.Valid &^= n.sensor
			delete(s.seen, n.sensor)
			n.set(&s.snap, 0)
			break
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", msg.Topic, err)
		}
		scale := n.topic.Scale
		if scale == 0 {
			scale = 1
		}
		f *= scale
		if n.sensor == charging.SensorCurrent {
			s.current = append(s.current, Reading{Value: f, Timestamp: now})
		}
		n.set(&s.snap, int(math.Round(f)))
		if n.sensor != 0 {
			s.snap.Valid |= n.sensor
			s.seen[n.sensor] = now
		}
	}

	return s.snap != prev, nil
}

// snapshot returns the current snapshot with the current smoothed over the
// window and stale sensors marked missing.
func (s *sensorState) snapshot(now time.Time) charging.Snapshot {
	snap := s.snap
	if s.window > 0 && snap.Has(charging.SensorCurrent) && len(s.current) > 0 {
		snap.Current = int(math.Round(calculateTimeWeightedMedian(s.current, s.window, now)))
	}
	if s.staleAfter > 0 {
		for sensor, at := range s.seen {
			if now.Sub(at) > s.staleAfter {
				snap.Valid &^= sensor
			}
		}
	}
	return snap
}

// prune drops current readings that fell out of the window.
func (s *sensorState) prune(now time.Time) {
	s.current = pruneReadings(s.current, now.Add(-s.window))
}

// sensorWorker assembles sensor messages into snapshots for the engine
func sensorWorker(
	ctx context.Context,
	msgChan <-chan SensorMessage,
	outputChan chan<- charging.Snapshot,
	state *sensorState,
	expectedTopics []string,
) {
	received := make(map[string]bool)
	allTopicsReceived := false
	startupCheckTicker := time.NewTicker(30 * time.Second)
	defer startupCheckTicker.Stop()

	// Staleness and window cleanup
	maintenanceTicker := time.NewTicker(15 * time.Second)
	defer maintenanceTicker.Stop()

	// Debouncing state
	var lastSendTime time.Time
	var lastSent charging.Snapshot
	var debounceTimer *time.Timer
	var debounceTimerC <-chan time.Time
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	send := func() bool {
		snap := state.snapshot(time.Now())
		select {
		case outputChan <- snap:
			lastSendTime = time.Now()
			lastSent = snap
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case msg := <-msgChan:
			received[msg.Topic] = true
			changed, err := state.apply(msg, time.Now())
			if err != nil {
				log.WithError(err).WithField("value", msg.Value).Warn("Ignoring sensor message")
				continue
			}
			if !allTopicsReceived && len(received) == len(expectedTopics) {
				allTopicsReceived = true
				startupCheckTicker.Stop()
				log.Infof("Sensor worker ready: received data for all %d topics", len(expectedTopics))
			}
			if !changed {
				continue
			}

			// Debounce: send immediately if enough time has passed, otherwise schedule
			timeSinceLastSend := time.Since(lastSendTime)
			if timeSinceLastSend >= time.Second {
				if !send() {
					return
				}
			} else if debounceTimer == nil {
				debounceTimer = time.NewTimer(time.Second - timeSinceLastSend)
				debounceTimerC = debounceTimer.C
			}

		case <-debounceTimerC:
			debounceTimer = nil
			debounceTimerC = nil
			if !send() {
				return
			}

		case <-maintenanceTicker.C:
			now := time.Now()
			state.prune(now)
			if snap := state.snapshot(now); snap.Valid != lastSent.Valid && !lastSendTime.IsZero() {
				log.WithField("valid", snap.Valid).Warn("Sensor readings went stale")
				if !send() {
					return
				}
			}

		case <-startupCheckTicker.C:
			if allTopicsReceived {
				continue
			}
			var missing []string
			for _, topic := range expectedTopics {
				if !received[topic] {
					missing = append(missing, topic)
				}
			}
			log.Warnf("Still waiting for %d/%d sensor topics: %s",
				len(missing), len(expectedTopics), strings.Join(missing, ", "))

		case <-ctx.Done():
			return
		}
	}
}
