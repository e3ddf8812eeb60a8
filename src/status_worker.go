package main

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/ryansname/chargectl/src/charging"
	"github.com/ryansname/chargectl/src/governor"
)

// StatusDocument is the JSON state read by the Home Assistant entities
type StatusDocument struct {
	Session         string   `json:"session,omitempty"`
	Cable           string   `json:"cable"`
	State           string   `json:"state"`
	Zone            string   `json:"zone"`
	TimeToFull      *int     `json:"time_to_full"`
	SafetyRemaining int      `json:"safety_remaining"`
	SafetyArmed     bool     `json:"safety_armed"`
	SafetyExpired   bool     `json:"safety_expired"`
	ICL             *int     `json:"icl"`
	FCC             *int     `json:"fcc"`
	FV              *int     `json:"fv"`
	ChargeDisabled  bool     `json:"charge_disabled"`
	DisabledBy      string   `json:"disabled_by,omitempty"`
	Events          string   `json:"events"`
	RechargeVoltage int      `json:"recharge_voltage"`
	Temperature     *float64 `json:"temperature"`
	TempMin1h       *float64 `json:"temp_min_1h"`
	TempMax1h       *float64 `json:"temp_max_1h"`
	UpdatedAt       string   `json:"updated_at"`
}

func newStatusDocument(st charging.Status) StatusDocument {
	doc := StatusDocument{
		Session:         st.Session,
		Cable:           string(st.Cable),
		State:           st.State.String(),
		Zone:            st.Zone.String(),
		SafetyRemaining: int(st.SafetyRemaining / time.Second),
		SafetyArmed:     st.SafetyArmed,
		SafetyExpired:   st.SafetyExpired,
		Events:          st.Events.String(),
		RechargeVoltage: st.RechargeVoltage,
		UpdatedAt:       st.UpdatedAt.Format(time.RFC3339),
	}
	if st.TimeToFull >= 0 {
		v := st.TimeToFull
		doc.TimeToFull = &v
	}
	effective := func(resource string) *int {
		eff, ok := st.Effective[resource]
		if !ok || !eff.Active {
			return nil
		}
		v := eff.Value
		return &v
	}
	doc.ICL = effective(charging.ResourceICL)
	doc.FCC = effective(charging.ResourceFCC)
	doc.FV = effective(charging.ResourceFV)
	if eff, ok := st.Effective[charging.ResourceChgDisable]; ok && eff.Active {
		doc.ChargeDisabled = true
		doc.DisabledBy = string(eff.Voter)
	}
	if st.Snapshot.Has(charging.SensorTemp) {
		t := float64(st.Snapshot.Temp) / 10
		doc.Temperature = &t
	}
	return doc
}

// statusWorker publishes the engine status to Home Assistant whenever it
// changes, and at least every interval
func statusWorker(ctx context.Context, statusChan <-chan charging.Status, interval time.Duration, sender *MQTTSender) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last StatusDocument
	var have bool
	var temps governor.RollingMinMax

	publish := func(doc StatusDocument) {
		if err := sender.PublishStatus(doc); err != nil {
			log.WithError(err).Warn("Failed to publish status")
			return
		}
		last, have = doc, true
	}

	for {
		select {
		case st := <-statusChan:
			doc := newStatusDocument(st)
			if st.Snapshot.Has(charging.SensorTemp) {
				temps.Observe(st.UpdatedAt, st.Snapshot.Temp)
			}
			if lo, hi, ok := temps.Range(st.UpdatedAt); ok {
				l, h := float64(lo)/10, float64(hi)/10
				doc.TempMin1h, doc.TempMax1h = &l, &h
			}
			if have && sameStatus(doc, last) {
				continue
			}
			publish(doc)

		case <-ticker.C:
			if have {
				publish(last)
			}

		case <-ctx.Done():
			return
		}
	}
}

// sameStatus compares two documents ignoring the timestamp.
func sameStatus(a, b StatusDocument) bool {
	a.UpdatedAt, b.UpdatedAt = "", ""
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
