// Package uer defines the Unified Event Record — the canonical, wire- and
// disk-stable representation of a single detection produced by a protocol
// agent at the edge and consumed by the cloud correlator.
package uer

import (
	"encoding/json"
	"time"
)

// Endpoint identifies one side of an observed connection. DeviceID, when
// present, is always the keyed hash of a raw identifier — raw identifiers
// never leave the edge host.
type Endpoint struct {
	IP       string  `json:"ip"`
	Port     *uint16 `json:"port,omitempty"`
	DeviceID string  `json:"device_id,omitempty"`
}

// Detector carries a single model's verdict on a flow. Score and Conf are
// pointers so an absent wire field can be told apart from an explicit 0.0 —
// ingress validation rejects the former and accepts the latter.
type Detector struct {
	Score *float64 `json:"score"`
	Conf  *float64 `json:"conf"`
	Model string   `json:"model,omitempty"`
}

func float64ptr(v float64) *float64 { return &v }

// Proto wraps the L7 protocol tag so the wire shape matches proto.l7.
type Proto struct {
	L7 string `json:"l7"`
}

// UER is the Unified Event Record. Fields are ordered to match the wire
// schema documented for uer-v1.1; Extra preserves any unrecognized JSON
// object members across a decode/encode round trip so a producer running a
// newer schema version doesn't lose data when it passes through an older
// build.
type UER struct {
	UID        string             `json:"uid"`
	TS         time.Time          `json:"-"`
	Src        Endpoint           `json:"src"`
	Dst        Endpoint           `json:"dst"`
	Proto      Proto              `json:"proto"`
	Stats      map[string]float64 `json:"stats"`
	Detector   Detector           `json:"detector"`
	Entities   []string           `json:"entities"`
	AttckHint  []string           `json:"attck_hint"`
	Tenant     string             `json:"tenant,omitempty"`
	Site       string             `json:"site,omitempty"`
	Late       bool               `json:"late,omitempty"`
	IngressTS  *time.Time         `json:"-"`
	AgentID    string             `json:"-"`
	Extra      map[string]json.RawMessage `json:"-"`
}

const schemaVersion = "uer-v1.1"

// SchemaVersion returns the wire schema tag this build produces.
func SchemaVersion() string { return schemaVersion }

type wireUER struct {
	UID       string                      `json:"uid"`
	TS        string                      `json:"ts"`
	Src       Endpoint                    `json:"src"`
	Dst       Endpoint                    `json:"dst"`
	Proto     Proto                       `json:"proto"`
	Stats     map[string]float64          `json:"stats"`
	Detector  Detector                    `json:"detector"`
	Entities  []string                    `json:"entities"`
	AttckHint []string                    `json:"attck_hint"`
	Tenant    string                      `json:"tenant,omitempty"`
	Site      string                      `json:"site,omitempty"`
	Late      bool                        `json:"late,omitempty"`
	IngressTS string                      `json:"ingress_ts,omitempty"`
}

// MarshalJSON renders the UER with RFC3339 "Z"-suffixed timestamps.
func (u UER) MarshalJSON() ([]byte, error) {
	w := wireUER{
		UID:       u.UID,
		TS:        formatTS(u.TS),
		Src:       u.Src,
		Dst:       u.Dst,
		Proto:     u.Proto,
		Stats:     u.Stats,
		Detector:  u.Detector,
		Entities:  u.Entities,
		AttckHint: u.AttckHint,
		Tenant:    u.Tenant,
		Site:      u.Site,
		Late:      u.Late,
	}
	if u.IngressTS != nil {
		w.IngressTS = formatTS(*u.IngressTS)
	}
	base, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	if len(u.Extra) == 0 {
		return base, nil
	}

	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range u.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON parses a wire UER, tolerating absent optional fields and
// stashing unknown members in Extra.
func (u *UER) UnmarshalJSON(data []byte) error {
	var w wireUER
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	u.UID = w.UID
	u.TS = parseTS(w.TS)
	u.Src = w.Src
	u.Dst = w.Dst
	u.Proto = Proto{L7: w.Proto.L7}
	u.Stats = w.Stats
	u.Detector = w.Detector
	u.Entities = w.Entities
	u.AttckHint = w.AttckHint
	u.Tenant = w.Tenant
	u.Site = w.Site
	u.Late = w.Late
	if w.IngressTS != "" {
		t := parseTS(w.IngressTS)
		u.IngressTS = &t
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := map[string]bool{
		"uid": true, "ts": true, "src": true, "dst": true, "proto": true,
		"stats": true, "detector": true, "entities": true, "attck_hint": true,
		"tenant": true, "site": true, "late": true, "ingress_ts": true,
	}
	for k, v := range raw {
		if !known[k] {
			if u.Extra == nil {
				u.Extra = map[string]json.RawMessage{}
			}
			u.Extra[k] = v
		}
	}
	return nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.999999999") + "Z"
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	trimmed := s
	if len(trimmed) > 0 && trimmed[len(trimmed)-1] == 'Z' {
		trimmed = trimmed[:len(trimmed)-1] + "+00:00"
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
