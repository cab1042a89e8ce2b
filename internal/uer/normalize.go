package uer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NormalizeError is returned when a detector output cannot be normalized
// into a valid UER. It is the only error the normalizer raises — absent
// subfields never cause a failure, they resolve to documented defaults.
type NormalizeError struct {
	Field  string
	Reason string
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("normalize: field %q: %s", e.Field, e.Reason)
}

// RawEndpoint is the loosely-typed endpoint shape a protocol agent hands to
// the normalizer before anonymization and defaulting.
type RawEndpoint struct {
	IP       string
	Port     *uint16
	RawID    string // raw device identifier; hashed, never stored
}

// RawDetectorOutput is what a protocol agent's model produces for one flow.
type RawDetectorOutput struct {
	Score float64
	Conf  float64
	Model string
}

// Input bundles everything the normalizer needs to build one UER.
type Input struct {
	ProtocolTag string
	TS          interface{} // time.Time, RFC3339 string, or nil
	Src         RawEndpoint
	Dst         RawEndpoint
	Stats       map[string]float64
	Detector    RawDetectorOutput
	Entities    []string
	AttckHint   []string
	Tenant      string
	Site        string
}

// Normalizer builds canonical UERs from raw protocol-agent output. It owns
// the per-tenant device-ID salt used for anonymization.
type Normalizer struct {
	salts map[string]string // tenant -> salt
}

// NewNormalizer constructs a Normalizer with per-tenant salts. A tenant with
// no configured salt anonymizes device IDs to the empty string rather than
// ever emitting a raw identifier.
func NewNormalizer(salts map[string]string) *Normalizer {
	if salts == nil {
		salts = map[string]string{}
	}
	return &Normalizer{salts: salts}
}

// Normalize builds a UER from raw detector output. The nonce embedded in the
// uid is generated once here and is what keeps the uid stable across
// connector retries of the same record — callers must not re-normalize a
// record they intend to retry; they must resend the already-built UER.
func (n *Normalizer) Normalize(in Input) (*UER, error) {
	if err := validateUnit("detector.score", in.Detector.Score); err != nil {
		return nil, err
	}
	if err := validateUnit("detector.conf", in.Detector.Conf); err != nil {
		return nil, err
	}

	ts := coerceTS(in.TS)
	proto := strings.ToUpper(in.ProtocolTag)

	src := n.anonymizeEndpoint(in.Src, in.Tenant)
	dst := n.anonymizeEndpoint(in.Dst, in.Tenant)

	nonce := uuid.New().String()
	uid := computeUID(ts, src.IP, dst.IP, in.Detector.Model, nonce)

	stats := in.Stats
	if stats == nil {
		stats = map[string]float64{}
	}
	entities := in.Entities
	if entities == nil {
		entities = []string{}
	}
	attck := in.AttckHint
	if attck == nil {
		attck = []string{}
	}

	return &UER{
		UID:   uid,
		TS:    ts,
		Src:   src,
		Dst:   dst,
		Proto: Proto{L7: proto},
		Stats: stats,
		Detector: Detector{
			Score: float64ptr(in.Detector.Score),
			Conf:  float64ptr(in.Detector.Conf),
			Model: in.Detector.Model,
		},
		Entities:  entities,
		AttckHint: attck,
		Tenant:    in.Tenant,
		Site:      in.Site,
	}, nil
}

func validateUnit(field string, v float64) error {
	if v < 0 || v > 1 {
		return &NormalizeError{Field: field, Reason: "must be in [0,1]"}
	}
	return nil
}

func (n *Normalizer) anonymizeEndpoint(raw RawEndpoint, tenant string) Endpoint {
	ip := raw.IP
	if ip == "" {
		ip = "0.0.0.0"
	}
	ep := Endpoint{IP: ip, Port: raw.Port}
	if raw.RawID != "" {
		salt := n.salts[tenant]
		ep.DeviceID = hashDeviceID(raw.RawID, salt)
	}
	return ep
}

func hashDeviceID(rawID, salt string) string {
	h := sha256.New()
	h.Write([]byte(rawID))
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}

func computeUID(ts time.Time, srcIP, dstIP, model, nonce string) string {
	h := sha256.New()
	h.Write([]byte(formatTS(ts)))
	h.Write([]byte(srcIP))
	h.Write([]byte(dstIP))
	h.Write([]byte(model))
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

func coerceTS(raw interface{}) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC()
	case string:
		t := parseTS(v)
		if !t.IsZero() {
			return t
		}
	}
	return time.Now().UTC()
}

// ErrBadDetectorOutput is a sentinel for out-of-range detector output.
// Normalize reports that case as *NormalizeError, which does not wrap it,
// so errors.Is(err, ErrBadDetectorOutput) is false for Normalize's errors.
var ErrBadDetectorOutput = errors.New("uer: detector output out of range")
