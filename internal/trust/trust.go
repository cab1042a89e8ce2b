// Package trust owns AgentTrust: the cloud-side, per-protocol-tag trust
// weight, bounded accuracy history, and adaptive threshold mutated by the
// Global Correlator (weight) and the Active Feedback Loop (accuracy
// history, threshold). Never destroyed during process lifetime; an
// unknown tag reads back the documented defaults rather than erroring.
package trust

import "sync"

const (
	// DefaultWeight is the trust weight assigned to a protocol tag the
	// store has never seen.
	DefaultWeight = 0.7
	// historyCap bounds the accuracy ring buffer per tag.
	historyCap = 100
)

// AgentTrust is the per-protocol-tag state.
type AgentTrust struct {
	Weight    float64
	Accuracy  []float64 // ring buffer, oldest evicted first, len<=historyCap
	Threshold float64
}

// Store is the read/write surface the correlator and AFL depend on. Every
// per-tag default (weight 0.7) is explicit: a lookup of an unknown tag
// returns the typed default, it never panics or errors.
type Store interface {
	// Get returns a copy of the current AgentTrust for tag, or the zero-
	// history default (Weight=DefaultWeight) if tag is unseen.
	Get(tag string) AgentTrust
	// UpdateWeight applies exponential smoothing w_new = alpha*w_old +
	// (1-alpha)*accuracy and returns the new weight.
	UpdateWeight(tag string, accuracy, alpha float64) float64
	// RecordAccuracy appends an observation to tag's bounded history.
	RecordAccuracy(tag string, accuracy float64)
	// SetThreshold overwrites tag's adaptive threshold.
	SetThreshold(tag string, threshold float64)
}

// MemStore is an in-process Store, the default for single-replica
// deployments and tests.
type MemStore struct {
	mu    sync.RWMutex
	state map[string]*AgentTrust
}

// NewMemStore returns an empty trust store.
func NewMemStore() *MemStore {
	return &MemStore{state: make(map[string]*AgentTrust)}
}

func (m *MemStore) entry(tag string) *AgentTrust {
	if e, ok := m.state[tag]; ok {
		return e
	}
	e := &AgentTrust{Weight: DefaultWeight}
	m.state[tag] = e
	return e
}

func (m *MemStore) Get(tag string) AgentTrust {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.state[tag]; ok {
		cp := *e
		cp.Accuracy = append([]float64(nil), e.Accuracy...)
		return cp
	}
	return AgentTrust{Weight: DefaultWeight}
}

func (m *MemStore) UpdateWeight(tag string, accuracy, alpha float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(tag)
	e.Weight = alpha*e.Weight + (1-alpha)*accuracy
	return e.Weight
}

func (m *MemStore) RecordAccuracy(tag string, accuracy float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(tag)
	e.Accuracy = append(e.Accuracy, accuracy)
	if len(e.Accuracy) > historyCap {
		e.Accuracy = e.Accuracy[len(e.Accuracy)-historyCap:]
	}
}

func (m *MemStore) SetThreshold(tag string, threshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(tag).Threshold = threshold
}

var _ Store = (*MemStore)(nil)
