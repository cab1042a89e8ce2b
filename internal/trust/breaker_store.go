package trust

import "github.com/ocx/sentinel/internal/circuitbreaker"

// BreakerStore wraps a Store with a circuit breaker. While the breaker is
// open, Get and UpdateWeight hand back the documented per-tag default weight
// instead of calling the backend. Store's methods return no errors, so every
// call that returns normally is counted as a success: a slow or degraded
// backend does not by itself trip the breaker.
type BreakerStore struct {
	inner   Store
	breaker *circuitbreaker.CircuitBreaker
}

// NewBreakerStore wraps inner with breaker.
func NewBreakerStore(inner Store, breaker *circuitbreaker.CircuitBreaker) *BreakerStore {
	return &BreakerStore{inner: inner, breaker: breaker}
}

func (b *BreakerStore) Get(tag string) AgentTrust {
	result, _ := circuitbreaker.ExecuteWithFallback(
		b.breaker,
		func() (AgentTrust, error) { return b.inner.Get(tag), nil },
		func(error) (AgentTrust, error) { return AgentTrust{Weight: DefaultWeight}, nil },
	)
	return result
}

func (b *BreakerStore) UpdateWeight(tag string, accuracy, alpha float64) float64 {
	result, _ := circuitbreaker.ExecuteWithFallback(
		b.breaker,
		func() (float64, error) { return b.inner.UpdateWeight(tag, accuracy, alpha), nil },
		func(error) (float64, error) { return DefaultWeight, nil },
	)
	return result
}

func (b *BreakerStore) RecordAccuracy(tag string, accuracy float64) {
	b.breaker.Execute(func() (interface{}, error) {
		b.inner.RecordAccuracy(tag, accuracy)
		return nil, nil
	})
}

func (b *BreakerStore) SetThreshold(tag string, threshold float64) {
	b.breaker.Execute(func() (interface{}, error) {
		b.inner.SetThreshold(tag, threshold)
		return nil, nil
	})
}

var _ Store = (*BreakerStore)(nil)
