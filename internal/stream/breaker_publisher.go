package stream

import (
	"context"

	"github.com/ocx/sentinel/internal/circuitbreaker"
)

// BreakerPublisher wraps a Publisher with a circuit breaker so a degraded
// downstream broker fails fast instead of blocking every publish call
// behind a string of slow timeouts.
type BreakerPublisher struct {
	inner   Publisher
	breaker *circuitbreaker.CircuitBreaker
}

// NewBreakerPublisher wraps inner with breaker.
func NewBreakerPublisher(inner Publisher, breaker *circuitbreaker.CircuitBreaker) *BreakerPublisher {
	return &BreakerPublisher{inner: inner, breaker: breaker}
}

func (b *BreakerPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	_, err := b.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, b.inner.Publish(ctx, topic, key, payload)
	})
	return err
}

var _ Publisher = (*BreakerPublisher)(nil)
