package stream

import (
	"context"
	"sync"
)

// MemStream is an in-process Stream for tests and single-process
// deployments. Publish fans out synchronously to every currently
// registered handler for the topic; there is no replay for late
// subscribers.
type MemStream struct {
	mu       sync.RWMutex
	handlers map[string][]func(key string, payload []byte)
	closed   bool
}

// NewMemStream returns an empty in-memory stream.
func NewMemStream() *MemStream {
	return &MemStream{handlers: make(map[string][]func(string, []byte))}
}

func (m *MemStream) Publish(ctx context.Context, topic, key string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}
	for _, h := range m.handlers[topic] {
		h(key, payload)
	}
	return nil
}

// Subscribe registers handler and blocks until ctx is done.
func (m *MemStream) Subscribe(ctx context.Context, topic string, handler func(key string, payload []byte)) error {
	m.mu.Lock()
	m.handlers[topic] = append(m.handlers[topic], handler)
	m.mu.Unlock()

	<-ctx.Done()
	return ctx.Err()
}

func (m *MemStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Stream = (*MemStream)(nil)
