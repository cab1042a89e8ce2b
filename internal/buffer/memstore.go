package buffer

import (
	"sync"

	"github.com/ocx/sentinel/internal/uer"
)

type memRow struct {
	id     int64
	u      *uer.UER
	reason string
}

// MemStore is an in-process Store used by unit tests and by environments
// that don't need crash-safety across restarts. Semantics mirror
// SQLiteStore exactly — same locking discipline, same FIFO guarantee.
type MemStore struct {
	mu     sync.Mutex
	nextID int64
	queue  []memRow
	dlq    []memRow
	closed bool
}

// NewMemStore returns an empty in-memory buffer.
func NewMemStore() *MemStore {
	return &MemStore{nextID: 1}
}

func (m *MemStore) Enqueue(u *uer.UER) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &BufferError{Op: "enqueue", Err: errClosed}
	}
	m.queue = append(m.queue, memRow{id: m.nextID, u: u})
	m.nextID++
	return nil
}

func (m *MemStore) DequeueBatch(n int) ([]*uer.UER, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &BufferError{Op: "dequeue", Err: errClosed}
	}
	if n <= 0 || len(m.queue) == 0 {
		return nil, nil
	}
	if n > len(m.queue) {
		n = len(m.queue)
	}
	batch := m.queue[:n]
	m.queue = m.queue[n:]

	out := make([]*uer.UER, len(batch))
	for i, row := range batch {
		out[i] = row.u
	}
	return out, nil
}

func (m *MemStore) DeadLetter(u *uer.UER, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &BufferError{Op: "dead_letter", Err: errClosed}
	}
	m.dlq = append(m.dlq, memRow{id: m.nextID, u: u, reason: reason})
	m.nextID++
	return nil
}

func (m *MemStore) Size() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), nil
}

func (m *MemStore) DLQSize() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dlq), nil
}

func (m *MemStore) ClearDLQ() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq = nil
	return nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*MemStore)(nil)
