package sink

import (
	"context"
	"sync"
)

// Mock records published records for tests.
type Mock struct {
	PublishErr error
	Records    []Record
	mu         sync.Mutex
	closed     bool
}

func (m *Mock) Publish(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Records = append(m.Records, r)
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Published returns a copy of the recorded records.
func (m *Mock) Published() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.Records...)
}

func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = nil
}
