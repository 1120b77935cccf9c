package bus

import (
	"context"
	"errors"
	"sync"
)

// Memory is an in-process Bus shared by several subscribers, one per simulated process.
type Memory struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(_ context.Context, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errors.New("bus closed")
	}
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.RUnlock()

	for _, h := range handlers {
		h(append([]byte(nil), payload...))
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("bus closed")
	}
	m.handlers = append(m.handlers, handler)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.handlers = nil
	return nil
}
