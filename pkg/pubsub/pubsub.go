// Package pubsub is a minimal broadcast channel used for cross-node
// cooperation (advisory-lock release requests). The postgres implementation
// rides LISTEN/NOTIFY on a dedicated connection; the memory implementation
// backs tests and single-node deployments.
package pubsub

import (
	"context"
	"sync"
)

// Handler consumes one message on a channel.
type Handler func(payload string)

// Broker publishes and subscribes to named channels.
type Broker interface {
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe registers a handler for a channel. The returned function
	// unsubscribes.
	Subscribe(channel string, h Handler) (func(), error)

	Close() error
}

// Memory is the in-process Broker.
type Memory struct {
	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	next     int
	closed   bool
}

// NewMemory creates an in-process broker.
func NewMemory() *Memory {
	return &Memory{handlers: make(map[string]map[int]Handler)}
}

func (m *Memory) Publish(ctx context.Context, channel, payload string) error {
	m.mu.RLock()
	hs := make([]Handler, 0, len(m.handlers[channel]))
	for _, h := range m.handlers[channel] {
		hs = append(hs, h)
	}
	m.mu.RUnlock()

	for _, h := range hs {
		h(payload)
	}
	return nil
}

func (m *Memory) Subscribe(channel string, h Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handlers[channel] == nil {
		m.handlers[channel] = make(map[int]Handler)
	}
	id := m.next
	m.next++
	m.handlers[channel][id] = h

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers[channel], id)
	}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.handlers = make(map[string]map[int]Handler)
	return nil
}
