package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler consumes one event. Returning an error logs the failure; events are
// not redelivered.
type Handler func(ctx context.Context, ev Event) error

// QueueConfig tunes the background queue.
type QueueConfig struct {
	// BufferSize is the queue depth before Publish starts dropping.
	BufferSize int

	// Workers is the number of consumer goroutines.
	Workers int

	// DrainTimeout bounds how long Close waits for in-flight events.
	DrainTimeout time.Duration
}

// ApplyDefaults fills in missing configuration with default values.
func (c *QueueConfig) ApplyDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = 1024
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 10 * time.Second
	}
}

// Queue fans events out to registered handlers on background workers.
type Queue struct {
	logger *slog.Logger
	config QueueConfig

	mu       sync.RWMutex
	handlers map[Type][]Handler
	closed   bool

	ch   chan Event
	wg   sync.WaitGroup
	done chan struct{}
}

// NewQueue creates the queue and starts its workers.
func NewQueue(config QueueConfig, logger *slog.Logger) *Queue {
	config.ApplyDefaults()
	q := &Queue{
		logger:   logger,
		config:   config,
		handlers: make(map[Type][]Handler),
		ch:       make(chan Event, config.BufferSize),
		done:     make(chan struct{}),
	}
	for i := 0; i < config.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Subscribe registers a handler for one event type.
func (q *Queue) Subscribe(t Type, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = append(q.handlers[t], h)
}

// Publish enqueues an event. A full queue drops the event with a warning
// rather than blocking the request path.
func (q *Queue) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return
	}

	select {
	case q.ch <- ev:
	default:
		q.logger.Warn("event queue full, dropping event",
			"type", ev.Type, "tenant", ev.TenantID, "bucket", ev.Bucket, "name", ev.Name)
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for ev := range q.ch {
		q.dispatch(ev)
	}
}

func (q *Queue) dispatch(ev Event) {
	q.mu.RLock()
	handlers := q.handlers[ev.Type]
	q.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), q.config.DrainTimeout)
	defer cancel()

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			q.logger.Error("event handler failed",
				"type", ev.Type, "tenant", ev.TenantID, "bucket", ev.Bucket,
				"name", ev.Name, "error", err)
		}
	}
}

// Close stops accepting events and drains the queue, waiting up to
// DrainTimeout for workers to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.ch)

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(q.config.DrainTimeout):
		q.logger.Warn("event queue drain timed out")
	}
}
