package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the LISTEN/NOTIFY Broker. One dedicated connection per listener
// process; NOTIFY goes through the shared pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]map[int]Handler
	next     int

	cancel context.CancelFunc
	wakeup chan struct{}
	done   chan struct{}
}

// NewPostgres starts the listener loop over the pool's connection config.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Postgres{
		pool:     pool,
		logger:   logger,
		handlers: make(map[string]map[int]Handler),
		cancel:   cancel,
		wakeup:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go p.listenLoop(ctx)
	return p
}

// Publish sends a NOTIFY on the channel.
func (p *Postgres) Publish(ctx context.Context, channel, payload string) error {
	_, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	if err != nil {
		return fmt.Errorf("failed to notify %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a handler and wakes the listener so it re-LISTENs with
// the new channel set.
func (p *Postgres) Subscribe(channel string, h Handler) (func(), error) {
	p.mu.Lock()
	if p.handlers[channel] == nil {
		p.handlers[channel] = make(map[int]Handler)
	}
	id := p.next
	p.next++
	p.handlers[channel][id] = h
	p.mu.Unlock()

	p.poke()

	return func() {
		p.mu.Lock()
		delete(p.handlers[channel], id)
		if len(p.handlers[channel]) == 0 {
			delete(p.handlers, channel)
		}
		p.mu.Unlock()
		p.poke()
	}, nil
}

func (p *Postgres) poke() {
	select {
	case p.wakeup <- struct{}{}:
	default:
	}
}

// Close stops the listener loop.
func (p *Postgres) Close() error {
	p.cancel()
	<-p.done
	return nil
}

// listenLoop holds one dedicated connection, LISTENing on every subscribed
// channel, and redials with backoff on connection loss.
func (p *Postgres) listenLoop(ctx context.Context) {
	defer close(p.done)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Warn("pubsub listener disconnected", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (p *Postgres) listenOnce(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// Hijack so pool health checks never reclaim the LISTEN connection.
	raw := conn.Hijack()
	defer raw.Close(context.Background())

	listening := make(map[string]bool)
	if err := p.syncChannels(ctx, raw, listening); err != nil {
		return err
	}

	for {
		notifyCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-p.wakeup:
				cancel()
			case <-notifyCtx.Done():
			}
		}()

		notification, err := raw.WaitForNotification(notifyCtx)
		cancel()

		switch {
		case err == nil:
			p.dispatch(notification.Channel, notification.Payload)
		case notifyCtx.Err() != nil && ctx.Err() == nil:
			// Woken to refresh the channel set.
			if err := p.syncChannels(ctx, raw, listening); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

func (p *Postgres) syncChannels(ctx context.Context, conn *pgx.Conn, listening map[string]bool) error {
	p.mu.Lock()
	wanted := make(map[string]bool, len(p.handlers))
	for ch := range p.handlers {
		wanted[ch] = true
	}
	p.mu.Unlock()

	for ch := range wanted {
		if !listening[ch] {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				return err
			}
			listening[ch] = true
		}
	}
	for ch := range listening {
		if !wanted[ch] {
			if _, err := conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				return err
			}
			delete(listening, ch)
		}
	}
	return nil
}

func (p *Postgres) dispatch(channel, payload string) {
	p.mu.Lock()
	hs := make([]Handler, 0, len(p.handlers[channel]))
	for _, h := range p.handlers[channel] {
		hs = append(hs, h)
	}
	p.mu.Unlock()

	for _, h := range hs {
		h(payload)
	}
}
