package tus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/meta"
	"github.com/keelstore/keel/pkg/pubsub"
)

// releaseChannel carries lock release requests between nodes. The payload is
// the formatted upload id.
const releaseChannel = "tus_lock_release"

// Locker serializes work on one upload across nodes (database advisory lock
// plus pub/sub release cooperation) and within the process (per-upload
// mutex).
type Locker struct {
	broker pubsub.Broker
	logger *slog.Logger

	// waitTimeout bounds the blocking advisory-lock acquisition after the
	// current holder has been asked to release.
	waitTimeout time.Duration

	mu          sync.Mutex
	local       map[string]*localLock
	held        map[string]func()
	unsubscribe func()
}

type localLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates the coordinator and subscribes to release requests.
func NewLocker(broker pubsub.Broker, waitTimeout time.Duration, logger *slog.Logger) (*Locker, error) {
	if waitTimeout == 0 {
		waitTimeout = 10 * time.Second
	}
	l := &Locker{
		broker:      broker,
		logger:      logger,
		waitTimeout: waitTimeout,
		local:       make(map[string]*localLock),
		held:        make(map[string]func()),
	}

	unsub, err := broker.Subscribe(releaseChannel, l.onReleaseRequested)
	if err != nil {
		return nil, err
	}
	l.unsubscribe = unsub
	return l, nil
}

// onReleaseRequested asks a local holder of the named upload to wind down.
func (l *Locker) onReleaseRequested(uploadKey string) {
	l.mu.Lock()
	release := l.held[uploadKey]
	l.mu.Unlock()
	if release != nil {
		l.logger.Debug("lock release requested by peer", "upload", uploadKey)
		release()
	}
}

// Acquire takes both locks for the upload inside the caller's transaction.
// onRelease is invoked when a peer asks for the lock; the caller should
// cancel its in-flight work so the transaction (and the advisory lock) ends
// promptly. The returned function drops the in-process state; the advisory
// lock itself releases with the transaction.
func (l *Locker) Acquire(ctx context.Context, tx meta.Store, id UploadID, onRelease func()) (func(), error) {
	key := id.Format(false)

	local := l.retainLocal(key)
	local.mu.Lock()

	err := tx.MustLockObject(ctx, id.Bucket, id.Object, id.Version)
	if apperr.IsCode(err, "ResourceLocked") {
		// A peer holds it; ask for a handover and wait bounded.
		if perr := l.broker.Publish(ctx, releaseChannel, key); perr != nil {
			l.logger.Warn("failed to publish lock release request", "upload", key, "error", perr)
		}
		err = tx.WaitObjectLock(ctx, id.Bucket, id.Object, id.Version, l.waitTimeout)
	}
	if err != nil {
		local.mu.Unlock()
		l.releaseLocal(key)
		return nil, err
	}

	l.mu.Lock()
	l.held[key] = onRelease
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
		local.mu.Unlock()
		l.releaseLocal(key)
	}, nil
}

func (l *Locker) retainLocal(key string) *localLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk := l.local[key]
	if lk == nil {
		lk = &localLock{}
		l.local[key] = lk
	}
	lk.refs++
	return lk
}

func (l *Locker) releaseLocal(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk := l.local[key]
	if lk == nil {
		return
	}
	lk.refs--
	if lk.refs == 0 {
		delete(l.local, key)
	}
}

// Close unsubscribes from release requests.
func (l *Locker) Close() {
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
}
