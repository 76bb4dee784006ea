package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestQueue_Dispatch(t *testing.T) {
	q := NewQueue(QueueConfig{Workers: 2}, testLogger())
	defer q.Close()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{})

	q.Subscribe(ObjectCreated, func(ctx context.Context, ev Event) error {
		mu.Lock()
		got = append(got, ev)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	for i := 0; i < 3; i++ {
		q.Publish(Event{Type: ObjectCreated, TenantID: "t1", Bucket: "avatars", Name: "a.png"})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked for all events")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, ev := range got {
		if ev.Bucket != "avatars" || ev.Name != "a.png" {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.At.IsZero() {
			t.Error("Publish did not stamp the event time")
		}
	}
}

func TestQueue_TypeFiltering(t *testing.T) {
	q := NewQueue(QueueConfig{Workers: 1}, testLogger())

	var created, removed atomic.Int64
	q.Subscribe(ObjectCreated, func(ctx context.Context, ev Event) error {
		created.Add(1)
		return nil
	})
	q.Subscribe(ObjectRemovedDelete, func(ctx context.Context, ev Event) error {
		removed.Add(1)
		return nil
	})

	q.Publish(Event{Type: ObjectCreated, Bucket: "b", Name: "x"})
	q.Publish(Event{Type: ObjectRemovedDelete, Bucket: "b", Name: "x"})
	q.Publish(Event{Type: MultipartUploadComplete, Bucket: "b", Name: "x"})
	q.Close()

	if got := created.Load(); got != 1 {
		t.Errorf("ObjectCreated handler ran %d times, want 1", got)
	}
	if got := removed.Load(); got != 1 {
		t.Errorf("ObjectRemoved handler ran %d times, want 1", got)
	}
}

func TestQueue_CloseDrains(t *testing.T) {
	q := NewQueue(QueueConfig{BufferSize: 64, Workers: 1}, testLogger())

	var handled atomic.Int64
	q.Subscribe(ObjectCreated, func(ctx context.Context, ev Event) error {
		handled.Add(1)
		return nil
	})

	for i := 0; i < 20; i++ {
		q.Publish(Event{Type: ObjectCreated, Bucket: "b", Name: "x"})
	}
	q.Close()

	if got := handled.Load(); got != 20 {
		t.Errorf("drained %d events, want 20", got)
	}
}

func TestQueue_PublishAfterClose(t *testing.T) {
	q := NewQueue(QueueConfig{Workers: 1}, testLogger())
	q.Close()

	// Must not panic or block.
	q.Publish(Event{Type: ObjectCreated, Bucket: "b", Name: "x"})
}

func TestQueue_FullBufferDrops(t *testing.T) {
	q := NewQueue(QueueConfig{BufferSize: 1, Workers: 1}, testLogger())
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	q.Subscribe(ObjectCreated, func(ctx context.Context, ev Event) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})

	q.Publish(Event{Type: ObjectCreated, Bucket: "b", Name: "first"})
	<-started

	// Worker is blocked; fill the buffer, then overflow it.
	q.Publish(Event{Type: ObjectCreated, Bucket: "b", Name: "second"})

	done := make(chan struct{})
	go func() {
		q.Publish(Event{Type: ObjectCreated, Bucket: "b", Name: "overflow"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	close(release)
}
