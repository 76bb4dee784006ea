package pubsub

import (
	"context"
	"testing"
)

func TestMemory_PublishSubscribe(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var got []string
	unsub, err := m.Subscribe("locks", func(payload string) {
		got = append(got, payload)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if err := m.Publish(context.Background(), "locks", "release:b/k"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := m.Publish(context.Background(), "other", "ignored"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(got) != 1 || got[0] != "release:b/k" {
		t.Errorf("got %v, want [release:b/k]", got)
	}
}

func TestMemory_Unsubscribe(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var count int
	unsub, _ := m.Subscribe("locks", func(string) { count++ })

	m.Publish(context.Background(), "locks", "one")
	unsub()
	m.Publish(context.Background(), "locks", "two")

	if count != 1 {
		t.Errorf("handler ran %d times, want 1", count)
	}
}

func TestMemory_MultipleSubscribers(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var a, b int
	m.Subscribe("locks", func(string) { a++ })
	m.Subscribe("locks", func(string) { b++ })

	m.Publish(context.Background(), "locks", "x")

	if a != 1 || b != 1 {
		t.Errorf("subscriber counts = %d, %d, want 1, 1", a, b)
	}
}

func TestMemory_CloseDropsHandlers(t *testing.T) {
	m := NewMemory()

	var count int
	m.Subscribe("locks", func(string) { count++ })
	m.Close()
	m.Publish(context.Background(), "locks", "x")

	if count != 0 {
		t.Errorf("handler ran %d times after Close, want 0", count)
	}
}
