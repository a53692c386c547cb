package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"raffle-market-platform/shared/events"
	"raffle-market-platform/shared/logx"
)

type fakeSubscriber struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (s *fakeSubscriber) ID() string { return s.id }

func (s *fakeSubscriber) Enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *fakeSubscriber) CloseSlow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSubscriber) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func testLogger() logx.Logger {
	return logx.New("realtime-test", "test", "", "error")
}

func testEvent(t *testing.T, body string) events.Event {
	t.Helper()
	event, err := events.New(events.TypeChatMessage, map[string]string{"body": body})
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	return event
}

func TestPublishReachesRegisteredSubscribers(t *testing.T) {
	hub := NewHub(10, testLogger())
	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}
	for _, sub := range []*fakeSubscriber{a, b} {
		if err := hub.Register(sub); err != nil {
			t.Fatalf("Register(%s): %v", sub.id, err)
		}
	}

	if err := hub.Publish(context.Background(), testEvent(t, "hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if a.received() != 1 || b.received() != 1 {
		t.Fatalf("received a=%d b=%d, want 1/1", a.received(), b.received())
	}
}

func TestLateSubscriberGetsNoRetroactiveEvents(t *testing.T) {
	hub := NewHub(10, testLogger())
	early := &fakeSubscriber{id: "early"}
	if err := hub.Register(early); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := hub.Publish(context.Background(), testEvent(t, "before")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	late := &fakeSubscriber{id: "late"}
	if err := hub.Register(late); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := hub.Publish(context.Background(), testEvent(t, "after")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if early.received() != 2 {
		t.Fatalf("early received %d, want 2", early.received())
	}
	if late.received() != 1 {
		t.Fatalf("late received %d, want 1", late.received())
	}
}

func TestUnregisteredSubscriberStopsReceiving(t *testing.T) {
	hub := NewHub(10, testLogger())
	sub := &fakeSubscriber{id: "s"}
	if err := hub.Register(sub); err != nil {
		t.Fatalf("Register: %v", err)
	}
	hub.Unregister("s")
	if err := hub.Publish(context.Background(), testEvent(t, "x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if sub.received() != 0 {
		t.Fatalf("received %d after unregister, want 0", sub.received())
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	hub := NewHub(10, testLogger())
	sub := &fakeSubscriber{id: "s"}
	if err := hub.Register(sub); err != nil {
		t.Fatalf("Register: %v", err)
	}
	hub.Unregister("s")
	hub.Unregister("s")
	hub.Unregister("never-registered")
	if hub.Len() != 0 {
		t.Fatalf("Len = %d, want 0", hub.Len())
	}
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	hub := NewHub(10, testLogger())
	slow := &fakeSubscriber{id: "slow", full: true}
	healthy := &fakeSubscriber{id: "healthy"}
	for _, sub := range []*fakeSubscriber{slow, healthy} {
		if err := hub.Register(sub); err != nil {
			t.Fatalf("Register(%s): %v", sub.id, err)
		}
	}

	if err := hub.Publish(context.Background(), testEvent(t, "x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if !slow.isClosed() {
		t.Fatal("slow subscriber not closed")
	}
	if hub.Len() != 1 {
		t.Fatalf("Len = %d after eviction, want 1", hub.Len())
	}
	if healthy.received() != 1 {
		t.Fatalf("healthy received %d, want 1", healthy.received())
	}

	// The healthy subscriber keeps receiving after the eviction.
	if err := hub.Publish(context.Background(), testEvent(t, "y")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if healthy.received() != 2 {
		t.Fatalf("healthy received %d, want 2", healthy.received())
	}
}

func TestRegisterAtCapacityFails(t *testing.T) {
	hub := NewHub(2, testLogger())
	for i := 0; i < 2; i++ {
		if err := hub.Register(&fakeSubscriber{id: fmt.Sprintf("s%d", i)}); err != nil {
			t.Fatalf("Register(s%d): %v", i, err)
		}
	}
	err := hub.Register(&fakeSubscriber{id: "overflow"})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Register over capacity = %v, want ErrCapacityExceeded", err)
	}

	// Capacity frees up when a subscriber leaves.
	hub.Unregister("s0")
	if err := hub.Register(&fakeSubscriber{id: "replacement"}); err != nil {
		t.Fatalf("Register after free: %v", err)
	}
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	hub := NewHub(10, testLogger())
	sub := &fakeSubscriber{id: "s"}
	if err := hub.Register(sub); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := hub.Publish(context.Background(), testEvent(t, fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Publish(%d): %v", i, err)
		}
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	for i, frame := range sub.frames {
		event, err := events.Decode(frame)
		if err != nil {
			t.Fatalf("Decode frame %d: %v", i, err)
		}
		want := fmt.Sprintf(`{"body":"m%d"}`, i)
		if string(event.Payload) != want {
			t.Fatalf("frame %d payload = %s, want %s", i, event.Payload, want)
		}
	}
}

func TestCloseDetachesAll(t *testing.T) {
	hub := NewHub(10, testLogger())
	sub := &fakeSubscriber{id: "s"}
	if err := hub.Register(sub); err != nil {
		t.Fatalf("Register: %v", err)
	}
	hub.Close()
	if !sub.isClosed() {
		t.Fatal("subscriber not closed on hub close")
	}
	if err := hub.Register(&fakeSubscriber{id: "late"}); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("Register after close = %v, want ErrHubClosed", err)
	}
	if err := hub.Publish(context.Background(), testEvent(t, "x")); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("Publish after close = %v, want ErrHubClosed", err)
	}
}
