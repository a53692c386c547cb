package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"raffle-market-platform/shared/events"
	"raffle-market-platform/shared/logx"
)

type fakeSession struct {
	frames chan []byte
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{frames: make(chan []byte, 16)}
}

func (s *fakeSession) ReadMessage() ([]byte, error) {
	frame, ok := <-s.frames
	if !ok {
		return nil, errors.New("session closed")
	}
	return frame, nil
}

func (s *fakeSession) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

func (s *fakeSession) push(t *testing.T, event events.Event) {
	t.Helper()
	frame, err := event.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	s.frames <- frame
}

// fakeTransport serves scripted dial outcomes: nil session means a failed
// dial.
type fakeTransport struct {
	mu     sync.Mutex
	script []*fakeSession
	dials  int
}

func (t *fakeTransport) Dial(_ context.Context, _ string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var next *fakeSession
	if t.dials < len(t.script) {
		next = t.script[t.dials]
	}
	t.dials++
	if next == nil {
		return nil, errors.New("dial refused")
	}
	return next, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func newTestSyncer(transport Transport, sleeps *[]time.Duration) *Syncer {
	return New(Options{
		URL:       "ws://test.invalid/ws",
		Transport: transport,
		Logger:    logx.New("syncer-test", "test", "", "error"),
		Sleep: func(_ context.Context, d time.Duration) error {
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
			return nil
		},
	})
}

func TestStartOpensOnFirstDial(t *testing.T) {
	session := newFakeSession()
	transport := &fakeTransport{script: []*fakeSession{session}}
	s := newTestSyncer(transport, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateOpen {
		t.Fatalf("state = %s, want open", s.State())
	}
	_ = s.Close()
}

func TestReconnectAfterFailedDial(t *testing.T) {
	session := newFakeSession()
	transport := &fakeTransport{script: []*fakeSession{nil, session}}
	var sleeps []time.Duration
	s := newTestSyncer(transport, &sleeps)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateOpen {
		t.Fatalf("state = %s, want open", s.State())
	}
	if transport.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", transport.dialCount())
	}
	if len(sleeps) != 1 || sleeps[0] != 3*time.Second {
		t.Fatalf("sleeps = %v, want one 3s delay", sleeps)
	}
	_ = s.Close()
}

func TestAttemptBudgetExhaustedCloses(t *testing.T) {
	transport := &fakeTransport{}
	var sleeps []time.Duration
	s := newTestSyncer(transport, &sleeps)

	err := s.Start(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Start = %v, want ErrUnavailable", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
	if transport.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", transport.dialCount())
	}
	// Closed is terminal without Rearm: no dials happen on their own.
	time.Sleep(20 * time.Millisecond)
	if transport.dialCount() != 2 {
		t.Fatalf("dials grew to %d while closed", transport.dialCount())
	}
}

func TestRearmRestartsConnectCycle(t *testing.T) {
	session := newFakeSession()
	transport := &fakeTransport{script: []*fakeSession{nil, nil, session}}
	s := newTestSyncer(transport, nil)

	if err := s.Start(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Start = %v, want ErrUnavailable", err)
	}
	if err := s.Rearm(context.Background()); err != nil {
		t.Fatalf("Rearm: %v", err)
	}
	if s.State() != StateOpen {
		t.Fatalf("state after Rearm = %s, want open", s.State())
	}

	// Rearm while open is a no-op.
	if err := s.Rearm(context.Background()); err != nil {
		t.Fatalf("Rearm while open: %v", err)
	}
	if transport.dialCount() != 3 {
		t.Fatalf("dials = %d, want 3", transport.dialCount())
	}
	_ = s.Close()
}

func TestDispatchAndUnknownTypesIgnored(t *testing.T) {
	session := newFakeSession()
	transport := &fakeTransport{script: []*fakeSession{session}}
	s := newTestSyncer(transport, nil)

	got := make(chan events.Event, 4)
	s.On(events.TypeTicketPurchased, func(_ context.Context, event events.Event) {
		got <- event
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	unknown := events.Event{Type: "future-type", OccurredAt: time.Now()}
	session.push(t, unknown)

	want, err := events.New(events.TypeTicketPurchased, map[string]int{"quantity": 2})
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	session.push(t, want)

	select {
	case event := <-got:
		if event.Type != events.TypeTicketPurchased {
			t.Fatalf("dispatched type = %s", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
	select {
	case event := <-got:
		t.Fatalf("unexpected extra dispatch: %v", event)
	default:
	}
	_ = s.Close()
}

func TestStreamDropTriggersReconnect(t *testing.T) {
	first := newFakeSession()
	second := newFakeSession()
	transport := &fakeTransport{script: []*fakeSession{first, second}}
	s := newTestSyncer(transport, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = first.Close()

	deadline := time.After(time.Second)
	for s.State() != StateOpen || transport.dialCount() != 2 {
		select {
		case <-deadline:
			t.Fatalf("no reconnect: state=%s dials=%d", s.State(), transport.dialCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
	_ = s.Close()
}

// gatedTransport blocks its second dial until released, so a test can order
// the dial against other lifecycle calls.
type gatedTransport struct {
	fakeTransport
	started chan struct{}
	release chan struct{}
}

func (t *gatedTransport) Dial(ctx context.Context, url string) (Session, error) {
	if t.dialCount() == 1 {
		close(t.started)
		<-t.release
	}
	return t.fakeTransport.Dial(ctx, url)
}

func TestCloseDuringReconnectReleasesDialedSession(t *testing.T) {
	first := newFakeSession()
	second := newFakeSession()
	transport := &gatedTransport{
		fakeTransport: fakeTransport{script: []*fakeSession{first, second}},
		started:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	s := newTestSyncer(transport, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Drop the stream so the read loop re-enters the connect cycle and parks
	// inside the gated dial.
	_ = first.Close()
	select {
	case <-transport.started:
	case <-time.After(time.Second):
		t.Fatal("reconnect dial never started")
	}

	done := make(chan error, 1)
	go func() { done <- s.Close() }()

	// Wait for Close to commit before letting the dial finish.
	deadline := time.After(time.Second)
	for s.State() != StateClosed {
		select {
		case <-deadline:
			t.Fatal("Close never reached closed state")
		case <-time.After(time.Millisecond):
		}
	}
	close(transport.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a session dialed after shutdown")
	}

	second.mu.Lock()
	closed := second.closed
	second.mu.Unlock()
	if !closed {
		t.Fatal("post-shutdown session left open")
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
}

func TestSendDroppedUnlessOpen(t *testing.T) {
	session := newFakeSession()
	transport := &fakeTransport{script: []*fakeSession{session}}
	s := newTestSyncer(transport, nil)

	event, err := events.New(events.TypeChatMessage, map[string]string{"body": "hi"})
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	if s.Send(event) {
		t.Fatal("Send before Start should drop")
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Send(event) {
		t.Fatal("Send while open should deliver")
	}

	_ = s.Close()
	if s.Send(event) {
		t.Fatal("Send after Close should drop")
	}

	session.mu.Lock()
	sent := len(session.sent)
	session.mu.Unlock()
	if sent != 1 {
		t.Fatalf("session received %d frames, want 1", sent)
	}
}
