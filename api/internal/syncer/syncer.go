// Package syncer keeps a client-side mirror of the realtime stream alive. It
// owns the connection lifecycle: dial, dispatch, and a bounded reconnect
// cycle when the server drops the link.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"raffle-market-platform/shared/events"
	"raffle-market-platform/shared/logx"
)

type State string

const (
	StateIdle               State = "idle"
	StateConnecting         State = "connecting"
	StateOpen               State = "open"
	StateReconnectScheduled State = "reconnect-scheduled"
	StateClosed             State = "closed"
)

// ErrUnavailable reports an exhausted connect cycle. The syncer stays closed
// until Rearm grants a fresh attempt budget.
var ErrUnavailable = errors.New("stream unavailable")

// Session is one live connection to the event stream.
type Session interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Transport interface {
	Dial(ctx context.Context, url string) (Session, error)
}

type Handler func(ctx context.Context, event events.Event)

type Options struct {
	URL         string
	Transport   Transport
	Logger      logx.Logger
	MaxAttempts int
	Delay       time.Duration
	// Sleep is swapped out by tests; nil means context-aware time.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Syncer struct {
	url         string
	transport   Transport
	logger      logx.Logger
	maxAttempts int
	delay       time.Duration
	sleep       func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	state    State
	session  Session
	handlers map[events.Type]Handler
	closing  bool

	wg sync.WaitGroup
}

func New(opts Options) *Syncer {
	if opts.Transport == nil {
		opts.Transport = NewWebSocketTransport()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 2
	}
	if opts.Delay <= 0 {
		opts.Delay = 3 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Syncer{
		url:         opts.URL,
		transport:   opts.Transport,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
		delay:       opts.Delay,
		sleep:       opts.Sleep,
		state:       StateIdle,
		handlers:    make(map[events.Type]Handler),
	}
}

// On registers a handler for an event type. Call before Start; events with no
// handler, and unknown types, are dropped silently.
func (s *Syncer) On(t events.Type, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
}

// Start runs one connect cycle and, on success, begins dispatching inbound
// events until the connection drops or Close is called.
func (s *Syncer) Start(ctx context.Context) error {
	return s.connect(ctx)
}

// connect dials with a fixed delay between attempts. Exhausting the budget
// lands in closed; only Rearm leaves it.
func (s *Syncer) connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if s.isClosing() {
			s.setState(StateClosed)
			return ErrUnavailable
		}
		s.setState(StateConnecting)
		session, err := s.transport.Dial(ctx, s.url)
		if err == nil {
			s.mu.Lock()
			if s.closing {
				// Close won the race while the dial was in flight; the
				// session must not outlive it.
				s.mu.Unlock()
				_ = session.Close()
				return ErrUnavailable
			}
			s.session = session
			s.state = StateOpen
			s.mu.Unlock()
			s.wg.Add(1)
			go s.readLoop(ctx, session)
			return nil
		}

		s.logger.Warn(ctx, "sync.dial_failed", "stream dial failed",
			slog.Int("attempt", attempt), slog.String("error", err.Error()))
		if attempt >= s.maxAttempts {
			s.setState(StateClosed)
			return ErrUnavailable
		}
		s.setState(StateReconnectScheduled)
		if err := s.sleep(ctx, s.delay); err != nil {
			s.setState(StateClosed)
			return ErrUnavailable
		}
	}
}

func (s *Syncer) readLoop(ctx context.Context, session Session) {
	defer s.wg.Done()
	for {
		raw, err := session.ReadMessage()
		if err != nil {
			if s.isClosing() {
				return
			}
			s.logger.Warn(ctx, "sync.stream_dropped", "stream read failed",
				slog.String("error", err.Error()))
			_ = s.connect(ctx)
			return
		}
		event, err := events.Decode(raw)
		if err != nil || !events.Known(event.Type) {
			continue
		}
		s.mu.Lock()
		handler := s.handlers[event.Type]
		s.mu.Unlock()
		if handler != nil {
			handler(ctx, event)
		}
	}
}

// Send writes a frame upstream. Anything sent while not open is dropped and
// reported false; the stream carries ephemeral events, so there is no queue
// to flush later.
func (s *Syncer) Send(event events.Event) bool {
	frame, err := event.Encode()
	if err != nil {
		return false
	}
	s.mu.Lock()
	session := s.session
	open := s.state == StateOpen
	s.mu.Unlock()
	if !open || session == nil {
		return false
	}
	return session.WriteMessage(frame) == nil
}

func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Rearm grants a closed syncer a fresh connect cycle. A no-op in any other
// state.
func (s *Syncer) Rearm(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateClosed || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.state = StateIdle
	s.mu.Unlock()
	return s.connect(ctx)
}

func (s *Syncer) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	session := s.session
	s.session = nil
	s.state = StateClosed
	s.mu.Unlock()

	var err error
	if session != nil {
		err = session.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Syncer) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Syncer) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type wsTransport struct {
	dialer *websocket.Dialer
}

func NewWebSocketTransport() Transport {
	return &wsTransport{dialer: websocket.DefaultDialer}
}

func (t *wsTransport) Dial(ctx context.Context, url string) (Session, error) {
	conn, resp, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return &wsSession{conn: conn}, nil
}

type wsSession struct {
	conn *websocket.Conn
}

func (s *wsSession) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsSession) WriteMessage(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSession) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}
