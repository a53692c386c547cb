package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"raffle-market-platform/shared/events"
	"raffle-market-platform/shared/logx"
)

// Conn adapts one gorilla websocket connection to the hub's Subscriber
// contract. Frames flow out through a bounded send channel drained by a single
// writer goroutine, so delivery per connection is FIFO.
type Conn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	closeOnce chan struct{}
	logger    logx.Logger

	pingInterval time.Duration
	pongWait     time.Duration
	writeWait    time.Duration

	// onEvent handles inbound frames the server accepts from clients (chat
	// messages). All other inbound traffic is ignored.
	onEvent func(ctx context.Context, event events.Event)
}

type ConnOptions struct {
	SendBuffer   int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	OnEvent      func(ctx context.Context, event events.Event)
}

func NewConn(id string, ws *websocket.Conn, logger logx.Logger, opts ConnOptions) *Conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	return &Conn{
		id:           id,
		ws:           ws,
		send:         make(chan []byte, opts.SendBuffer),
		closeOnce:    make(chan struct{}),
		logger:       logger,
		pingInterval: opts.PingInterval,
		pongWait:     opts.PongWait,
		writeWait:    opts.WriteWait,
		onEvent:      opts.OnEvent,
	}
}

func (c *Conn) ID() string { return c.id }

// Enqueue offers a frame without blocking. A full buffer means the client is
// not keeping up; the hub decides what to do about it.
func (c *Conn) Enqueue(frame []byte) bool {
	select {
	case <-c.closeOnce:
		return true // already closing, drop silently
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// CloseSlow tears the connection down from the hub side.
func (c *Conn) CloseSlow() {
	select {
	case <-c.closeOnce:
		return
	default:
		close(c.closeOnce)
	}
}

// ReadPump consumes inbound frames until the connection drops. Unknown event
// types are ignored so older servers tolerate newer clients.
func (c *Conn) ReadPump(ctx context.Context) {
	defer c.CloseSlow()

	c.ws.SetReadLimit(64 << 10)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		op, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(ctx, "ws.read_error", "connection read failed",
					slog.String("conn_id", c.id), slog.String("error", err.Error()))
			}
			return
		}
		if op != websocket.TextMessage {
			continue
		}
		event, err := events.Decode(raw)
		if err != nil || !events.Known(event.Type) {
			continue
		}
		if event.Type == events.TypeChatMessage && c.onEvent != nil {
			c.onEvent(ctx, event)
		}
	}
}

// WritePump drains the send channel onto the wire and keeps the connection
// alive with pings. It owns all writes to the socket.
func (c *Conn) WritePump(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug(ctx, "ws.write_error", "connection write failed",
					slog.String("conn_id", c.id), slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeOnce:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
