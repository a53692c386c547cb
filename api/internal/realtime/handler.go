package realtime

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"raffle-market-platform/shared/httpx"
	"raffle-market-platform/shared/logx"
)

// Handler upgrades HTTP requests to websocket subscriptions on the hub.
type Handler struct {
	hub      *Hub
	logger   logx.Logger
	opts     ConnOptions
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, logger logx.Logger, opts ConnOptions, checkOrigin func(*http.Request) bool) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Reject before upgrading so the client gets a clean HTTP error instead
	// of an immediately closed socket.
	if h.hub.Len() >= h.hub.capacity {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, httpx.CodeFailedPrecondition, "connection capacity reached", nil)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "ws.upgrade_failed", "websocket upgrade failed",
			slog.String("error", err.Error()))
		return
	}

	// Inbound frames only flow through a configured OnEvent; republishing raw
	// client payloads would skip the validation the REST path enforces.
	conn := NewConn(uuid.NewString(), ws, h.logger, h.opts)

	if err := h.hub.Register(conn); err != nil {
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		_ = ws.Close()
		return
	}

	// The pumps run for the connection's lifetime. ReadPump returning means
	// the client is gone; detach before tearing down the writer.
	go conn.WritePump(context.Background())
	conn.ReadPump(r.Context())
	h.hub.Unregister(conn.ID())
	conn.CloseSlow()
}
