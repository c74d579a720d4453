package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	httpsrv "github.com/shivay/dispatch-service/infra/server/http"
	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/domain/registry"
	"github.com/shivay/dispatch-service/internal/handler/marshaller"
	wsmarshaller "github.com/shivay/dispatch-service/internal/handler/marshaller/ws"
	"github.com/shivay/dispatch-service/internal/service"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 64 << 10
)

type WSHandler struct {
	logger    *slog.Logger
	deliverer service.Deliverer
	upgrader  websocket.Upgrader
}

func NewWSHandler(logger *slog.Logger, deliverer service.Deliverer) *WSHandler {
	return &WSHandler{
		logger:    logger,
		deliverer: deliverer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Consoles are served from other origins; identity is not checked here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	observerID := httpsrv.ObserverID(r)

	// 1. UPGRADE (the upgrader answers the client itself on failure)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WS_UPGRADE_FAILED", "observer_id", observerID, "err", err)
		return
	}
	defer ws.Close()

	// 2. CONNECT: the connected frame is queued before anything else.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := h.deliverer.Connect(ctx, observerID, httpsrv.ConnectMetadata(r, "ws"))
	defer h.deliverer.Disconnect(conn)

	l := h.logger.With("observer_id", observerID, "conn_id", conn.GetID())
	l.Info("WS_OPENED")

	// 3. PUMPS: commands are read on their own goroutine; this one owns every write.
	rejected := make(chan []byte, 8)
	go h.readPump(ws, conn, rejected, cancel, l)
	h.writePump(ctx, ws, conn, rejected, l)

	l.Info("WS_CLOSED", "dropped", conn.Dropped())
}

func (h *WSHandler) readPump(ws *websocket.Conn, conn registry.Connector, rejected chan<- []byte, cancel context.CancelFunc, l *slog.Logger) {
	defer cancel()

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Warn("WS_READ_FAILED", "err", err)
			}
			return
		}

		if err := h.apply(conn, data); err != nil {
			l.Debug("WS_COMMAND_REJECTED", "err", err)
			select {
			case rejected <- wsmarshaller.MarshallError(err):
			default:
			}
		}
	}
}

func (h *WSHandler) apply(conn registry.Connector, data []byte) error {
	frame, err := wsmarshaller.DecodeClientFrame(data)
	if err != nil {
		return err
	}

	switch frame.Type {
	case wsmarshaller.CommandSubscribe:
		_, err = h.deliverer.Subscribe(conn, service.SubscribeRequest{
			Topics:       frame.Topics,
			FromSequence: frame.FromSequence,
			Cursors:      frame.Cursors,
		})
	case wsmarshaller.CommandUnsubscribe:
		_, err = h.deliverer.Unsubscribe(conn, frame.Topics)
	}
	return err
}

func (h *WSHandler) writePump(ctx context.Context, ws *websocket.Conn, conn registry.Connector, rejected <-chan []byte, l *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.close(ws, websocket.CloseNormalClosure, "")
			return

		case data := <-rejected:
			if err := h.write(ws, websocket.TextMessage, data); err != nil {
				return
			}

		case ev, ok := <-conn.Recv():
			if !ok {
				// [TERMINATION_SENTINEL] The hub closed the session.
				bye := event.NewSystemEvent("", event.Disconnected, event.PriorityHigh, &model.DisconnectedPayload{
					Reason: "session_closed_by_server",
					Code:   "SHUTDOWN",
				})
				if data, err := marshaller.MarshallDeliveryEvent(bye); err == nil {
					_ = h.write(ws, websocket.TextMessage, data)
				}
				h.close(ws, websocket.CloseGoingAway, "session closed")
				return
			}

			data, err := marshaller.MarshallDeliveryEvent(ev)
			if err != nil {
				l.Error("WS_MARSHAL_FAILED", "event_id", ev.GetID(), "err", err)
				continue
			}
			if err := h.write(ws, websocket.TextMessage, data); err != nil {
				l.Warn("WS_SEND_FAILED", "err", err)
				return
			}

		case <-ticker.C:
			if err := h.write(ws, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) write(ws *websocket.Conn, kind int, data []byte) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(kind, data)
}

func (h *WSHandler) close(ws *websocket.Conn, code int, text string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
