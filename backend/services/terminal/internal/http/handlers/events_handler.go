package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fuelpos/backend/services/terminal/internal/events"
)

const (
	eventsPongWait     = 60 * time.Second
	eventsPingInterval = 30 * time.Second
	eventsReadLimit    = 512
)

// Subscriber hands out UI event streams.
type Subscriber interface {
	Subscribe() (<-chan events.Event, func())
}

// EventsHandler streams UI events over a websocket.
type EventsHandler struct {
	bus          Subscriber
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewEventsHandler builds the GET /api/events handler. The upgrader keeps
// gorilla's same-origin check.
func NewEventsHandler(bus Subscriber, writeTimeout time.Duration, logger *zap.Logger) *EventsHandler {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &EventsHandler{
		bus:          bus,
		writeTimeout: writeTimeout,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Stream handles GET /api/events until the client goes away or the bus closes.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("event stream upgrade failed", zap.Error(err))
		return
	}

	stream, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	readerDone := make(chan struct{})
	go h.readPump(conn, readerDone)

	h.writePump(conn, stream, readerDone)
	_ = conn.Close()
	<-readerDone
	h.logger.Debug("event stream closed", zap.String("remote", r.RemoteAddr))
}

// readPump only services control frames; the UI never sends data.
func (h *EventsHandler) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(eventsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventsHandler) writePump(conn *websocket.Conn, stream <-chan events.Event, readerDone <-chan struct{}) {
	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readerDone:
			return
		case evt, ok := <-stream:
			if !ok {
				_ = h.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "terminal shutting down"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				h.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := h.write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *EventsHandler) write(conn *websocket.Conn, messageType int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return conn.WriteMessage(messageType, data)
}
