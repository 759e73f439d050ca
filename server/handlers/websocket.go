package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/securewatch/securewatch/server/events"
	"go.uber.org/zap"
)

// WebSocketHandler pushes episode events (start, ready, analyzed) to
// dashboard clients as they happen. Each connection holds its own bus
// subscription; a slow client drops events rather than stalling the
// pipeline.
type WebSocketHandler struct {
	bus      *events.Bus
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

type ClientMessage struct {
	Type     string `json:"type"`
	CameraID string `json:"camera_id,omitempty"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsConn serializes writes: the push loop and the read loop's control
// replies share one connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func NewWebSocketHandler(bus *events.Bus, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer raw.Close()

	conn := &wsConn{conn: raw}

	clientIP := c.ClientIP()
	h.logger.Info("WebSocket client connected", zap.String("client_ip", clientIP))

	raw.SetReadLimit(64 * 1024)
	raw.SetReadDeadline(time.Now().Add(60 * time.Second))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	eventCh, unsubscribe := h.bus.Subscribe(64)
	defer unsubscribe()

	done := make(chan struct{})

	// cameraFilter hands subscription changes from the read loop to the
	// push loop.
	cameraFilter := make(chan string, 1)

	go h.pushEvents(conn, eventCh, cameraFilter, done)

	for {
		var message ClientMessage
		if err := raw.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error", zap.Error(err))
			}
			close(done)
			return
		}
		h.handleMessage(conn, &message, cameraFilter)
	}
}

func (h *WebSocketHandler) handleMessage(conn *wsConn, message *ClientMessage, cameraFilter chan string) {
	switch message.Type {
	case "ping":
		h.sendMessage(conn, "pong", map[string]any{"timestamp": time.Now().Unix()})
	case "subscribe":
		// Empty camera_id resets to all cameras.
		select {
		case <-cameraFilter:
		default:
		}
		cameraFilter <- message.CameraID
		h.sendMessage(conn, "subscribed", map[string]any{"camera_id": message.CameraID})
	default:
		h.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		h.sendError(conn, "Unknown message type: "+message.Type)
	}
}

func (h *WebSocketHandler) pushEvents(conn *wsConn, eventCh <-chan events.Event, cameraFilter chan string, done chan struct{}) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	var filter string
	for {
		select {
		case cam := <-cameraFilter:
			filter = cam
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			if filter != "" && ev.CameraID != filter {
				continue
			}
			h.sendMessage(conn, string(ev.Type), ev)
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				h.logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}

func (h *WebSocketHandler) sendMessage(conn *wsConn, messageType string, data any) {
	message := ServerMessage{
		Type: messageType,
		Data: data,
	}

	if err := conn.writeJSON(message); err != nil {
		h.logger.Debug("Failed to send WebSocket message", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(conn *wsConn, errorMsg string) {
	h.sendMessage(conn, "error", map[string]any{
		"message":   errorMsg,
		"timestamp": time.Now().Unix(),
	})
}
