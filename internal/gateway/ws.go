package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 64
	wsWriteWait       = 10 * time.Second
	wsCloseWait       = time.Second
)

// Client is one WebSocket connection. Outbound frames go through the
// buffered send channel; the write loop is the only goroutine touching the
// connection for writes.
type Client struct {
	id          string
	connectedAt time.Time

	hub  *Hub
	conn *websocket.Conn
	log  *slog.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	// session the client is subscribed to, empty when none. Guarded by
	// hub.mu.
	session string
}

// WSHandler upgrades HTTP requests into hub clients.
type WSHandler struct {
	hub      *Hub
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *Hub, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &Client{
		id:          uuid.NewString(),
		connectedAt: time.Now(),
		hub:         h.hub,
		conn:        conn,
		send:        make(chan []byte, wsSendBuffer),
		done:        make(chan struct{}),
	}
	client.log = h.log.With("client_id", client.id, "remote", conn.RemoteAddr().String())
	h.hub.addClient(client)
	client.log.Debug("client connected")

	go client.writeLoop()
	client.readLoop()

	h.hub.removeClient(client)
	client.shutdown()
	client.log.Debug("client disconnected")
}

func (c *Client) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "text frames only")
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueueFrame(errorFrame(codeInvalidMessage, fmt.Sprintf("invalid frame: %v", err)))
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame clientFrame) {
	switch frame.Type {
	case "subscribe":
		if !isUUIDv4(frame.SessionID) {
			c.enqueueFrame(errorFrame(codeInvalidMessage,
				fmt.Sprintf("sessionId %q is not a v4 UUID", frame.SessionID)))
			return
		}
		if err := c.hub.subscribe(c, frame.SessionID); err != nil {
			code := codeSubscribeFailed
			if err == ErrUnknownSession {
				code = codeUnknownSession
			}
			c.enqueueFrame(sessionErrorFrame(frame.SessionID, code, err.Error()))
		}
	case "unsubscribe":
		// Carries no sessionId; a client has at most one subscription.
		c.hub.unsubscribe(c)
	default:
		c.enqueueFrame(errorFrame(codeInvalidMessage,
			fmt.Sprintf("unknown message type %q", frame.Type)))
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// enqueue hands pre-serialized bytes to the write loop. A client that cannot
// keep up is disconnected rather than allowed to stall the fan-out.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.log.Warn("send buffer full, dropping client")
		go func() {
			c.hub.removeClient(c)
			c.closeWith(websocket.CloseInternalServerErr, "send buffer overflow")
		}()
	}
}

func (c *Client) enqueueFrame(frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// closeWith sends a close control frame and tears the connection down. Safe
// to call from any goroutine, any number of times.
func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(wsCloseWait)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline) //nolint:errcheck
		_ = c.conn.Close()
	})
}

func (c *Client) closeGoingAway() {
	c.closeWith(websocket.CloseGoingAway, "Server shutting down")
}

// shutdown closes the connection without a distinguished close code, used
// when the peer already went away.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func isUUIDv4(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && id.Version() == 4
}
