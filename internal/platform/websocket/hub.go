// Package websocket streams JSON frames to connected clients. Each client is
// bound to one topic (a live query) and keeps only the newest undelivered
// frame, so a slow reader sees the latest state rather than a backlog.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is a single WebSocket connection subscribed to one topic.
type Client struct {
	ID    string
	Topic string

	outbox     chan []byte
	sendMu     sync.Mutex
	done       chan struct{}
	closeOnce  sync.Once
	finishing  chan struct{}
	finishOnce sync.Once
	conn       Conn
	hub        *Hub
}

func newClient(hub *Hub, topic string, conn Conn) *Client {
	return &Client{
		ID:        uuid.New().String(),
		Topic:     topic,
		outbox:    make(chan []byte, 1),
		done:      make(chan struct{}),
		finishing: make(chan struct{}),
		conn:      conn,
		hub:       hub,
	}
}

// Send queues v as a JSON text frame, replacing any frame not yet written.
// It reports false once the client is closed.
func (c *Client) Send(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error().Err(err).Str("client", c.ID).Msg("marshal frame")
		return false
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case <-c.outbox:
	default:
	}
	c.outbox <- data
	return true
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Finish sends v as the last frame and closes the connection once it is
// written. A Send racing with Finish may replace the final frame.
func (c *Client) Finish(v interface{}) {
	if !c.Send(v) {
		return
	}
	c.finishOnce.Do(func() { close(c.finishing) })
}

// Close ends the connection and removes the client from its hub.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.Unregister(c)
		c.conn.Close()
	})
}

// Hub tracks connected clients by topic.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	logger  zerolog.Logger

	upgrader gorillawebsocket.Upgrader
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Clients authenticate with a bearer token, not cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register adds a client under its topic.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	if h.clients[client.Topic] == nil {
		h.clients[client.Topic] = make(map[*Client]struct{})
	}
	h.clients[client.Topic][client] = struct{}{}
}

// Unregister removes a client. Unknown clients are ignored.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	if subscribers, ok := h.clients[client.Topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, client.Topic)
		}
	}
	delete(h.all, client)
}

// BroadcastAll sends v to every connected client.
func (h *Hub) BroadcastAll(v interface{}) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.all))
	for c := range h.all {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.Send(v)
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.all))
	for c := range h.all {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}

// Shutdown sends v to every client as its final frame and waits for the
// connections to close. Clients still open when ctx ends are dropped.
func (h *Hub) Shutdown(ctx context.Context, v interface{}) error {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.all))
	for c := range h.all {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.Finish(v)
	}

	var err error
	for _, c := range clients {
		select {
		case <-c.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}
	h.CloseAll()
	return err
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients on a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Upgrade switches the request to a WebSocket and registers the client.
// The caller must call Serve.
func (h *Hub) Upgrade(c echo.Context, topic string) (*Client, error) {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxMessageSize)
	client := newClient(h, topic, &gorillaConnAdapter{ws})
	h.Register(client)
	return client, nil
}

// Serve runs the write pump and reads until the peer goes away. Inbound
// messages go to onMessage when it is non-nil. Serve closes the client
// before returning.
func (c *Client) Serve(onMessage func([]byte)) {
	defer c.Close()
	go c.writePump()

	if ws, ok := c.conn.(*gorillaConnAdapter); ok {
		ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		ws.conn.SetPongHandler(func(string) error {
			return ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Str("client", c.ID).Msg("read failed")
			}
			return
		}
		if onMessage != nil {
			onMessage(message)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	ws, _ := c.conn.(*gorillaConnAdapter)
	for {
		select {
		case <-c.done:
			return
		case message := <-c.outbox:
			if ws != nil {
				ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			}
			if err := c.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-c.finishing:
			select {
			case message := <-c.outbox:
				if ws != nil {
					ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
				}
				c.conn.WriteMessage(gorillawebsocket.TextMessage, message)
			default:
			}
			if ws != nil {
				ws.conn.WriteControl(gorillawebsocket.CloseMessage,
					gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseGoingAway, ""),
					time.Now().Add(writeWait))
			}
			return
		case <-ticker.C:
			if ws == nil {
				continue
			}
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
