package statusfeed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golive/native/internal/domain"
	"golive/native/internal/session"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 16
)

// message is the envelope pushed to every UI client.
type message struct {
	Type      string               `json:"type"`
	From      domain.State         `json:"from,omitempty"`
	To        domain.State         `json:"to,omitempty"`
	Event     session.Event        `json:"event,omitempty"`
	Session   domain.StreamSession `json:"session"`
	Timestamp int64                `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub pushes session changes to connected WebSocket clients. A client first
// receives a current snapshot, then every later change. Clients that fall
// behind are dropped.
type Hub struct {
	snapshot func() domain.StreamSession
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	// guarded by Hub.mu
	ready bool
	stale bool
}

// NewHub creates a hub. snapshot supplies the state sent on connect.
func NewHub(snapshot func() domain.StreamSession, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		snapshot: snapshot,
		logger:   logger,
		clients:  make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	if err := h.prime(c); err != nil {
		h.logger.Errorw("encode snapshot", "error", err)
		h.remove(c)
		return
	}
	h.logger.Debugw("status client connected", "remote", r.RemoteAddr, "clients", n)

	go h.writeLoop(c)
	h.readLoop(c)
}

// prime queues the snapshot as the client's first message. A change that
// lands while the snapshot is taken makes it stale, and it is taken again.
func (h *Hub) prime(c *client) error {
	for {
		first, err := encode(message{Type: "snapshot", Session: h.snapshot(), Timestamp: time.Now().UnixMilli()})
		if err != nil {
			return err
		}

		h.mu.Lock()
		if !c.stale {
			c.ready = true
			c.send <- first
			h.mu.Unlock()
			return nil
		}
		c.stale = false
		h.mu.Unlock()
	}
}

// OnChange broadcasts a session change.
func (h *Hub) OnChange(ch session.Change) {
	data, err := encode(message{
		Type:      "change",
		From:      ch.From,
		To:        ch.To,
		Event:     ch.Event,
		Session:   ch.Session,
		Timestamp: ch.At.UnixMilli(),
	})
	if err != nil {
		h.logger.Errorw("encode change", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.ready {
			c.stale = true
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warnw("dropping slow status client")
			delete(h.clients, c)
			c.close()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// readLoop discards client input; it only exists to notice the client leaving.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debugw("status write failed", "error", err)
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func encode(m message) ([]byte, error) {
	return json.Marshal(m)
}
