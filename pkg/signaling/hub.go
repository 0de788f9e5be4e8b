package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultReadLimit   = 64 * 1024
	heartbeatWindow    = 30 * time.Second
	pingInterval       = 27 * time.Second
	writeTimeout       = 10 * time.Second
	upgradeReadBuffer  = 1024
	upgradeWriteBuffer = 1024
)

// HubOptions configures a Hub instance.
type HubOptions struct {
	Controller ControllerOptions
	Logger     *log.Logger
	Upgrader   *websocket.Upgrader
}

// ConnOptions controls how a connection is registered.
type ConnOptions struct {
	// ID overrides the generated participant ID. A reconnecting client
	// passes its previous id here so the pending leave is cancelled.
	ID string
	// Context lets the caller cancel the connection (defaults to Background).
	Context context.Context
}

// Hub owns the signaling channels: it upgrades connections, assigns
// participant ids, enforces the heartbeat and feeds inbound messages to the
// Room Lifecycle Controller. A channel close, voluntary or not, is the
// authoritative disconnect signal and always becomes a leave.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*client
	controller *Controller
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

type client struct {
	id   string
	conn *websocket.Conn
	// send is never closed: writePump exits through ctx cancellation, so a
	// Send racing a disconnect cannot hit a closed channel.
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub builds a Hub wired to the given registry and presence mirror.
func NewHub(registry *Registry, store PresenceStore, opts HubOptions) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ctrlOpts := opts.Controller
	if ctrlOpts.Logger == nil {
		ctrlOpts.Logger = logger
	}

	h := &Hub{
		clients:  make(map[string]*client),
		upgrader: upgrader,
		logger:   logger,
	}
	h.controller = NewController(registry, store, h, ctrlOpts)
	return h
}

// Controller exposes the lifecycle controller for callers that need to close
// rooms or inspect links (HTTP API, tests).
func (h *Hub) Controller() *Controller { return h.controller }

// HTTPHandler upgrades HTTP connections and registers them with the Hub. A
// reconnecting client may carry its previous id in the "participant" query
// parameter.
func (h *Hub) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Printf("upgrade error: %v", err)
			return
		}
		opts := ConnOptions{ID: strings.TrimSpace(r.URL.Query().Get("participant"))}
		if err := h.Accept(conn, opts); err != nil {
			h.logger.Printf("accept error: %v", err)
			conn.Close()
		}
	})
}

// Accept registers an already-upgraded WebSocket connection (useful when
// auth/guards are handled elsewhere).
func (h *Hub) Accept(conn *websocket.Conn, opts ConnOptions) error {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, 32),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	if prev, ok := h.clients[id]; ok {
		// A reconnect supersedes the old connection for the same id.
		prev.cancel()
	}
	h.clients[id] = c
	h.mu.Unlock()

	h.logger.Printf("ws: registered %s", id)
	go c.writePump()
	go c.readPump(h)
	return nil
}

// Send implements Sender. It reports false when the participant has no live
// channel or its buffer is full; signaling messages are not retried, the
// heartbeat collects dead connections.
func (h *Hub) Send(participantID string, msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("marshal %s for %s: %v", msg.Type, participantID, err)
		return false
	}

	h.mu.RLock()
	c := h.clients[participantID]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		h.logger.Printf("send buffer full for %s, dropping %s", participantID, msg.Type)
		return false
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	// Only forget the client if it is still the current connection for the
	// id; a reconnect may already have replaced it.
	current := h.clients[c.id] == c
	if current {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()

	if current {
		h.controller.HandleDisconnect(c.id)
	}
	h.logger.Printf("ws: unregistered %s", c.id)
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		c.cancel()
	}()

	c.conn.SetReadLimit(defaultReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatWindow))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatWindow))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return
			}
			if !errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Printf("read error from %s: %v", c.id, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatWindow))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Tolerate transient client bugs: warn, answer, keep the
			// channel open.
			h.logger.Printf("bad payload from %s: %v", c.id, err)
			h.Send(c.id, errorMessage("", CodeMalformed, "unparseable message"))
			continue
		}
		h.controller.HandleMessage(c.id, msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
