// Package client implements a headless signaling participant: it joins a
// live-class room over the signaling WebSocket and negotiates real peer
// connections, which makes it usable as a smoke/load probe against a running
// deployment.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"liveclass-signaling/pkg/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ErrRoleConflict is returned when the server rejects a join because the
// room already has a mentor.
var ErrRoleConflict = errors.New("room already has a mentor")

// Options configures a Client.
type Options struct {
	// ServerURL is the signaling endpoint, e.g. wss://host/ws.
	ServerURL string
	RoomID    string
	Role      string
	// ParticipantID resumes a previous seat after a reconnect. Empty means
	// the server assigns a fresh id.
	ParticipantID string

	STUNURLs     []string
	TURNURLs     []string
	TURNUsername string
	TURNPassword string

	Logger *slog.Logger
}

// Client manages the WebSocket connection to the signaling server and one
// peer connection per remote participant.
type Client struct {
	opts Options
	log  *slog.Logger

	conn     *websocket.Conn
	incoming chan signaling.Message
	outgoing chan signaling.Message
	done     chan struct{}
	closed   bool

	mu    sync.Mutex
	id    string
	peers map[string]*peer
}

// New creates a client; Run connects and joins.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:     opts,
		log:      logger,
		incoming: make(chan signaling.Message, 8),
		outgoing: make(chan signaling.Message, 8),
		done:     make(chan struct{}),
		peers:    make(map[string]*peer),
	}
}

// ID returns the participant id assigned by the server, once joined.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Run connects, joins the room and processes signaling until the context is
// cancelled, the room closes, or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	if err := c.connect(); err != nil {
		return err
	}
	defer c.Close()

	c.send(signaling.Message{
		Type:   signaling.TypeJoin,
		RoomID: c.opts.RoomID,
		Role:   c.opts.Role,
	})

	for {
		select {
		case <-ctx.Done():
			c.send(signaling.Message{Type: signaling.TypeLeave, RoomID: c.opts.RoomID})
			return ctx.Err()
		case msg, ok := <-c.incoming:
			if !ok {
				return errors.New("signaling connection closed")
			}
			if err := c.handle(msg); err != nil {
				return err
			}
		}
	}
}

func (c *Client) connect() error {
	u, err := url.Parse(c.opts.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if c.opts.ParticipantID != "" {
		q := u.Query()
		q.Set("participant", c.opts.ParticipantID)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
	return nil
}

func (c *Client) handle(msg signaling.Message) error {
	switch msg.Type {
	case signaling.TypeJoinSuccess:
		c.mu.Lock()
		c.id = msg.SenderID
		c.mu.Unlock()
		c.log.Info("joined", "room", msg.RoomID, "id", msg.SenderID, "role", msg.Role)

	case signaling.TypeMentorAvailable:
		c.log.Info("mentor available", "mentor", msg.MentorID)
		c.startNegotiation(msg.MentorID, msg.InitiatorID)

	case signaling.TypeUserJoined:
		c.log.Info("viewer joined", "viewer", msg.SenderID)
		c.startNegotiation(msg.SenderID, msg.InitiatorID)

	case signaling.TypeOffer:
		p, err := c.peerFor(msg.SenderID)
		if err != nil {
			c.log.Error("create peer", "from", msg.SenderID, "err", err)
			break
		}
		if err := p.handleOffer(msg.SDP); err != nil {
			c.log.Error("handle offer", "from", msg.SenderID, "err", err)
		}

	case signaling.TypeAnswer:
		if p := c.peer(msg.SenderID); p != nil {
			if err := p.handleAnswer(msg.SDP); err != nil {
				c.log.Error("handle answer", "from", msg.SenderID, "err", err)
			}
		}

	case signaling.TypeICECandidate:
		if p := c.peer(msg.SenderID); p != nil {
			if err := p.addCandidate(msg.Candidate); err != nil {
				c.log.Error("add candidate", "from", msg.SenderID, "err", err)
			}
		}

	case signaling.TypeMentorDisconnected:
		c.log.Info("mentor disconnected, waiting")
		c.closePeers()

	case signaling.TypeUserLeft:
		c.dropPeer(msg.SenderID)

	case signaling.TypePeerLinkFailed:
		c.log.Warn("peer link failed", "target", msg.TargetID)
		c.dropPeer(msg.TargetID)

	case signaling.TypeRoomClosed:
		c.log.Info("room closed by server")
		return errors.New("room closed")

	case signaling.TypeError:
		if msg.Code == signaling.CodeRoleConflict {
			return fmt.Errorf("%w: %s", ErrRoleConflict, msg.Reason)
		}
		c.log.Warn("server error", "code", msg.Code, "reason", msg.Reason)

	default:
		c.log.Debug("ignoring message", "type", msg.Type)
	}
	return nil
}

// startNegotiation sets up a fresh peer for the remote participant and, when
// this client is the designated initiator, sends the offer.
func (c *Client) startNegotiation(remoteID, initiatorID string) {
	c.dropPeer(remoteID)

	p, err := c.peerFor(remoteID)
	if err != nil {
		c.log.Error("create peer", "remote", remoteID, "err", err)
		return
	}
	if initiatorID == c.ID() {
		if err := p.sendOffer(); err != nil {
			c.log.Error("send offer", "remote", remoteID, "err", err)
		}
	}
}

func (c *Client) peer(remoteID string) *peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[remoteID]
}

func (c *Client) peerFor(remoteID string) (*peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[remoteID]; ok {
		return p, nil
	}
	p, err := newPeer(c, remoteID)
	if err != nil {
		return nil, err
	}
	c.peers[remoteID] = p
	return p, nil
}

func (c *Client) dropPeer(remoteID string) {
	c.mu.Lock()
	p := c.peers[remoteID]
	delete(c.peers, remoteID)
	c.mu.Unlock()
	if p != nil {
		p.close()
	}
}

func (c *Client) closePeers() {
	c.mu.Lock()
	peers := c.peers
	c.peers = make(map[string]*peer)
	c.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

func (c *Client) send(msg signaling.Message) {
	select {
	case c.outgoing <- msg:
	case <-c.done:
	}
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		var msg signaling.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		c.incoming <- msg
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// Close tears down the peers and the signaling connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.closePeers()
	close(c.done)
}
