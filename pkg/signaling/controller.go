package signaling

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	defaultNegotiationTimeout = 15 * time.Second
	defaultRetryBackoff       = 2 * time.Second
	defaultRejoinGrace        = 5 * time.Second
)

// Sender delivers a server message to a connected participant. It reports
// false when the participant has no live channel.
type Sender interface {
	Send(participantID string, msg Message) bool
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	// NegotiationTimeout bounds how long a PeerLink may take to reach
	// connected before it is failed. Defaults to 15s.
	NegotiationTimeout time.Duration
	// RetryBackoff is the pause before the single automatic renegotiation
	// of a failed link. Defaults to 2s.
	RetryBackoff time.Duration
	// RejoinGrace is how long a disconnected participant's seat is held so
	// a rapid reconnect (page refresh) cancels the pending leave. Defaults
	// to 5s.
	RejoinGrace time.Duration
	Logger      *log.Logger
}

type member struct {
	roomID string
	role   string
}

// Controller glues the registry, the signaling channels and the PeerLink
// table together: it admits and evicts participants, fans out presence
// events and drives link creation, teardown and the retry policy.
//
// One mutex serializes every room mutation, which satisfies the requirement
// that mutations to a single room never race. Handlers do no blocking work
// under the lock beyond queueing outbound messages.
type Controller struct {
	mu            sync.Mutex
	registry      *Registry
	store         PresenceStore
	sender        Sender
	links         map[string]*PeerLink
	members       map[string]member
	pendingLeaves map[string]*time.Timer

	negotiationTimeout time.Duration
	retryBackoff       time.Duration
	rejoinGrace        time.Duration
	logger             *log.Logger
}

// NewController builds a Controller around the given registry, presence
// mirror and outbound sender.
func NewController(registry *Registry, store PresenceStore, sender Sender, opts ControllerOptions) *Controller {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = defaultNegotiationTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.RejoinGrace <= 0 {
		opts.RejoinGrace = defaultRejoinGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		registry:           registry,
		store:              store,
		sender:             sender,
		links:              make(map[string]*PeerLink),
		members:            make(map[string]member),
		pendingLeaves:      make(map[string]*time.Timer),
		negotiationTimeout: opts.NegotiationTimeout,
		retryBackoff:       opts.RetryBackoff,
		rejoinGrace:        opts.RejoinGrace,
		logger:             logger,
	}
}

// HandleMessage processes one inbound signaling message from a participant.
// Unknown types are dropped with a warning; a malformed message never takes
// the channel down.
func (c *Controller) HandleMessage(senderID string, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.members[senderID]; ok {
		c.registry.Touch(m.roomID, senderID)
	}

	switch msg.Type {
	case TypeJoin:
		c.handleJoin(senderID, msg)
	case TypeOffer:
		c.relayDescription(senderID, msg)
	case TypeAnswer:
		c.relayDescription(senderID, msg)
	case TypeICECandidate:
		c.relayCandidate(senderID, msg)
	case TypeLinkState:
		c.handleLinkState(senderID, msg)
	case TypeLeave:
		c.cancelPendingLeave(senderID)
		c.processLeave(senderID)
	default:
		c.logger.Printf("controller: dropping unknown message type %q from %s", msg.Type, senderID)
	}
}

// HandleDisconnect is called by the channel layer when a connection closes
// for any reason. The leave is deferred by the rejoin grace window so a
// rapid reconnect with the same participant id keeps the seat.
func (c *Controller) HandleDisconnect(senderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.members[senderID]; !ok {
		return
	}
	if _, pending := c.pendingLeaves[senderID]; pending {
		return
	}
	c.logger.Printf("controller: %s disconnected, leave deferred %s", senderID, c.rejoinGrace)
	c.pendingLeaves[senderID] = time.AfterFunc(c.rejoinGrace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.pendingLeaves[senderID]; !ok {
			return
		}
		delete(c.pendingLeaves, senderID)
		c.processLeave(senderID)
	})
}

// CloseRoom handles an explicit end-session signal: every participant is
// notified and evicted, and the room is deleted immediately.
func (c *Controller) CloseRoom(roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted, err := c.registry.Close(roomID)
	if err != nil {
		return err
	}
	for key, link := range c.links {
		if link.RoomID == roomID {
			link.close()
			delete(c.links, key)
		}
	}
	for _, id := range evicted {
		c.cancelPendingLeave(id)
		delete(c.members, id)
		c.sender.Send(id, Message{Type: TypeRoomClosed, RoomID: roomID})
	}
	c.logger.Printf("controller: room %s closed, evicted %d participants", roomID, len(evicted))
	return nil
}

// Link returns a snapshot of the live link for a pair, for tests and
// debugging endpoints.
func (c *Controller) Link(a, b string) (state string, attempt int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	link, ok := c.links[pairKey(a, b)]
	if !ok {
		return "", 0, false
	}
	return link.state, link.attempt, true
}

func (c *Controller) handleJoin(senderID string, msg Message) {
	roomID := msg.RoomID
	role := msg.Role
	if roomID == "" || (role != RoleMentor && role != RoleViewer) {
		c.sender.Send(senderID, errorMessage(roomID, CodeMalformed, "join requires roomId and a valid role"))
		return
	}

	c.cancelPendingLeave(senderID)

	// A connection that was already seated elsewhere moves rooms cleanly.
	if prev, ok := c.members[senderID]; ok && prev.roomID != roomID {
		c.processLeave(senderID)
	}

	info, err := c.registry.Join(roomID, senderID, role)
	switch err {
	case nil:
	case ErrRoleConflict:
		// The channel stays open and the caller's current seat (if any) is
		// untouched: it may retry as a viewer.
		c.sender.Send(senderID, errorMessage(roomID, CodeRoleConflict, "room already has a mentor"))
		return
	case ErrRoomClosed:
		c.sender.Send(senderID, errorMessage(roomID, CodeNotJoined, "room closed"))
		return
	default:
		c.sender.Send(senderID, errorMessage(roomID, CodeNotJoined, err.Error()))
		return
	}

	// A rejoin replaces the stale seat; any links from the previous
	// incarnation are dead and must not be resumed.
	c.closeLinksFor(roomID, senderID)

	c.members[senderID] = member{roomID: roomID, role: role}
	if err := c.store.AddParticipant(context.Background(), roomID, senderID, role); err != nil {
		c.logger.Printf("presence add %s/%s: %v", roomID, senderID, err)
	}

	c.sender.Send(senderID, Message{Type: TypeJoinSuccess, RoomID: roomID, SenderID: senderID, Role: role})
	c.logger.Printf("controller: %s joined %s as %s (state=%s)", senderID, roomID, role, info.State)

	switch role {
	case RoleViewer:
		if info.MentorID != "" {
			c.startNegotiation(roomID, info.MentorID, senderID, 0)
		}
	case RoleMentor:
		// Mentor joining (or reconnecting to) a room that already has
		// viewers: every viewer gets a fresh link.
		for _, viewerID := range info.ViewerIDs {
			c.startNegotiation(roomID, senderID, viewerID, 0)
		}
	}
}

// startNegotiation installs a fresh PeerLink for the pair, closing any stale
// one first, and announces the pairing to both ends so the initiator can
// send its offer.
func (c *Controller) startNegotiation(roomID, mentorID, viewerID string, attempt int) {
	key := pairKey(mentorID, viewerID)
	if old := c.links[key]; old != nil {
		old.close()
	}

	link := newPeerLink(roomID, mentorID, viewerID, attempt)
	c.links[key] = link
	link.timeout = time.AfterFunc(c.negotiationTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.links[key] != link || link.state == LinkConnected || link.terminal() {
			return
		}
		c.logger.Printf("controller: link %s<->%s negotiation timed out", mentorID, viewerID)
		c.failLink(link)
	})

	c.sender.Send(viewerID, Message{
		Type:        TypeMentorAvailable,
		RoomID:      roomID,
		MentorID:    mentorID,
		InitiatorID: link.InitiatorID,
	})
	c.sender.Send(mentorID, Message{
		Type:        TypeUserJoined,
		RoomID:      roomID,
		SenderID:    viewerID,
		Role:        RoleViewer,
		InitiatorID: link.InitiatorID,
	})
}

func (c *Controller) relayDescription(senderID string, msg Message) {
	link, target, ok := c.linkForRelay(senderID, msg)
	if !ok {
		return
	}

	var flushed []Message
	if msg.Type == TypeOffer {
		flushed = link.noteOffer(senderID)
	} else {
		flushed = link.noteAnswer(senderID)
	}

	msg.SenderID = senderID
	c.sender.Send(target, msg)
	// Candidates held back until the description existed go out now, in
	// their original arrival order.
	for _, cand := range flushed {
		c.sender.Send(target, cand)
	}
}

func (c *Controller) relayCandidate(senderID string, msg Message) {
	link, target, ok := c.linkForRelay(senderID, msg)
	if !ok {
		return
	}
	msg.SenderID = senderID
	if link.gateCandidate(senderID, msg) {
		c.sender.Send(target, msg)
	}
}

func (c *Controller) linkForRelay(senderID string, msg Message) (*PeerLink, string, bool) {
	m, ok := c.members[senderID]
	if !ok || m.roomID != msg.RoomID {
		c.sender.Send(senderID, errorMessage(msg.RoomID, CodeNotJoined, "join the room before signaling"))
		return nil, "", false
	}
	if msg.TargetID == "" || !c.registry.Member(msg.RoomID, msg.TargetID) {
		c.sender.Send(senderID, errorMessage(msg.RoomID, CodeUnknownTarget, "target is not in the room"))
		return nil, "", false
	}
	link := c.links[pairKey(senderID, msg.TargetID)]
	if link == nil || link.terminal() {
		c.logger.Printf("controller: dropping %s from %s, no active link to %s", msg.Type, senderID, msg.TargetID)
		return nil, "", false
	}
	return link, msg.TargetID, true
}

func (c *Controller) handleLinkState(senderID string, msg Message) {
	m, ok := c.members[senderID]
	if !ok || m.roomID != msg.RoomID {
		return
	}
	link := c.links[pairKey(senderID, msg.TargetID)]
	if link == nil {
		return
	}
	switch msg.State {
	case LinkReportConnected:
		link.markConnected()
		c.logger.Printf("controller: link %s<->%s connected", link.MentorID, link.ViewerID)
	case LinkReportFailed:
		if link.terminal() {
			return
		}
		c.logger.Printf("controller: link %s<->%s reported failed (attempt %d)", link.MentorID, link.ViewerID, link.attempt)
		c.failLink(link)
	}
}

// failLink applies the retry policy: the first failure schedules exactly one
// fresh negotiation after a short backoff; a second failure is terminal and
// surfaced to both endpoints.
func (c *Controller) failLink(link *PeerLink) {
	link.markFailed()
	key := pairKey(link.MentorID, link.ViewerID)

	if link.attempt == 0 {
		roomID, mentorID, viewerID := link.RoomID, link.MentorID, link.ViewerID
		time.AfterFunc(c.retryBackoff, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			// Only retry if the failed link is still current and both
			// ends are still seated.
			if c.links[key] != link {
				return
			}
			if !c.registry.Member(roomID, mentorID) || !c.registry.Member(roomID, viewerID) {
				delete(c.links, key)
				return
			}
			c.logger.Printf("controller: retrying link %s<->%s", mentorID, viewerID)
			c.startNegotiation(roomID, mentorID, viewerID, 1)
		})
		return
	}

	delete(c.links, key)
	c.sender.Send(link.MentorID, Message{Type: TypePeerLinkFailed, RoomID: link.RoomID, TargetID: link.ViewerID})
	c.sender.Send(link.ViewerID, Message{Type: TypePeerLinkFailed, RoomID: link.RoomID, TargetID: link.MentorID})
}

// processLeave commits a leave: registry removal, link teardown and presence
// fanout, in that order.
func (c *Controller) processLeave(senderID string) {
	m, ok := c.members[senderID]
	if !ok {
		return
	}
	delete(c.members, senderID)

	info, found := c.registry.Leave(m.roomID, senderID)
	if err := c.store.RemoveParticipant(context.Background(), m.roomID, senderID); err != nil {
		c.logger.Printf("presence remove %s/%s: %v", m.roomID, senderID, err)
	}
	if !found {
		return
	}

	c.closeLinksFor(m.roomID, senderID)
	c.logger.Printf("controller: %s left %s (state=%s)", senderID, m.roomID, info.State)

	if m.role == RoleMentor {
		for _, viewerID := range info.ViewerIDs {
			c.sender.Send(viewerID, Message{Type: TypeMentorDisconnected, RoomID: m.roomID})
		}
		return
	}
	if info.MentorID != "" {
		c.sender.Send(info.MentorID, Message{Type: TypeUserLeft, RoomID: m.roomID, SenderID: senderID})
	}
}

func (c *Controller) closeLinksFor(roomID, participantID string) {
	for key, link := range c.links {
		if link.RoomID != roomID {
			continue
		}
		if link.MentorID == participantID || link.ViewerID == participantID {
			link.close()
			delete(c.links, key)
		}
	}
}

func (c *Controller) cancelPendingLeave(senderID string) {
	if t, ok := c.pendingLeaves[senderID]; ok {
		t.Stop()
		delete(c.pendingLeaves, senderID)
	}
}
