package signaling

import (
	"bytes"
	"crypto/sha256"
	"time"
)

// PeerLink negotiation states.
const (
	LinkIdle           = "idle"
	LinkOfferSent      = "offer-sent"
	LinkAnswerReceived = "answer-received"
	LinkConnected      = "connected"
	LinkFailed         = "failed"
	LinkClosed         = "closed"
)

// PeerLink tracks one direct media negotiation between a mentor and a viewer.
// The server never inspects the SDP or candidate payloads flowing through the
// link; it tracks negotiation progress so it can gate candidate delivery,
// time out stuck negotiations and drive the retry policy.
//
// A PeerLink is owned by the Controller and only mutated under its lock.
type PeerLink struct {
	RoomID      string
	MentorID    string
	ViewerID    string
	InitiatorID string

	state   string
	attempt int

	// queued holds candidates keyed by sender id that arrived before that
	// sender's description was relayed to the other side. FIFO per sender.
	queued map[string][]Message
	// descRelayed records which senders have had a description relayed.
	descRelayed map[string]bool

	timeout *time.Timer
}

func newPeerLink(roomID, mentorID, viewerID string, attempt int) *PeerLink {
	return &PeerLink{
		RoomID:      roomID,
		MentorID:    mentorID,
		ViewerID:    viewerID,
		InitiatorID: initiatorOf(mentorID, viewerID),
		state:       LinkIdle,
		attempt:     attempt,
		queued:      make(map[string][]Message),
		descRelayed: make(map[string]bool),
	}
}

// initiatorOf picks the offer sender for a pair. Comparing fixed-length
// digests instead of the raw ids gives a total order that does not depend on
// id format or length.
func initiatorOf(a, b string) string {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	if bytes.Compare(ha[:], hb[:]) <= 0 {
		return a
	}
	return b
}

// pairKey is order-independent so a link can be found from either endpoint.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// State returns the link's current negotiation state.
func (l *PeerLink) State() string { return l.state }

// Attempt returns 0 for the first negotiation and 1 for the retry.
func (l *PeerLink) Attempt() int { return l.attempt }

// Other returns the opposite end of the link, or "" when the id is not an
// endpoint.
func (l *PeerLink) Other(id string) string {
	switch id {
	case l.MentorID:
		return l.ViewerID
	case l.ViewerID:
		return l.MentorID
	}
	return ""
}

func (l *PeerLink) terminal() bool {
	return l.state == LinkFailed || l.state == LinkClosed
}

// noteOffer records that the sender's offer was relayed and returns the
// candidates from that sender that were held back, in arrival order.
func (l *PeerLink) noteOffer(senderID string) []Message {
	if l.terminal() {
		return nil
	}
	if l.state == LinkIdle {
		l.state = LinkOfferSent
	}
	return l.noteDescription(senderID)
}

// noteAnswer records that the sender's answer was relayed and returns the
// held-back candidates from that sender.
func (l *PeerLink) noteAnswer(senderID string) []Message {
	if l.terminal() {
		return nil
	}
	if l.state == LinkOfferSent {
		l.state = LinkAnswerReceived
	}
	return l.noteDescription(senderID)
}

func (l *PeerLink) noteDescription(senderID string) []Message {
	l.descRelayed[senderID] = true
	flushed := l.queued[senderID]
	delete(l.queued, senderID)
	return flushed
}

// gateCandidate decides whether a candidate from senderID may be relayed now.
// Candidates must never reach a peer before that peer holds the sender's
// description, so they queue until noteOffer/noteAnswer flushes them.
func (l *PeerLink) gateCandidate(senderID string, msg Message) (relay bool) {
	if l.terminal() {
		return false
	}
	if l.descRelayed[senderID] {
		return true
	}
	l.queued[senderID] = append(l.queued[senderID], msg)
	return false
}

// markConnected moves the link to connected and stops the negotiation timer.
func (l *PeerLink) markConnected() {
	if l.terminal() {
		return
	}
	l.state = LinkConnected
	l.stopTimer()
}

// markFailed moves the link to failed and stops the negotiation timer.
func (l *PeerLink) markFailed() {
	if l.state == LinkClosed {
		return
	}
	l.state = LinkFailed
	l.stopTimer()
}

// close tears the link down.
func (l *PeerLink) close() {
	l.state = LinkClosed
	l.stopTimer()
	l.queued = nil
}

func (l *PeerLink) stopTimer() {
	if l.timeout != nil {
		l.timeout.Stop()
		l.timeout = nil
	}
}
