package signaling

import "encoding/json"

// Participant roles.
const (
	RoleMentor = "mentor"
	RoleViewer = "viewer"
)

// Message types exchanged over the signaling channel.
const (
	// client -> server
	TypeJoin         = "join"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeLinkState    = "link-state"
	TypeLeave        = "leave"

	// server -> client
	TypeJoinSuccess        = "join-success"
	TypeMentorAvailable    = "mentor-available"
	TypeMentorDisconnected = "mentor-disconnected"
	TypeUserJoined         = "user-joined"
	TypeUserLeft           = "user-left"
	TypePeerLinkFailed     = "peer-link-failed"
	TypeRoomClosed         = "room-closed"
	TypeError              = "error"
)

// Link states reported by clients in link-state messages.
const (
	LinkReportConnected = "connected"
	LinkReportFailed    = "failed"
)

// Error codes carried by error messages.
const (
	CodeRoleConflict   = "role-conflict"
	CodeUnknownTarget  = "unknown-target"
	CodeNotJoined      = "not-joined"
	CodeMalformed      = "malformed-message"
	CodePeerLinkFailed = "peer-link-failed"
)

// Message is the tagged union carried over the signaling channel. The SDP and
// Candidate payloads are opaque to the server; they are routed by id and never
// inspected or transformed.
type Message struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId,omitempty"`
	SenderID string `json:"senderId,omitempty"`
	TargetID string `json:"targetId,omitempty"`

	// join / join-success / user-joined
	Role string `json:"role,omitempty"`

	// mentor-available / user-joined
	MentorID    string `json:"mentorId,omitempty"`
	InitiatorID string `json:"initiatorId,omitempty"`

	// link-state
	State string `json:"state,omitempty"`

	// error
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`

	// offer / answer / ice-candidate payloads
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

func errorMessage(roomID, code, reason string) Message {
	return Message{Type: TypeError, RoomID: roomID, Code: code, Reason: reason}
}
