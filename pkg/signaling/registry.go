package signaling

import (
	"log"
	"sort"
	"sync"
	"time"
)

const defaultEmptyRoomGrace = 30 * time.Second

// Room states as seen by the lifecycle controller and the HTTP API. Waiting
// covers viewers sitting in a room whose mentor has not joined (or has
// dropped and may reconnect).
const (
	RoomEmpty        = "empty"
	RoomMentorOnly   = "mentor-only"
	RoomWaiting      = "waiting"
	RoomBroadcasting = "broadcasting"
)

type participant struct {
	id       string
	role     string
	joinedAt time.Time
	lastSeen time.Time
}

type room struct {
	id        string
	createdAt time.Time
	closed    bool
	mentor    *participant
	viewers   map[string]*participant
	// gc is armed while the room has zero participants.
	gc *time.Timer
}

func (r *room) state() string {
	switch {
	case r.mentor == nil && len(r.viewers) == 0:
		return RoomEmpty
	case r.mentor == nil:
		return RoomWaiting
	case len(r.viewers) == 0:
		return RoomMentorOnly
	default:
		return RoomBroadcasting
	}
}

func (r *room) find(id string) *participant {
	if r.mentor != nil && r.mentor.id == id {
		return r.mentor
	}
	return r.viewers[id]
}

// ParticipantInfo is a read-only snapshot of one room member.
type ParticipantInfo struct {
	ID       string    `json:"id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
}

// RoomInfo is a read-only snapshot of a room. Mutable room state never leaves
// the registry.
type RoomInfo struct {
	ID           string            `json:"id"`
	State        string            `json:"state"`
	MentorID     string            `json:"mentorId,omitempty"`
	ViewerIDs    []string          `json:"viewerIds"`
	Participants []ParticipantInfo `json:"participants"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// EmptyRoomGrace is how long a room with zero participants survives
	// before deletion, tolerating brief reconnects. Defaults to 30s.
	EmptyRoomGrace time.Duration
	// OnRoomDeleted fires after a room is garbage collected or closed.
	OnRoomDeleted func(roomID string)
	Logger        *log.Logger
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Registry is the authoritative in-memory store of room membership. All
// mutation goes through Join and Leave; rooms are created implicitly on first
// join and deleted once empty past the grace window. State is process-local:
// rooms are ephemeral broadcast sessions, not durable records.
type Registry struct {
	mu         sync.Mutex
	rooms      map[string]*room
	emptyGrace time.Duration
	onDeleted  func(string)
	logger     *log.Logger
	now        func() time.Time
}

// NewRegistry builds an empty Registry.
func NewRegistry(opts RegistryOptions) *Registry {
	grace := opts.EmptyRoomGrace
	if grace <= 0 {
		grace = defaultEmptyRoomGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		rooms:      make(map[string]*room),
		emptyGrace: grace,
		onDeleted:  opts.OnRoomDeleted,
		logger:     logger,
		now:        now,
	}
}

// Join adds a participant to a room, creating the room when it does not
// exist. A join with role mentor fails with ErrRoleConflict while a different
// mentor is present. Rejoining with an id already in the room replaces the
// stale entry instead of erroring, so a reconnecting client keeps its seat.
func (reg *Registry) Join(roomID, participantID, role string) (RoomInfo, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm := reg.rooms[roomID]
	if rm == nil {
		rm = &room{
			id:        roomID,
			createdAt: reg.now(),
			viewers:   make(map[string]*participant),
		}
		reg.rooms[roomID] = rm
		reg.logger.Printf("registry: room %s created", roomID)
	}
	if rm.closed {
		return RoomInfo{}, ErrRoomClosed
	}
	if rm.gc != nil {
		rm.gc.Stop()
		rm.gc = nil
	}

	// The conflict check runs before any mutation so a rejected join leaves
	// the caller's existing seat (viewer attempting a mentor upgrade) intact.
	if role == RoleMentor && rm.mentor != nil && rm.mentor.id != participantID {
		return RoomInfo{}, ErrRoleConflict
	}

	// Drop any stale entry for this id before re-adding under the (possibly
	// changed) role.
	if rm.mentor != nil && rm.mentor.id == participantID {
		rm.mentor = nil
	}
	delete(rm.viewers, participantID)

	p := &participant{
		id:       participantID,
		role:     role,
		joinedAt: reg.now(),
		lastSeen: reg.now(),
	}
	if role == RoleMentor {
		rm.mentor = p
	} else {
		rm.viewers[participantID] = p
	}
	return reg.snapshotLocked(rm), nil
}

// Leave removes a participant from a room. The second return reports whether
// the participant was actually a member. An emptied room is deleted after the
// grace window rather than immediately.
func (reg *Registry) Leave(roomID, participantID string) (RoomInfo, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm := reg.rooms[roomID]
	if rm == nil {
		return RoomInfo{}, false
	}

	found := false
	if rm.mentor != nil && rm.mentor.id == participantID {
		rm.mentor = nil
		found = true
	} else if _, ok := rm.viewers[participantID]; ok {
		delete(rm.viewers, participantID)
		found = true
	}

	if found && rm.state() == RoomEmpty && rm.gc == nil {
		id := rm.id
		rm.gc = time.AfterFunc(reg.emptyGrace, func() { reg.collect(id) })
	}
	return reg.snapshotLocked(rm), found
}

// Touch refreshes a participant's last-seen timestamp.
func (reg *Registry) Touch(roomID, participantID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if rm := reg.rooms[roomID]; rm != nil {
		if p := rm.find(participantID); p != nil {
			p.lastSeen = reg.now()
		}
	}
}

// Member reports whether the participant currently belongs to the room.
func (reg *Registry) Member(roomID, participantID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rm := reg.rooms[roomID]
	return rm != nil && rm.find(participantID) != nil
}

// Get returns a snapshot of the room or ErrUnknownRoom.
func (reg *Registry) Get(roomID string) (RoomInfo, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rm := reg.rooms[roomID]
	if rm == nil {
		return RoomInfo{}, ErrUnknownRoom
	}
	return reg.snapshotLocked(rm), nil
}

// Rooms returns snapshots of every live room, ordered by id.
func (reg *Registry) Rooms() []RoomInfo {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]RoomInfo, 0, len(reg.rooms))
	for _, rm := range reg.rooms {
		out = append(out, reg.snapshotLocked(rm))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close marks the room closed, evicts everyone and deletes it immediately.
// It returns the ids of the evicted participants.
func (reg *Registry) Close(roomID string) ([]string, error) {
	reg.mu.Lock()
	rm := reg.rooms[roomID]
	if rm == nil {
		reg.mu.Unlock()
		return nil, ErrUnknownRoom
	}
	rm.closed = true
	var evicted []string
	if rm.mentor != nil {
		evicted = append(evicted, rm.mentor.id)
	}
	for id := range rm.viewers {
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	reg.deleteLocked(rm)
	reg.mu.Unlock()

	if reg.onDeleted != nil {
		reg.onDeleted(roomID)
	}
	return evicted, nil
}

// collect deletes the room if it is still empty when the grace timer fires.
func (reg *Registry) collect(roomID string) {
	reg.mu.Lock()
	rm := reg.rooms[roomID]
	if rm == nil || rm.state() != RoomEmpty {
		reg.mu.Unlock()
		return
	}
	reg.deleteLocked(rm)
	reg.mu.Unlock()

	if reg.onDeleted != nil {
		reg.onDeleted(roomID)
	}
}

func (reg *Registry) deleteLocked(rm *room) {
	if rm.gc != nil {
		rm.gc.Stop()
	}
	delete(reg.rooms, rm.id)
	reg.logger.Printf("registry: room %s deleted", rm.id)
}

func (reg *Registry) snapshotLocked(rm *room) RoomInfo {
	info := RoomInfo{
		ID:        rm.id,
		State:     rm.state(),
		ViewerIDs: make([]string, 0, len(rm.viewers)),
		CreatedAt: rm.createdAt,
	}
	if rm.mentor != nil {
		info.MentorID = rm.mentor.id
		info.Participants = append(info.Participants, snapshotParticipant(rm.mentor))
	}
	for id, p := range rm.viewers {
		info.ViewerIDs = append(info.ViewerIDs, id)
		info.Participants = append(info.Participants, snapshotParticipant(p))
	}
	sort.Strings(info.ViewerIDs)
	sort.Slice(info.Participants, func(i, j int) bool {
		return info.Participants[i].ID < info.Participants[j].ID
	})
	return info
}

func snapshotParticipant(p *participant) ParticipantInfo {
	return ParticipantInfo{ID: p.id, Role: p.role, JoinedAt: p.joinedAt, LastSeen: p.lastSeen}
}
