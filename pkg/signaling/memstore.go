package signaling

import (
	"context"
	"sort"
	"sync"
)

// MemoryPresence is an in-process PresenceStore for tests and single-node
// deployments without Redis.
type MemoryPresence struct {
	mu    sync.Mutex
	rooms map[string]map[string]string
}

// NewMemoryPresence builds an empty in-memory presence mirror.
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{rooms: make(map[string]map[string]string)}
}

func (s *MemoryPresence) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[string]map[string]string)
	return nil
}

func (s *MemoryPresence) AddParticipant(_ context.Context, roomID, participantID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.rooms[roomID]
	if rm == nil {
		rm = make(map[string]string)
		s.rooms[roomID] = rm
	}
	rm[participantID] = role
	return nil
}

func (s *MemoryPresence) RemoveParticipant(_ context.Context, roomID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm := s.rooms[roomID]; rm != nil {
		delete(rm, participantID)
	}
	return nil
}

func (s *MemoryPresence) RemoveRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}

func (s *MemoryPresence) Snapshot(_ context.Context, roomID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.rooms[roomID]))
	for id, role := range s.rooms[roomID] {
		out[id] = role
	}
	return out, nil
}

func (s *MemoryPresence) Rooms(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
