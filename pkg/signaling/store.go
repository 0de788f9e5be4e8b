package signaling

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// PresenceStore mirrors room membership for consumers outside the signaling
// process (dashboards, the host application). The registry stays the
// authority; mirror failures are logged by callers and never affect room
// state.
type PresenceStore interface {
	Reset(ctx context.Context) error
	AddParticipant(ctx context.Context, roomID, participantID, role string) error
	RemoveParticipant(ctx context.Context, roomID, participantID string) error
	RemoveRoom(ctx context.Context, roomID string) error
	// Snapshot returns participant id -> role for one room.
	Snapshot(ctx context.Context, roomID string) (map[string]string, error)
	// Rooms lists the room ids currently mirrored.
	Rooms(ctx context.Context) ([]string, error)
}

// RedisPresence implements PresenceStore using a Redis set of room ids plus
// one hash of participant roles per room.
type RedisPresence struct {
	rdb      *redis.Client
	keyRooms string
	prefix   string
}

// NewRedisPresence builds a PresenceStore backed by Redis. Prefix is optional
// (e.g., "liveclass").
func NewRedisPresence(rdb *redis.Client, prefix string) *RedisPresence {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "liveclass"
	}
	return &RedisPresence{
		rdb:      rdb,
		keyRooms: fmt.Sprintf("%s:rooms", p),
		prefix:   p,
	}
}

func (s *RedisPresence) roomKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:participants", s.prefix, roomID)
}

func (s *RedisPresence) Reset(ctx context.Context) error {
	rooms, err := s.rdb.SMembers(ctx, s.keyRooms).Result()
	if err != nil {
		return err
	}
	keys := []string{s.keyRooms}
	for _, id := range rooms {
		keys = append(keys, s.roomKey(id))
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisPresence) AddParticipant(ctx context.Context, roomID, participantID, role string) error {
	pipe := s.rdb.TxPipeline()
	_ = pipe.SAdd(ctx, s.keyRooms, roomID)
	_ = pipe.HSet(ctx, s.roomKey(roomID), participantID, role)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisPresence) RemoveParticipant(ctx context.Context, roomID, participantID string) error {
	return s.rdb.HDel(ctx, s.roomKey(roomID), participantID).Err()
}

func (s *RedisPresence) RemoveRoom(ctx context.Context, roomID string) error {
	pipe := s.rdb.TxPipeline()
	_ = pipe.SRem(ctx, s.keyRooms, roomID)
	_ = pipe.Del(ctx, s.roomKey(roomID))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisPresence) Snapshot(ctx context.Context, roomID string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, s.roomKey(roomID)).Result()
}

func (s *RedisPresence) Rooms(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.keyRooms).Result()
}
