package signaling

import "errors"

var (
	// ErrRoleConflict is returned when a second mentor attempts to join a
	// room that already has one.
	ErrRoleConflict = errors.New("room already has a mentor")

	// ErrUnknownRoom is returned by lookups for a room id with no prior
	// activity. Join never returns it: joining an unknown room creates it.
	ErrUnknownRoom = errors.New("room not found")

	// ErrRoomClosed is returned when joining a room that received an
	// explicit end-session signal.
	ErrRoomClosed = errors.New("room closed")
)
