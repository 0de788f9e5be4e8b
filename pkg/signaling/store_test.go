package signaling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPresence(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPresence()

	require.NoError(t, store.AddParticipant(ctx, "r1", "m1", RoleMentor))
	require.NoError(t, store.AddParticipant(ctx, "r1", "v1", RoleViewer))
	require.NoError(t, store.AddParticipant(ctx, "r2", "v2", RoleViewer))

	snap, err := store.Snapshot(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"m1": RoleMentor, "v1": RoleViewer}, snap)

	rooms, err := store.Rooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, rooms)

	require.NoError(t, store.RemoveParticipant(ctx, "r1", "v1"))
	snap, err = store.Snapshot(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"m1": RoleMentor}, snap)

	// Re-adding under a new role overwrites, mirroring a role change on
	// rejoin.
	require.NoError(t, store.AddParticipant(ctx, "r1", "m1", RoleViewer))
	snap, _ = store.Snapshot(ctx, "r1")
	assert.Equal(t, RoleViewer, snap["m1"])

	require.NoError(t, store.RemoveRoom(ctx, "r1"))
	snap, err = store.Snapshot(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, snap)

	require.NoError(t, store.Reset(ctx))
	rooms, _ = store.Rooms(ctx)
	assert.Empty(t, rooms)
}

func TestMemoryPresenceRemoveMissing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPresence()

	assert.NoError(t, store.RemoveParticipant(ctx, "nope", "x"))
	assert.NoError(t, store.RemoveRoom(ctx, "nope"))
}
