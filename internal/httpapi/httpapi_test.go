package httpapi

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveclass-signaling/internal/config"
	"liveclass-signaling/pkg/signaling"
)

func newTestAPI(t *testing.T) (*signaling.Registry, *httptest.Server) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	reg := signaling.NewRegistry(signaling.RegistryOptions{
		EmptyRoomGrace: time.Hour,
		Logger:         logger,
	})
	hub := signaling.NewHub(reg, signaling.NewMemoryPresence(), signaling.HubOptions{
		Controller: signaling.ControllerOptions{Logger: logger},
		Logger:     logger,
	})
	api := New(reg, hub.Controller(), Settings{
		ICEMode:    "stun-only",
		ICEServers: []config.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}, logger)

	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return reg, srv
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthz(t *testing.T) {
	_, srv := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
}

func TestSettingsEndpoint(t *testing.T) {
	_, srv := newTestAPI(t)

	var payload struct {
		WSURL      string             `json:"wsURL"`
		ICEMode    string             `json:"iceMode"`
		ICEServers []config.ICEServer `json:"iceServers"`
	}
	resp := getJSON(t, srv.URL+"/api/settings", &payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stun-only", payload.ICEMode)
	require.Len(t, payload.ICEServers, 1)
	assert.Contains(t, payload.WSURL, "ws://")
	assert.Contains(t, payload.WSURL, "/ws")
}

func TestRoomsListAndGet(t *testing.T) {
	reg, srv := newTestAPI(t)

	_, err := reg.Join("algebra-101", "m1", signaling.RoleMentor)
	require.NoError(t, err)
	_, err = reg.Join("algebra-101", "v1", signaling.RoleViewer)
	require.NoError(t, err)

	var rooms []signaling.RoomInfo
	resp := getJSON(t, srv.URL+"/api/rooms", &rooms)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, rooms, 1)
	assert.Equal(t, "algebra-101", rooms[0].ID)
	assert.Equal(t, signaling.RoomBroadcasting, rooms[0].State)

	var room signaling.RoomInfo
	resp = getJSON(t, srv.URL+"/api/rooms/algebra-101", &room)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "m1", room.MentorID)
	assert.Equal(t, []string{"v1"}, room.ViewerIDs)

	resp = getJSON(t, srv.URL+"/api/rooms/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMintRoomCode(t *testing.T) {
	_, srv := newTestAPI(t)

	resp, err := http.Post(srv.URL+"/api/rooms", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var minted struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&minted))
	assert.NotEmpty(t, minted.ID)
	assert.Contains(t, minted.URL, "/live/"+minted.ID)
}

func TestCloseRoom(t *testing.T) {
	reg, srv := newTestAPI(t)

	_, err := reg.Join("r1", "m1", signaling.RoleMentor)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/rooms/r1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = reg.Get("r1")
	assert.ErrorIs(t, err, signaling.ErrUnknownRoom)

	// A second delete is a 404.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	_, srv := newTestAPI(t)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/rooms", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
