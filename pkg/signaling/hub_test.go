package signaling

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	reg := NewRegistry(RegistryOptions{EmptyRoomGrace: time.Hour, Logger: quietLogger()})
	hub := NewHub(reg, NewMemoryPresence(), HubOptions{
		Controller: ControllerOptions{
			NegotiationTimeout: time.Hour,
			RejoinGrace:        10 * time.Millisecond,
			Logger:             quietLogger(),
		},
		Logger: quietLogger(),
	})
	srv := httptest.NewServer(hub.HTTPHandler())
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialParticipant(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?participant=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestHubJoinRoundTrip(t *testing.T) {
	_, srv := newTestServer(t)

	mentor := dialParticipant(t, srv, "M")
	sendMessage(t, mentor, Message{Type: TypeJoin, RoomID: "r1", Role: RoleMentor})

	msg := readMessage(t, mentor)
	assert.Equal(t, TypeJoinSuccess, msg.Type)
	assert.Equal(t, "r1", msg.RoomID)
	assert.Equal(t, "M", msg.SenderID)
	assert.Equal(t, RoleMentor, msg.Role)
}

func TestHubOfferRelay(t *testing.T) {
	_, srv := newTestServer(t)

	mentor := dialParticipant(t, srv, "M")
	sendMessage(t, mentor, Message{Type: TypeJoin, RoomID: "r1", Role: RoleMentor})
	require.Equal(t, TypeJoinSuccess, readMessage(t, mentor).Type)

	viewer := dialParticipant(t, srv, "V")
	sendMessage(t, viewer, Message{Type: TypeJoin, RoomID: "r1", Role: RoleViewer})
	require.Equal(t, TypeJoinSuccess, readMessage(t, viewer).Type)

	avail := readMessage(t, viewer)
	require.Equal(t, TypeMentorAvailable, avail.Type)
	require.Equal(t, "M", avail.MentorID)

	joined := readMessage(t, mentor)
	require.Equal(t, TypeUserJoined, joined.Type)
	assert.Equal(t, avail.InitiatorID, joined.InitiatorID)

	// Drive the handshake from whichever side won the tie-break. The SDP
	// body must survive the relay untouched.
	from, to, target := viewer, mentor, "M"
	if avail.InitiatorID == "M" {
		from, to, target = mentor, viewer, "V"
	}
	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)
	sendMessage(t, from, Message{Type: TypeOffer, RoomID: "r1", TargetID: target, SDP: sdp})

	relayed := readMessage(t, to)
	assert.Equal(t, TypeOffer, relayed.Type)
	assert.Equal(t, avail.InitiatorID, relayed.SenderID)
	assert.JSONEq(t, string(sdp), string(relayed.SDP))
}

func TestHubMalformedPayloadKeepsChannelOpen(t *testing.T) {
	_, srv := newTestServer(t)

	conn := dialParticipant(t, srv, "M")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	msg := readMessage(t, conn)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, CodeMalformed, msg.Code)

	// The channel survives and a well-formed join still works.
	sendMessage(t, conn, Message{Type: TypeJoin, RoomID: "r1", Role: RoleMentor})
	assert.Equal(t, TypeJoinSuccess, readMessage(t, conn).Type)
}

func TestHubDisconnectBecomesLeave(t *testing.T) {
	_, srv := newTestServer(t)

	mentor := dialParticipant(t, srv, "M")
	sendMessage(t, mentor, Message{Type: TypeJoin, RoomID: "r1", Role: RoleMentor})
	require.Equal(t, TypeJoinSuccess, readMessage(t, mentor).Type)

	viewer := dialParticipant(t, srv, "V")
	sendMessage(t, viewer, Message{Type: TypeJoin, RoomID: "r1", Role: RoleViewer})
	require.Equal(t, TypeJoinSuccess, readMessage(t, viewer).Type)
	require.Equal(t, TypeMentorAvailable, readMessage(t, viewer).Type)

	// Abrupt close, no leave message: the grace window expires and viewers
	// are told the mentor is gone.
	mentor.Close()
	msg := readMessage(t, viewer)
	assert.Equal(t, TypeMentorDisconnected, msg.Type)
	assert.Equal(t, "r1", msg.RoomID)
}

func TestHubSendToUnknownParticipant(t *testing.T) {
	hub, _ := newTestServer(t)
	assert.False(t, hub.Send("nobody", Message{Type: TypeRoomClosed}))
}

// Fanout regularly races client disconnects (a mentor-disconnected headed to
// a viewer whose socket is dying); sending must never panic on a channel the
// read loop tore down.
func TestHubSendRacesDisconnect(t *testing.T) {
	hub, srv := newTestServer(t)

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("p%d", i)
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?participant=" + id
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					hub.Send(id, Message{Type: TypeMentorDisconnected, RoomID: "r1"})
				}
			}
		}()

		conn.Close()
		time.Sleep(time.Millisecond)
		close(stop)
		wg.Wait()
	}
}
