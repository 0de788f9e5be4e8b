package signaling

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitiatorOfDeterministic(t *testing.T) {
	tests := []struct {
		a, b string
	}{
		{"mentor-1", "viewer-1"},
		{"a", "b"},
		{"2f1c", "2f1d"},
		{"same", "same"},
		{"f3f5b9e0-6f4f-4ef0-9d5a-0d0e7a9f9c01", "v"},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			got := initiatorOf(tt.a, tt.b)
			// Symmetric: the same endpoint wins regardless of argument order.
			assert.Equal(t, got, initiatorOf(tt.b, tt.a))
			assert.Contains(t, []string{tt.a, tt.b}, got)
		})
	}
}

func TestPairKeyOrderIndependent(t *testing.T) {
	assert.Equal(t, pairKey("m", "v"), pairKey("v", "m"))
	assert.NotEqual(t, pairKey("m", "v"), pairKey("m", "w"))
}

func TestPeerLinkStateProgression(t *testing.T) {
	l := newPeerLink("r1", "m", "v", 0)
	require.Equal(t, LinkIdle, l.State())

	l.noteOffer(l.InitiatorID)
	assert.Equal(t, LinkOfferSent, l.State())

	l.noteAnswer(l.Other(l.InitiatorID))
	assert.Equal(t, LinkAnswerReceived, l.State())

	l.markConnected()
	assert.Equal(t, LinkConnected, l.State())

	// Teardown wins over everything.
	l.close()
	assert.Equal(t, LinkClosed, l.State())
	l.markConnected()
	assert.Equal(t, LinkClosed, l.State())
}

func TestPeerLinkCandidateGating(t *testing.T) {
	l := newPeerLink("r1", "m", "v", 0)

	var queued []Message
	for i := 0; i < 3; i++ {
		msg := Message{
			Type:      TypeICECandidate,
			SenderID:  "m",
			Candidate: json.RawMessage(fmt.Sprintf(`{"candidate":"c%d"}`, i)),
		}
		queued = append(queued, msg)
		assert.False(t, l.gateCandidate("m", msg), "candidate before description must queue")
	}

	flushed := l.noteOffer("m")
	require.Len(t, flushed, 3)
	for i, msg := range flushed {
		assert.Equal(t, queued[i].Candidate, msg.Candidate, "flush must preserve arrival order")
	}

	// After the description, candidates pass straight through.
	assert.True(t, l.gateCandidate("m", Message{Type: TypeICECandidate, SenderID: "m"}))

	// The other direction is gated independently.
	assert.False(t, l.gateCandidate("v", Message{Type: TypeICECandidate, SenderID: "v"}))
	flushed = l.noteAnswer("v")
	assert.Len(t, flushed, 1)
}

func TestPeerLinkTerminalDropsCandidates(t *testing.T) {
	l := newPeerLink("r1", "m", "v", 0)
	l.markFailed()
	assert.Equal(t, LinkFailed, l.State())
	assert.False(t, l.gateCandidate("m", Message{Type: TypeICECandidate}))
	assert.Nil(t, l.noteOffer("m"))

	// failed does not resurrect into connected.
	l.markConnected()
	assert.Equal(t, LinkFailed, l.State())
}
