package client

import (
	"encoding/json"
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"liveclass-signaling/pkg/signaling"
)

// peer wraps one pion PeerConnection toward a remote participant. Candidates
// arriving before the remote description are queued and applied in order once
// it is set.
type peer struct {
	client   *Client
	remoteID string
	pc       *pion.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []pion.ICECandidateInit
	closed    bool
}

func newPeer(c *Client, remoteID string) (*peer, error) {
	iceServers := []pion.ICEServer{{URLs: c.opts.STUNURLs}}
	if len(c.opts.STUNURLs) == 0 {
		iceServers = []pion.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	if len(c.opts.TURNURLs) > 0 {
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       c.opts.TURNURLs,
			Username:   c.opts.TURNUsername,
			Credential: c.opts.TURNPassword,
		})
	}

	pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &peer{client: c, remoteID: remoteID, pc: pc}

	pc.OnICECandidate(func(cand *pion.ICECandidate) {
		if cand == nil {
			return
		}
		data, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		c.send(signaling.Message{
			Type:      signaling.TypeICECandidate,
			RoomID:    c.opts.RoomID,
			TargetID:  remoteID,
			Candidate: data,
		})
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		c.log.Info("peer state", "remote", remoteID, "state", state.String())
		switch state {
		case pion.PeerConnectionStateConnected:
			p.reportLinkState(signaling.LinkReportConnected)
		case pion.PeerConnectionStateFailed:
			p.reportLinkState(signaling.LinkReportFailed)
		}
	})

	pc.OnDataChannel(func(dc *pion.DataChannel) {
		c.log.Debug("data channel", "remote", remoteID, "label", dc.Label())
	})

	return p, nil
}

func (p *peer) reportLinkState(state string) {
	p.client.send(signaling.Message{
		Type:     signaling.TypeLinkState,
		RoomID:   p.client.opts.RoomID,
		TargetID: p.remoteID,
		State:    state,
	})
}

// sendOffer creates the control data channel, produces an offer and relays
// it through the signaling server.
func (p *peer) sendOffer() error {
	// The probe carries no media; a data channel gives ICE something to
	// negotiate and proves connectivity end to end.
	if _, err := p.pc.CreateDataChannel("control", nil); err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	data, err := json.Marshal(p.pc.LocalDescription())
	if err != nil {
		return err
	}
	p.client.send(signaling.Message{
		Type:     signaling.TypeOffer,
		RoomID:   p.client.opts.RoomID,
		TargetID: p.remoteID,
		SDP:      data,
	})
	return nil
}

// handleOffer applies the remote offer, flushes queued candidates and
// answers.
func (p *peer) handleOffer(raw json.RawMessage) error {
	var desc pion.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("parse offer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.flushCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	data, err := json.Marshal(p.pc.LocalDescription())
	if err != nil {
		return err
	}
	p.client.send(signaling.Message{
		Type:     signaling.TypeAnswer,
		RoomID:   p.client.opts.RoomID,
		TargetID: p.remoteID,
		SDP:      data,
	})
	return nil
}

// handleAnswer applies the remote answer and flushes queued candidates.
func (p *peer) handleAnswer(raw json.RawMessage) error {
	var desc pion.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("parse answer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.flushCandidates()
	return nil
}

// addCandidate applies the candidate immediately when the remote description
// is set, otherwise queues it in arrival order.
func (p *peer) addCandidate(raw json.RawMessage) error {
	var cand pion.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return fmt.Errorf("parse candidate: %w", err)
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, cand)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(cand)
}

func (p *peer) flushCandidates() {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, cand := range pending {
		if err := p.pc.AddICECandidate(cand); err != nil {
			p.client.log.Error("apply queued candidate", "remote", p.remoteID, "err", err)
		}
	}
}

func (p *peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	_ = p.pc.Close()
}
