// Package peer maintains one negotiated WebRTC link per remote participant
// of a call. Links negotiate independently and concurrently; removing one
// participant never disturbs the others.
package peer

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/media"
)

// Role decides which side of a pair sends the offer. The lower user id
// always offers, so at most one offer per unordered pair ever exists and
// glare cannot happen by construction.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// RoleFor applies the deterministic offerer rule.
func RoleFor(selfID, remoteID int64) Role {
	if selfID < remoteID {
		return RoleOfferer
	}
	return RoleAnswerer
}

// NegotiationState tracks SDP exchange progress for one link.
type NegotiationState int

const (
	NegotiationNew NegotiationState = iota
	NegotiationOfferSent
	NegotiationAnswerReceived
	NegotiationStable
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationNew:
		return "new"
	case NegotiationOfferSent:
		return "offer_sent"
	case NegotiationAnswerReceived:
		return "answer_received"
	case NegotiationStable:
		return "stable"
	}
	return "unknown"
}

// Link is one peer connection to a single remote participant.
type Link struct {
	callID   string
	selfID   int64
	remoteID int64
	role     Role

	pc          *webrtc.PeerConnection
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	mu       sync.Mutex
	negState NegotiationState

	// Candidates received before the remote description exists are queued
	// here and flushed in arrival order right after SetRemoteDescription.
	// The queue is the only path a pre-description candidate can take;
	// applying one early is a protocol violation, not a retryable error.
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	retried bool
	active  bool
	closed  bool

	sinks []*remoteSink
}

// LinkStatus is the debug snapshot of one link.
type LinkStatus struct {
	RemoteID          int64  `json:"remote_id"`
	Role              string `json:"role"`
	Negotiation       string `json:"negotiation"`
	Connection        string `json:"connection"`
	PendingCandidates int    `json:"pending_candidates"`
	RemoteActive      bool   `json:"remote_active"`
	Packets           uint64 `json:"packets"`
	Bytes             uint64 `json:"bytes"`
}

// newPeerConnection assembles a Pion API the way the capture bundle needs
// and dials nothing; ICE starts once descriptions are exchanged. The ICE
// timeouts are generous so a brief NAT/relay hiccup does not terminate the
// call; the default 5s disconnected timeout is far too short for that.
func newPeerConnection(setup media.EngineSetup, iceServers []string) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if setup != nil {
		if err := setup(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
}

// attachLocal lends the bundle's tracks to this link. The bundle keeps
// ownership; only the media controller ever stops them. Without any local
// track the link still negotiates valid m-lines via recvonly transceivers.
func (l *Link) attachLocal(bundle *media.Bundle) error {
	addedAudio, addedVideo := false, false
	if bundle != nil {
		if t := bundle.Audio(); t != nil {
			sender, err := l.pc.AddTrack(t)
			if err != nil {
				return fmt.Errorf("add audio track: %w", err)
			}
			l.audioSender = sender
			addedAudio = true
		}
		if t := bundle.Video(); t != nil {
			sender, err := l.pc.AddTrack(t)
			if err != nil {
				return fmt.Errorf("add video track: %w", err)
			}
			l.videoSender = sender
			addedVideo = true
		}
	}
	if !addedVideo {
		if _, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add recvonly video transceiver: %w", err)
		}
	}
	if !addedAudio {
		if _, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add recvonly audio transceiver: %w", err)
		}
	}
	return nil
}

// startOffer runs the offerer flow: create offer, set local description,
// hand the SDP to the caller for sending.
func (l *Link) startOffer() (string, error) {
	l.mu.Lock()
	if l.negState != NegotiationNew {
		l.mu.Unlock()
		return "", fmt.Errorf("link %d→%d: offer already in flight (%s)", l.selfID, l.remoteID, l.negState)
	}
	l.mu.Unlock()

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}

	l.mu.Lock()
	l.negState = NegotiationOfferSent
	l.mu.Unlock()
	return offer.SDP, nil
}

// acceptOffer runs the answerer flow on an incoming offer, returning the
// answer SDP. The caller has already applied the glare guard.
func (l *Link) acceptOffer(sdp string) (string, error) {
	if err := l.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}

	l.mu.Lock()
	l.negState = NegotiationStable
	l.mu.Unlock()
	return answer.SDP, nil
}

// acceptAnswer completes the offerer flow.
func (l *Link) acceptAnswer(sdp string) error {
	l.mu.Lock()
	if l.negState != NegotiationOfferSent {
		state := l.negState
		l.mu.Unlock()
		return fmt.Errorf("link %d→%d: unexpected answer in state %s", l.selfID, l.remoteID, state)
	}
	l.negState = NegotiationAnswerReceived
	l.mu.Unlock()

	if err := l.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return err
	}

	l.mu.Lock()
	l.negState = NegotiationStable
	l.mu.Unlock()
	return nil
}

// setRemote applies the remote description and only then flushes the
// buffered candidates in their original arrival order.
func (l *Link) setRemote(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	l.mu.Lock()
	l.remoteSet = true
	flush := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, cand := range flush {
		if err := l.pc.AddICECandidate(cand); err != nil {
			log.Printf("CALL [%s]: link %d: flush candidate: %v", l.callID, l.remoteID, err)
		}
	}
	return nil
}

// addCandidate applies a remote candidate, or queues it while no remote
// description exists yet.
func (l *Link) addCandidate(raw string) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &cand); err != nil {
		// Plain candidate strings are also accepted on the wire.
		cand = webrtc.ICECandidateInit{Candidate: raw}
	}

	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(cand)
}

// shouldDiscardOffer is the glare guard: the deterministic offerer never
// accepts an offer, and an answerer that already committed to an answer
// silently drops a late duplicate.
func (l *Link) shouldDiscardOffer() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.role == RoleOfferer {
		return true
	}
	return l.negState != NegotiationNew
}

func (l *Link) status() LinkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := LinkStatus{
		RemoteID:          l.remoteID,
		Role:              l.role.String(),
		Negotiation:       l.negState.String(),
		PendingCandidates: len(l.pending),
		RemoteActive:      l.active,
	}
	if l.pc != nil {
		st.Connection = l.pc.ConnectionState().String()
	}
	for _, s := range l.sinks {
		p, b := s.stats()
		st.Packets += p
		st.Bytes += b
	}
	return st
}

func (l *Link) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	sinks := l.sinks
	l.sinks = nil
	l.mu.Unlock()

	for _, s := range sinks {
		s.stop()
	}
	if l.pc != nil {
		l.pc.Close()
	}
}
