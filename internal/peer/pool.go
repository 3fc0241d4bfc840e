package peer

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/media"
	"github.com/huddlekit/huddle/internal/proto"
)

// Sender is the outbound half of the signaling channel.
type Sender interface {
	Send(*proto.Message) error
}

// Events are raised by the pool as links progress. All callbacks are
// optional and invoked from Pion's callback goroutines.
type Events struct {
	// RemoteActive fires once per link when remote media starts flowing
	// (the first live track).
	RemoteActive func(remoteID int64)

	// StateChanged reports peer connection state transitions.
	StateChanged func(remoteID int64, state webrtc.PeerConnectionState)

	// PeerFailed fires when a link has failed twice: once initially and
	// once after its single recreate retry. The participant should be
	// dropped; the rest of the call continues.
	PeerFailed func(remoteID int64)
}

// Pool owns one Link per remote participant of a single call.
type Pool struct {
	callID     string
	selfID     int64
	iceServers []string
	bundle     *media.Bundle
	send       Sender
	events     Events

	mu     sync.Mutex
	links  map[int64]*Link
	closed bool
}

// NewPool creates an empty pool for one call. bundle may be nil or empty
// for receive-only operation.
func NewPool(callID string, selfID int64, iceServers []string, bundle *media.Bundle, send Sender, events Events) *Pool {
	return &Pool{
		callID:     callID,
		selfID:     selfID,
		iceServers: iceServers,
		bundle:     bundle,
		send:       send,
		events:     events,
		links:      make(map[int64]*Link),
	}
}

// Ensure creates the link for remoteID if absent. When the deterministic
// rule makes the local side the offerer, the offer is created and sent
// immediately; an answerer link just waits for the remote offer.
func (p *Pool) Ensure(remoteID int64) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pool closed")
	}
	if _, ok := p.links[remoteID]; ok {
		p.mu.Unlock()
		return nil
	}
	link, err := p.newLink(remoteID, false)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.links[remoteID] = link
	p.mu.Unlock()

	if link.role == RoleOfferer {
		return p.sendOffer(link)
	}
	log.Printf("CALL [%s]: link %d ready, waiting for offer", p.callID, remoteID)
	return nil
}

// HandleOffer reacts to a remote offer, creating the answerer link on
// demand. Glaring or duplicate offers are discarded silently.
func (p *Pool) HandleOffer(fromID int64, sdp string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	link, ok := p.links[fromID]
	if !ok {
		var err error
		link, err = p.newLink(fromID, false)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		p.links[fromID] = link
	}
	p.mu.Unlock()

	if link.shouldDiscardOffer() {
		log.Printf("CALL [%s]: discarding glared offer from %d", p.callID, fromID)
		return nil
	}

	answer, err := link.acceptOffer(sdp)
	if err != nil {
		return err
	}
	return p.send.Send(&proto.Message{
		Type: proto.KindGroupAnswer,
		Answer: &proto.SessionDescription{
			CallID:       p.callID,
			SDP:          answer,
			TargetUserID: fromID,
			FromUserID:   p.selfID,
		},
	})
}

// HandleAnswer completes negotiation on the offerer side.
func (p *Pool) HandleAnswer(fromID int64, sdp string) error {
	link := p.get(fromID)
	if link == nil {
		return fmt.Errorf("answer from %d without a link", fromID)
	}
	return link.acceptAnswer(sdp)
}

// HandleCandidate applies or queues one remote ICE candidate.
func (p *Pool) HandleCandidate(fromID int64, candidate string) error {
	link := p.get(fromID)
	if link == nil {
		return fmt.Errorf("candidate from %d without a link", fromID)
	}
	return link.addCandidate(candidate)
}

// SetAudioEnabled starts or stops sending local audio on every link by
// replacing the sender's track. No renegotiation is needed because the
// m-line composition is unchanged.
func (p *Pool) SetAudioEnabled(on bool) {
	var t webrtc.TrackLocal
	if on && p.bundle != nil {
		t = p.bundle.Audio()
	}
	for _, link := range p.snapshot() {
		if link.audioSender == nil {
			continue
		}
		if err := link.audioSender.ReplaceTrack(t); err != nil {
			log.Printf("CALL [%s]: link %d: replace audio: %v", p.callID, link.remoteID, err)
		}
	}
}

// SetVideoEnabled starts or stops sending local video on every link.
func (p *Pool) SetVideoEnabled(on bool) {
	var t webrtc.TrackLocal
	if on && p.bundle != nil {
		t = p.bundle.Video()
	}
	for _, link := range p.snapshot() {
		if link.videoSender == nil {
			continue
		}
		if err := link.videoSender.ReplaceTrack(t); err != nil {
			log.Printf("CALL [%s]: link %d: replace video: %v", p.callID, link.remoteID, err)
		}
	}
}

// ReplaceVideoTrack swaps the outgoing video track on every link, used
// after a camera switch. Track replacement, not renegotiation.
func (p *Pool) ReplaceVideoTrack(t webrtc.TrackLocal) {
	for _, link := range p.snapshot() {
		if link.videoSender == nil {
			continue
		}
		if err := link.videoSender.ReplaceTrack(t); err != nil {
			log.Printf("CALL [%s]: link %d: replace camera track: %v", p.callID, link.remoteID, err)
		}
	}
}

// Remove tears down the link for remoteID, if any. Other links are
// untouched even mid-negotiation.
func (p *Pool) Remove(remoteID int64) {
	p.mu.Lock()
	link, ok := p.links[remoteID]
	if ok {
		delete(p.links, remoteID)
	}
	p.mu.Unlock()
	if ok {
		link.close()
		log.Printf("CALL [%s]: link %d removed", p.callID, remoteID)
	}
}

// Len returns the number of live links.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.links)
}

// RemoteIDs returns the linked remote ids in ascending order.
func (p *Pool) RemoteIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.links))
	for id := range p.links {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Status returns debug snapshots of every link, ordered by remote id.
func (p *Pool) Status() []LinkStatus {
	links := p.snapshot()
	out := make([]LinkStatus, 0, len(links))
	for _, l := range links {
		out = append(out, l.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// Close tears down every link. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	links := p.links
	p.links = make(map[int64]*Link)
	p.mu.Unlock()

	for _, link := range links {
		link.close()
	}
}

func (p *Pool) get(remoteID int64) *Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.links[remoteID]
}

func (p *Pool) snapshot() []*Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Link, 0, len(p.links))
	for _, l := range p.links {
		out = append(out, l)
	}
	return out
}

// newLink builds the peer connection and wires its callbacks. Caller holds
// p.mu.
func (p *Pool) newLink(remoteID int64, retried bool) (*Link, error) {
	var setup media.EngineSetup
	if p.bundle != nil {
		setup = p.bundle.EngineSetup()
	}
	pc, err := newPeerConnection(setup, p.iceServers)
	if err != nil {
		return nil, fmt.Errorf("new peer connection for %d: %w", remoteID, err)
	}

	link := &Link{
		callID:   p.callID,
		selfID:   p.selfID,
		remoteID: remoteID,
		role:     RoleFor(p.selfID, remoteID),
		pc:       pc,
		retried:  retried,
	}
	if err := link.attachLocal(p.bundle); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		err = p.send.Send(&proto.Message{
			Type: proto.KindGroupICECandidate,
			Candidate: &proto.ICECandidate{
				CallID:       p.callID,
				Candidate:    string(raw),
				TargetUserID: remoteID,
				FromUserID:   p.selfID,
			},
		})
		if err != nil {
			log.Printf("CALL [%s]: link %d: candidate send dropped: %v", p.callID, remoteID, err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: link %d: remote %s track", p.callID, remoteID, track.Kind())
		sink := newRemoteSink(pc, track)

		link.mu.Lock()
		link.sinks = append(link.sinks, sink)
		first := !link.active
		link.active = true
		link.mu.Unlock()

		if first && p.events.RemoteActive != nil {
			p.events.RemoteActive(remoteID)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: link %d: connection %s", p.callID, remoteID, state)
		if p.events.StateChanged != nil {
			p.events.StateChanged(remoteID, state)
		}
		if state == webrtc.PeerConnectionStateFailed {
			go p.handleFailure(remoteID)
		}
	})

	log.Printf("CALL [%s]: link %d created (%s)", p.callID, remoteID, link.role)
	return link, nil
}

func (p *Pool) sendOffer(link *Link) error {
	sdp, err := link.startOffer()
	if err != nil {
		return err
	}
	return p.send.Send(&proto.Message{
		Type: proto.KindGroupOffer,
		Offer: &proto.SessionDescription{
			CallID:       p.callID,
			SDP:          sdp,
			TargetUserID: link.remoteID,
			FromUserID:   p.selfID,
		},
	})
}

// handleFailure recreates a failed link once with a fresh negotiation. A
// second failure removes the participant without ending the whole call.
func (p *Pool) handleFailure(remoteID int64) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	old, ok := p.links[remoteID]
	if !ok {
		p.mu.Unlock()
		return
	}

	old.mu.Lock()
	alreadyRetried := old.retried
	old.mu.Unlock()

	if alreadyRetried {
		delete(p.links, remoteID)
		p.mu.Unlock()
		old.close()
		log.Printf("CALL [%s]: link %d failed twice, dropping participant", p.callID, remoteID)
		if p.events.PeerFailed != nil {
			p.events.PeerFailed(remoteID)
		}
		return
	}

	fresh, err := p.newLink(remoteID, true)
	if err != nil {
		delete(p.links, remoteID)
		p.mu.Unlock()
		old.close()
		log.Printf("CALL [%s]: link %d recreate failed: %v", p.callID, remoteID, err)
		if p.events.PeerFailed != nil {
			p.events.PeerFailed(remoteID)
		}
		return
	}
	p.links[remoteID] = fresh
	p.mu.Unlock()
	old.close()

	log.Printf("CALL [%s]: link %d failed, retrying with fresh negotiation", p.callID, remoteID)
	if fresh.role == RoleOfferer {
		if err := p.sendOffer(fresh); err != nil {
			log.Printf("CALL [%s]: link %d: retry offer dropped: %v", p.callID, remoteID, err)
		}
	}
}
