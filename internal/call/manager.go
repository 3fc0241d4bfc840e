package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/media"
	"github.com/huddlekit/huddle/internal/peer"
	"github.com/huddlekit/huddle/internal/proto"
	"github.com/huddlekit/huddle/internal/roster"
	"github.com/huddlekit/huddle/internal/signal"
)

var (
	// ErrAlreadyInCall is returned when a new call is started while a
	// session exists.
	ErrAlreadyInCall = errors.New("call: already in a call")

	// ErrMediaUnavailable wraps a fatal device acquisition failure.
	ErrMediaUnavailable = errors.New("call: local media unavailable")
)

// Signaler is the only surface the call package needs from the signaling
// layer. signal.Channel satisfies it; tests substitute a fake.
type Signaler interface {
	Send(*proto.Message) error
	Subscribe() (ch chan *proto.Message, cancel func())
	SubscribeState() (ch chan signal.State, cancel func())
}

// Media is the local device surface. media.Controller satisfies it.
type Media interface {
	Acquire(ctx context.Context, wantVideo bool) (*media.Bundle, error)
	Bundle() *media.Bundle
	SetAudioEnabled(on bool) bool
	SetVideoEnabled(on bool) bool
	SwitchCamera(ctx context.Context) (webrtc.TrackLocal, error)
	Release()
}

// Links is the per-call peer link pool. peer.Pool satisfies it.
type Links interface {
	Ensure(remoteID int64) error
	HandleOffer(fromID int64, sdp string) error
	HandleAnswer(fromID int64, sdp string) error
	HandleCandidate(fromID int64, candidate string) error
	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
	ReplaceVideoTrack(t webrtc.TrackLocal)
	Remove(remoteID int64)
	Len() int
	Status() []peer.LinkStatus
	Close()
}

// LinkFactory builds the link pool for one session.
type LinkFactory func(callID string, bundle *media.Bundle, events peer.Events) Links

// Resolver turns a user id into a display name, asynchronously from the
// manager's point of view. directory.Client satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, id int64) string
}

// Options tune the state-machine deadlines.
type Options struct {
	// RingTimeout bounds Calling and Ringing.
	RingTimeout time.Duration

	// ReconnectGrace bounds Reconnecting.
	ReconnectGrace time.Duration

	// ICEServers for every peer link.
	ICEServers []string
}

func (o *Options) withDefaults() {
	if o.RingTimeout <= 0 {
		o.RingTimeout = 45 * time.Second
	}
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = 30 * time.Second
	}
	if len(o.ICEServers) == 0 {
		o.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
}

// Manager is the call session state machine. At most one session exists at
// a time; a nil session is the Idle state. Inbound signaling, peer
// callbacks, user operations and timer expiries all serialize on one mutex,
// so every transition is atomic and late messages land on a state guard
// instead of reviving a dead session.
type Manager struct {
	sig      Signaler
	media    Media
	resolver Resolver
	selfID   int64
	opts     Options
	newLinks LinkFactory

	mu         sync.Mutex
	sess       *Session
	pool       Links
	localAudio bool
	localVideo bool
	last       *Snapshot // final snapshot of the most recent session

	subMu sync.RWMutex
	subs  map[chan Snapshot]struct{}

	done chan struct{}
}

// New creates a Manager and starts reacting to signaling immediately.
func New(sig Signaler, med Media, resolver Resolver, selfID int64, opts Options) *Manager {
	opts.withDefaults()
	m := &Manager{
		sig:      sig,
		media:    med,
		resolver: resolver,
		selfID:   selfID,
		opts:     opts,
		subs:     make(map[chan Snapshot]struct{}),
		done:     make(chan struct{}),
	}
	m.newLinks = func(callID string, bundle *media.Bundle, events peer.Events) Links {
		return peer.NewPool(callID, selfID, opts.ICEServers, bundle, sig, events)
	}
	go m.dispatchLoop()
	return m
}

// SetLinkFactory replaces the pool constructor. Tests use it to substitute
// a fake pool; it must be called before any session exists.
func (m *Manager) SetLinkFactory(f LinkFactory) {
	m.mu.Lock()
	m.newLinks = f
	m.mu.Unlock()
}

// Subscribe returns a channel of session snapshots, one per state change.
// Slow subscribers miss intermediate snapshots rather than blocking the
// state machine. After Close the returned channel is already closed.
func (m *Manager) Subscribe() (ch chan Snapshot, cancel func()) {
	ch = make(chan Snapshot, 16)
	m.subMu.Lock()
	if m.subs == nil {
		m.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	cancel = func() {
		m.subMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

// Snapshot returns the current session view. ok is false while Idle, in
// which case the final snapshot of the previous session (if any) is
// returned for rendering the end reason.
func (m *Manager) Snapshot() (snap Snapshot, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		return m.sess.snapshot(m.localAudio, m.localVideo), true
	}
	if m.last != nil {
		return *m.last, false
	}
	return Snapshot{}, false
}

// LinkStatus returns the debug view of the active pool.
func (m *Manager) LinkStatus() []peer.LinkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool == nil {
		return nil
	}
	return m.pool.Status()
}

// StartCall places a direct call. Fails with ErrAlreadyInCall while a
// session exists and ErrMediaUnavailable when device acquisition fails.
func (m *Manager) StartCall(ctx context.Context, peerID int64, callType proto.CallType) error {
	if peerID <= 0 || peerID == m.selfID {
		return fmt.Errorf("call: invalid peer id %d", peerID)
	}
	return m.startOutgoing(ctx, KindDirect, peerID, 0, callType)
}

// StartGroupCall places a group call. The roster seeds asynchronously from
// the server's group updates and member accepts.
func (m *Manager) StartGroupCall(ctx context.Context, groupID int64, callType proto.CallType) error {
	if groupID <= 0 {
		return fmt.Errorf("call: invalid group id %d", groupID)
	}
	return m.startOutgoing(ctx, KindGroup, 0, groupID, callType)
}

func (m *Manager) startOutgoing(ctx context.Context, kind Kind, peerID, groupID int64, callType proto.CallType) error {
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return ErrAlreadyInCall
	}
	m.mu.Unlock()

	// Device acquisition suspends, so it happens outside the lock; the
	// precondition is re-checked after.
	bundle, err := m.media.Acquire(ctx, callType == proto.CallTypeVideo)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		return ErrAlreadyInCall
	}

	target := peerID
	if kind == KindGroup {
		target = groupID
	}
	s := &Session{
		callID:    newCallID(m.selfID, target),
		kind:      kind,
		mediaType: callType,
		direction: DirectionOutgoing,
		state:     StateCalling,
		startedAt: time.Now(),
		peerID:    peerID,
		groupID:   groupID,
		roster:    roster.New(m.selfID),
	}
	m.sess = s
	m.localAudio = bundle.AudioEnabled()
	m.localVideo = bundle.VideoEnabled()

	var msg *proto.Message
	if kind == KindDirect {
		s.roster.Add(peerID)
		m.resolveName(s.callID, peerID)
		msg = &proto.Message{
			Type: proto.KindCallUser,
			CallUser: &proto.CallUser{
				CallID:       s.callID,
				TargetUserID: peerID,
				CallType:     callType,
				FromUserID:   m.selfID,
			},
		}
	} else {
		msg = &proto.Message{
			Type: proto.KindStartGroupCall,
			StartGroupCall: &proto.StartGroupCall{
				CallID:     s.callID,
				GroupID:    groupID,
				CallType:   callType,
				FromUserID: m.selfID,
			},
		}
	}
	if err := m.sig.Send(msg); err != nil {
		log.Printf("CALL [%s]: initial signal dropped: %v", s.callID, err)
	}

	m.armRingTimer(s.callID)
	log.Printf("CALL [%s]: %s %s call started", s.callID, kind, callType)
	m.emitLocked()
	return nil
}

// AcceptCall answers the ringing call. A no-op in any other state. A fatal
// media failure ends the session and tells the caller via reject_call.
func (m *Manager) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	if m.sess == nil || m.sess.state != StateRinging {
		m.mu.Unlock()
		return nil
	}
	callID := m.sess.callID
	wantVideo := m.sess.mediaType == proto.CallTypeVideo
	m.mu.Unlock()

	bundle, err := m.media.Acquire(ctx, wantVideo)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.callID != callID || m.sess.state != StateRinging {
		return nil
	}

	if err != nil {
		m.sendResponse(proto.KindRejectCall, callID)
		m.endLocked(ReasonMediaUnavailable, false)
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	m.localAudio = bundle.AudioEnabled()
	m.localVideo = bundle.VideoEnabled()
	m.sendResponse(proto.KindAcceptCall, callID)
	m.connectLocked()

	for _, id := range m.sess.roster.IDs() {
		m.ensureLink(id)
	}
	log.Printf("CALL [%s]: accepted", callID)
	m.emitLocked()
	return nil
}

// RejectCall declines the ringing call. A no-op in any other state.
func (m *Manager) RejectCall() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.state != StateRinging {
		return
	}
	m.sendResponse(proto.KindRejectCall, m.sess.callID)
	m.endLocked(ReasonRejectedLocally, false)
}

// HangupCall ends the session from any active state. Idempotent: a second
// call is a no-op and no duplicate end_call is sent.
func (m *Manager) HangupCall() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.terminal() {
		return
	}
	m.endLocked(ReasonHangup, true)
}

// ToggleAudio flips the local audio track and propagates it to every link.
// Returns the new enabled state.
func (m *Manager) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.terminal() {
		return false
	}
	on := m.media.SetAudioEnabled(!m.localAudio)
	m.localAudio = on
	if m.pool != nil {
		m.pool.SetAudioEnabled(on)
	}
	m.emitLocked()
	return on
}

// ToggleVideo flips the local video track and propagates it to every link.
// Returns the new enabled state.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.terminal() {
		return false
	}
	on := m.media.SetVideoEnabled(!m.localVideo)
	m.localVideo = on
	if m.pool != nil {
		m.pool.SetVideoEnabled(on)
	}
	m.emitLocked()
	return on
}

// SwitchCamera re-acquires the video track from the next camera and
// replaces it on every open link. Pure track replacement; the links never
// renegotiate for this.
func (m *Manager) SwitchCamera(ctx context.Context) error {
	m.mu.Lock()
	if m.sess == nil || m.sess.terminal() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	track, err := m.media.SwitchCamera(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool != nil {
		m.pool.ReplaceVideoTrack(track)
	}
	m.emitLocked()
	return nil
}

// Close shuts the manager down, hanging up any active session.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}

	m.mu.Lock()
	if m.sess != nil && !m.sess.terminal() {
		m.endLocked(ReasonShutdown, true)
	}
	m.mu.Unlock()

	m.subMu.Lock()
	for ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.subMu.Unlock()
}

// -------------------------
// Reaction loop
// -------------------------

func (m *Manager) dispatchLoop() {
	msgs, cancelMsgs := m.sig.Subscribe()
	defer cancelMsgs()
	states, cancelStates := m.sig.SubscribeState()
	defer cancelStates()

	for {
		select {
		case <-m.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			m.handleMessage(msg)
		case st, ok := <-states:
			if !ok {
				return
			}
			m.handleChannelState(st)
		}
	}
}

func (m *Manager) handleMessage(msg *proto.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Type {
	case proto.KindIncomingCall:
		m.handleIncomingCall(msg.IncomingCall)
	case proto.KindIncomingGroupCall:
		m.handleIncomingGroupCall(msg.IncomingGroupCall)
	case proto.KindAcceptCall:
		m.handleAccept(msg.AcceptCall)
	case proto.KindRejectCall:
		m.handleReject(msg.RejectCall)
	case proto.KindEndCall:
		m.handleEndCall(msg.EndCall)
	case proto.KindGroupOffer:
		m.handleOffer(msg.Offer)
	case proto.KindGroupAnswer:
		m.handleAnswer(msg.Answer)
	case proto.KindGroupICECandidate:
		m.handleCandidate(msg.Candidate)
	case proto.KindGroupUpdate:
		m.handleGroupUpdate(msg.GroupUpdate)
	default:
		// Client→server kinds echoing back are server bugs; ignore.
	}
}

func (m *Manager) handleIncomingCall(p *proto.IncomingCall) {
	if m.sess != nil && !m.sess.terminal() {
		// Busy: decline without disturbing the active session.
		log.Printf("CALL [%s]: busy, rejecting incoming call from %d", p.CallID, p.FromUserID)
		m.sendResponse(proto.KindRejectCall, p.CallID)
		return
	}

	s := &Session{
		callID:    p.CallID,
		kind:      KindDirect,
		mediaType: p.CallType,
		direction: DirectionIncoming,
		state:     StateRinging,
		startedAt: time.Now(),
		peerID:    p.FromUserID,
		roster:    roster.New(m.selfID),
	}
	s.roster.Add(p.FromUserID)
	if p.FromUserName != "" {
		s.roster.SetDisplayName(p.FromUserID, p.FromUserName)
	} else {
		m.resolveName(p.CallID, p.FromUserID)
	}
	m.sess = s
	m.armRingTimer(s.callID)
	log.Printf("CALL [%s]: ringing, %s call from %d", s.callID, p.CallType, p.FromUserID)
	m.emitLocked()
}

func (m *Manager) handleIncomingGroupCall(p *proto.IncomingGroupCall) {
	if m.sess != nil && !m.sess.terminal() {
		log.Printf("CALL [%s]: busy, rejecting incoming group call", p.CallID)
		m.sendResponse(proto.KindRejectCall, p.CallID)
		return
	}

	s := &Session{
		callID:    p.CallID,
		kind:      KindGroup,
		mediaType: p.CallType,
		direction: DirectionIncoming,
		state:     StateRinging,
		startedAt: time.Now(),
		peerID:    p.FromUserID,
		groupID:   p.GroupID,
		groupName: p.GroupName,
		roster:    roster.New(m.selfID),
	}
	s.roster.Add(p.FromUserID)
	m.resolveName(p.CallID, p.FromUserID)
	m.sess = s
	m.armRingTimer(s.callID)
	log.Printf("CALL [%s]: ringing, group %q call from %d", s.callID, p.GroupName, p.FromUserID)
	m.emitLocked()
}

func (m *Manager) handleAccept(p *proto.CallResponse) {
	if m.sess == nil || m.sess.callID != p.CallID {
		return
	}
	switch m.sess.state {
	case StateCalling:
		m.connectLocked()
	case StateConnected, StateReconnecting:
		// Group members keep joining after the first accept connected
		// the session. A late accept on a direct call is stale.
		if m.sess.kind != KindGroup {
			return
		}
	default:
		return
	}

	if m.sess.kind == KindGroup {
		m.sess.roster.Add(p.ByUserID)
		m.resolveName(p.CallID, p.ByUserID)
	}
	m.ensureLink(p.ByUserID)
	log.Printf("CALL [%s]: accepted by %d", p.CallID, p.ByUserID)
	m.emitLocked()
}

func (m *Manager) handleReject(p *proto.CallResponse) {
	if m.sess == nil || m.sess.callID != p.CallID || m.sess.state != StateCalling {
		return
	}

	if m.sess.kind == KindDirect {
		log.Printf("CALL [%s]: rejected by %d", p.CallID, p.ByUserID)
		m.endLocked(ReasonRejected, false)
		return
	}
	// One member declining does not end a group call.
	if m.sess.roster.Remove(p.ByUserID) {
		m.emitLocked()
	}
}

func (m *Manager) handleEndCall(p *proto.CallResponse) {
	if m.sess == nil || m.sess.callID != p.CallID || m.sess.terminal() {
		return
	}

	if m.sess.kind == KindDirect {
		log.Printf("CALL [%s]: ended by %d", p.CallID, p.ByUserID)
		m.endLocked(ReasonRemoteHangup, false)
		return
	}

	// A group member leaving tears down only its link; the call survives
	// until the roster empties.
	m.sess.roster.Remove(p.ByUserID)
	if m.pool != nil {
		m.pool.Remove(p.ByUserID)
	}
	if m.sess.state != StateRinging && m.sess.roster.Len() == 0 {
		log.Printf("CALL [%s]: last member left", p.CallID)
		m.endLocked(ReasonRemoteHangup, false)
		return
	}
	m.emitLocked()
}

// negotiating reports whether per-peer negotiation signals are acceptable
// right now. Anything outside these states is a late arrival dropped by
// this guard; it must never revive a session that was cancelled.
func (m *Manager) negotiating(callID string, targetID int64) bool {
	if m.sess == nil || m.sess.callID != callID || targetID != m.selfID {
		return false
	}
	return m.sess.state == StateConnected || m.sess.state == StateReconnecting
}

func (m *Manager) handleOffer(p *proto.SessionDescription) {
	if !m.negotiating(p.CallID, p.TargetUserID) || m.pool == nil {
		return
	}
	// An offer can introduce a participant the roster has not seen yet;
	// membership is the union of server-reported ids and connected peers.
	if m.sess.kind == KindGroup && m.sess.roster.Add(p.FromUserID) {
		m.resolveName(p.CallID, p.FromUserID)
		m.emitLocked()
	}
	if err := m.pool.HandleOffer(p.FromUserID, p.SDP); err != nil {
		log.Printf("CALL [%s]: offer from %d: %v", p.CallID, p.FromUserID, err)
	}
}

func (m *Manager) handleAnswer(p *proto.SessionDescription) {
	if !m.negotiating(p.CallID, p.TargetUserID) || m.pool == nil {
		return
	}
	if err := m.pool.HandleAnswer(p.FromUserID, p.SDP); err != nil {
		log.Printf("CALL [%s]: answer from %d: %v", p.CallID, p.FromUserID, err)
	}
}

func (m *Manager) handleCandidate(p *proto.ICECandidate) {
	if !m.negotiating(p.CallID, p.TargetUserID) || m.pool == nil {
		return
	}
	if err := m.pool.HandleCandidate(p.FromUserID, p.Candidate); err != nil {
		log.Printf("CALL [%s]: candidate from %d: %v", p.CallID, p.FromUserID, err)
	}
}

func (m *Manager) handleGroupUpdate(p *proto.GroupUpdate) {
	if m.sess == nil || m.sess.kind != KindGroup || m.sess.groupID != p.GroupID || m.sess.terminal() {
		return
	}

	switch p.UpdateType {
	case proto.GroupNameUpdated:
		m.sess.groupName = p.Data.Name
		m.emitLocked()

	case proto.GroupMembersAdded:
		canonical := append(m.sess.roster.IDs(), p.Data.Members...)
		added, _ := m.sess.roster.Reconcile(canonical)
		if len(added) == 0 {
			return
		}
		for _, id := range added {
			m.resolveName(m.sess.callID, id)
			m.ensureLink(id)
		}
		m.emitLocked()

	case proto.GroupMemberRemoved:
		for _, id := range p.Data.Members {
			if id == m.selfID {
				log.Printf("CALL [%s]: removed from group %d", m.sess.callID, p.GroupID)
				m.endLocked(ReasonRemovedFromGroup, false)
				return
			}
		}
		removedSet := make(map[int64]struct{}, len(p.Data.Members))
		for _, id := range p.Data.Members {
			removedSet[id] = struct{}{}
		}
		var canonical []int64
		for _, id := range m.sess.roster.IDs() {
			if _, gone := removedSet[id]; !gone {
				canonical = append(canonical, id)
			}
		}
		_, removed := m.sess.roster.Reconcile(canonical)
		if len(removed) == 0 {
			return
		}
		for _, id := range removed {
			if m.pool != nil {
				m.pool.Remove(id)
			}
		}
		if m.sess.state != StateRinging && m.sess.roster.Len() == 0 {
			m.endLocked(ReasonRemoteHangup, false)
			return
		}
		m.emitLocked()
	}
}

func (m *Manager) handleChannelState(st signal.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.terminal() {
		return
	}

	switch {
	case st != signal.StateOpen && m.sess.state == StateConnected:
		// Local media and peer links stay up; outbound signaling is
		// dropped (not queued) until the channel returns.
		m.sess.state = StateReconnecting
		log.Printf("CALL [%s]: signaling lost, reconnecting", m.sess.callID)
		m.armGraceTimer(m.sess.callID)
		m.emitLocked()

	case st == signal.StateOpen && m.sess.state == StateReconnecting:
		m.sess.state = StateConnected
		log.Printf("CALL [%s]: signaling restored", m.sess.callID)
		// Re-establish membership instead of replaying stale messages.
		if m.sess.kind == KindGroup {
			err := m.sig.Send(&proto.Message{
				Type: proto.KindStartGroupCall,
				StartGroupCall: &proto.StartGroupCall{
					CallID:     m.sess.callID,
					GroupID:    m.sess.groupID,
					CallType:   m.sess.mediaType,
					FromUserID: m.selfID,
				},
			})
			if err != nil {
				log.Printf("CALL [%s]: roster re-sync dropped: %v", m.sess.callID, err)
			}
		}
		m.emitLocked()
	}
}

// -------------------------
// Pool callbacks
// -------------------------

func (m *Manager) poolEvents() peer.Events {
	return peer.Events{
		RemoteActive: func(remoteID int64) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.sess == nil || m.sess.terminal() {
				return
			}
			if m.sess.roster.SetState(remoteID, roster.StateConnected) {
				m.sess.roster.SetMedia(remoteID, true, m.sess.mediaType == proto.CallTypeVideo)
				m.emitLocked()
			}
		},
		StateChanged: func(remoteID int64, state webrtc.PeerConnectionState) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.sess == nil || m.sess.terminal() {
				return
			}
			switch state {
			case webrtc.PeerConnectionStateConnected:
				if m.sess.roster.SetState(remoteID, roster.StateConnected) {
					m.emitLocked()
				}
			case webrtc.PeerConnectionStateFailed:
				if m.sess.roster.SetState(remoteID, roster.StateFailed) {
					m.emitLocked()
				}
			}
		},
		PeerFailed: func(remoteID int64) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.sess == nil || m.sess.terminal() {
				return
			}
			// Silent to the user beyond the tile disappearing.
			m.sess.roster.Remove(remoteID)
			if m.sess.kind == KindDirect || (m.sess.state != StateRinging && m.sess.roster.Len() == 0) {
				m.endLocked(ReasonRemoteHangup, false)
				return
			}
			m.emitLocked()
		},
	}
}

// -------------------------
// Internals (callers hold m.mu)
// -------------------------

func (m *Manager) connectLocked() {
	m.sess.state = StateConnected
	m.sess.connectedAt = time.Now()
	if m.pool == nil {
		m.pool = m.newLinks(m.sess.callID, m.media.Bundle(), m.poolEvents())
	}
}

func (m *Manager) ensureLink(remoteID int64) {
	if m.pool == nil || remoteID == m.selfID {
		return
	}
	if err := m.pool.Ensure(remoteID); err != nil {
		log.Printf("CALL [%s]: link to %d: %v", m.sess.callID, remoteID, err)
	}
}

// endLocked is the single exit path to Ended. The terminal state is set
// synchronously before any resource is released so in-flight messages that
// arrive after cancellation are dropped by the state guards.
func (m *Manager) endLocked(reason EndReason, sendEnd bool) {
	s := m.sess
	if s == nil || s.terminal() {
		return
	}
	s.state = StateEnded
	s.endReason = reason

	if sendEnd {
		m.sendResponse(proto.KindEndCall, s.callID)
	}
	if m.pool != nil {
		m.pool.Close()
		m.pool = nil
	}
	m.media.Release()

	log.Printf("CALL [%s]: ended (%s)", s.callID, reason)
	m.emitLocked()

	snap := s.snapshot(false, false)
	m.last = &snap
	m.localAudio, m.localVideo = false, false
	m.sess = nil
}

// sendResponse emits one of the accept/reject/end responses, best-effort.
func (m *Manager) sendResponse(kind proto.Kind, callID string) {
	resp := &proto.CallResponse{CallID: callID, ByUserID: m.selfID}
	msg := &proto.Message{Type: kind}
	switch kind {
	case proto.KindAcceptCall:
		msg.AcceptCall = resp
	case proto.KindRejectCall:
		msg.RejectCall = resp
	case proto.KindEndCall:
		msg.EndCall = resp
	}
	if err := m.sig.Send(msg); err != nil {
		log.Printf("CALL [%s]: %s dropped: %v", callID, kind, err)
	}
}

// armRingTimer bounds Calling/Ringing. The callID capture makes a stale
// expiry for a finished session a no-op.
func (m *Manager) armRingTimer(callID string) {
	time.AfterFunc(m.opts.RingTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sess == nil || m.sess.callID != callID {
			return
		}
		switch m.sess.state {
		case StateCalling:
			log.Printf("CALL [%s]: no answer", callID)
			m.endLocked(ReasonTimeout, false)
		case StateRinging:
			log.Printf("CALL [%s]: ring timeout", callID)
			m.sendResponse(proto.KindRejectCall, callID)
			m.endLocked(ReasonTimeout, false)
		}
	})
}

// armGraceTimer bounds Reconnecting.
func (m *Manager) armGraceTimer(callID string) {
	time.AfterFunc(m.opts.ReconnectGrace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sess == nil || m.sess.callID != callID || m.sess.state != StateReconnecting {
			return
		}
		log.Printf("CALL [%s]: reconnect grace elapsed", callID)
		m.endLocked(ReasonSignalingLost, false)
	})
}

func (m *Manager) resolveName(callID string, id int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		name := m.resolver.Resolve(ctx, id)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sess == nil || m.sess.callID != callID {
			return
		}
		if m.sess.roster.SetDisplayName(id, name) {
			m.emitLocked()
		}
	}()
}

func (m *Manager) emitLocked() {
	if m.sess == nil {
		return
	}
	snap := m.sess.snapshot(m.localAudio, m.localVideo)

	m.subMu.RLock()
	for ch := range m.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	m.subMu.RUnlock()
}
