package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/huddlekit/huddle/internal/media"
	"github.com/huddlekit/huddle/internal/peer"
	"github.com/huddlekit/huddle/internal/proto"
	"github.com/huddlekit/huddle/internal/roster"
	"github.com/huddlekit/huddle/internal/signal"
)

// -------------------------
// Fakes
// -------------------------

type fakeSignal struct {
	mu      sync.Mutex
	msgs    []*proto.Message
	inbound chan *proto.Message
	states  chan signal.State
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{
		inbound: make(chan *proto.Message, 32),
		states:  make(chan signal.State, 8),
	}
}

func (f *fakeSignal) Send(m *proto.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeSignal) Subscribe() (chan *proto.Message, func()) {
	return f.inbound, func() {}
}

func (f *fakeSignal) SubscribeState() (chan signal.State, func()) {
	return f.states, func() {}
}

func (f *fakeSignal) byKind(k proto.Kind) []*proto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*proto.Message
	for _, m := range f.msgs {
		if m.Type == k {
			out = append(out, m)
		}
	}
	return out
}

type fakeMedia struct {
	mu       sync.Mutex
	bundle   *media.Bundle
	err      error
	acquires int
	releases int
}

func (f *fakeMedia) Acquire(ctx context.Context, wantVideo bool) (*media.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.acquires++
	if f.bundle == nil {
		f.bundle = &media.Bundle{}
	}
	return f.bundle, nil
}

func (f *fakeMedia) Bundle() *media.Bundle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bundle
}

func (f *fakeMedia) SetAudioEnabled(on bool) bool { return on }
func (f *fakeMedia) SetVideoEnabled(on bool) bool { return on }

func (f *fakeMedia) SwitchCamera(ctx context.Context) (webrtc.TrackLocal, error) {
	return nil, nil
}

func (f *fakeMedia) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	f.bundle = nil
}

func (f *fakeMedia) counts() (acquires, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires, f.releases
}

type fakeLinks struct {
	mu         sync.Mutex
	events     peer.Events
	ensured    []int64
	removed    []int64
	offers     []int64
	answers    []int64
	candidates []int64
	audioSets  []bool
	videoSets  []bool
	closed     bool
}

func (f *fakeLinks) Ensure(remoteID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, remoteID)
	return nil
}

func (f *fakeLinks) HandleOffer(fromID int64, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, fromID)
	return nil
}

func (f *fakeLinks) HandleAnswer(fromID int64, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, fromID)
	return nil
}

func (f *fakeLinks) HandleCandidate(fromID int64, candidate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, fromID)
	return nil
}

func (f *fakeLinks) SetAudioEnabled(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioSets = append(f.audioSets, on)
}

func (f *fakeLinks) SetVideoEnabled(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoSets = append(f.videoSets, on)
}

func (f *fakeLinks) ReplaceVideoTrack(t webrtc.TrackLocal) {}

func (f *fakeLinks) Remove(remoteID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, remoteID)
}

func (f *fakeLinks) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ensured) - len(f.removed)
}

func (f *fakeLinks) Status() []peer.LinkStatus { return nil }

func (f *fakeLinks) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeLinks) ensuredIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.ensured...)
}

func (f *fakeLinks) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, id int64) string {
	return fmt.Sprintf("Name%d", id)
}

// -------------------------
// Harness
// -------------------------

type harness struct {
	mgr   *Manager
	sig   *fakeSignal
	media *fakeMedia
	links *fakeLinks
}

func newHarness(t *testing.T, selfID int64, opts Options) *harness {
	t.Helper()
	h := &harness{
		sig:   newFakeSignal(),
		media: &fakeMedia{},
		links: &fakeLinks{},
	}
	h.mgr = New(h.sig, h.media, fakeResolver{}, selfID, opts)
	h.mgr.SetLinkFactory(func(callID string, bundle *media.Bundle, events peer.Events) Links {
		h.links.mu.Lock()
		h.links.events = events
		h.links.mu.Unlock()
		return h.links
	})
	t.Cleanup(h.mgr.Close)
	return h
}

func (h *harness) push(m *proto.Message) { h.sig.inbound <- m }

func (h *harness) waitState(t *testing.T, want State) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		s, _ := h.mgr.Snapshot()
		return s.State == want
	}, 3*time.Second, 5*time.Millisecond, "never reached state %s", want)
	s, _ := h.mgr.Snapshot()
	return s
}

func (h *harness) waitIdle(t *testing.T) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		_, active := h.mgr.Snapshot()
		return !active
	}, 3*time.Second, 5*time.Millisecond, "session never ended")
	snap, _ := h.mgr.Snapshot()
	return snap
}

func (h *harness) poolEvents() peer.Events {
	h.links.mu.Lock()
	defer h.links.mu.Unlock()
	return h.links.events
}

func acceptedBy(callID string, by int64) *proto.Message {
	return &proto.Message{
		Type:       proto.KindAcceptCall,
		AcceptCall: &proto.CallResponse{CallID: callID, ByUserID: by},
	}
}

// -------------------------
// Direct calls
// -------------------------

func TestStartDirectCall(t *testing.T) {
	h := newHarness(t, 1, Options{})

	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeVideo))

	snap, active := h.mgr.Snapshot()
	require.True(t, active)
	require.Equal(t, StateCalling, snap.State)
	require.Equal(t, KindDirect, snap.Kind)
	require.Equal(t, DirectionOutgoing, snap.Direction)
	require.Equal(t, proto.CallTypeVideo, snap.MediaType)
	require.Equal(t, int64(7), snap.PeerID)
	require.Len(t, snap.Participants, 1)
	require.Equal(t, int64(7), snap.Participants[0].UserID)

	sent := h.sig.byKind(proto.KindCallUser)
	require.Len(t, sent, 1)
	require.Equal(t, int64(7), sent[0].CallUser.TargetUserID)
	require.Equal(t, int64(1), sent[0].CallUser.FromUserID)
	require.Equal(t, snap.CallID, sent[0].CallUser.CallID)

	require.ErrorIs(t, h.mgr.StartCall(context.Background(), 9, proto.CallTypeAudio), ErrAlreadyInCall)
	require.ErrorIs(t, h.mgr.StartGroupCall(context.Background(), 5, proto.CallTypeAudio), ErrAlreadyInCall)
}

func TestStartCallInvalidPeer(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.Error(t, h.mgr.StartCall(context.Background(), 0, proto.CallTypeAudio))
	require.Error(t, h.mgr.StartCall(context.Background(), 1, proto.CallTypeAudio))
}

func TestStartCallMediaFailure(t *testing.T) {
	h := newHarness(t, 1, Options{})
	h.media.err = fmt.Errorf("no camera")

	err := h.mgr.StartCall(context.Background(), 7, proto.CallTypeVideo)
	require.ErrorIs(t, err, ErrMediaUnavailable)

	_, active := h.mgr.Snapshot()
	require.False(t, active)
	require.Empty(t, h.sig.byKind(proto.KindCallUser))
}

func TestOutgoingCallAccepted(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()

	h.push(acceptedBy(snap.CallID, 7))

	got := h.waitState(t, StateConnected)
	require.False(t, got.ConnectedAt.IsZero())
	require.Eventually(t, func() bool {
		ids := h.links.ensuredIDs()
		return len(ids) == 1 && ids[0] == 7
	}, time.Second, 5*time.Millisecond)
}

func TestOutgoingCallRejected(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()

	h.push(&proto.Message{
		Type:       proto.KindRejectCall,
		RejectCall: &proto.CallResponse{CallID: snap.CallID, ByUserID: 7},
	})

	final := h.waitIdle(t)
	require.Equal(t, StateEnded, final.State)
	require.Equal(t, ReasonRejected, final.EndReason)

	_, releases := h.media.counts()
	require.Equal(t, 1, releases)
}

func TestIncomingCallRingAndAccept(t *testing.T) {
	h := newHarness(t, 1, Options{})

	h.push(&proto.Message{
		Type: proto.KindIncomingCall,
		IncomingCall: &proto.IncomingCall{
			CallID: "c9", CallType: proto.CallTypeAudio, FromUserID: 3, FromUserName: "Ada",
		},
	})

	snap := h.waitState(t, StateRinging)
	require.Equal(t, DirectionIncoming, snap.Direction)
	require.Equal(t, int64(3), snap.PeerID)
	require.Equal(t, "Ada", snap.Participants[0].DisplayName)

	require.NoError(t, h.mgr.AcceptCall(context.Background()))

	snap = h.waitState(t, StateConnected)
	require.Equal(t, "c9", snap.CallID)

	accepts := h.sig.byKind(proto.KindAcceptCall)
	require.Len(t, accepts, 1)
	require.Equal(t, "c9", accepts[0].AcceptCall.CallID)
	require.Equal(t, int64(1), accepts[0].AcceptCall.ByUserID)
	require.Equal(t, []int64{3}, h.links.ensuredIDs())

	// A second accept in Connected is a no-op.
	require.NoError(t, h.mgr.AcceptCall(context.Background()))
	require.Len(t, h.sig.byKind(proto.KindAcceptCall), 1)
}

func TestIncomingCallRejectedLocally(t *testing.T) {
	h := newHarness(t, 1, Options{})

	h.push(&proto.Message{
		Type: proto.KindIncomingCall,
		IncomingCall: &proto.IncomingCall{
			CallID: "c9", CallType: proto.CallTypeAudio, FromUserID: 3,
		},
	})
	h.waitState(t, StateRinging)

	h.mgr.RejectCall()
	final := h.waitIdle(t)
	require.Equal(t, ReasonRejectedLocally, final.EndReason)
	require.Len(t, h.sig.byKind(proto.KindRejectCall), 1)

	// Reject while idle does nothing.
	h.mgr.RejectCall()
	require.Len(t, h.sig.byKind(proto.KindRejectCall), 1)
}

func TestAcceptCallMediaFailureEndsSession(t *testing.T) {
	h := newHarness(t, 1, Options{})

	h.push(&proto.Message{
		Type: proto.KindIncomingCall,
		IncomingCall: &proto.IncomingCall{
			CallID: "c9", CallType: proto.CallTypeVideo, FromUserID: 3,
		},
	})
	h.waitState(t, StateRinging)

	h.media.err = fmt.Errorf("device busy")
	require.ErrorIs(t, h.mgr.AcceptCall(context.Background()), ErrMediaUnavailable)

	final := h.waitIdle(t)
	require.Equal(t, ReasonMediaUnavailable, final.EndReason)
	// The caller is told instead of ringing forever.
	require.Len(t, h.sig.byKind(proto.KindRejectCall), 1)
}

func TestBusyAutoRejectsSecondCall(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()

	h.push(&proto.Message{
		Type: proto.KindIncomingCall,
		IncomingCall: &proto.IncomingCall{
			CallID: "other", CallType: proto.CallTypeAudio, FromUserID: 9,
		},
	})

	require.Eventually(t, func() bool {
		rejects := h.sig.byKind(proto.KindRejectCall)
		return len(rejects) == 1 && rejects[0].RejectCall.CallID == "other"
	}, time.Second, 5*time.Millisecond)

	// The active session is untouched.
	cur, active := h.mgr.Snapshot()
	require.True(t, active)
	require.Equal(t, snap.CallID, cur.CallID)
	require.Equal(t, StateCalling, cur.State)
}

func TestHangupIsIdempotent(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()
	h.push(acceptedBy(snap.CallID, 7))
	h.waitState(t, StateConnected)

	h.mgr.HangupCall()
	h.mgr.HangupCall()
	h.mgr.HangupCall()

	ends := h.sig.byKind(proto.KindEndCall)
	require.Len(t, ends, 1)
	require.Equal(t, snap.CallID, ends[0].EndCall.CallID)

	final := h.waitIdle(t)
	require.Equal(t, ReasonHangup, final.EndReason)
	require.True(t, h.links.isClosed())

	_, releases := h.media.counts()
	require.Equal(t, 1, releases)
}

func TestRemoteHangupEndsCall(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()
	h.push(acceptedBy(snap.CallID, 7))
	h.waitState(t, StateConnected)

	h.push(&proto.Message{
		Type:    proto.KindEndCall,
		EndCall: &proto.CallResponse{CallID: snap.CallID, ByUserID: 7},
	})

	final := h.waitIdle(t)
	require.Equal(t, ReasonRemoteHangup, final.EndReason)
	// No end_call echo back.
	require.Empty(t, h.sig.byKind(proto.KindEndCall))
}

func TestLateSignalsNeverReviveEndedCall(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()
	h.mgr.HangupCall()
	h.waitIdle(t)

	h.push(acceptedBy(snap.CallID, 7))
	h.push(&proto.Message{
		Type: proto.KindGroupOffer,
		Offer: &proto.SessionDescription{
			CallID: snap.CallID, SDP: "v=0", TargetUserID: 1, FromUserID: 7,
		},
	})

	// Give the dispatch loop time to (not) react.
	time.Sleep(50 * time.Millisecond)
	_, active := h.mgr.Snapshot()
	require.False(t, active)
	h.links.mu.Lock()
	defer h.links.mu.Unlock()
	require.Empty(t, h.links.offers)
}

// -------------------------
// Timers
// -------------------------

func TestUnansweredOutgoingCallTimesOut(t *testing.T) {
	h := newHarness(t, 1, Options{RingTimeout: 50 * time.Millisecond})
	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeAudio))

	final := h.waitIdle(t)
	require.Equal(t, ReasonTimeout, final.EndReason)
}

func TestUnansweredIncomingCallTimesOut(t *testing.T) {
	h := newHarness(t, 1, Options{RingTimeout: 50 * time.Millisecond})
	h.push(&proto.Message{
		Type: proto.KindIncomingCall,
		IncomingCall: &proto.IncomingCall{
			CallID: "c9", CallType: proto.CallTypeAudio, FromUserID: 3,
		},
	})
	h.waitState(t, StateRinging)

	final := h.waitIdle(t)
	require.Equal(t, ReasonTimeout, final.EndReason)
	require.Len(t, h.sig.byKind(proto.KindRejectCall), 1)
}

// -------------------------
// Signaling outage
// -------------------------

func TestReconnectingAndBack(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()
	h.push(acceptedBy(snap.CallID, 7))
	h.waitState(t, StateConnected)

	h.sig.states <- signal.StateConnecting
	h.waitState(t, StateReconnecting)

	// Media and links survive the outage.
	_, releases := h.media.counts()
	require.Equal(t, 0, releases)
	require.False(t, h.links.isClosed())

	h.sig.states <- signal.StateOpen
	got := h.waitState(t, StateConnected)
	require.Equal(t, snap.CallID, got.CallID)

	acquires, _ := h.media.counts()
	require.Equal(t, 1, acquires, "no media re-acquisition on reconnect")
}

func TestReconnectGraceExpires(t *testing.T) {
	h := newHarness(t, 1, Options{ReconnectGrace: 50 * time.Millisecond})
	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()
	h.push(acceptedBy(snap.CallID, 7))
	h.waitState(t, StateConnected)

	h.sig.states <- signal.StateConnecting

	final := h.waitIdle(t)
	require.Equal(t, ReasonSignalingLost, final.EndReason)
	require.True(t, h.links.isClosed())
}

func TestGroupReconnectResendsStart(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartGroupCall(context.Background(), 5, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()
	h.push(acceptedBy(snap.CallID, 7))
	h.waitState(t, StateConnected)

	h.sig.states <- signal.StateConnecting
	h.waitState(t, StateReconnecting)
	h.sig.states <- signal.StateOpen
	h.waitState(t, StateConnected)

	starts := h.sig.byKind(proto.KindStartGroupCall)
	require.Len(t, starts, 2)
	require.Equal(t, starts[0].StartGroupCall.CallID, starts[1].StartGroupCall.CallID)
}

// -------------------------
// Group calls
// -------------------------

func TestGroupCallLifecycle(t *testing.T) {
	h := newHarness(t, 2, Options{})
	require.NoError(t, h.mgr.StartGroupCall(context.Background(), 5, proto.CallTypeVideo))

	snap, _ := h.mgr.Snapshot()
	require.Equal(t, KindGroup, snap.Kind)
	require.Equal(t, int64(5), snap.GroupID)
	require.Empty(t, snap.Participants)

	starts := h.sig.byKind(proto.KindStartGroupCall)
	require.Len(t, starts, 1)
	require.Equal(t, int64(5), starts[0].StartGroupCall.GroupID)

	// First accept connects the call.
	h.push(acceptedBy(snap.CallID, 7))
	got := h.waitState(t, StateConnected)
	require.Len(t, got.Participants, 1)

	// Server announces more members, including the local user; self is
	// excluded, everyone else gets a link.
	h.push(&proto.Message{
		Type: proto.KindGroupUpdate,
		GroupUpdate: &proto.GroupUpdate{
			GroupID:    5,
			UpdateType: proto.GroupMembersAdded,
			Data:       proto.GroupUpdateData{Members: []int64{2, 8, 9}},
		},
	})
	require.Eventually(t, func() bool {
		s, _ := h.mgr.Snapshot()
		return len(s.Participants) == 3
	}, time.Second, 5*time.Millisecond)

	s, _ := h.mgr.Snapshot()
	for _, p := range s.Participants {
		require.NotEqual(t, int64(2), p.UserID)
	}
	require.ElementsMatch(t, []int64{7, 8, 9}, h.links.ensuredIDs())

	// A member leaves.
	h.push(&proto.Message{
		Type: proto.KindGroupUpdate,
		GroupUpdate: &proto.GroupUpdate{
			GroupID:    5,
			UpdateType: proto.GroupMemberRemoved,
			Data:       proto.GroupUpdateData{Members: []int64{8}},
		},
	})
	require.Eventually(t, func() bool {
		s, _ := h.mgr.Snapshot()
		return len(s.Participants) == 2
	}, time.Second, 5*time.Millisecond)
	h.links.mu.Lock()
	removed := append([]int64(nil), h.links.removed...)
	h.links.mu.Unlock()
	require.Equal(t, []int64{8}, removed)

	// The local user is removed from the group: the call ends here.
	h.push(&proto.Message{
		Type: proto.KindGroupUpdate,
		GroupUpdate: &proto.GroupUpdate{
			GroupID:    5,
			UpdateType: proto.GroupMemberRemoved,
			Data:       proto.GroupUpdateData{Members: []int64{2}},
		},
	})
	final := h.waitIdle(t)
	require.Equal(t, ReasonRemovedFromGroup, final.EndReason)
}

func TestGroupAcceptAfterConnectJoinsRoster(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartGroupCall(context.Background(), 5, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()

	h.push(acceptedBy(snap.CallID, 7))
	h.waitState(t, StateConnected)

	// A member accepting after the call is already live still joins and
	// gets a link.
	h.push(acceptedBy(snap.CallID, 8))
	require.Eventually(t, func() bool {
		s, _ := h.mgr.Snapshot()
		return len(s.Participants) == 2
	}, time.Second, 5*time.Millisecond)
	require.ElementsMatch(t, []int64{7, 8}, h.links.ensuredIDs())
}

func TestDirectAcceptAfterConnectIsStale(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()

	h.push(acceptedBy(snap.CallID, 7))
	h.waitState(t, StateConnected)

	h.push(acceptedBy(snap.CallID, 9))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []int64{7}, h.links.ensuredIDs())
}

func TestGroupMemberHangupShrinksCall(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartGroupCall(context.Background(), 5, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()
	h.push(acceptedBy(snap.CallID, 7))
	h.push(acceptedBy(snap.CallID, 8))
	require.Eventually(t, func() bool {
		s, _ := h.mgr.Snapshot()
		return len(s.Participants) == 2
	}, time.Second, 5*time.Millisecond)

	h.push(&proto.Message{
		Type:    proto.KindEndCall,
		EndCall: &proto.CallResponse{CallID: snap.CallID, ByUserID: 7},
	})
	require.Eventually(t, func() bool {
		s, active := h.mgr.Snapshot()
		return active && len(s.Participants) == 1
	}, time.Second, 5*time.Millisecond)

	// Last member leaving ends the call.
	h.push(&proto.Message{
		Type:    proto.KindEndCall,
		EndCall: &proto.CallResponse{CallID: snap.CallID, ByUserID: 8},
	})
	final := h.waitIdle(t)
	require.Equal(t, ReasonRemoteHangup, final.EndReason)
}

func TestGroupOfferFromUnknownMemberJoinsRoster(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartGroupCall(context.Background(), 5, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()
	h.push(acceptedBy(snap.CallID, 7))
	h.waitState(t, StateConnected)

	h.push(&proto.Message{
		Type: proto.KindGroupOffer,
		Offer: &proto.SessionDescription{
			CallID: snap.CallID, SDP: "v=0", TargetUserID: 1, FromUserID: 11,
		},
	})

	require.Eventually(t, func() bool {
		s, _ := h.mgr.Snapshot()
		return len(s.Participants) == 2
	}, time.Second, 5*time.Millisecond)
	h.links.mu.Lock()
	defer h.links.mu.Unlock()
	require.Equal(t, []int64{11}, h.links.offers)
}

// -------------------------
// Negotiation routing guards
// -------------------------

func TestNegotiationSignalsAreGuarded(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()
	h.push(acceptedBy(snap.CallID, 7))
	h.waitState(t, StateConnected)

	// Wrong call id and wrong target are both dropped.
	h.push(&proto.Message{
		Type: proto.KindGroupICECandidate,
		Candidate: &proto.ICECandidate{
			CallID: "stale", Candidate: "x", TargetUserID: 1, FromUserID: 7,
		},
	})
	h.push(&proto.Message{
		Type: proto.KindGroupICECandidate,
		Candidate: &proto.ICECandidate{
			CallID: snap.CallID, Candidate: "x", TargetUserID: 99, FromUserID: 7,
		},
	})
	h.push(&proto.Message{
		Type: proto.KindGroupICECandidate,
		Candidate: &proto.ICECandidate{
			CallID: snap.CallID, Candidate: "x", TargetUserID: 1, FromUserID: 7,
		},
	})

	require.Eventually(t, func() bool {
		h.links.mu.Lock()
		defer h.links.mu.Unlock()
		return len(h.links.candidates) == 1
	}, time.Second, 5*time.Millisecond)
}

// -------------------------
// Media controls
// -------------------------

func TestToggleAudioPropagates(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()
	h.push(acceptedBy(snap.CallID, 7))
	h.waitState(t, StateConnected)

	// The empty test bundle starts with audio off; the first toggle
	// enables it.
	require.True(t, h.mgr.ToggleAudio())
	s, _ := h.mgr.Snapshot()
	require.True(t, s.LocalAudioEnabled)
	require.False(t, s.SelfMuted)

	require.False(t, h.mgr.ToggleAudio())
	s, _ = h.mgr.Snapshot()
	require.True(t, s.SelfMuted)

	h.links.mu.Lock()
	defer h.links.mu.Unlock()
	require.Equal(t, []bool{true, false}, h.links.audioSets)
}

func TestTogglesWhileIdleAreNoOps(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.False(t, h.mgr.ToggleAudio())
	require.False(t, h.mgr.ToggleVideo())
	require.NoError(t, h.mgr.SwitchCamera(context.Background()))
}

// -------------------------
// Pool events
// -------------------------

func TestRemoteActiveMarksParticipantConnected(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()
	h.push(acceptedBy(snap.CallID, 7))
	h.waitState(t, StateConnected)

	h.poolEvents().RemoteActive(7)

	s, _ := h.mgr.Snapshot()
	require.Equal(t, roster.StateConnected, s.Participants[0].State)
	require.True(t, s.Participants[0].AudioEnabled)
}

func TestPeerFailedEndsDirectCall(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()
	h.push(acceptedBy(snap.CallID, 7))
	h.waitState(t, StateConnected)

	h.poolEvents().PeerFailed(7)

	final := h.waitIdle(t)
	require.Equal(t, StateEnded, final.State)
}

func TestPeerFailedShrinksGroupCall(t *testing.T) {
	h := newHarness(t, 1, Options{})
	require.NoError(t, h.mgr.StartGroupCall(context.Background(), 5, proto.CallTypeAudio))
	snap, _ := h.mgr.Snapshot()
	h.push(acceptedBy(snap.CallID, 7))
	h.push(acceptedBy(snap.CallID, 8))
	require.Eventually(t, func() bool {
		s, _ := h.mgr.Snapshot()
		return len(s.Participants) == 2
	}, time.Second, 5*time.Millisecond)

	h.poolEvents().PeerFailed(8)

	s, active := h.mgr.Snapshot()
	require.True(t, active)
	require.Len(t, s.Participants, 1)
	require.Equal(t, int64(7), s.Participants[0].UserID)
}

// -------------------------
// Subscriptions
// -------------------------

func TestSubscribeSeesLifecycle(t *testing.T) {
	h := newHarness(t, 1, Options{})
	snaps, cancel := h.mgr.Subscribe()
	defer cancel()

	require.NoError(t, h.mgr.StartCall(context.Background(), 7, proto.CallTypeAudio))

	select {
	case s := <-snaps:
		require.Equal(t, StateCalling, s.State)
	case <-time.After(time.Second):
		t.Fatal("no snapshot emitted")
	}

	h.mgr.HangupCall()
	deadline := time.After(time.Second)
	for {
		select {
		case s := <-snaps:
			if s.State == StateEnded {
				require.Equal(t, ReasonHangup, s.EndReason)
				return
			}
		case <-deadline:
			t.Fatal("ended snapshot never emitted")
		}
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	h := newHarness(t, 1, Options{})
	h.mgr.Close()

	snaps, cancel := h.mgr.Subscribe()
	_, open := <-snaps
	require.False(t, open)
	cancel()
}
