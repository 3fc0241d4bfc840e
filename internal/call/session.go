// Package call owns the call lifecycle state machine. The Manager is the
// only component the host UI talks to; it mediates between the signaling
// channel, the participant roster, the media controller and the per-peer
// link pool.
package call

import (
	"fmt"
	"time"

	"github.com/huddlekit/huddle/internal/proto"
	"github.com/huddlekit/huddle/internal/roster"
)

// State of a call session. Idle is represented by the absence of a session.
type State string

const (
	StateCalling      State = "calling"
	StateRinging      State = "ringing"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateEnded        State = "ended"
)

// Kind distinguishes 1:1 calls from group calls.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Direction of the call from the local user's point of view.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// EndReason explains a transition to Ended.
type EndReason string

const (
	ReasonHangup           EndReason = "hangup"
	ReasonRemoteHangup     EndReason = "remote_hangup"
	ReasonRejected         EndReason = "rejected"
	ReasonRejectedLocally  EndReason = "rejected_locally"
	ReasonTimeout          EndReason = "timeout"
	ReasonMediaUnavailable EndReason = "media_unavailable"
	ReasonSignalingLost    EndReason = "signaling_lost"
	ReasonRemovedFromGroup EndReason = "removed_from_group"
	ReasonShutdown         EndReason = "shutdown"
)

// Session is the aggregate root for one call attempt. It is created and
// mutated only by the Manager and destroyed when the call ends.
type Session struct {
	callID    string
	kind      Kind
	mediaType proto.CallType
	direction Direction

	state     State
	endReason EndReason

	startedAt   time.Time
	connectedAt time.Time

	// peerID is the remote party for direct calls and the initiator for
	// incoming group calls.
	peerID    int64
	groupID   int64
	groupName string

	roster *roster.Roster
}

// newCallID builds the globally unique session id the initiator generates:
// <timestamp>-<initiatorId>-<targetIdOrGroupId>.
func newCallID(initiatorID, targetID int64) string {
	return fmt.Sprintf("%d-%d-%d", time.Now().UnixMilli(), initiatorID, targetID)
}

// Snapshot is the immutable view of a session handed to the host UI. The UI
// renders it and plays the notification tone on entry to "ringing".
type Snapshot struct {
	CallID    string         `json:"call_id"`
	Kind      Kind           `json:"kind"`
	MediaType proto.CallType `json:"media_type"`
	Direction Direction      `json:"direction"`
	State     State          `json:"state"`
	EndReason EndReason      `json:"end_reason,omitempty"`

	PeerID    int64  `json:"peer_id,omitempty"`
	GroupID   int64  `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`

	LocalAudioEnabled bool `json:"local_audio_enabled"`
	LocalVideoEnabled bool `json:"local_video_enabled"`
	SelfMuted         bool `json:"self_muted"`

	Participants []roster.Participant `json:"participants"`
}

// snapshot captures the session plus the local media flags the manager
// tracks alongside it.
func (s *Session) snapshot(localAudio, localVideo bool) Snapshot {
	return Snapshot{
		CallID:            s.callID,
		Kind:              s.kind,
		MediaType:         s.mediaType,
		Direction:         s.direction,
		State:             s.state,
		EndReason:         s.endReason,
		PeerID:            s.peerID,
		GroupID:           s.groupID,
		GroupName:         s.groupName,
		StartedAt:         s.startedAt,
		ConnectedAt:       s.connectedAt,
		LocalAudioEnabled: localAudio,
		LocalVideoEnabled: localVideo,
		SelfMuted:         !localAudio,
		Participants:      s.roster.Snapshot(),
	}
}

// terminal reports whether the session reached its final state.
func (s *Session) terminal() bool {
	return s.state == StateEnded
}
