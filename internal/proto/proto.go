// Package proto defines the signaling message catalogue shared by the
// client core and the signaling server. Every message on the wire is an
// Envelope carrying exactly one typed payload; Decode validates at the
// channel boundary so nothing downstream ever sees an untyped blob.
package proto

import (
	"encoding/json"
	"fmt"
)

// Kind is the wire discriminator of a signaling message.
type Kind string

const (
	KindAuth              Kind = "auth"
	KindCallUser          Kind = "call_user"
	KindIncomingCall      Kind = "incoming_call"
	KindAcceptCall        Kind = "accept_call"
	KindRejectCall        Kind = "reject_call"
	KindEndCall           Kind = "end_call"
	KindStartGroupCall    Kind = "start_group_call"
	KindIncomingGroupCall Kind = "incoming_group_call"
	KindGroupOffer        Kind = "group_webrtc_offer"
	KindGroupAnswer       Kind = "group_webrtc_answer"
	KindGroupICECandidate Kind = "group_webrtc_ice_candidate"
	KindGroupUpdate       Kind = "group_update"
)

// CallType distinguishes audio-only from audio+video calls.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Group update sub-types carried by GroupUpdate.UpdateType.
const (
	GroupMembersAdded  = "members_added"
	GroupMemberRemoved = "member_removed"
	GroupNameUpdated   = "name_updated"
)

// Envelope is the raw wire form: a tag plus an opaque payload.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Auth struct {
	UserID int64 `json:"userId"`
}

type CallUser struct {
	CallID       string   `json:"callId"`
	TargetUserID int64    `json:"targetUserId"`
	CallType     CallType `json:"callType"`
	FromUserID   int64    `json:"fromUserId"`
}

type IncomingCall struct {
	CallID       string   `json:"callId"`
	CallType     CallType `json:"callType"`
	FromUserID   int64    `json:"fromUserId"`
	FromUserName string   `json:"fromUserName"`
}

// CallResponse is the shared shape of accept_call, reject_call and end_call.
type CallResponse struct {
	CallID   string `json:"callId"`
	ByUserID int64  `json:"byUserId"`
}

type StartGroupCall struct {
	CallID     string   `json:"callId"`
	GroupID    int64    `json:"groupId"`
	CallType   CallType `json:"callType"`
	FromUserID int64    `json:"fromUserId"`
}

type IncomingGroupCall struct {
	CallID     string   `json:"callId"`
	GroupID    int64    `json:"groupId"`
	GroupName  string   `json:"groupName"`
	CallType   CallType `json:"callType"`
	FromUserID int64    `json:"fromUserId"`
}

// SessionDescription carries an SDP offer or answer for one peer pair.
type SessionDescription struct {
	CallID       string `json:"callId"`
	SDP          string `json:"sdp"`
	TargetUserID int64  `json:"targetUserId"`
	FromUserID   int64  `json:"fromUserId"`
}

type ICECandidate struct {
	CallID       string `json:"callId"`
	Candidate    string `json:"candidate"`
	TargetUserID int64  `json:"targetUserId"`
	FromUserID   int64  `json:"fromUserId"`
}

type GroupUpdate struct {
	GroupID    int64           `json:"groupId"`
	UpdateType string          `json:"updateType"`
	Data       GroupUpdateData `json:"data"`
}

// GroupUpdateData carries the variant fields of a group_update. Members is
// set for members_added/member_removed; Name for name_updated.
type GroupUpdateData struct {
	Members []int64 `json:"members,omitempty"`
	Name    string  `json:"name,omitempty"`
}

// Message is the decoded, validated form of an Envelope. Exactly one payload
// field is non-nil, selected by Type.
type Message struct {
	Type Kind

	Auth              *Auth
	CallUser          *CallUser
	IncomingCall      *IncomingCall
	AcceptCall        *CallResponse
	RejectCall        *CallResponse
	EndCall           *CallResponse
	StartGroupCall    *StartGroupCall
	IncomingGroupCall *IncomingGroupCall
	Offer             *SessionDescription
	Answer            *SessionDescription
	Candidate         *ICECandidate
	GroupUpdate       *GroupUpdate
}

// Decode parses and validates one wire frame. Unknown kinds and payloads
// missing required fields are rejected here so the session manager only
// ever reacts to well-formed messages.
func Decode(data []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	m := &Message{Type: env.Type}
	payload := m.alloc()
	if payload == nil {
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", env.Type, err)
	}
	return m, nil
}

// Encode marshals a Message back into wire form.
func Encode(m *Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	raw, err := json.Marshal(m.payload())
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: m.Type, Payload: raw})
}

// alloc allocates the payload field for m.Type and returns it.
func (m *Message) alloc() any {
	switch m.Type {
	case KindAuth:
		m.Auth = &Auth{}
		return m.Auth
	case KindCallUser:
		m.CallUser = &CallUser{}
		return m.CallUser
	case KindIncomingCall:
		m.IncomingCall = &IncomingCall{}
		return m.IncomingCall
	case KindAcceptCall:
		m.AcceptCall = &CallResponse{}
		return m.AcceptCall
	case KindRejectCall:
		m.RejectCall = &CallResponse{}
		return m.RejectCall
	case KindEndCall:
		m.EndCall = &CallResponse{}
		return m.EndCall
	case KindStartGroupCall:
		m.StartGroupCall = &StartGroupCall{}
		return m.StartGroupCall
	case KindIncomingGroupCall:
		m.IncomingGroupCall = &IncomingGroupCall{}
		return m.IncomingGroupCall
	case KindGroupOffer:
		m.Offer = &SessionDescription{}
		return m.Offer
	case KindGroupAnswer:
		m.Answer = &SessionDescription{}
		return m.Answer
	case KindGroupICECandidate:
		m.Candidate = &ICECandidate{}
		return m.Candidate
	case KindGroupUpdate:
		m.GroupUpdate = &GroupUpdate{}
		return m.GroupUpdate
	}
	return nil
}

// payload returns the active payload field for m.Type, or nil.
func (m *Message) payload() any {
	switch m.Type {
	case KindAuth:
		return m.Auth
	case KindCallUser:
		return m.CallUser
	case KindIncomingCall:
		return m.IncomingCall
	case KindAcceptCall:
		return m.AcceptCall
	case KindRejectCall:
		return m.RejectCall
	case KindEndCall:
		return m.EndCall
	case KindStartGroupCall:
		return m.StartGroupCall
	case KindIncomingGroupCall:
		return m.IncomingGroupCall
	case KindGroupOffer:
		return m.Offer
	case KindGroupAnswer:
		return m.Answer
	case KindGroupICECandidate:
		return m.Candidate
	case KindGroupUpdate:
		return m.GroupUpdate
	}
	return nil
}

func (m *Message) validate() error {
	switch m.Type {
	case KindAuth:
		if m.Auth == nil || m.Auth.UserID <= 0 {
			return fmt.Errorf("userId is required")
		}
	case KindCallUser:
		p := m.CallUser
		if p == nil || p.CallID == "" || p.TargetUserID <= 0 || p.FromUserID <= 0 {
			return fmt.Errorf("callId, targetUserId and fromUserId are required")
		}
		return validCallType(p.CallType)
	case KindIncomingCall:
		p := m.IncomingCall
		if p == nil || p.CallID == "" || p.FromUserID <= 0 {
			return fmt.Errorf("callId and fromUserId are required")
		}
		return validCallType(p.CallType)
	case KindAcceptCall, KindRejectCall, KindEndCall:
		p, _ := m.payload().(*CallResponse)
		if p == nil || p.CallID == "" || p.ByUserID <= 0 {
			return fmt.Errorf("callId and byUserId are required")
		}
	case KindStartGroupCall:
		p := m.StartGroupCall
		if p == nil || p.CallID == "" || p.GroupID <= 0 || p.FromUserID <= 0 {
			return fmt.Errorf("callId, groupId and fromUserId are required")
		}
		return validCallType(p.CallType)
	case KindIncomingGroupCall:
		p := m.IncomingGroupCall
		if p == nil || p.CallID == "" || p.GroupID <= 0 || p.FromUserID <= 0 {
			return fmt.Errorf("callId, groupId and fromUserId are required")
		}
		return validCallType(p.CallType)
	case KindGroupOffer, KindGroupAnswer:
		p, _ := m.payload().(*SessionDescription)
		if p == nil || p.CallID == "" || p.SDP == "" || p.TargetUserID <= 0 || p.FromUserID <= 0 {
			return fmt.Errorf("callId, sdp, targetUserId and fromUserId are required")
		}
	case KindGroupICECandidate:
		p := m.Candidate
		if p == nil || p.CallID == "" || p.Candidate == "" || p.TargetUserID <= 0 || p.FromUserID <= 0 {
			return fmt.Errorf("callId, candidate, targetUserId and fromUserId are required")
		}
	case KindGroupUpdate:
		p := m.GroupUpdate
		if p == nil || p.GroupID <= 0 {
			return fmt.Errorf("groupId is required")
		}
		switch p.UpdateType {
		case GroupMembersAdded, GroupMemberRemoved:
			if len(p.Data.Members) == 0 {
				return fmt.Errorf("data.members is required for %s", p.UpdateType)
			}
		case GroupNameUpdated:
			if p.Data.Name == "" {
				return fmt.Errorf("data.name is required for name_updated")
			}
		default:
			return fmt.Errorf("unknown updateType %q", p.UpdateType)
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

func validCallType(ct CallType) error {
	if ct != CallTypeAudio && ct != CallTypeVideo {
		return fmt.Errorf("callType must be audio or video, got %q", ct)
	}
	return nil
}
