package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeCallUser(t *testing.T) {
	raw := []byte(`{"type":"call_user","payload":{"callId":"c1","targetUserId":7,"callType":"video","fromUserId":3}}`)

	m, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, KindCallUser, m.Type)
	require.NotNil(t, m.CallUser)
	require.Equal(t, "c1", m.CallUser.CallID)
	require.Equal(t, int64(7), m.CallUser.TargetUserID)
	require.Equal(t, int64(3), m.CallUser.FromUserID)
	require.Equal(t, CallTypeVideo, m.CallUser.CallType)
}

func TestDecodeGroupUpdate(t *testing.T) {
	t.Run("members added", func(t *testing.T) {
		raw := []byte(`{"type":"group_update","payload":{"groupId":5,"updateType":"members_added","data":{"members":[8,9]}}}`)
		m, err := Decode(raw)
		require.NoError(t, err)
		require.Equal(t, []int64{8, 9}, m.GroupUpdate.Data.Members)
	})

	t.Run("name updated", func(t *testing.T) {
		raw := []byte(`{"type":"group_update","payload":{"groupId":5,"updateType":"name_updated","data":{"name":"Team"}}}`)
		m, err := Decode(raw)
		require.NoError(t, err)
		require.Equal(t, "Team", m.GroupUpdate.Data.Name)
	})
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type":"teleport","payload":{}}`},
		{"missing callId", `{"type":"incoming_call","payload":{"fromUserId":3,"callType":"audio"}}`},
		{"bad callType", `{"type":"incoming_call","payload":{"callId":"c1","fromUserId":3,"callType":"hologram"}}`},
		{"offer without sdp", `{"type":"group_webrtc_offer","payload":{"callId":"c1","targetUserId":7,"fromUserId":3}}`},
		{"candidate without target", `{"type":"group_webrtc_ice_candidate","payload":{"callId":"c1","candidate":"x","fromUserId":3}}`},
		{"group_update bad subtype", `{"type":"group_update","payload":{"groupId":5,"updateType":"exploded","data":{}}}`},
		{"group_update empty members", `{"type":"group_update","payload":{"groupId":5,"updateType":"members_added","data":{"members":[]}}}`},
		{"not json", `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			require.Error(t, err)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	msgs := []*Message{
		{Type: KindAuth, Auth: &Auth{UserID: 42}},
		{Type: KindAcceptCall, AcceptCall: &CallResponse{CallID: "c1", ByUserID: 7}},
		{Type: KindGroupOffer, Offer: &SessionDescription{CallID: "c1", SDP: "v=0", TargetUserID: 7, FromUserID: 3}},
		{Type: KindStartGroupCall, StartGroupCall: &StartGroupCall{CallID: "c2", GroupID: 5, CallType: CallTypeAudio, FromUserID: 3}},
	}
	for _, want := range msgs {
		t.Run(string(want.Type), func(t *testing.T) {
			data, err := Encode(want)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}
}

func TestEncodeValidates(t *testing.T) {
	_, err := Encode(&Message{Type: KindEndCall, EndCall: &CallResponse{ByUserID: 7}})
	require.Error(t, err)
}
