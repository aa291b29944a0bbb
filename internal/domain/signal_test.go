package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage_ReadyEncodesEmptyObject(t *testing.T) {
	msg, err := NewMessage(SignalReady, nil, "alice-1")
	require.NoError(t, err)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ready","data":{},"sender":"alice-1"}`, string(raw))
}

func TestMessage_DecodesBrowserCandidate(t *testing.T) {
	raw := `{"type":"candidate","sender":"viewer-x","data":{"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 54321 typ host","sdpMid":"0","sdpMLineIndex":0,"usernameFragment":"abcd"}}`

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	c, err := msg.Candidate()
	require.NoError(t, err)

	assert.Equal(t, SignalCandidate, msg.Type)
	assert.True(t, strings.HasPrefix(c.Candidate, "candidate:1"))
	require.NotNil(t, c.SDPMid)
	assert.Equal(t, "0", *c.SDPMid)
	require.NotNil(t, c.SDPMLineIndex)
	assert.Equal(t, uint16(0), *c.SDPMLineIndex)
}

func TestMessage_SDPRoundTrip(t *testing.T) {
	msg, err := NewMessage(SignalOffer, SDPPayload{Type: "offer", SDP: "v=0\r\n"}, "b-1")
	require.NoError(t, err)

	sdp, err := msg.SDP()
	require.NoError(t, err)
	assert.Equal(t, "offer", sdp.Type)
	assert.Equal(t, "v=0\r\n", sdp.SDP)
}

func TestSignalType_Valid(t *testing.T) {
	for _, typ := range []SignalType{SignalReady, SignalOffer, SignalAnswer, SignalCandidate} {
		assert.True(t, typ.Valid(), typ)
	}
	assert.False(t, SignalType("PING").Valid())
}

func TestNewParticipantID_DistinctPerDevice(t *testing.T) {
	a := NewParticipantID("acct-42")
	b := NewParticipantID("acct-42")

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(string(a), "acct-42-"))
	assert.True(t, strings.HasPrefix(string(NewParticipantID("  ")), AnonymousAccount+"-"))
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Broadcaster ")
	require.NoError(t, err)
	assert.Equal(t, RoleBroadcaster, r)
	assert.Equal(t, Constraints{Video: true, Audio: true}, r.Constraints())

	r, err = ParseRole("viewer")
	require.NoError(t, err)
	assert.Equal(t, Constraints{Audio: true}, r.Constraints())

	_, err = ParseRole("moderator")
	assert.Error(t, err)
}

func TestChannelStatus_Failed(t *testing.T) {
	assert.False(t, StatusIdle.Failed())
	assert.False(t, StatusConnecting.Failed())
	assert.False(t, StatusSubscribed.Failed())
	assert.True(t, StatusClosed.Failed())
	assert.True(t, StatusTimedOut.Failed())
	assert.True(t, StatusChannelError.Failed())
}
