package signaling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseTypes(t *testing.T) {
	assert.Equal(t, "CALL_ACCEPT_RESPONSE", ResponseType(TypeCallAccept))
	assert.True(t, IsResponse("CALL_END_RESPONSE"))
	assert.False(t, IsResponse(TypeCallEnded))
}

func TestResponseEncodesSuccessFlag(t *testing.T) {
	ok, err := NewResponse(TypeCallStatus, "r1", CallView{CallID: "c1", Status: "active"})
	require.NoError(t, err)
	assert.True(t, ok.Succeeded())

	raw, err := json.Marshal(NewErrorResponse(TypeCallStatus, "r2", "NOT_FOUND", "Call not found"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"CALL_STATUS_RESPONSE","requestId":"r2","success":false,
		"error":{"code":"NOT_FOUND","message":"Call not found"}}`, string(raw))

	unparsed := NewErrorResponse("", "", "INVALID_INPUT", "bad frame")
	assert.Equal(t, TypeError, unparsed.Type)
	assert.False(t, unparsed.Succeeded())
}

func TestPushHasNoRequestID(t *testing.T) {
	push, err := NewPush(TypeCallEnded, EndedPayload{CallID: "c1", Status: "missed"})
	require.NoError(t, err)

	raw, err := json.Marshal(push)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"CALL_ENDED","payload":{"callId":"c1","status":"missed"}}`, string(raw))
	assert.False(t, push.Succeeded())
}

func TestDecode(t *testing.T) {
	req, err := NewRequest(TypeCallInitiate, "r1", "tok", InitiatePayload{ReceiverID: "bob", UDPPort: 40000})
	require.NoError(t, err)

	var p InitiatePayload
	require.NoError(t, req.Decode(&p))
	assert.Equal(t, "bob", p.ReceiverID)
	assert.Equal(t, 40000, p.UDPPort)

	empty, err := NewRequest(TypeCallPending, "r2", "tok", nil)
	require.NoError(t, err)
	var h HistoryPayload
	require.NoError(t, empty.Decode(&h))

	broken := &Envelope{Type: TypeCallEnd, Payload: json.RawMessage(`[1,2]`)}
	assert.ErrorContains(t, broken.Decode(&CallRefPayload{}), "CALL_END")
}
