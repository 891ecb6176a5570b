// Package signaling defines the JSON envelope exchanged between voice
// clients and the signaling hub over a WebSocket.
package signaling

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request types sent by clients
const (
	TypeCallInitiate = "CALL_INITIATE"
	TypeCallAccept   = "CALL_ACCEPT"
	TypeCallReject   = "CALL_REJECT"
	TypeCallEnd      = "CALL_END"
	TypeCallFail     = "CALL_FAIL"
	TypeCallStatus   = "CALL_STATUS"
	TypeCallPending  = "CALL_PENDING"
	TypeCallHistory  = "CALL_HISTORY"
)

// Push types sent by the hub without a requestId
const (
	TypeCallIncoming = "CALL_INCOMING"
	TypeCallAccepted = "CALL_ACCEPTED"
	TypeCallRejected = "CALL_REJECTED"
	TypeCallEnded    = "CALL_ENDED"
)

// TypeError answers a frame that could not be parsed at all
const TypeError = "ERROR"

const responseSuffix = "_RESPONSE"

// ResponseType returns the reply type for a request type
func ResponseType(requestType string) string {
	return requestType + responseSuffix
}

// IsResponse reports whether t is a reply type
func IsResponse(t string) bool {
	return strings.HasSuffix(t, responseSuffix)
}

// ErrorBody carries a failed request's error code and message
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the single frame shape for requests, responses and pushes
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Token     string          `json:"token,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewRequest builds a client request
func NewRequest(msgType, requestID, token string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: msgType, RequestID: requestID, Token: token, Payload: raw}, nil
}

// NewResponse builds a successful reply to a request
func NewResponse(requestType, requestID string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	ok := true
	return &Envelope{Type: ResponseType(requestType), RequestID: requestID, Success: &ok, Payload: raw}, nil
}

// NewErrorResponse builds a failed reply to a request
func NewErrorResponse(requestType, requestID, code, message string) *Envelope {
	failed := false
	msgType := TypeError
	if requestType != "" {
		msgType = ResponseType(requestType)
	}
	return &Envelope{
		Type:      msgType,
		RequestID: requestID,
		Success:   &failed,
		Error:     &ErrorBody{Code: code, Message: message},
	}
}

// NewPush builds a server-initiated notification
func NewPush(msgType string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: msgType, Payload: raw}, nil
}

// Succeeded reports whether a response envelope carries success=true
func (e *Envelope) Succeeded() bool {
	return e.Success != nil && *e.Success
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return raw, nil
}

// InitiatePayload asks the hub to ring receiverId
type InitiatePayload struct {
	ReceiverID  string `json:"receiverId"`
	AudioSource string `json:"audioSource,omitempty"`
	UDPPort     int    `json:"udpPort"`
	UDPHost     string `json:"udpHost,omitempty"`
}

// AcceptPayload answers a ringing call and announces the receiver's media endpoint
type AcceptPayload struct {
	CallID  string `json:"callId"`
	UDPPort int    `json:"udpPort"`
	UDPHost string `json:"udpHost,omitempty"`
}

// CallRefPayload names a call for reject, end and status requests
type CallRefPayload struct {
	CallID string `json:"callId"`
}

// FailPayload reports a call the sender could not carry
type FailPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// HistoryPayload bounds a history request; zero means the server default
type HistoryPayload struct {
	Limit int `json:"limit,omitempty"`
}

// IncomingPayload is pushed to the receiver of a new call
type IncomingPayload struct {
	CallID      string `json:"callId"`
	CallerID    string `json:"callerId"`
	CallerName  string `json:"callerName"`
	AudioSource string `json:"audioSource,omitempty"`
	UDPPort     int    `json:"udpPort"`
	UDPHost     string `json:"udpHost"`
}

// AcceptedPayload is pushed to the caller when the receiver answers
type AcceptedPayload struct {
	CallID     string `json:"callId"`
	ReceiverID string `json:"receiverId"`
	UDPPort    int    `json:"udpPort"`
	UDPHost    string `json:"udpHost"`
}

// RejectedPayload is pushed to the caller when the receiver declines
type RejectedPayload struct {
	CallID string `json:"callId"`
}

// EndedPayload is pushed to the other participant when a call finishes.
// EndedBy is empty when the call rang out.
type EndedPayload struct {
	CallID  string `json:"callId"`
	EndedBy string `json:"endedBy,omitempty"`
	Status  string `json:"status"`
}

// CallView is the subset of a call status reply clients act on
type CallView struct {
	CallID       string `json:"callId"`
	CallerID     string `json:"callerId"`
	ReceiverID   string `json:"receiverId"`
	Status       string `json:"status"`
	CallerName   string `json:"callerName,omitempty"`
	ReceiverName string `json:"receiverName,omitempty"`
}
