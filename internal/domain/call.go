package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// CallStatus is the lifecycle state of a voice call
type CallStatus string

const (
	CallStatusPending  CallStatus = "pending"
	CallStatusActive   CallStatus = "active"
	CallStatusEnded    CallStatus = "ended"
	CallStatusRejected CallStatus = "rejected"
	CallStatusMissed   CallStatus = "missed"
	CallStatusFailed   CallStatus = "failed"
)

// DefaultAudioSource is used when the caller does not name one
const DefaultAudioSource = "microphone"

// IsLive reports whether the status still occupies its participants.
func (s CallStatus) IsLive() bool {
	return s == CallStatusPending || s == CallStatusActive
}

// IsTerminal reports whether no further transition is possible.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusRejected, CallStatusMissed, CallStatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool {
	return s.IsLive() || s.IsTerminal()
}

// ErrInvalidTransition is returned when an event is not legal from the current status.
var ErrInvalidTransition = errors.New("invalid call state transition")

// Call lifecycle events
const (
	EventInitiate = "initiate"
	EventAccept   = "accept"
	EventReject   = "reject"
	EventEnd      = "end"
	EventMiss     = "miss"
	EventFail     = "fail"
)

var callEvents = fsm.Events{
	{Name: EventAccept, Src: []string{string(CallStatusPending)}, Dst: string(CallStatusActive)},
	{Name: EventReject, Src: []string{string(CallStatusPending)}, Dst: string(CallStatusRejected)},
	{Name: EventEnd, Src: []string{string(CallStatusPending), string(CallStatusActive)}, Dst: string(CallStatusEnded)},
	{Name: EventMiss, Src: []string{string(CallStatusPending)}, Dst: string(CallStatusMissed)},
	{Name: EventFail, Src: []string{string(CallStatusPending), string(CallStatusActive)}, Dst: string(CallStatusFailed)},
}

// CallSession is a one-to-one voice call between a caller and a receiver.
// Timestamps are Unix milliseconds; zero means unset.
type CallSession struct {
	CallID        string     `json:"callId"`
	CallerID      string     `json:"callerId"`
	ReceiverID    string     `json:"receiverId"`
	Status        CallStatus `json:"status"`
	AudioSource   string     `json:"audioSource"`
	StartTime     int64      `json:"startTime"`
	AcceptTime    int64      `json:"acceptTime"`
	EndTime       int64      `json:"endTime"`
	FailureReason string     `json:"failureReason,omitempty"`
}

// NewCallSession creates a pending session started at now.
func NewCallSession(callID, callerID, receiverID, audioSource string, now int64) *CallSession {
	if audioSource == "" {
		audioSource = DefaultAudioSource
	}
	return &CallSession{
		CallID:      callID,
		CallerID:    callerID,
		ReceiverID:  receiverID,
		Status:      CallStatusPending,
		AudioSource: audioSource,
		StartTime:   now,
	}
}

// Accept moves a pending call to active.
func (c *CallSession) Accept(now int64) error {
	return c.fire(EventAccept, now)
}

// Reject moves a pending call to rejected.
func (c *CallSession) Reject(now int64) error {
	return c.fire(EventReject, now)
}

// End terminates a pending or active call.
func (c *CallSession) End(now int64) error {
	return c.fire(EventEnd, now)
}

// Miss marks an unanswered pending call as missed.
func (c *CallSession) Miss(now int64) error {
	return c.fire(EventMiss, now)
}

// Fail terminates a pending or active call because of an error.
func (c *CallSession) Fail(now int64, reason string) error {
	if err := c.fire(EventFail, now); err != nil {
		return err
	}
	c.FailureReason = reason
	return nil
}

// Can reports whether event is legal from the current status.
func (c *CallSession) Can(event string) bool {
	return c.machine().Can(event)
}

func (c *CallSession) machine() *fsm.FSM {
	return fsm.NewFSM(string(c.Status), callEvents, nil)
}

func (c *CallSession) fire(event string, now int64) error {
	machine := c.machine()
	if err := machine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%w: cannot %s call %s in status %s", ErrInvalidTransition, event, c.CallID, c.Status)
	}

	c.Status = CallStatus(machine.Current())
	if c.Status == CallStatusActive {
		c.AcceptTime = now
	}
	if c.Status.IsTerminal() {
		c.EndTime = now
	}
	return nil
}

// InvolvesUser reports whether userID is the caller or the receiver.
func (c *CallSession) InvolvesUser(userID string) bool {
	return c.CallerID == userID || c.ReceiverID == userID
}

// IsBetween reports whether the call connects the two users in either direction.
func (c *CallSession) IsBetween(a, b string) bool {
	return (c.CallerID == a && c.ReceiverID == b) || (c.CallerID == b && c.ReceiverID == a)
}

// PeerOf returns the other participant, or "" if userID is not a participant.
func (c *CallSession) PeerOf(userID string) string {
	switch userID {
	case c.CallerID:
		return c.ReceiverID
	case c.ReceiverID:
		return c.CallerID
	}
	return ""
}

func (c *CallSession) IsPending() bool { return c.Status == CallStatusPending }
func (c *CallSession) IsActive() bool  { return c.Status == CallStatusActive }
func (c *CallSession) HasEnded() bool  { return c.Status.IsTerminal() }

// DurationSeconds is the talk time. Calls that were never accepted, or are
// still ongoing, report zero.
func (c *CallSession) DurationSeconds() int64 {
	if c.AcceptTime == 0 || c.EndTime == 0 {
		return 0
	}
	d := (c.EndTime - c.AcceptTime) / 1000
	if d < 0 {
		return 0
	}
	return d
}
