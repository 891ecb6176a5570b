package domain

// CallEvent records one lifecycle transition for the call event log
type CallEvent struct {
	CallID     string     `json:"callId"`
	Event      string     `json:"event"`
	FromStatus CallStatus `json:"fromStatus,omitempty"`
	ToStatus   CallStatus `json:"toStatus"`
	ActorID    string     `json:"actorId,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt int64      `json:"occurredAt"` // Unix milliseconds
}
