package model

import "time"

// CallStatus is the lifecycle state of a call session.
// Valid transitions: RINGING -> ACTIVE -> ENDED and RINGING -> REJECTED.
// There is no way back from a terminal state; calling again creates a new
// session.
type CallStatus string

const (
	CallRinging  CallStatus = "RINGING"
	CallActive   CallStatus = "ACTIVE"
	CallRejected CallStatus = "REJECTED"
	CallEnded    CallStatus = "ENDED"
)

// Call tracks one call attempt or active call. For group calls the
// ReceiverID slot holds the group id and GroupCall is set.
type Call struct {
	ID               int64      `json:"id"`
	CallerID         int64      `json:"caller_id"`
	CallerUsername   string     `json:"caller_username"`
	ReceiverID       int64      `json:"receiver_id"`
	ReceiverUsername string     `json:"receiver_username,omitempty"`
	GroupCall        bool       `json:"group_call"`
	Status           CallStatus `json:"status"`
	StartedAt        time.Time  `json:"started_at,omitempty"`
	EndedAt          time.Time  `json:"ended_at,omitempty"`
	DurationSeconds  int64      `json:"duration_seconds"`
}

// Counterpart returns the other participant of a two-party call.
// Returns 0 when userID is not a participant.
func (c *Call) Counterpart(userID int64) int64 {
	switch userID {
	case c.CallerID:
		return c.ReceiverID
	case c.ReceiverID:
		return c.CallerID
	default:
		return 0
	}
}
