// Package user holds the durable per-user sampler state: which room the
// conversation lives in, the sampling rate, the next due time, and the
// conversation state.
package user

import (
	"fmt"
	"time"
)

// State is the conversation state of a user.
type State int

const (
	// Idle means the next inbound message is interpreted as a command.
	Idle State = iota
	// AwaitingAnswer means a prompt is outstanding and the next message is
	// expected to be an activity phrase.
	AwaitingAnswer
	// AwaitingRoomSwitch means a room-switch proposal is outstanding and the
	// next message is expected to be yes or no.
	AwaitingRoomSwitch
)

var stateNames = map[State]string{
	Idle:               "idle",
	AwaitingAnswer:     "awaiting_answer",
	AwaitingRoomSwitch: "awaiting_room_switch",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state as its stable string name.
func (s State) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown user state %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a state from its string name.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown user state %q", string(text))
}

// Record is the full durable state of one registered user.
type Record struct {
	// UserID is the opaque Matrix user ID; it never changes.
	UserID string `json:"user_id"`

	// BoundRoom is the room the conversation currently lives in; empty until
	// the first invite is accepted.
	BoundRoom string `json:"bound_room,omitempty"`

	// PendingRoom is a newly proposed room awaiting switch confirmation.
	PendingRoom string `json:"pending_room,omitempty"`

	// Rate is the mean inter-sample interval in minutes. Always positive.
	Rate float64 `json:"rate"`

	// NextSampleTime is the due time of the armed (or, while a prompt is
	// outstanding, the unanswered) sample. Set iff BoundRoom is set.
	NextSampleTime time.Time `json:"next_sample_time,omitzero"`

	State State `json:"state"`
}

// Validate enforces the structural invariants every stored record must hold:
// a non-empty ID, a positive rate, and a next sample time defined exactly
// when a room is bound.
func (r Record) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user record: empty user ID")
	}
	if r.Rate <= 0 {
		return fmt.Errorf("user record %s: rate must be positive, got %v", r.UserID, r.Rate)
	}
	if r.BoundRoom != "" && r.NextSampleTime.IsZero() {
		return fmt.Errorf("user record %s: bound to %s but no next sample time", r.UserID, r.BoundRoom)
	}
	if r.BoundRoom == "" && !r.NextSampleTime.IsZero() {
		return fmt.Errorf("user record %s: next sample time set without a bound room", r.UserID)
	}
	return nil
}
