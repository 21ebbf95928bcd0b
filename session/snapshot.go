package session

import (
	"encoding/json"
	"time"
)

// State is the life-cycle position of the watch session.
type State string

const (
	StateIdle        State = "idle"
	StateLaunching   State = "launching"
	StateActive      State = "active"
	StateTerminating State = "terminating"
)

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	Channel   string
	State     State
	StartedAt time.Time
}

// Active reports whether the snapshot describes a running session.
func (s Snapshot) Active() bool { return s.State == StateActive }

// MarshalJSON encodes {"channel": null, "state": "idle"} when no channel is set.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := struct {
		Channel   *string    `json:"channel"`
		State     State      `json:"state"`
		StartedAt *time.Time `json:"started_at,omitempty"`
	}{State: s.State}
	if s.Channel != "" {
		ch := s.Channel
		out.Channel = &ch
	}
	if !s.StartedAt.IsZero() {
		t := s.StartedAt.UTC()
		out.StartedAt = &t
	}
	return json.Marshal(out)
}
