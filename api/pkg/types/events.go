package types

import "encoding/json"

// EventKind discriminates control channel events.
type EventKind string

const (
	EventAssigned                EventKind = "assigned"
	EventUnassigned              EventKind = "unassigned"
	EventEnvironmentStateChanged EventKind = "environment_state_changed"
)

// ControlEvent is the wire shape of one control channel event. Seq is
// monotonically increasing per Scope; a subscriber that observes a gap
// must request a full snapshot rather than replaying history.
type ControlEvent struct {
	Seq     uint64          `json:"seq"`
	Scope   string          `json:"scope"`
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// AssignmentPayload is the payload of Assigned and Unassigned events,
// scoped by agent ID.
type AssignmentPayload struct {
	AgentID     string `json:"agent_id"`
	TeamID      string `json:"team_id,omitempty"`
	PrevTeamID  string `json:"prev_team_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// EnvironmentStatePayload is the payload of EnvironmentStateChanged
// events, scoped by team ID. Endpoint is only set while the environment
// is reachable.
type EnvironmentStatePayload struct {
	TeamID   string           `json:"team_id"`
	State    EnvironmentState `json:"state"`
	Endpoint *Endpoint        `json:"endpoint,omitempty"`
}

// MembershipSnapshot is the full-state answer to a resync request. It
// carries the per-scope sequence numbers so a mirror can resume gap
// detection from the snapshot point.
type MembershipSnapshot struct {
	Version   uint64                      `json:"version"`
	Agents    map[string]Agent            `json:"agents"`
	Endpoints map[string]Endpoint         `json:"endpoints"`
	States    map[string]EnvironmentState `json:"states"`
	Seqs      map[string]uint64           `json:"seqs"`
}
