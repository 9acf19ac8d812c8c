package membership

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lisehq/lise/api/pkg/types"
)

// Mirror is the agent-side read-only copy of the registry, fed by
// control events. It detects per-scope sequence gaps; on a gap the
// mirror is stale and the agent must load a fresh snapshot instead of
// replaying history.
type Mirror struct {
	mu        sync.RWMutex
	agents    map[string]types.Agent
	endpoints map[string]types.Endpoint
	states    map[string]types.EnvironmentState
	seqs      map[string]uint64
	version   uint64
	synced    bool
}

func NewMirror() *Mirror {
	return &Mirror{
		agents:    make(map[string]types.Agent),
		endpoints: make(map[string]types.Endpoint),
		states:    make(map[string]types.EnvironmentState),
		seqs:      make(map[string]uint64),
	}
}

// LoadSnapshot replaces the mirror contents with a full-state snapshot.
func (m *Mirror) LoadSnapshot(snap types.MembershipSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.agents = make(map[string]types.Agent, len(snap.Agents))
	m.endpoints = make(map[string]types.Endpoint, len(snap.Endpoints))
	m.states = make(map[string]types.EnvironmentState, len(snap.States))
	m.seqs = make(map[string]uint64, len(snap.Seqs))
	for k, v := range snap.Agents {
		m.agents[k] = v
	}
	for k, v := range snap.Endpoints {
		m.endpoints[k] = v
	}
	for k, v := range snap.States {
		m.states[k] = v
	}
	for k, v := range snap.Seqs {
		m.seqs[k] = v
	}
	m.version = snap.Version
	m.synced = true
}

// Apply folds one control event into the mirror. It returns
// needResync=true when a sequence gap was observed for the event's
// scope; the event is not applied in that case and the caller must
// request a snapshot.
func (m *Mirror) Apply(ev types.ControlEvent) (needResync bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.synced {
		return true, nil
	}
	last := m.seqs[ev.Scope]
	if ev.Seq <= last {
		// Duplicate delivery; snapshots may race the event stream.
		return false, nil
	}
	if ev.Seq != last+1 {
		m.synced = false
		return true, nil
	}
	m.seqs[ev.Scope] = ev.Seq
	m.version++

	switch ev.Kind {
	case types.EventAssigned, types.EventUnassigned:
		var p types.AssignmentPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return false, fmt.Errorf("decoding assignment payload: %w", err)
		}
		m.agents[p.AgentID] = types.Agent{ID: p.AgentID, DisplayName: p.DisplayName, TeamID: p.TeamID}
	case types.EventEnvironmentStateChanged:
		var p types.EnvironmentStatePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return false, fmt.Errorf("decoding environment payload: %w", err)
		}
		m.states[p.TeamID] = p.State
		if p.Endpoint != nil {
			m.endpoints[p.TeamID] = *p.Endpoint
		} else {
			delete(m.endpoints, p.TeamID)
		}
	default:
		return false, fmt.Errorf("unknown control event kind %q", ev.Kind)
	}
	return false, nil
}

// Synced reports whether the mirror is current (no unresolved gap).
func (m *Mirror) Synced() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.synced
}

// TeamFor returns the agent's current team, if any.
func (m *Mirror) TeamFor(agentID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[agentID]
	if !ok || agent.TeamID == "" {
		return "", false
	}
	return agent.TeamID, true
}

// Environment returns the team's current endpoint and state.
func (m *Mirror) Environment(teamID string) (types.Endpoint, types.EnvironmentState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[teamID]
	return ep, m.states[teamID], ok
}
