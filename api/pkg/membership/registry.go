// Package membership tracks which agent belongs to which team and which
// environment endpoint each team currently owns. The controller-side
// Registry is the single writer; agents hold read-only Mirrors fed by
// control channel events.
package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lisehq/lise/api/pkg/pubsub"
	"github.com/lisehq/lise/api/pkg/types"
)

// Registry is the authoritative membership state, held controller-side.
// Every mutation bumps a per-scope sequence number and is broadcast as a
// control event; readers receive immutable snapshot copies, never live
// references.
type Registry struct {
	mu        sync.Mutex
	agents    map[string]types.Agent
	endpoints map[string]types.Endpoint
	states    map[string]types.EnvironmentState
	seqs      map[string]uint64
	version   uint64

	ps pubsub.Publisher
}

// NewRegistry creates an empty registry publishing on the given control
// channel.
func NewRegistry(ps pubsub.Publisher) *Registry {
	return &Registry{
		agents:    make(map[string]types.Agent),
		endpoints: make(map[string]types.Endpoint),
		states:    make(map[string]types.EnvironmentState),
		seqs:      make(map[string]uint64),
		ps:        ps,
	}
}

// Assign binds an agent to a team, replacing any previous assignment.
// The broadcast event carries the previous team so the agent can tear
// down a now-stale session.
func (r *Registry) Assign(ctx context.Context, agentID, displayName, teamID string) error {
	r.mu.Lock()
	prev := r.agents[agentID].TeamID
	r.agents[agentID] = types.Agent{ID: agentID, DisplayName: displayName, TeamID: teamID}
	r.version++
	ev := r.eventLocked(agentID, types.EventAssigned, types.AssignmentPayload{
		AgentID:     agentID,
		TeamID:      teamID,
		PrevTeamID:  prev,
		DisplayName: displayName,
	})
	r.mu.Unlock()

	return r.publish(ctx, ev)
}

// Unassign removes an agent's team binding. Unassigning an unknown
// agent is a no-op.
func (r *Registry) Unassign(ctx context.Context, agentID string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	prev := agent.TeamID
	agent.TeamID = ""
	r.agents[agentID] = agent
	r.version++
	ev := r.eventLocked(agentID, types.EventUnassigned, types.AssignmentPayload{
		AgentID:    agentID,
		PrevTeamID: prev,
	})
	r.mu.Unlock()

	return r.publish(ctx, ev)
}

// SetEnvironment records a team's environment state and endpoint and
// broadcasts the change. A nil endpoint releases the team's endpoint.
func (r *Registry) SetEnvironment(ctx context.Context, teamID string, endpoint *types.Endpoint, state types.EnvironmentState) error {
	r.mu.Lock()
	r.states[teamID] = state
	if endpoint != nil {
		r.endpoints[teamID] = *endpoint
	} else {
		delete(r.endpoints, teamID)
	}
	r.version++
	ev := r.eventLocked(teamID, types.EventEnvironmentStateChanged, types.EnvironmentStatePayload{
		TeamID:   teamID,
		State:    state,
		Endpoint: endpoint,
	})
	r.mu.Unlock()

	return r.publish(ctx, ev)
}

// eventLocked builds the next event for a scope; callers hold r.mu.
func (r *Registry) eventLocked(scope string, kind types.EventKind, payload any) types.ControlEvent {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payload types are plain structs; this cannot fail at runtime.
		panic(fmt.Sprintf("marshal control event payload: %v", err))
	}
	r.seqs[scope]++
	return types.ControlEvent{
		Seq:     r.seqs[scope],
		Scope:   scope,
		Kind:    kind,
		Payload: raw,
	}
}

func (r *Registry) publish(ctx context.Context, ev types.ControlEvent) error {
	raw, _ := json.Marshal(ev)
	if err := r.ps.Publish(ctx, pubsub.EventsSubject(ev.Scope), raw); err != nil {
		return fmt.Errorf("publishing %s event for scope %s: %w", ev.Kind, ev.Scope, err)
	}
	return nil
}

// TeamFor returns the agent's current team, if any.
func (r *Registry) TeamFor(agentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok || agent.TeamID == "" {
		return "", false
	}
	return agent.TeamID, true
}

// Snapshot returns an immutable versioned copy of the full state.
func (r *Registry) Snapshot() types.MembershipSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := types.MembershipSnapshot{
		Version:   r.version,
		Agents:    make(map[string]types.Agent, len(r.agents)),
		Endpoints: make(map[string]types.Endpoint, len(r.endpoints)),
		States:    make(map[string]types.EnvironmentState, len(r.states)),
		Seqs:      make(map[string]uint64, len(r.seqs)),
	}
	for k, v := range r.agents {
		snap.Agents[k] = v
	}
	for k, v := range r.endpoints {
		snap.Endpoints[k] = v
	}
	for k, v := range r.states {
		snap.States[k] = v
	}
	for k, v := range r.seqs {
		snap.Seqs[k] = v
	}
	return snap
}

// ServeSnapshots answers resync requests on the control channel until
// the subscription is dropped.
func (r *Registry) ServeSnapshots(ctx context.Context, ps pubsub.PubSub) (pubsub.Subscription, error) {
	return ps.Reply(ctx, pubsub.MembershipSnapshotSubject, func(_ []byte) ([]byte, error) {
		snap := r.Snapshot()
		raw, err := json.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("marshal membership snapshot: %w", err)
		}
		log.Debug().Uint64("version", snap.Version).Msg("served membership snapshot")
		return raw, nil
	})
}
