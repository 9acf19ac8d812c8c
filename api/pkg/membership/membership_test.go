package membership

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lisehq/lise/api/pkg/types"
)

// capturePublisher records every control event published through it.
type capturePublisher struct {
	mu     sync.Mutex
	events []types.ControlEvent
}

func (p *capturePublisher) Publish(_ context.Context, _ string, payload []byte) error {
	var ev types.ControlEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) all() []types.ControlEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.ControlEvent(nil), p.events...)
}

func TestRegistryAssign(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	reg := NewRegistry(pub)

	require.NoError(t, reg.Assign(ctx, "agent-1", "Ada", "red"))

	team, ok := reg.TeamFor("agent-1")
	require.True(t, ok)
	assert.Equal(t, "red", team)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, "agent-1", events[0].Scope)
	assert.Equal(t, types.EventAssigned, events[0].Kind)

	var p types.AssignmentPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.Equal(t, "red", p.TeamID)
	assert.Empty(t, p.PrevTeamID)
}

func TestRegistryReassignCarriesPrevTeam(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	reg := NewRegistry(pub)

	require.NoError(t, reg.Assign(ctx, "agent-1", "Ada", "red"))
	require.NoError(t, reg.Assign(ctx, "agent-1", "Ada", "blue"))

	events := pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[1].Seq, "sequence is monotonic per scope")

	var p types.AssignmentPayload
	require.NoError(t, json.Unmarshal(events[1].Payload, &p))
	assert.Equal(t, "blue", p.TeamID)
	assert.Equal(t, "red", p.PrevTeamID)
}

func TestRegistryUnassign(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	reg := NewRegistry(pub)

	t.Run("unknown agent is a no-op", func(t *testing.T) {
		require.NoError(t, reg.Unassign(ctx, "ghost"))
		assert.Empty(t, pub.all())
	})

	t.Run("clears the binding and reports the old team", func(t *testing.T) {
		require.NoError(t, reg.Assign(ctx, "agent-1", "Ada", "red"))
		require.NoError(t, reg.Unassign(ctx, "agent-1"))

		_, ok := reg.TeamFor("agent-1")
		assert.False(t, ok)

		events := pub.all()
		require.Len(t, events, 2)
		var p types.AssignmentPayload
		require.NoError(t, json.Unmarshal(events[1].Payload, &p))
		assert.Equal(t, "red", p.PrevTeamID)
		assert.Empty(t, p.TeamID)
	})
}

func TestRegistrySequencesAreIndependentPerScope(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	reg := NewRegistry(pub)

	require.NoError(t, reg.Assign(ctx, "agent-1", "Ada", "red"))
	require.NoError(t, reg.SetEnvironment(ctx, "red", nil, types.EnvironmentStatePending))
	require.NoError(t, reg.Assign(ctx, "agent-1", "Ada", "blue"))

	events := pub.all()
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Seq) // agent-1
	assert.Equal(t, uint64(1), events[1].Seq) // red
	assert.Equal(t, uint64(2), events[2].Seq) // agent-1 again
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(&capturePublisher{})
	require.NoError(t, reg.Assign(ctx, "agent-1", "Ada", "red"))

	snap := reg.Snapshot()
	snap.Agents["agent-1"] = types.Agent{ID: "agent-1", TeamID: "tampered"}

	team, ok := reg.TeamFor("agent-1")
	require.True(t, ok)
	assert.Equal(t, "red", team)
}

func TestRegistrySetEnvironment(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	reg := NewRegistry(pub)

	ep := types.Endpoint{Host: "10.0.0.5", Port: 32768}
	require.NoError(t, reg.SetEnvironment(ctx, "red", &ep, types.EnvironmentStateRunning))

	snap := reg.Snapshot()
	assert.Equal(t, ep, snap.Endpoints["red"])
	assert.Equal(t, types.EnvironmentStateRunning, snap.States["red"])

	require.NoError(t, reg.SetEnvironment(ctx, "red", nil, types.EnvironmentStateStopped))
	snap = reg.Snapshot()
	_, present := snap.Endpoints["red"]
	assert.False(t, present, "nil endpoint releases the team's endpoint")
}

func mustEvent(t *testing.T, seq uint64, scope string, kind types.EventKind, payload any) types.ControlEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return types.ControlEvent{Seq: seq, Scope: scope, Kind: kind, Payload: raw}
}

func TestMirrorRequiresInitialSnapshot(t *testing.T) {
	m := NewMirror()

	needResync, err := m.Apply(mustEvent(t, 1, "agent-1", types.EventAssigned,
		types.AssignmentPayload{AgentID: "agent-1", TeamID: "red"}))
	require.NoError(t, err)
	assert.True(t, needResync, "an unsynced mirror cannot fold events")
	assert.False(t, m.Synced())
}

func TestMirrorAppliesOrderedEvents(t *testing.T) {
	m := NewMirror()
	m.LoadSnapshot(types.MembershipSnapshot{})

	needResync, err := m.Apply(mustEvent(t, 1, "agent-1", types.EventAssigned,
		types.AssignmentPayload{AgentID: "agent-1", DisplayName: "Ada", TeamID: "red"}))
	require.NoError(t, err)
	require.False(t, needResync)

	ep := types.Endpoint{Host: "10.0.0.5", Port: 32768}
	needResync, err = m.Apply(mustEvent(t, 1, "red", types.EventEnvironmentStateChanged,
		types.EnvironmentStatePayload{TeamID: "red", State: types.EnvironmentStateRunning, Endpoint: &ep}))
	require.NoError(t, err)
	require.False(t, needResync)

	team, ok := m.TeamFor("agent-1")
	require.True(t, ok)
	assert.Equal(t, "red", team)

	gotEp, state, ok := m.Environment("red")
	require.True(t, ok)
	assert.Equal(t, ep, gotEp)
	assert.Equal(t, types.EnvironmentStateRunning, state)
}

func TestMirrorDropsDuplicates(t *testing.T) {
	m := NewMirror()
	m.LoadSnapshot(types.MembershipSnapshot{Seqs: map[string]uint64{"agent-1": 3}})

	needResync, err := m.Apply(mustEvent(t, 3, "agent-1", types.EventAssigned,
		types.AssignmentPayload{AgentID: "agent-1", TeamID: "stale"}))
	require.NoError(t, err)
	assert.False(t, needResync)

	_, ok := m.TeamFor("agent-1")
	assert.False(t, ok, "duplicate must not be applied")
	assert.True(t, m.Synced())
}

func TestMirrorGapForcesResync(t *testing.T) {
	m := NewMirror()
	m.LoadSnapshot(types.MembershipSnapshot{Seqs: map[string]uint64{"agent-1": 1}})

	needResync, err := m.Apply(mustEvent(t, 3, "agent-1", types.EventAssigned,
		types.AssignmentPayload{AgentID: "agent-1", TeamID: "red"}))
	require.NoError(t, err)
	assert.True(t, needResync)
	assert.False(t, m.Synced())

	_, ok := m.TeamFor("agent-1")
	assert.False(t, ok, "gapped event must not be applied")

	// A later snapshot makes the mirror whole again.
	m.LoadSnapshot(types.MembershipSnapshot{
		Agents: map[string]types.Agent{"agent-1": {ID: "agent-1", TeamID: "red"}},
		Seqs:   map[string]uint64{"agent-1": 3},
	})
	assert.True(t, m.Synced())
	team, ok := m.TeamFor("agent-1")
	require.True(t, ok)
	assert.Equal(t, "red", team)
}

func TestMirrorUnassignEvent(t *testing.T) {
	m := NewMirror()
	m.LoadSnapshot(types.MembershipSnapshot{
		Agents: map[string]types.Agent{"agent-1": {ID: "agent-1", TeamID: "red"}},
		Seqs:   map[string]uint64{"agent-1": 1},
	})

	needResync, err := m.Apply(mustEvent(t, 2, "agent-1", types.EventUnassigned,
		types.AssignmentPayload{AgentID: "agent-1", PrevTeamID: "red"}))
	require.NoError(t, err)
	require.False(t, needResync)

	_, ok := m.TeamFor("agent-1")
	assert.False(t, ok)
}
