// Package agent is the student-side runtime core: it follows the
// control channel, mirrors membership state, and owns at most one live
// remote-desktop session bound to its team's current endpoint.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lisehq/lise/api/pkg/membership"
	"github.com/lisehq/lise/api/pkg/pubsub"
	"github.com/lisehq/lise/api/pkg/session"
	"github.com/lisehq/lise/api/pkg/types"
)

// Options configure one agent.
type Options struct {
	ID          string
	DisplayName string

	// Session carries the remote-desktop dial/reconnect policy.
	Session session.Options

	// ResyncTimeout bounds snapshot requests on the control channel.
	ResyncTimeout time.Duration
}

// Agent consumes control events and keeps exactly one session aligned
// with its current assignment. The UI shell polls CurrentFrame and
// feeds SendInput; it never touches membership state directly.
type Agent struct {
	opts   Options
	ps     pubsub.PubSub
	mirror *membership.Mirror

	mu     sync.Mutex
	teamID string
	sess   *session.Session

	sub pubsub.Subscription
}

func New(ps pubsub.PubSub, opts Options) *Agent {
	if opts.ResyncTimeout == 0 {
		opts.ResyncTimeout = 5 * time.Second
	}
	return &Agent{
		opts:   opts,
		ps:     ps,
		mirror: membership.NewMirror(),
	}
}

// Run subscribes to the control channel, loads an initial snapshot and
// follows events until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	sub, err := a.ps.Subscribe(ctx, pubsub.EventsWildcard, func(payload []byte) error {
		return a.handleEvent(ctx, payload)
	})
	if err != nil {
		return fmt.Errorf("subscribing to control channel: %w", err)
	}
	a.sub = sub

	// Snapshot after subscribing: anything the snapshot already covers
	// arrives as a duplicate and is discarded by sequence number.
	if err := a.resync(ctx); err != nil {
		sub.Unsubscribe()
		return err
	}

	<-ctx.Done()
	sub.Unsubscribe()
	a.teardownSession(nil)
	return nil
}

func (a *Agent) handleEvent(ctx context.Context, payload []byte) error {
	var ev types.ControlEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decoding control event: %w", err)
	}

	needResync, err := a.mirror.Apply(ev)
	if err != nil {
		return err
	}
	if needResync {
		log.Warn().
			Uint64("seq", ev.Seq).
			Str("scope", ev.Scope).
			Msg("control event gap, requesting snapshot")
		if err := a.resync(ctx); err != nil {
			return err
		}
		a.reconcile(ctx)
		return nil
	}

	switch ev.Kind {
	case types.EventAssigned, types.EventUnassigned:
		var p types.AssignmentPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if p.AgentID == a.opts.ID {
			a.reconcile(ctx)
		}
	case types.EventEnvironmentStateChanged:
		var p types.EnvironmentStatePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if p.TeamID == a.currentTeamFromMirror() {
			a.reconcile(ctx)
		}
	}
	return nil
}

func (a *Agent) currentTeamFromMirror() string {
	teamID, _ := a.mirror.TeamFor(a.opts.ID)
	return teamID
}

// resync loads a full membership snapshot from the controller.
func (a *Agent) resync(ctx context.Context) error {
	raw, err := a.ps.Request(ctx, pubsub.MembershipSnapshotSubject, nil, a.opts.ResyncTimeout)
	if err != nil {
		return fmt.Errorf("requesting membership snapshot: %w", err)
	}
	var snap types.MembershipSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decoding membership snapshot: %w", err)
	}
	a.mirror.LoadSnapshot(snap)
	a.reconcile(ctx)
	return nil
}

// reconcile aligns the session with the mirror: exactly one live
// session, bound to the current team's Running endpoint, or none.
func (a *Agent) reconcile(ctx context.Context) {
	teamID, assigned := a.mirror.TeamFor(a.opts.ID)

	a.mu.Lock()

	if a.teamID != "" && a.teamID != teamID && a.sess != nil {
		// Reassigned while holding a session for the old team: the
		// session is stale and is never silently repointed.
		stale := &types.StaleAssignment{AgentID: a.opts.ID, TeamID: a.teamID}
		log.Info().Str("old_team", a.teamID).Str("new_team", teamID).Msg(stale.Error())
		a.closeSessionLocked()
	}
	a.teamID = teamID

	if !assigned {
		a.closeSessionLocked()
		a.mu.Unlock()
		return
	}

	endpoint, state, ok := a.mirror.Environment(teamID)
	if !ok || state != types.EnvironmentStateRunning {
		// Environment gone or not ready; any session against it is
		// dead.
		a.closeSessionLocked()
		a.mu.Unlock()
		return
	}

	if a.sess != nil {
		if a.sess.Endpoint() == endpoint && a.sess.State() != session.StateClosed {
			a.mu.Unlock()
			return
		}
		a.closeSessionLocked()
	}
	a.mu.Unlock()

	// Dial without the lock: the frame and input paths must never wait
	// on a slow handshake.
	sess, err := session.Dial(ctx, endpoint, a.opts.Session)
	if err != nil {
		log.Error().Err(err).Str("endpoint", endpoint.Addr()).Msg("failed to open remote desktop session")
		return
	}

	a.mu.Lock()
	curTeam, curAssigned := a.mirror.TeamFor(a.opts.ID)
	curEndpoint, curState, curOK := a.mirror.Environment(curTeam)
	if !curAssigned || !curOK || curState != types.EnvironmentStateRunning ||
		curEndpoint != endpoint || a.sess != nil {
		// The assignment moved while we were dialing; this session is
		// already stale.
		a.mu.Unlock()
		go sess.Close()
		return
	}
	a.sess = sess
	a.mu.Unlock()

	go a.watchSession(sess)
}

// watchSession surfaces session loss: the session slot is cleared so
// the next reconcile can dial fresh.
func (a *Agent) watchSession(sess *session.Session) {
	<-sess.Done()
	if err := sess.Err(); err != nil {
		log.Error().Err(err).Msg("remote desktop session lost")
	}
	a.mu.Lock()
	if a.sess == sess {
		a.sess = nil
	}
	a.mu.Unlock()
}

func (a *Agent) closeSessionLocked() {
	if a.sess == nil {
		return
	}
	sess := a.sess
	a.sess = nil
	// Close waits for session goroutines; do it off the event path.
	go sess.Close()
}

func (a *Agent) teardownSession(_ error) {
	a.mu.Lock()
	sess := a.sess
	a.sess = nil
	a.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// Session returns the current live session, if any.
func (a *Agent) Session() *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

// CurrentFrame returns the latest framebuffer snapshot, or nil when no
// session is live.
func (a *Agent) CurrentFrame() *image.RGBA {
	sess := a.Session()
	if sess == nil {
		return nil
	}
	return sess.CurrentFrame()
}

// SendInput forwards one captured input event to the live session.
func (a *Agent) SendInput(ev types.InputEvent) error {
	sess := a.Session()
	if sess == nil {
		return fmt.Errorf("no live session")
	}
	return sess.SendInput(ev)
}

// RequestUpdate asks the live session for the next framebuffer update.
func (a *Agent) RequestUpdate(incremental bool) error {
	sess := a.Session()
	if sess == nil {
		return fmt.Errorf("no live session")
	}
	return sess.RequestUpdate(incremental)
}
