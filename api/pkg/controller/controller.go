// Package controller owns the mapping of teams to isolated environment
// instances and drives their lifecycle through the container engine.
// All state transitions for one team are serialized; different teams
// proceed fully in parallel.
package controller

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/lisehq/lise/api/pkg/membership"
	"github.com/lisehq/lise/api/pkg/types"
)

// Options tune provisioning and crash detection.
type Options struct {
	// ProbeAttempts/ProbeDelay bound the wait for a new environment's
	// desktop service to accept connections.
	ProbeAttempts uint
	ProbeDelay    time.Duration

	// LivenessInterval is how often Running environments are checked
	// against the engine.
	LivenessInterval time.Duration
}

// DefaultOptions mirror the original orchestrator's ten 2-second
// readiness probes.
func DefaultOptions() Options {
	return Options{
		ProbeAttempts:    10,
		ProbeDelay:       2 * time.Second,
		LivenessInterval: 5 * time.Second,
	}
}

// Controller is the environment lifecycle controller. It is the only
// writer of environment state; every transition is broadcast through
// the membership registry onto the control channel.
type Controller struct {
	engine   Engine
	registry *membership.Registry
	opts     Options

	// envs holds immutable snapshots: every transition stores a fresh
	// copy, so readers never share memory with in-flight mutations.
	envs      *xsync.MapOf[string, types.Environment]
	teamLocks *xsync.MapOf[string, *sync.Mutex]
}

func New(engine Engine, registry *membership.Registry, opts Options) *Controller {
	if opts.ProbeAttempts == 0 {
		opts.ProbeAttempts = DefaultOptions().ProbeAttempts
	}
	if opts.ProbeDelay == 0 {
		opts.ProbeDelay = DefaultOptions().ProbeDelay
	}
	if opts.LivenessInterval == 0 {
		opts.LivenessInterval = DefaultOptions().LivenessInterval
	}
	return &Controller{
		engine:    engine,
		registry:  registry,
		opts:      opts,
		envs:      xsync.NewMapOf[string, types.Environment](),
		teamLocks: xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// teamLock serializes all lifecycle operations for one team.
func (c *Controller) teamLock(teamID string) *sync.Mutex {
	mu, _ := c.teamLocks.LoadOrStore(teamID, &sync.Mutex{})
	return mu
}

// CreateEnvironment builds and starts the team's environment and
// returns once its desktop service accepts connections. On any failure
// the environment is left absent: the container is removed and the team
// slot is free again.
func (c *Controller) CreateEnvironment(ctx context.Context, spec types.TeamSpec) (*types.Environment, error) {
	mu := c.teamLock(spec.Name)
	mu.Lock()
	defer mu.Unlock()

	if existing, ok := c.envs.Load(spec.Name); ok && existing.State.Live() {
		return nil, fmt.Errorf("team %q: %w", spec.Name, types.ErrEnvironmentExists)
	}

	env := &types.Environment{TeamID: spec.Name, State: types.EnvironmentStatePending}
	c.envs.Store(spec.Name, *env)
	c.announce(ctx, env, nil)

	if err := c.transition(ctx, env, types.EnvironmentStateBuilding, nil); err != nil {
		return nil, c.provisionFailed(ctx, env, err)
	}
	if err := c.engine.Build(ctx, spec.Image); err != nil {
		return nil, c.provisionFailed(ctx, env, fmt.Errorf("building image: %w", err))
	}

	if err := c.transition(ctx, env, types.EnvironmentStateStarting, nil); err != nil {
		return nil, c.provisionFailed(ctx, env, err)
	}
	containerID, endpoint, err := c.engine.Run(ctx, spec.Image, spec.Limits)
	if err != nil {
		return nil, c.provisionFailed(ctx, env, fmt.Errorf("starting instance: %w", err))
	}
	env.ContainerID = containerID
	c.envs.Store(spec.Name, *env)

	if err := c.probeReady(ctx, endpoint); err != nil {
		if stopErr := c.engine.Stop(context.WithoutCancel(ctx), containerID); stopErr != nil {
			log.Warn().Err(stopErr).Str("container_id", containerID).Msg("failed to clean up unready environment")
		}
		return nil, c.provisionFailed(ctx, env, fmt.Errorf("environment never became ready: %w", err))
	}

	env.Endpoint = endpoint
	if err := c.transition(ctx, env, types.EnvironmentStateRunning, &endpoint); err != nil {
		return nil, c.provisionFailed(ctx, env, err)
	}

	log.Info().
		Str("team", spec.Name).
		Str("container_id", containerID).
		Str("endpoint", endpoint.Addr()).
		Msg("environment running")

	out := *env
	return &out, nil
}

// provisionFailed publishes the Failed transition, removes the team's
// entry (the environment is absent, not half-created) and wraps the
// cause.
func (c *Controller) provisionFailed(ctx context.Context, env *types.Environment, cause error) error {
	env.State = types.EnvironmentStateFailed
	c.announce(ctx, env, nil)
	c.envs.Delete(env.TeamID)

	log.Error().Err(cause).Str("team", env.TeamID).Msg("environment provisioning failed")
	return &types.ProvisionError{TeamID: env.TeamID, Err: cause}
}

// StopEnvironment tears down the team's environment. Idempotent:
// stopping an already-stopped or never-created environment succeeds
// without side effects. The endpoint is released for reuse.
func (c *Controller) StopEnvironment(ctx context.Context, teamID string) error {
	mu := c.teamLock(teamID)
	mu.Lock()
	defer mu.Unlock()

	env, ok := c.envs.Load(teamID)
	if !ok || env.State.Terminal() {
		return nil
	}

	// A previous attempt may have failed between the Stopping transition
	// and the engine call; resume from Stopping instead of re-entering it.
	if env.State != types.EnvironmentStateStopping {
		if err := c.transition(ctx, &env, types.EnvironmentStateStopping, nil); err != nil {
			return err
		}
	}
	if err := c.engine.Stop(ctx, env.ContainerID); err != nil {
		return fmt.Errorf("stopping environment for team %q: %w", teamID, err)
	}
	env.Endpoint = types.Endpoint{}
	return c.transition(ctx, &env, types.EnvironmentStateStopped, nil)
}

// RecreateEnvironment is the explicit teardown-then-create path for a
// team that already has a live environment.
func (c *Controller) RecreateEnvironment(ctx context.Context, spec types.TeamSpec) (*types.Environment, error) {
	if err := c.StopEnvironment(ctx, spec.Name); err != nil {
		return nil, err
	}
	return c.CreateEnvironment(ctx, spec)
}

// ListEnvironments returns a snapshot of every tracked environment.
// Safe to call concurrently with create/stop.
func (c *Controller) ListEnvironments() []types.Environment {
	var out []types.Environment
	c.envs.Range(func(_ string, env types.Environment) bool {
		out = append(out, env)
		return true
	})
	return out
}

// RunScenario provisions every team's environment. Teams provision in
// parallel; the first error per team is collected.
func (c *Controller) RunScenario(ctx context.Context, scen *types.Scenario) error {
	p := pool.New().WithErrors().WithContext(ctx)
	for _, team := range scen.Teams {
		team := team
		p.Go(func(ctx context.Context) error {
			_, err := c.CreateEnvironment(ctx, team)
			return err
		})
	}
	return p.Wait()
}

// StopAll tears down every live environment, used at shutdown.
func (c *Controller) StopAll(ctx context.Context) error {
	var teams []string
	c.envs.Range(func(teamID string, _ types.Environment) bool {
		teams = append(teams, teamID)
		return true
	})

	p := pool.New().WithErrors().WithContext(ctx)
	for _, teamID := range teams {
		teamID := teamID
		p.Go(func(ctx context.Context) error {
			return c.StopEnvironment(ctx, teamID)
		})
	}
	return p.Wait()
}

// WatchLiveness polls Running environments against the engine until the
// context is cancelled. A missing or exited instance is reconciled as
// Failed and broadcast exactly once so the owning team's agents can
// invalidate their sessions.
func (c *Controller) WatchLiveness(ctx context.Context) {
	ticker := time.NewTicker(c.opts.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkLiveness(ctx)
		}
	}
}

func (c *Controller) checkLiveness(ctx context.Context) {
	for _, env := range c.ListEnvironments() {
		if env.State != types.EnvironmentStateRunning {
			continue
		}
		status, err := c.engine.Status(ctx, env.ContainerID)
		if err != nil {
			log.Warn().Err(err).Str("team", env.TeamID).Msg("liveness check failed")
			continue
		}
		if status == types.EngineStatusRunning {
			continue
		}
		c.markFailed(ctx, env.TeamID, status)
	}
}

func (c *Controller) markFailed(ctx context.Context, teamID string, status types.EngineStatus) {
	mu := c.teamLock(teamID)
	mu.Lock()
	defer mu.Unlock()

	env, ok := c.envs.Load(teamID)
	if !ok || env.State != types.EnvironmentStateRunning {
		// Raced with stop or another check; nothing to reconcile.
		return
	}

	log.Error().
		Str("team", teamID).
		Str("container_id", env.ContainerID).
		Str("engine_status", string(status)).
		Msg("environment crashed")

	if status == types.EngineStatusExited {
		if err := c.engine.Stop(ctx, env.ContainerID); err != nil {
			log.Warn().Err(err).Str("team", teamID).Msg("failed to remove crashed instance")
		}
	}
	env.Endpoint = types.Endpoint{}
	if err := c.transition(ctx, &env, types.EnvironmentStateFailed, nil); err != nil {
		log.Error().Err(err).Str("team", teamID).Msg("failed to record crash transition")
	}
}

// transition applies a validated state change and broadcasts it.
func (c *Controller) transition(ctx context.Context, env *types.Environment, next types.EnvironmentState, endpoint *types.Endpoint) error {
	if !types.CanTransition(env.State, next) {
		return fmt.Errorf("illegal environment transition %s -> %s for team %q", env.State, next, env.TeamID)
	}
	env.State = next
	c.envs.Store(env.TeamID, *env)
	c.announce(ctx, env, endpoint)
	return nil
}

func (c *Controller) announce(ctx context.Context, env *types.Environment, endpoint *types.Endpoint) {
	if err := c.registry.SetEnvironment(ctx, env.TeamID, endpoint, env.State); err != nil {
		log.Error().Err(err).Str("team", env.TeamID).Msg("failed to broadcast environment state")
	}
}

// probeReady dials the environment's desktop endpoint until it accepts
// a connection, bounded by the configured attempts.
func (c *Controller) probeReady(ctx context.Context, endpoint types.Endpoint) error {
	return retry.Do(func() error {
		conn, err := net.DialTimeout("tcp", endpoint.Addr(), time.Second)
		if err != nil {
			return err
		}
		return conn.Close()
	},
		retry.Attempts(c.opts.ProbeAttempts),
		retry.Delay(c.opts.ProbeDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().
				Err(err).
				Uint("attempt", n).
				Str("endpoint", endpoint.Addr()).
				Msg("waiting for environment desktop service")
		}),
	)
}
