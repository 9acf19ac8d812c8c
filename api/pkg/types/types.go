package types

import (
	"fmt"
	"net"
	"strconv"
)

// Scenario is the typed form of a scenario document: one training run,
// one isolated environment per team. Immutable once loaded.
type Scenario struct {
	ID    string     `yaml:"id" json:"id"`
	Name  string     `yaml:"name" json:"name"`
	Teams []TeamSpec `yaml:"teams" json:"teams"`
}

// TeamSpec describes one team's environment within a scenario.
type TeamSpec struct {
	Name   string         `yaml:"name" json:"name"`
	Image  string         `yaml:"image" json:"image"`
	Limits ResourceLimits `yaml:"limits" json:"limits"`
}

// ResourceLimits are passed through to the container engine.
// Memory uses human-readable units ("512m", "2g").
type ResourceLimits struct {
	CPUs      float64 `yaml:"cpus" json:"cpus"`
	Memory    string  `yaml:"memory" json:"memory"`
	PidsLimit int64   `yaml:"pids_limit" json:"pids_limit"`
}

// Endpoint is a reachable host+port for an environment's desktop service.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// EnvironmentState is the lifecycle state of one team's environment.
type EnvironmentState string

const (
	EnvironmentStatePending  EnvironmentState = "pending"
	EnvironmentStateBuilding EnvironmentState = "building"
	EnvironmentStateStarting EnvironmentState = "starting"
	EnvironmentStateRunning  EnvironmentState = "running"
	EnvironmentStateStopping EnvironmentState = "stopping"
	EnvironmentStateStopped  EnvironmentState = "stopped"
	EnvironmentStateFailed   EnvironmentState = "failed"
)

// environmentTransitions is the allowed state machine. Stopped and Failed
// are terminal until a new create call for the team.
var environmentTransitions = map[EnvironmentState][]EnvironmentState{
	EnvironmentStatePending:  {EnvironmentStateBuilding},
	EnvironmentStateBuilding: {EnvironmentStateStarting, EnvironmentStateFailed},
	EnvironmentStateStarting: {EnvironmentStateRunning, EnvironmentStateFailed},
	EnvironmentStateRunning:  {EnvironmentStateStopping, EnvironmentStateFailed},
	EnvironmentStateStopping: {EnvironmentStateStopped},
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to EnvironmentState) bool {
	for _, next := range environmentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state requires an explicit new create call
// before the team can have a live environment again.
func (s EnvironmentState) Terminal() bool {
	return s == EnvironmentStateStopped || s == EnvironmentStateFailed
}

// Live reports whether the environment occupies the team's slot: at most
// one live environment per team at any time.
func (s EnvironmentState) Live() bool {
	return !s.Terminal() && s != ""
}

// Environment is one running isolated instance owned by the lifecycle
// controller. Agents only ever read its endpoint.
type Environment struct {
	TeamID      string           `json:"team_id"`
	ContainerID string           `json:"container_id"`
	Endpoint    Endpoint         `json:"endpoint"`
	State       EnvironmentState `json:"state"`
}

// Agent is one student-side client. Assignment is many-agents-to-one-team;
// a team may have zero assigned agents.
type Agent struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	TeamID      string `json:"team_id,omitempty"`
}

// EngineStatus is the container engine's view of one instance.
type EngineStatus string

const (
	EngineStatusRunning EngineStatus = "running"
	EngineStatusExited  EngineStatus = "exited"
	EngineStatusMissing EngineStatus = "missing"
)

// InputEvent is a local pointer or key event captured for forwarding to
// the remote desktop. Events must reach the wire in capture order.
type InputEvent interface {
	inputEvent()
}

// PointerMove is a pointer position update with the current button mask
// (bit 0 left, bit 1 middle, bit 2 right).
type PointerMove struct {
	X, Y       uint16
	ButtonMask uint8
}

// KeyPress is a key transition identified by X keysym.
type KeyPress struct {
	Keysym uint32
	Down   bool
}

func (PointerMove) inputEvent() {}
func (KeyPress) inputEvent()    {}

func (p PointerMove) String() string {
	return fmt.Sprintf("pointer(%d,%d mask=%#x)", p.X, p.Y, p.ButtonMask)
}

func (k KeyPress) String() string {
	return fmt.Sprintf("key(%#x down=%v)", k.Keysym, k.Down)
}
