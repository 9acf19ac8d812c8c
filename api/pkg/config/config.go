// Package config loads controller and agent configuration from the
// environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ControllerConfig struct {
	// NATS listen address for the embedded control channel server.
	NatsHost string `envconfig:"LISE_NATS_HOST" default:"0.0.0.0"`
	NatsPort int    `envconfig:"LISE_NATS_PORT" default:"4222"`

	// AdvertiseHost is the address agents use to reach environment
	// desktops; must be reachable from student machines.
	AdvertiseHost string `envconfig:"LISE_ADVERTISE_HOST" default:"127.0.0.1"`

	ScenarioDir string `envconfig:"LISE_SCENARIO_DIR" default:"scenarios"`

	// Environment readiness probing.
	ProbeAttempts uint          `envconfig:"LISE_PROBE_ATTEMPTS" default:"10"`
	ProbeDelay    time.Duration `envconfig:"LISE_PROBE_DELAY" default:"2s"`

	// Crash detection interval for running environments.
	LivenessInterval time.Duration `envconfig:"LISE_LIVENESS_INTERVAL" default:"5s"`
}

func LoadControllerConfig() (ControllerConfig, error) {
	var cfg ControllerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ControllerConfig{}, err
	}
	return cfg, nil
}

type AgentConfig struct {
	// ControllerURL is the controller's NATS endpoint.
	ControllerURL string `envconfig:"LISE_CONTROLLER_URL" default:"nats://127.0.0.1:4222"`

	AgentID     string `envconfig:"LISE_AGENT_ID"`
	DisplayName string `envconfig:"LISE_AGENT_NAME"`

	// VNCPassword is used when environment desktops require VNC
	// authentication.
	VNCPassword string `envconfig:"LISE_VNC_PASSWORD"`

	// Bounded session reconnect policy.
	ReconnectAttempts uint          `envconfig:"LISE_RECONNECT_ATTEMPTS" default:"5"`
	ReconnectDelay    time.Duration `envconfig:"LISE_RECONNECT_DELAY" default:"500ms"`
	ReconnectMaxDelay time.Duration `envconfig:"LISE_RECONNECT_MAX_DELAY" default:"8s"`
}

func LoadAgentConfig() (AgentConfig, error) {
	var cfg AgentConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}
