package config

import (
	"fmt"
	"time"
)

// Environment kinds selectable via EnvConfig.Kind.
const (
	EnvLocal  = "local"  // in-process interpreter, fastest, least isolated
	EnvDocker = "docker" // container per session, namespace synced via JSON
	EnvRemote = "remote" // external execution service over HTTP
)

// EnvConfig configures the execution environment for a session.
type EnvConfig struct {
	Kind string `yaml:"kind"`

	// ExecuteTimeout bounds a single Execute call.
	ExecuteTimeout Duration `yaml:"execute_timeout"`

	Docker DockerEnvConfig `yaml:"docker"`
	Remote RemoteEnvConfig `yaml:"remote"`
}

// DockerEnvConfig configures the containerized environment.
type DockerEnvConfig struct {
	// Image is the runner image. It must accept a JSON payload on stdin
	// and print a JSON result on stdout (see sandbox.dockerPayload).
	Image string `yaml:"image"`

	// Binary overrides the docker binary path. Defaults to PATH lookup.
	Binary string `yaml:"binary"`

	// Network is passed to docker run --network. Empty selects "bridge"
	// when the runtime gateway is attached (container code must reach the
	// host to issue sub-queries) and "none" otherwise.
	Network string `yaml:"network"`
}

// RemoteEnvConfig configures the remote sandbox client.
type RemoteEnvConfig struct {
	// BaseURL of the execution service, e.g. "http://sandbox:9000".
	BaseURL string `yaml:"base_url"`

	// RequestTimeout bounds each round trip independently of
	// ExecuteTimeout; the larger of the two governs Execute.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// DefaultEnvConfig returns the in-process environment with defaults.
func DefaultEnvConfig() EnvConfig {
	return EnvConfig{
		Kind:           EnvLocal,
		ExecuteTimeout: Duration(2 * time.Minute),
		Docker: DockerEnvConfig{
			Image: "rlm-runner:latest",
		},
		Remote: RemoteEnvConfig{
			RequestTimeout: Duration(30 * time.Second),
		},
	}
}

// Validate checks the environment configuration.
func (c EnvConfig) Validate() error {
	switch c.Kind {
	case EnvLocal, EnvDocker, EnvRemote:
	default:
		return fmt.Errorf("unknown environment kind %q", c.Kind)
	}
	if c.Kind == EnvRemote && c.Remote.BaseURL == "" {
		return fmt.Errorf("remote environment requires a base_url")
	}
	return nil
}
