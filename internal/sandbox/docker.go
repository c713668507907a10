package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"rlm/internal/config"
)

// Docker executes generated code inside a fresh container per call. The
// namespace lives host-side: bindings plus the transcript of previously
// successful snippets are serialized into the payload, and the runner image
// replays them before the new snippet, so state appears persistent while
// each container stays disposable.
//
// The runner contract: read one dockerPayload JSON document on stdin, print
// one dockerResult JSON document on stdout, exit 0. Code errors travel in
// the result's err_text; a non-zero exit or unparseable stdout means the
// environment itself failed.
//
// Sub-queries and human queries from container code go through an HTTP
// gateway on the host (see Gateway); its URL is handed to the runner via
// the RLM_GATEWAY_URL environment variable.
type Docker struct {
	mu sync.Mutex

	cfg        config.DockerEnvConfig
	timeout    time.Duration
	dockerPath string
	gateway    *Gateway

	bindings map[string]any
	history  []string
	torn     bool
}

// dockerPayload is the request document sent to the runner on stdin.
type dockerPayload struct {
	Bindings map[string]any `json:"bindings,omitempty"`
	History  []string       `json:"history,omitempty"`
	Code     string         `json:"code,omitempty"`
	Read     string         `json:"read,omitempty"`
}

// dockerResult is the response document the runner prints on stdout.
type dockerResult struct {
	Output   string          `json:"output"`
	ErrText  string          `json:"err_text"`
	VarNames []string        `json:"var_names"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// NewDocker creates the containerized environment and starts the host-side
// runtime gateway for it.
func NewDocker(cfg config.DockerEnvConfig, timeout time.Duration, rt Runtime) (*Docker, error) {
	binary := cfg.Binary
	if binary == "" {
		path, err := exec.LookPath("docker")
		if err != nil {
			return nil, fmt.Errorf("%w: docker binary not found", ErrEnvironmentFatal)
		}
		binary = path
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker environment requires an image")
	}

	env := &Docker{
		cfg:        cfg,
		timeout:    timeout,
		dockerPath: binary,
		bindings:   make(map[string]any),
	}

	if rt != nil {
		gw, err := StartGateway(rt)
		if err != nil {
			return nil, err
		}
		env.gateway = gw
	}
	return env, nil
}

// Execute ships the namespace and code to a fresh container.
func (e *Docker) Execute(ctx context.Context, code string) (*ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.torn {
		return nil, fmt.Errorf("%w: environment torn down", ErrEnvironmentFatal)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.effectiveTimeout())
	defer cancel()

	result, err := e.invoke(execCtx, dockerPayload{
		Bindings: e.bindings,
		History:  e.history,
		Code:     code,
	})
	if ctx.Err() != nil {
		// Session cancelled, not a per-call timeout.
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	out := &ExecutionResult{
		Output:   result.Output,
		ErrText:  result.ErrText,
		VarNames: result.VarNames,
	}
	if !out.Failed() {
		// Only successful snippets join the replay history; failed ones
		// would poison every later call.
		e.history = append(e.history, code)
	}
	return out, nil
}

// Bind stages a named value into the namespace. Values must survive a JSON
// round trip into the container.
func (e *Docker) Bind(name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.torn {
		return fmt.Errorf("%w: environment torn down", ErrEnvironmentFatal)
	}
	if !validName(name) {
		return fmt.Errorf("invalid variable name %q", name)
	}
	if _, err := json.Marshal(value); err != nil {
		return fmt.Errorf("bind %s: %w: %v", name, ErrUnsupportedValue, err)
	}
	e.bindings[name] = value
	return nil
}

// Read resolves a variable by running a read-only payload in the container.
// Bindings that were never touched by code are answered host-side.
func (e *Docker) Read(name string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.torn {
		return nil, fmt.Errorf("%w: environment torn down", ErrEnvironmentFatal)
	}
	if !validName(name) {
		return nil, fmt.Errorf("invalid variable name %q", name)
	}

	if len(e.history) == 0 {
		if v, ok := e.bindings[name]; ok {
			return v, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNameNotFound, name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.effectiveTimeout())
	defer cancel()

	result, err := e.invoke(ctx, dockerPayload{
		Bindings: e.bindings,
		History:  e.history,
		Read:     name,
	})
	if err != nil {
		return nil, err
	}
	if result.ErrText != "" {
		return nil, fmt.Errorf("%w: %s", ErrNameNotFound, name)
	}

	var value any
	if err := json.Unmarshal(result.Value, &value); err != nil {
		return nil, fmt.Errorf("%w: decode value of %s: %v", ErrEnvironmentFatal, name, err)
	}
	return value, nil
}

// Reset clears bindings and replay history.
func (e *Docker) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.torn {
		return fmt.Errorf("%w: environment torn down", ErrEnvironmentFatal)
	}
	e.bindings = make(map[string]any)
	e.history = nil
	return nil
}

// Teardown stops the gateway. Containers are per-call, so nothing else to
// release. Idempotent.
func (e *Docker) Teardown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.torn {
		return nil
	}
	e.torn = true
	if e.gateway != nil {
		return e.gateway.Stop()
	}
	return nil
}

// networkMode picks the docker network. Container code needs bridge
// connectivity to reach the runtime gateway; without a gateway the container
// gets no network at all.
func (e *Docker) networkMode() string {
	if e.cfg.Network != "" {
		return e.cfg.Network
	}
	if e.gateway != nil {
		return "bridge"
	}
	return "none"
}

func (e *Docker) effectiveTimeout() time.Duration {
	if e.timeout > 0 {
		return e.timeout
	}
	return 2 * time.Minute
}

// invoke runs one container round trip.
func (e *Docker) invoke(ctx context.Context, payload dockerPayload) (*dockerResult, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	args := []string{"run", "--rm", "-i", "--network", e.networkMode()}
	if e.gateway != nil {
		args = append(args,
			"--add-host", "host.docker.internal:host-gateway",
			"-e", "RLM_GATEWAY_URL="+e.gateway.ContainerURL(),
		)
	}
	args = append(args, e.cfg.Image)

	cmd := exec.CommandContext(ctx, e.dockerPath, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return &dockerResult{ErrText: fmt.Sprintf("execution timed out after %s", e.effectiveTimeout())}, nil
		}
		return nil, fmt.Errorf("%w: docker run: %v: %s", ErrEnvironmentFatal, err, stderr.String())
	}

	var result dockerResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("%w: unparseable runner output: %v", ErrEnvironmentFatal, err)
	}
	return &result, nil
}
