// Package sandbox provides the execution environment abstraction: a
// persistent variable namespace that generated code runs against. Variants:
// in-process (yaegi interpreter), containerized (docker, namespace synced via
// JSON), and remote (external execution service over HTTP). Each session owns
// exactly one environment instance, torn down when the session ends.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"rlm/internal/config"
)

// Errors returned by environments. ErrEnvironmentFatal wraps failures of the
// environment itself (dead interpreter, unreachable service); these abort the
// session, unlike errors raised by executing code, which are captured in the
// ExecutionResult.
var (
	ErrEnvironmentFatal = errors.New("execution environment failure")
	ErrUnknownKind      = errors.New("unknown environment kind")
	ErrNameNotFound     = errors.New("name not bound in namespace")
	ErrUnsupportedValue = errors.New("unsupported binding value type")
)

// ExecutionResult is the outcome of one Execute call. Output and ErrText are
// mutually exclusive with respect to success: a non-empty ErrText means the
// code raised an error. VarNames snapshots the namespace variable names (not
// values) after the call.
type ExecutionResult struct {
	Output   string
	ErrText  string
	VarNames []string
}

// Failed reports whether the executed code raised an error.
func (r *ExecutionResult) Failed() bool { return r.ErrText != "" }

// Environment is the capability contract every sandbox variant satisfies.
// State persists across Execute calls within one session and never leaks
// across sessions. Teardown must be called on every session exit path;
// it is idempotent.
type Environment interface {
	Execute(ctx context.Context, code string) (*ExecutionResult, error)
	Bind(name string, value any) error
	Read(name string) (any, error)
	Reset() error
	Teardown() error
}

// Runtime is the host surface exposed to executing code: recursive model
// queries and blocking human questions. The orchestrator supplies one per
// session, pre-bound to that session's dispatcher, gateway and depth.
type Runtime interface {
	LLMQuery(ctx context.Context, prompt string) (string, error)
	LLMQueryBatch(ctx context.Context, prompts []string) []string
	HumanQuery(ctx context.Context, question string, options []string) (string, error)
}

// Factory builds one environment instance for one session.
type Factory func(cfg config.EnvConfig, rt Runtime) (Environment, error)

// Registry maps environment kinds to factories. Sessions share a registry
// but every New call yields an exclusive instance.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in kinds registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(config.EnvLocal, func(cfg config.EnvConfig, rt Runtime) (Environment, error) {
		return NewLocal(LocalConfig{ExecuteTimeout: cfg.ExecuteTimeout.Std()}, rt)
	})
	r.Register(config.EnvDocker, func(cfg config.EnvConfig, rt Runtime) (Environment, error) {
		return NewDocker(cfg.Docker, cfg.ExecuteTimeout.Std(), rt)
	})
	r.Register(config.EnvRemote, func(cfg config.EnvConfig, rt Runtime) (Environment, error) {
		return NewRemote(cfg.Remote), nil
	})
	return r
}

// Register adds or replaces a factory for kind.
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// New builds an exclusive environment instance of the configured kind.
func (r *Registry) New(cfg config.EnvConfig, rt Runtime) (Environment, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	return factory(cfg, rt)
}

// Kinds returns the registered kind names.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

var identRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validName reports whether name is usable as a namespace variable.
func validName(name string) bool {
	return identRegex.MatchString(name)
}
