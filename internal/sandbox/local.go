package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Local executes generated code in-process on a yaegi Go interpreter. The
// interpreter's global scope is the namespace: top-level declarations persist
// across Execute calls for the lifetime of the session. Fastest variant,
// least isolated: code sees whatever the process can reach, minus anything
// yaegi's stdlib symbol set does not export.
type Local struct {
	mu sync.Mutex

	interp  *interp.Interpreter
	stdout  *captureWriter
	rt      Runtime
	timeout time.Duration
	torn    bool

	// execCtx is the context of the in-flight Execute call; the injected
	// runtime functions pick it up so sub-queries inherit its deadline.
	ctxMu   sync.RWMutex
	execCtx context.Context
}

// LocalConfig configures the in-process environment.
type LocalConfig struct {
	ExecuteTimeout time.Duration
}

// Aliases the runtime functions are bound to inside the namespace. They are
// filtered out of variable-name snapshots.
var runtimeAliases = map[string]struct{}{
	"llmQuery":        {},
	"llmQueryBatched": {},
	"humanQuery":      {},
}

// NewLocal creates a fresh interpreter with the stdlib loaded and the
// runtime functions bound as llmQuery, llmQueryBatched and humanQuery.
func NewLocal(cfg LocalConfig, rt Runtime) (*Local, error) {
	e := &Local{
		rt:      rt,
		timeout: cfg.ExecuteTimeout,
		execCtx: context.Background(),
	}
	if err := e.initInterpreter(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Local) initInterpreter() error {
	e.stdout = &captureWriter{}
	i := interp.New(interp.Options{Stdout: e.stdout, Stderr: e.stdout})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("%w: load stdlib: %v", ErrEnvironmentFatal, err)
	}

	// The helpers return plain strings so generated code stays simple;
	// failures surface in-band as error markers.
	exports := interp.Exports{
		"rlmrt/rlmrt": {
			"LLMQuery": reflect.ValueOf(func(prompt string) string {
				response, err := e.rt.LLMQuery(e.currentCtx(), prompt)
				if err != nil {
					return fmt.Sprintf("[error: %v]", err)
				}
				return response
			}),
			"LLMQueryBatch": reflect.ValueOf(func(prompts []string) []string {
				return e.rt.LLMQueryBatch(e.currentCtx(), prompts)
			}),
			"HumanQuery": reflect.ValueOf(func(question string, options []string) string {
				answer, err := e.rt.HumanQuery(e.currentCtx(), question, options)
				if err != nil {
					return fmt.Sprintf("[error: %v]", err)
				}
				return answer
			}),
		},
	}
	if err := i.Use(exports); err != nil {
		return fmt.Errorf("%w: bind runtime: %v", ErrEnvironmentFatal, err)
	}

	// A source starting with an import is parsed in declaration mode, where
	// top-level := is invalid; each alias binds in its own Eval.
	for _, stmt := range []string{
		`import "rlmrt"`,
		`llmQuery := rlmrt.LLMQuery`,
		`llmQueryBatched := rlmrt.LLMQueryBatch`,
		`humanQuery := rlmrt.HumanQuery`,
	} {
		if _, err := i.Eval(stmt); err != nil {
			return fmt.Errorf("%w: bootstrap namespace: %v", ErrEnvironmentFatal, err)
		}
	}

	e.interp = i
	return nil
}

func (e *Local) currentCtx() context.Context {
	e.ctxMu.RLock()
	defer e.ctxMu.RUnlock()
	return e.execCtx
}

func (e *Local) setCtx(ctx context.Context) {
	e.ctxMu.Lock()
	e.execCtx = ctx
	e.ctxMu.Unlock()
}

// Execute runs code against the persistent namespace. Errors raised by the
// code (including panics in interpreted code and execute timeouts) are
// captured in the result; only a cancelled session context is returned as an
// error.
func (e *Local) Execute(ctx context.Context, code string) (*ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.torn {
		return nil, fmt.Errorf("%w: environment torn down", ErrEnvironmentFatal)
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if e.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	e.setCtx(execCtx)
	defer e.setCtx(context.Background())

	e.stdout.Reset()

	var evalErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				evalErr = fmt.Errorf("panic: %v", r)
			}
		}()
		_, evalErr = e.interp.EvalWithContext(execCtx, code)
	}()

	if ctx.Err() != nil && execCtx.Err() == ctx.Err() {
		// The session itself was cancelled, not just this call's timeout.
		return nil, ctx.Err()
	}

	result := &ExecutionResult{
		Output:   e.stdout.String(),
		VarNames: e.varNames(),
	}
	if evalErr != nil {
		if errors.Is(evalErr, context.DeadlineExceeded) || execCtx.Err() == context.DeadlineExceeded {
			result.ErrText = fmt.Sprintf("execution timed out after %s", e.timeout)
		} else {
			result.ErrText = evalErr.Error()
		}
	}
	return result, nil
}

// Bind declares a namespace variable holding value. Supported value types
// are the ones sessions bind at INIT: strings, string slices, string maps,
// numbers and booleans.
func (e *Local) Bind(name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.torn {
		return fmt.Errorf("%w: environment torn down", ErrEnvironmentFatal)
	}
	if !validName(name) {
		return fmt.Errorf("invalid variable name %q", name)
	}
	if _, reserved := runtimeAliases[name]; reserved {
		return fmt.Errorf("variable name %q is reserved", name)
	}

	literal, err := renderLiteral(value)
	if err != nil {
		return fmt.Errorf("bind %s: %w", name, err)
	}
	if _, err := e.interp.Eval(name + " := " + literal); err != nil {
		return fmt.Errorf("bind %s: %w", name, err)
	}
	return nil
}

// Read returns the current value of a namespace variable.
func (e *Local) Read(name string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.torn {
		return nil, fmt.Errorf("%w: environment torn down", ErrEnvironmentFatal)
	}
	if !validName(name) {
		return nil, fmt.Errorf("invalid variable name %q", name)
	}

	v, err := e.interp.Eval(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNameNotFound, name)
	}
	if !v.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrNameNotFound, name)
	}
	return v.Interface(), nil
}

// Reset discards the namespace and rebuilds a fresh interpreter.
func (e *Local) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.torn {
		return fmt.Errorf("%w: environment torn down", ErrEnvironmentFatal)
	}
	return e.initInterpreter()
}

// Teardown releases the interpreter. Idempotent.
func (e *Local) Teardown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.torn = true
	e.interp = nil
	return nil
}

// varNames snapshots the namespace variable names, runtime aliases excluded.
func (e *Local) varNames() []string {
	globals := e.interp.Globals()
	names := make([]string, 0, len(globals))
	for name := range globals {
		if _, skip := runtimeAliases[name]; skip {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// renderLiteral turns a bound value into Go source, so bindings become
// ordinary namespace declarations.
func renderLiteral(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return strconv.Quote(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case []string:
		var b strings.Builder
		b.WriteString("[]string{")
		for i, s := range v {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.Quote(s))
		}
		b.WriteString("}")
		return b.String(), nil
	case map[string]string:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString("map[string]string{")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.Quote(k))
			b.WriteString(": ")
			b.WriteString(strconv.Quote(v[k]))
		}
		b.WriteString("}")
		return b.String(), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
}

// captureWriter collects interpreter stdout/stderr per Execute call.
type captureWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *captureWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Reset()
}

func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
