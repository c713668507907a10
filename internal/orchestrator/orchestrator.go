// Package orchestrator runs the iterative session loop: prompt the model,
// execute the code it emits against a persistent environment, feed the
// results back, and stop on a completion signal or an exhausted budget.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rlm/internal/config"
	"rlm/internal/human"
	"rlm/internal/llm"
	"rlm/internal/prompt"
	"rlm/internal/sandbox"
	"rlm/internal/signal"
	"rlm/internal/subcall"
	"rlm/internal/trajectory"
)

// State tracks where a session is in its lifecycle.
type State string

const (
	StateInit       State = "init"
	StateGenerating State = "generating"
	StateExecuting  State = "executing"
	StateChecking   State = "checking"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Reason explains why a session reached a terminal state.
type Reason string

const (
	// ReasonResolved means the model emitted a completion signal that
	// resolved to an answer.
	ReasonResolved Reason = "resolved"

	// ReasonBudgetExhausted means the iteration budget ran out before a
	// signal resolved. Result.Partial carries the last model output.
	ReasonBudgetExhausted Reason = "budget_exhausted"

	// ReasonEnvironmentFatal means the execution environment itself failed.
	ReasonEnvironmentFatal Reason = "environment_fatal"

	// ReasonModelFailure means the model client failed after retries.
	ReasonModelFailure Reason = "model_failure"
)

// Input is the task handed to a session. Values are bound into the
// environment namespace before the first iteration; the "context" entry is
// what the model is told to explore. When Values carries no context, Text
// doubles as the context value.
type Input struct {
	Text   string
	Values map[string]any
}

// Result is the terminal outcome of a session.
type Result struct {
	SessionID  string
	State      State
	Reason     Reason
	Answer  string
	Partial string

	// Iterations counts completed generate-execute-check passes, matching
	// the iteration events in the trajectory.
	Iterations int
	Usage      llm.Usage
	Duration   time.Duration
	LastError  string

	// LogPath is the trajectory file for this session, empty when
	// persistence is disabled.
	LogPath string
}

// Resolved reports whether the session produced a final answer.
func (r *Result) Resolved() bool { return r.Reason == ReasonResolved }

// Orchestrator runs sessions. It is safe for concurrent use; each Run owns
// its session state exclusively.
type Orchestrator struct {
	client   llm.Client
	registry *sandbox.Registry
	cfg      config.Config
	index    *trajectory.Index
	log      *zap.Logger
}

// New builds an orchestrator. index may be nil to skip session indexing; a
// nil logger is replaced with a no-op.
func New(client llm.Client, registry *sandbox.Registry, cfg config.Config, index *trajectory.Index, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if registry == nil {
		registry = sandbox.NewRegistry()
	}
	return &Orchestrator{client: client, registry: registry, cfg: cfg, index: index, log: log}
}

// session is the per-run state.
type session struct {
	id        string
	state     State
	iteration atomic.Int64
	sink      trajectory.Sink
	usage     llm.Usage

	// passes counts iterations that recorded a trajectory event; an abort
	// before the event (e.g. a model failure) does not count.
	passes int
}

// Run executes one full session and returns its terminal result. The error
// is non-nil only for setup failures and context cancellation; in-loop
// failures terminate normally with State=StateFailed and a Reason.
func (o *Orchestrator) Run(ctx context.Context, input Input) (*Result, error) {
	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	start := time.Now()
	s := &session{id: uuid.NewString(), state: StateInit}
	log := o.log.With(zap.String("session_id", s.id))

	sink, logPath, err := o.openSink(s.id, log)
	if err != nil {
		return nil, err
	}
	s.sink = sink

	result := &Result{SessionID: s.id, LogPath: logPath}
	defer func() {
		result.Iterations = s.passes
		result.Usage = s.usage
		result.Duration = time.Since(start)
		result.State = s.state
		o.finish(s, result, log)
	}()

	o.record(s, trajectory.Event{
		Kind: trajectory.KindSessionStart,
		Session: &trajectory.SessionPayload{
			Input:           input.Text,
			RootInstruction: o.cfg.RootInstruction,
			Environment:     o.cfg.Env.Kind,
			Model:           o.cfg.LLM.Model,
			MaxIterations:   o.cfg.Limits.MaxIterations,
			RecursionLimit:  o.cfg.Limits.RecursionLimit,
		},
	}, log)

	env, err := o.buildEnvironment(s, log)
	if err != nil {
		s.state = StateFailed
		result.Reason = ReasonEnvironmentFatal
		result.LastError = err.Error()
		return result, nil
	}
	defer func() {
		if terr := env.Teardown(); terr != nil {
			log.Warn("environment teardown", zap.Error(terr))
		}
	}()

	contextValue, err := bindInputs(env, input)
	if err != nil {
		s.state = StateFailed
		result.Reason = ReasonEnvironmentFatal
		result.LastError = err.Error()
		return result, nil
	}

	transcript := []llm.Message{
		llm.System(prompt.SystemPrompt),
		prompt.Manifest(prompt.MetadataFor(contextValue)),
	}

	rootPrompt := o.cfg.RootInstruction
	if rootPrompt == "" {
		rootPrompt = input.Text
	}

	names := make(map[string]struct{})
	for name := range input.Values {
		names[name] = struct{}{}
	}
	names["context"] = struct{}{}

	for i := 0; i < o.cfg.Limits.MaxIterations; i++ {
		s.iteration.Store(int64(i))
		iterStart := time.Now()

		s.state = StateGenerating
		transcript = append(transcript, prompt.UserTurn(rootPrompt, i))
		completion, err := o.client.Complete(ctx, transcript)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			s.state = StateFailed
			result.Reason = ReasonModelFailure
			result.LastError = err.Error()
			log.Error("model call failed", zap.Int("iteration", i), zap.Error(err))
			return result, nil
		}
		s.usage.Add(completion.Usage)
		transcript = append(transcript, llm.Assistant(completion.Text))

		event := &trajectory.IterationPayload{
			Index:            i,
			ModelText:        completion.Text,
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
		}

		s.state = StateExecuting
		code := signal.ExtractCode(completion.Text)
		var exec *sandbox.ExecutionResult
		if code != "" {
			exec, err = env.Execute(ctx, code)
			if err != nil {
				if ctx.Err() != nil {
					return result, ctx.Err()
				}
				s.state = StateFailed
				result.Reason = ReasonEnvironmentFatal
				result.LastError = err.Error()
				event.Code = code
				event.ErrText = err.Error()
				event.DurationMs = time.Since(iterStart).Milliseconds()
				o.record(s, trajectory.Event{Kind: trajectory.KindIteration, Iteration: event}, log)
				s.passes++
				log.Error("environment failure", zap.Int("iteration", i), zap.Error(err))
				return result, nil
			}
			event.Code = code
			event.Output = exec.Output
			event.ErrText = exec.ErrText
			for _, name := range exec.VarNames {
				names[name] = struct{}{}
			}
		}

		s.state = StateChecking
		sig := signal.Parse(completion.Text, names)
		event.Signal = signalLabel(sig)
		event.DurationMs = time.Since(iterStart).Milliseconds()
		o.record(s, trajectory.Event{Kind: trajectory.KindIteration, Iteration: event}, log)
		s.passes++

		switch sig.Kind {
		case signal.KindValue:
			s.state = StateDone
			result.Reason = ReasonResolved
			result.Answer = sig.Value
			return result, nil

		case signal.KindVariable:
			value, err := env.Read(sig.Variable)
			if err != nil {
				// The namespace disagrees with the snapshot; let the model
				// correct itself on the next pass.
				transcript = append(transcript, llm.User(fmt.Sprintf(
					"FINAL_VAR(%s) could not be resolved: %v. Store your answer in a variable first, then signal again.",
					sig.Variable, err)))
				continue
			}
			s.state = StateDone
			result.Reason = ReasonResolved
			result.Answer = renderValue(value)
			return result, nil
		}

		transcript = append(transcript, o.observe(sig, code, exec))
		result.Partial = completion.Text
	}

	s.state = StateFailed
	result.Reason = ReasonBudgetExhausted
	log.Warn("iteration budget exhausted", zap.Int("max_iterations", o.cfg.Limits.MaxIterations))
	return result, nil
}

// observe builds the feedback turn for an iteration that did not resolve.
func (o *Orchestrator) observe(sig signal.Signal, code string, exec *sandbox.ExecutionResult) llm.Message {
	limit := o.cfg.Limits.MaxObservationChars
	switch {
	case sig.Ambiguous:
		return llm.User("Your response contained both FINAL(...) and FINAL_VAR(...). Provide exactly one completion signal.")
	case sig.UnboundVariable != "":
		return llm.User(fmt.Sprintf(
			"FINAL_VAR(%s) refers to a variable that is not defined in the environment. Assign it in a repl block first, then signal again.",
			sig.UnboundVariable))
	case code == "":
		return llm.User("Your response contained no repl code block and no completion signal. Write code in a ```repl``` block, or provide FINAL(...) / FINAL_VAR(...).")
	default:
		return prompt.Observation(exec.Output, exec.ErrText, limit)
	}
}

func (o *Orchestrator) buildEnvironment(s *session, log *zap.Logger) (sandbox.Environment, error) {
	rt := &sessionRuntime{
		dispatcher: subcall.New(subcall.Config{
			Client:    o.client,
			Limit:     o.cfg.Limits.RecursionLimit,
			Sink:      s.sink,
			SessionID: s.id,
			Iteration: func() int { return int(s.iteration.Load()) },
			Logger:    log,
		}),
		human: human.New(human.Config{
			Addr:      o.cfg.Human.Addr,
			Timeout:   o.cfg.Human.Timeout.Std(),
			Sink:      s.sink,
			Iteration: func() int { return int(s.iteration.Load()) },
			Logger:    log,
		}),
	}
	env, err := o.registry.New(o.cfg.Env, rt)
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (o *Orchestrator) openSink(sessionID string, log *zap.Logger) (trajectory.Sink, string, error) {
	if o.cfg.Trajectory.Dir == "" {
		return trajectory.Nop{}, "", nil
	}
	logger, err := trajectory.Open(o.cfg.Trajectory.Dir, sessionID, log)
	if err != nil {
		return nil, "", fmt.Errorf("open trajectory log: %w", err)
	}
	return logger, logger.Path(), nil
}

// finish records the terminal event, closes the sink, and indexes the
// session.
func (o *Orchestrator) finish(s *session, result *Result, log *zap.Logger) {
	now := time.Now()
	o.record(s, trajectory.Event{
		Kind: trajectory.KindSessionEnd,
		Session: &trajectory.SessionPayload{
			Status:           string(result.State),
			Answer:           result.Answer,
			Failure:          result.LastError,
			Iterations:       result.Iterations,
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			DurationMs:       result.Duration.Milliseconds(),
		},
	}, log)

	if closer, ok := s.sink.(*trajectory.Logger); ok {
		if err := closer.Close(); err != nil {
			log.Warn("close trajectory log", zap.Error(err))
		}
	}

	if o.index != nil {
		err := o.index.Insert(trajectory.SessionSummary{
			ID:               s.id,
			LogPath:          result.LogPath,
			StartedAt:        now.Add(-result.Duration),
			EndedAt:          now,
			Status:           string(result.State),
			Iterations:       result.Iterations,
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			Answer:           result.Answer,
			Failure:          result.LastError,
		})
		if err != nil {
			log.Warn("index session", zap.Error(err))
		}
	}

	log.Info("session finished",
		zap.String("state", string(result.State)),
		zap.String("reason", string(result.Reason)),
		zap.Int("iterations", result.Iterations),
		zap.Int("prompt_tokens", result.Usage.PromptTokens),
		zap.Int("completion_tokens", result.Usage.CompletionTokens),
		zap.Duration("duration", result.Duration))
}

func (o *Orchestrator) record(s *session, event trajectory.Event, log *zap.Logger) {
	if err := s.sink.Record(event); err != nil {
		log.Warn("record trajectory event", zap.Error(err))
	}
}

// bindInputs loads input values into the environment and returns the value
// the manifest describes as the context.
func bindInputs(env sandbox.Environment, input Input) (any, error) {
	contextValue, ok := input.Values["context"]
	if !ok {
		contextValue = input.Text
	}
	if err := env.Bind("context", contextValue); err != nil {
		return nil, fmt.Errorf("bind context: %w", err)
	}

	names := make([]string, 0, len(input.Values))
	for name := range input.Values {
		if name != "context" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := env.Bind(name, input.Values[name]); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return contextValue, nil
}

func signalLabel(sig signal.Signal) string {
	if sig.Ambiguous {
		return "ambiguous"
	}
	if sig.UnboundVariable != "" {
		return "unbound_variable"
	}
	return sig.Kind.String()
}

// renderValue flattens a namespace value into answer text.
func renderValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, "\n")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
