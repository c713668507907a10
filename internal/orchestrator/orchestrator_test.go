package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/internal/config"
	"rlm/internal/llm"
	"rlm/internal/sandbox"
	"rlm/internal/trajectory"
)

// scriptClient replays canned responses for root turns and answers
// sub-queries (they carry no system prompt) with subResponse.
type scriptClient struct {
	mu          sync.Mutex
	responses   []string
	rootCalls   [][]llm.Message
	subPrompts  []string
	subResponse string
	err         error
}

func (c *scriptClient) Complete(ctx context.Context, messages []llm.Message) (*llm.Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}
	if messages[0].Role != llm.RoleSystem {
		c.subPrompts = append(c.subPrompts, messages[len(messages)-1].Content)
		return &llm.Completion{Text: c.subResponse}, nil
	}

	idx := len(c.rootCalls)
	c.rootCalls = append(c.rootCalls, append([]llm.Message(nil), messages...))
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	return &llm.Completion{
		Text:  c.responses[idx],
		Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5},
	}, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.LLM.APIKey = "test"
	cfg.Trajectory.Dir = ""
	cfg.Limits.MaxIterations = 5
	return cfg
}

func run(t *testing.T, client llm.Client, cfg config.Config, input Input) *Result {
	t.Helper()
	orch := New(client, sandbox.NewRegistry(), cfg, nil, nil)
	result, err := orch.Run(context.Background(), input)
	require.NoError(t, err)
	return result
}

func TestRunResolvesDirectAnswer(t *testing.T) {
	client := &scriptClient{responses: []string{
		"```repl\nsum := 2 + 2\n```\nThe computation is done. FINAL_VAR(sum)",
	}}
	result := run(t, client, testConfig(), Input{Text: "what is 2+2"})

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, ReasonResolved, result.Reason)
	assert.Equal(t, "4", result.Answer)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 10, result.Usage.PromptTokens)
	assert.Equal(t, 5, result.Usage.CompletionTokens)
}

func TestRunResolvesValueSignal(t *testing.T) {
	client := &scriptClient{responses: []string{"I know this one. FINAL(Paris)"}}
	result := run(t, client, testConfig(), Input{Text: "capital of France"})

	assert.Equal(t, ReasonResolved, result.Reason)
	assert.Equal(t, "Paris", result.Answer)
}

func TestRunContextIsBound(t *testing.T) {
	client := &scriptClient{responses: []string{
		"```repl\nfound := context\n```\nFINAL_VAR(found)",
	}}
	result := run(t, client, testConfig(), Input{
		Text:   "echo the context",
		Values: map[string]any{"context": "the payload"},
	})

	assert.Equal(t, "the payload", result.Answer)
}

func TestRunManifestDescribesContext(t *testing.T) {
	client := &scriptClient{responses: []string{"FINAL(ok)"}}
	run(t, client, testConfig(), Input{
		Text:   "q",
		Values: map[string]any{"context": map[string]string{"report.md": "12345"}},
	})

	require.NotEmpty(t, client.rootCalls)
	first := client.rootCalls[0]
	require.GreaterOrEqual(t, len(first), 3)
	assert.Equal(t, llm.RoleSystem, first[0].Role)
	assert.Contains(t, first[1].Content, "map[string]string")
	assert.Contains(t, first[1].Content, "report.md")
	// Iteration 0 carries the look-first safeguard.
	assert.Contains(t, first[2].Content, "have not interacted")
}

func TestRunSelfCorrection(t *testing.T) {
	client := &scriptClient{responses: []string{
		"```repl\nbroken +=\n```",
		"Let me fix that.\n```repl\nfixed := \"ok\"\n```\nFINAL_VAR(fixed)",
	}}
	result := run(t, client, testConfig(), Input{Text: "task"})

	assert.Equal(t, ReasonResolved, result.Reason)
	assert.Equal(t, "ok", result.Answer)
	assert.Equal(t, 2, result.Iterations)

	// The second turn saw the execution error as an observation.
	require.Len(t, client.rootCalls, 2)
	second := client.rootCalls[1]
	joined := ""
	for _, m := range second {
		joined += m.Content + "\n"
	}
	assert.Contains(t, joined, "Error:")
}

func TestRunBudgetExhausted(t *testing.T) {
	client := &scriptClient{responses: []string{"still thinking, no code yet"}}
	cfg := testConfig()
	cfg.Limits.MaxIterations = 2

	result := run(t, client, cfg, Input{Text: "task"})

	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, ReasonBudgetExhausted, result.Reason)
	assert.Equal(t, 2, result.Iterations)
	assert.Empty(t, result.Answer)
	assert.Equal(t, "still thinking, no code yet", result.Partial)
	assert.Len(t, client.rootCalls, 2, "exactly the budget, no more")
}

func TestRunAmbiguousSignalSuppressed(t *testing.T) {
	client := &scriptClient{responses: []string{
		"Either FINAL(a) or FINAL_VAR(context) works",
		"FINAL(settled)",
	}}
	result := run(t, client, testConfig(), Input{Text: "task"})

	assert.Equal(t, "settled", result.Answer)
	assert.Equal(t, 2, result.Iterations)

	second := client.rootCalls[1]
	assert.Contains(t, second[len(second)-2].Content, "exactly one completion signal")
}

func TestRunUnboundFinalVarSuppressed(t *testing.T) {
	client := &scriptClient{responses: []string{
		"FINAL_VAR(neverDefined)",
		"```repl\nactual := \"here\"\n```\nFINAL_VAR(actual)",
	}}
	result := run(t, client, testConfig(), Input{Text: "task"})

	assert.Equal(t, "here", result.Answer)
	assert.Equal(t, 2, result.Iterations)

	second := client.rootCalls[1]
	joined := ""
	for _, m := range second {
		joined += m.Content + "\n"
	}
	assert.Contains(t, joined, "not defined")
}

func TestRunSubQuery(t *testing.T) {
	client := &scriptClient{
		responses: []string{
			"```repl\nsub := llmQuery(\"inner question\")\n```\nFINAL_VAR(sub)",
		},
		subResponse: "inner answer",
	}
	result := run(t, client, testConfig(), Input{Text: "delegate"})

	assert.Equal(t, "inner answer", result.Answer)
	assert.Equal(t, []string{"inner question"}, client.subPrompts)
}

func TestRunModelFailure(t *testing.T) {
	client := &scriptClient{err: errors.New("provider down")}
	result := run(t, client, testConfig(), Input{Text: "task"})

	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, ReasonModelFailure, result.Reason)
	assert.Contains(t, result.LastError, "provider down")
	// The pass never finished, so it does not count.
	assert.Equal(t, 0, result.Iterations)
}

// fatalEnv fails every Execute with an environment error.
type fatalEnv struct{}

func (fatalEnv) Execute(ctx context.Context, code string) (*sandbox.ExecutionResult, error) {
	return nil, fmt.Errorf("%w: interpreter died", sandbox.ErrEnvironmentFatal)
}
func (fatalEnv) Bind(name string, value any) error { return nil }
func (fatalEnv) Read(name string) (any, error)     { return nil, sandbox.ErrNameNotFound }
func (fatalEnv) Reset() error                      { return nil }
func (fatalEnv) Teardown() error                   { return nil }

func TestRunEnvironmentFatal(t *testing.T) {
	registry := sandbox.NewRegistry()
	registry.Register(config.EnvLocal, func(cfg config.EnvConfig, rt sandbox.Runtime) (sandbox.Environment, error) {
		return fatalEnv{}, nil
	})

	client := &scriptClient{responses: []string{"```repl\nx := 1\n```"}}
	orch := New(client, registry, testConfig(), nil, nil)
	result, err := orch.Run(context.Background(), Input{Text: "task"})
	require.NoError(t, err)

	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, ReasonEnvironmentFatal, result.Reason)
	assert.Contains(t, result.LastError, "interpreter died")
	// The fatal pass recorded its iteration event, so it counts.
	assert.Equal(t, 1, result.Iterations)
}

func TestRunTrajectory(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Trajectory.Dir = dir

	index, err := trajectory.OpenIndex(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	defer index.Close()

	client := &scriptClient{responses: []string{
		"```repl\nanswer := \"42\"\n```\nFINAL_VAR(answer)",
	}}
	orch := New(client, sandbox.NewRegistry(), cfg, index, nil)
	result, err := orch.Run(context.Background(), Input{Text: "meaning of life"})
	require.NoError(t, err)
	require.NotEmpty(t, result.LogPath)

	events, err := trajectory.ReadFile(result.LogPath)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 3)

	assert.Equal(t, trajectory.KindSessionStart, events[0].Kind)
	assert.Equal(t, "meaning of life", events[0].Session.Input)
	assert.Equal(t, trajectory.KindSessionEnd, events[len(events)-1].Kind)
	assert.Equal(t, "42", events[len(events)-1].Session.Answer)
	for i, e := range events {
		assert.Equal(t, i, e.Seq, "seq is contiguous")
		assert.Equal(t, result.SessionID, e.SessionID)
	}

	var sawIteration bool
	for _, e := range events {
		if e.Kind == trajectory.KindIteration {
			sawIteration = true
			assert.Equal(t, "variable", e.Iteration.Signal)
		}
	}
	assert.True(t, sawIteration)

	sessions, err := index.List(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, result.SessionID, sessions[0].ID)
	assert.Equal(t, string(StateDone), sessions[0].Status)
	assert.Equal(t, "42", sessions[0].Answer)
}

func TestRunInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxIterations = 0
	orch := New(&scriptClient{responses: []string{"FINAL(x)"}}, sandbox.NewRegistry(), cfg, nil, nil)
	_, err := orch.Run(context.Background(), Input{Text: "task"})
	require.Error(t, err)
}

func TestRenderValue(t *testing.T) {
	assert.Equal(t, "text", renderValue("text"))
	assert.Equal(t, "a\nb", renderValue([]string{"a", "b"}))
	assert.Equal(t, "7", renderValue(7))
	assert.Equal(t, "", renderValue(nil))
}

func TestRunNoCodeNudge(t *testing.T) {
	client := &scriptClient{responses: []string{
		"I should probably look at the context first.",
		"FINAL(done)",
	}}
	result := run(t, client, testConfig(), Input{Text: "task"})
	assert.Equal(t, "done", result.Answer)

	second := client.rootCalls[1]
	joined := ""
	for _, m := range second {
		joined += m.Content + "\n"
	}
	assert.True(t, strings.Contains(joined, "no repl code block"), "model is nudged toward the protocol")
}
