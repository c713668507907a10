// Package trajectory persists the ordered event log of a session: one
// append-only JSONL file per session, each line a self-contained record, plus
// a SQLite index of finished sessions. The log is the sole integration point
// with external viewers and is never read back during a live session.
package trajectory

import "time"

// EventKind discriminates trajectory records.
type EventKind string

const (
	KindSessionStart EventKind = "session_start"
	KindIteration    EventKind = "iteration"
	KindSubQuery     EventKind = "subquery"
	KindHumanQuery   EventKind = "human_query"
	KindSessionEnd   EventKind = "session_end"
)

// Event is one persisted record. Seq is assigned by the logger and is
// monotonic within a session file. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"ts"`

	Session   *SessionPayload   `json:"session,omitempty"`
	Iteration *IterationPayload `json:"iteration,omitempty"`
	SubQuery  *SubQueryPayload  `json:"subquery,omitempty"`
	Human     *HumanPayload     `json:"human,omitempty"`
}

// SessionPayload opens and closes a session log.
type SessionPayload struct {
	Input            string `json:"input,omitempty"`
	RootInstruction  string `json:"root_instruction,omitempty"`
	Environment      string `json:"environment,omitempty"`
	Model            string `json:"model,omitempty"`
	MaxIterations    int    `json:"max_iterations,omitempty"`
	RecursionLimit   int    `json:"recursion_limit,omitempty"`
	Status           string `json:"status,omitempty"`  // session_end only
	Answer           string `json:"answer,omitempty"`  // session_end only
	Failure          string `json:"failure,omitempty"` // session_end only
	Iterations       int    `json:"iterations,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	DurationMs       int64  `json:"duration_ms,omitempty"`
}

// IterationPayload records one generate→execute→check pass.
type IterationPayload struct {
	Index            int    `json:"index"`
	ModelText        string `json:"model_text"`
	Code             string `json:"code,omitempty"`
	Output           string `json:"output,omitempty"`
	ErrText          string `json:"err_text,omitempty"`
	Signal           string `json:"signal,omitempty"` // none, value, variable, ambiguous
	DurationMs       int64  `json:"duration_ms"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// SubQueryPayload records one recursive model call issued from executing
// code. Iteration links it to the pass that spawned it; BatchIndex is -1 for
// single queries.
type SubQueryPayload struct {
	Iteration  int    `json:"iteration"`
	Depth      int    `json:"depth"`
	BatchIndex int    `json:"batch_index"`
	Prompt     string `json:"prompt"`
	Response   string `json:"response,omitempty"`
	ErrText    string `json:"err_text,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// HumanPayload records one blocking human gateway exchange.
type HumanPayload struct {
	Iteration  int      `json:"iteration"`
	Question   string   `json:"question"`
	Options    []string `json:"options,omitempty"`
	Answer     string   `json:"answer,omitempty"`
	TimedOut   bool     `json:"timed_out,omitempty"`
	ErrText    string   `json:"err_text,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}
