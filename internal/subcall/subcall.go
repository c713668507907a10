// Package subcall dispatches recursive model queries issued from executing
// code. Each call runs one level deeper than the session that spawned it and
// is rejected once the configured recursion limit is reached.
package subcall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rlm/internal/llm"
	"rlm/internal/trajectory"
)

// ErrRecursionLimit is returned when a sub-query would exceed the maximum
// nesting depth.
var ErrRecursionLimit = errors.New("recursion limit reached")

const errorMarkerPrefix = "[error: "

// ErrorMarker renders err as the in-band string handed back to executing
// code when a batched slot fails.
func ErrorMarker(err error) string {
	return errorMarkerPrefix + err.Error() + "]"
}

// IsErrorMarker reports whether s is a marker produced by ErrorMarker.
func IsErrorMarker(s string) bool {
	return strings.HasPrefix(s, errorMarkerPrefix) && strings.HasSuffix(s, "]")
}

// Dispatcher issues sub-queries on behalf of one session.
type Dispatcher struct {
	client    llm.Client
	limit     int
	sink      trajectory.Sink
	sessionID string
	iteration func() int
	log       *zap.Logger
}

// Config wires a dispatcher to its session.
type Config struct {
	Client llm.Client
	// Limit is the maximum recursion depth; depth 0 is the root session.
	Limit     int
	Sink      trajectory.Sink
	SessionID string
	// Iteration reports the root iteration currently executing, for
	// trajectory attribution.
	Iteration func() int
	Logger    *zap.Logger
}

// New returns a dispatcher. A nil sink and logger are replaced with no-ops.
func New(cfg Config) *Dispatcher {
	sink := cfg.Sink
	if sink == nil {
		sink = trajectory.Nop{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	iteration := cfg.Iteration
	if iteration == nil {
		iteration = func() int { return 0 }
	}
	return &Dispatcher{
		client:    cfg.Client,
		limit:     cfg.Limit,
		sink:      sink,
		sessionID: cfg.SessionID,
		iteration: iteration,
		log:       log,
	}
}

// Query issues a single sub-query from a caller at depth.
func (d *Dispatcher) Query(ctx context.Context, prompt string, depth int) (string, error) {
	if depth+1 > d.limit {
		d.log.Debug("sub-query rejected",
			zap.String("session_id", d.sessionID),
			zap.Int("depth", depth),
			zap.Int("limit", d.limit))
		return "", fmt.Errorf("%w: depth %d", ErrRecursionLimit, depth+1)
	}
	response, err := d.dispatch(ctx, prompt, depth, -1)
	if err != nil {
		return "", err
	}
	return response, nil
}

// QueryBatch issues prompts concurrently and returns responses in prompt
// order. A failed slot carries an error marker instead of failing the batch.
func (d *Dispatcher) QueryBatch(ctx context.Context, prompts []string, depth int) []string {
	results := make([]string, len(prompts))
	if len(prompts) == 0 {
		return results
	}
	if depth+1 > d.limit {
		marker := ErrorMarker(fmt.Errorf("%w: depth %d", ErrRecursionLimit, depth+1))
		for i := range results {
			results[i] = marker
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, prompt := range prompts {
		g.Go(func() error {
			response, err := d.dispatch(gctx, prompt, depth, i)
			if err != nil {
				// Don't fail the group; the slot reports its own error.
				results[i] = ErrorMarker(err)
				return nil
			}
			results[i] = response
			return nil
		})
	}
	g.Wait()
	return results
}

func (d *Dispatcher) dispatch(ctx context.Context, prompt string, depth, batchIndex int) (string, error) {
	start := time.Now()
	completion, err := d.client.Complete(ctx, []llm.Message{llm.User(prompt)})

	payload := &trajectory.SubQueryPayload{
		Iteration:  d.iteration(),
		Depth:      depth + 1,
		BatchIndex: batchIndex,
		Prompt:     prompt,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		payload.ErrText = err.Error()
	} else {
		payload.Response = completion.Text
	}
	if rerr := d.sink.Record(trajectory.Event{
		Kind:     trajectory.KindSubQuery,
		SubQuery: payload,
	}); rerr != nil {
		d.log.Warn("record sub-query event", zap.Error(rerr))
	}

	if err != nil {
		return "", fmt.Errorf("sub-query: %w", err)
	}
	return completion.Text, nil
}
