// Package human bridges executing code to a person. Questions are posted to
// an operator-run HTTP responder and block until answered or timed out.
package human

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"rlm/internal/trajectory"
)

// ErrTimeout is returned when the responder does not answer within the
// configured window.
var ErrTimeout = errors.New("human query timed out")

// ErrNotConfigured is returned when no responder address is set.
var ErrNotConfigured = errors.New("human gateway not configured")

// Gateway asks a human responder on behalf of one session.
type Gateway struct {
	addr      string
	timeout   time.Duration
	client    *http.Client
	sink      trajectory.Sink
	iteration func() int
	log       *zap.Logger
}

// Config wires a gateway to its session.
type Config struct {
	// Addr is the responder base URL. Empty means no human is reachable.
	Addr    string
	Timeout time.Duration
	Sink    trajectory.Sink
	// Iteration reports the root iteration currently executing, for
	// trajectory attribution.
	Iteration func() int
	Logger    *zap.Logger
}

type askRequest struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

type askResponse struct {
	Answer string `json:"answer"`
}

// New returns a gateway. A nil sink and logger are replaced with no-ops.
func New(cfg Config) *Gateway {
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
	return &Gateway{
		addr:      strings.TrimRight(cfg.Addr, "/"),
		timeout:   cfg.Timeout,
		client:    &http.Client{},
		sink:      sink,
		iteration: iteration,
		log:       log,
	}
}

// Ask blocks until the responder answers, the timeout elapses, or ctx is
// cancelled.
func (g *Gateway) Ask(ctx context.Context, question string, options []string) (string, error) {
	start := time.Now()
	payload := &trajectory.HumanPayload{
		Iteration: g.iteration(),
		Question:  question,
		Options:   options,
	}
	defer func() {
		payload.DurationMs = time.Since(start).Milliseconds()
		if err := g.sink.Record(trajectory.Event{
			Kind:  trajectory.KindHumanQuery,
			Human: payload,
		}); err != nil {
			g.log.Warn("record human query event", zap.Error(err))
		}
	}()

	if g.addr == "" {
		payload.ErrText = ErrNotConfigured.Error()
		return "", ErrNotConfigured
	}

	askCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		askCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	answer, err := g.post(askCtx, question, options)
	if err != nil {
		// Distinguish our deadline from the session being cancelled.
		if askCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			payload.TimedOut = true
			payload.ErrText = ErrTimeout.Error()
			return "", ErrTimeout
		}
		payload.ErrText = err.Error()
		return "", err
	}

	payload.Answer = answer
	g.log.Info("human query answered",
		zap.Int("iteration", payload.Iteration),
		zap.Duration("elapsed", time.Since(start)))
	return answer, nil
}

func (g *Gateway) post(ctx context.Context, question string, options []string) (string, error) {
	body, err := json.Marshal(askRequest{Question: question, Options: options})
	if err != nil {
		return "", fmt.Errorf("encode question: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.addr+"/ask", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("human gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("human gateway: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var out askResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode answer: %w", err)
	}
	return out.Answer, nil
}
