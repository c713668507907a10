package orchestrator

import (
	"context"

	"rlm/internal/human"
	"rlm/internal/subcall"
)

// sessionRuntime is the host surface handed to the environment: it routes
// sub-queries through the session's dispatcher at depth 0 and human
// questions through the gateway.
type sessionRuntime struct {
	dispatcher *subcall.Dispatcher
	human      *human.Gateway
}

func (r *sessionRuntime) LLMQuery(ctx context.Context, prompt string) (string, error) {
	return r.dispatcher.Query(ctx, prompt, 0)
}

func (r *sessionRuntime) LLMQueryBatch(ctx context.Context, prompts []string) []string {
	return r.dispatcher.QueryBatch(ctx, prompts, 0)
}

func (r *sessionRuntime) HumanQuery(ctx context.Context, question string, options []string) (string, error) {
	return r.human.Ask(ctx, question, options)
}
