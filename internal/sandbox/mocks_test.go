package sandbox

import (
	"context"
	"errors"
	"sync"
)

// fakeRuntime is a scripted Runtime for environment tests.
type fakeRuntime struct {
	mu          sync.Mutex
	queries     []string
	queryAnswer string
	queryErr    error
	humanAnswer string
	humanErr    error
}

func (r *fakeRuntime) LLMQuery(ctx context.Context, prompt string) (string, error) {
	r.mu.Lock()
	r.queries = append(r.queries, prompt)
	r.mu.Unlock()
	if r.queryErr != nil {
		return "", r.queryErr
	}
	if r.queryAnswer != "" {
		return r.queryAnswer, nil
	}
	return "echo:" + prompt, nil
}

func (r *fakeRuntime) LLMQueryBatch(ctx context.Context, prompts []string) []string {
	out := make([]string, len(prompts))
	for i, p := range prompts {
		response, err := r.LLMQuery(ctx, p)
		if err != nil {
			response = "[error: " + err.Error() + "]"
		}
		out[i] = response
	}
	return out
}

func (r *fakeRuntime) HumanQuery(ctx context.Context, question string, options []string) (string, error) {
	if r.humanErr != nil {
		return "", r.humanErr
	}
	if r.humanAnswer != "" {
		return r.humanAnswer, nil
	}
	return "", errors.New("no human configured")
}

func (r *fakeRuntime) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.queries...)
}
