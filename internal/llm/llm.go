// Package llm defines the minimal model-provider boundary: send an ordered
// message history, receive generated text plus optional token usage.
// Provider selection and authentication live in the caller's configuration;
// this package only knows how to talk to an endpoint.
package llm

import "context"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation history sent to a provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage carries token counters when the provider reports them.
// Zero values mean "not reported".
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// Completion is one generated model response.
type Completion struct {
	Text  string
	Usage Usage
}

// Client is the provider contract. Implementations must be safe for
// concurrent use; batched sub-queries fan out over a single Client.
type Client interface {
	Complete(ctx context.Context, messages []Message) (*Completion, error)
}

// System, User and Assistant are small helpers for building transcripts.
func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }
