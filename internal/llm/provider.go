// Package llm defines the provider-agnostic interface to the code
// generation model. The pipeline only ever talks to this boundary; the
// model's internals (prompting strategy aside) are a collaborator, not
// part of this system.
package llm

import "context"

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// SendMessage sends a conversation to the LLM and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "gemini").
	Name() string
}

// Request represents one conversation sent to the LLM.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
}

// Message is a single turn in the conversation. Attachments carry inline
// binary reference material (e.g. a PDF spec sheet) alongside the text.
type Message struct {
	Role        Role
	Content     string
	Attachments []Attachment
}

// Attachment is an inline binary part sent with a message.
type Attachment struct {
	MIMEType string
	Data     []byte
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the LLM returns.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens", or a provider value.
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Add accumulates usage across pipeline stages.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}
