package interfaces

import "context"

// GenerateRequest is a single opaque generation call against one upstream model
type GenerateRequest struct {
	Model       string // Provider model id, optionally prefixed ("gemini/", "claude/")
	APIKey      string // Optional credential override for this model
	Prompt      string
	System      string
	Temperature float32
	MaxTokens   int
}

// GenerateResponse carries the generated text and the token usage reported by the provider
type GenerateResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Generator performs the opaque upstream generation call.
// Implementations must honour ctx cancellation and deadlines.
type Generator interface {
	Generate(ctx context.Context, request *GenerateRequest) (*GenerateResponse, error)
}
