// Package llm defines the Provider interface for the language-model backends
// that power Lifestrand's NPC dialogue.
//
// A Provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama or llama.cpp instance) and exposes a uniform surface for the model
// runtime to stream completions, count tokens, and inspect model metadata
// without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and may differ between providers for the same
// textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages or SystemPrompt must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is a high-priority instruction injected before the
	// conversation history. Providers without a dedicated system field should
	// prepend it as a "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. 0.0 requests
	// greedy decoding.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int

	// StopSequences terminate generation when emitted by the model.
	StopSequences []string
}

// Chunk is a single token or fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on the final chunk.
	Text string

	// FinishReason is set on the final chunk: "stop" (natural end), "length"
	// (MaxTokens reached), "error" (mid-stream failure), or "" (non-final).
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ModelInfo describes the static properties of a provider's model. The model
// runtime uses SizeBytes as the initial VRAM estimate before observed loads
// refine it.
type ModelInfo struct {
	// ID is the provider-specific model identifier (e.g. "gpt-4o",
	// "llama3.1:8b").
	ID string

	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens one completion may generate.
	MaxOutputTokens int

	// SizeBytes is the approximate GPU-resident size of the model, or 0 when
	// the backend cannot report one.
	SizeBytes int64

	// SupportsStreaming indicates the backend supports incremental output.
	SupportsStreaming bool
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use. Each method must propagate
// context cancellation promptly: when ctx is cancelled the method returns (or
// closes its channel) as quickly as possible.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// emitting Chunk values as they arrive. The implementation closes the
	// channel when generation finishes or ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Failures after
	// the channel opens surface as a Chunk with FinishReason "error"; the
	// error return is non-nil only when the stream cannot start at all.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. Convenience wrapper
	// for callers that do not need incremental output.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens messages would consume in the
	// model's context window. The result need not be exact but should not
	// undercount.
	CountTokens(messages []Message) (int, error)

	// Info returns static metadata for the underlying model, constant for the
	// lifetime of the Provider instance.
	Info() ModelInfo
}
