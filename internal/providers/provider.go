// Package providers defines the common interfaces and types used by all LLM
// provider implementations (OpenAI, Anthropic, Groq, OpenRouter).
//
// Each provider lives in its own sub-package and implements the Provider
// interface. Provider API keys are supplied per call — the gateway decrypts
// the customer's key from the vault and attaches it to the request, so a
// single provider instance serves every project.
package providers

import (
	"context"
	"time"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage — token usage stats.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// Choice is a single completion choice in the canonical response.
	Choice struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	}

	// ChatCompletion is the provider-neutral completion value used inside the
	// gateway. It is the only value the semantic cache stores for chat
	// endpoints, and it serializes to the OpenAI chat.completion wire shape.
	ChatCompletion struct {
		ID      string   `json:"id"`
		Object  string   `json:"object"`
		Created int64    `json:"created"`
		Model   string   `json:"model"`
		Choices []Choice `json:"choices"`
		Usage   Usage    `json:"usage"`
	}

	// StreamChunk is a single token chunk delivered during a streaming response.
	// Usage is non-nil only on the final chunk, when the provider reports it.
	StreamChunk struct {
		Content      string
		FinishReason string
		Usage        *Usage
	}

	// ChatRequest — normalized client request handed to a provider.
	ChatRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		TopP        float64
		MaxTokens   int

		// APIKey is the decrypted customer provider key. Always required.
		APIKey    string
		RequestID string
	}

	// ChatResult — normalized provider response. Exactly one of Completion or
	// Stream is set, depending on ChatRequest.Stream.
	ChatResult struct {
		Completion *ChatCompletion
		Stream     <-chan StreamChunk
	}
)

// Provider — LLM provider interface. Implementations own request building,
// response parsing, stream chunk parsing, and error mapping for one upstream.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingsRequest — normalized POST /v1/embeddings request.
type EmbeddingsRequest struct {
	Model string
	Input []string

	// APIKey is the decrypted customer provider key.
	APIKey    string
	RequestID string
}

// EmbeddingsResult carries the provider-shaped JSON response plus the parsed
// usage for quota accounting.
type EmbeddingsResult struct {
	Body  []byte
	Usage Usage
}

// EmbeddingsProvider is implemented by providers that serve the embeddings
// endpoint. Providers without embeddings support simply don't implement it.
type EmbeddingsProvider interface {
	Embeddings(ctx context.Context, req *EmbeddingsRequest) (*EmbeddingsResult, error)
}

// Names of the supported providers.
const (
	NameOpenAI     = "openai"
	NameAnthropic  = "anthropic"
	NameGroq       = "groq"
	NameOpenRouter = "openrouter"
)

// Default dispatch constants.
const (
	// ProviderTimeout is the non-streaming provider call deadline.
	ProviderTimeout = 60 * time.Second

	// StreamIdleTimeout is the maximum gap allowed between stream chunks.
	StreamIdleTimeout = 30 * time.Second

	// StreamTotalTimeout bounds the entire streaming call.
	StreamTotalTimeout = 300 * time.Second

	// FailoverDeadline bounds how long the key router may spend switching to
	// the next provider key after a failure.
	FailoverDeadline = 200 * time.Millisecond

	// MaxRetryAfter is the longest provider-requested backoff the key router
	// honors before failing over instead.
	MaxRetryAfter = 2 * time.Second
)

// terminalFinishReasons is the set of finish_reason values that mark a
// completion as terminal. Only terminal completions with non-empty content
// are cacheable.
var terminalFinishReasons = map[string]bool{
	"stop":           true,
	"length":         true,
	"tool_calls":     true,
	"function_call":  true,
	"content_filter": true,
}

// IsTerminalFinish reports whether reason marks a complete response.
func IsTerminalFinish(reason string) bool {
	return terminalFinishReasons[reason]
}

// StatusCoder is implemented by provider errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryAfterer is implemented by provider errors that carry a server-requested
// backoff (Retry-After).
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// IsAuthFailed reports whether err is a provider-side authentication failure
// (the customer key is invalid or revoked). Such errors trigger key failover.
func IsAuthFailed(err error) bool {
	if sc, ok := err.(StatusCoder); ok {
		s := sc.HTTPStatus()
		return s == 401 || s == 403
	}
	return false
}

// IsRateLimited reports whether err is a provider-side 429.
func IsRateLimited(err error) bool {
	if sc, ok := err.(StatusCoder); ok {
		return sc.HTTPStatus() == 429
	}
	return false
}

// IsUnavailable reports whether err looks like provider infrastructure
// failure — 5xx or a transport error with no status. Retryable on the next key.
func IsUnavailable(err error) bool {
	if sc, ok := err.(StatusCoder); ok {
		s := sc.HTTPStatus()
		return s >= 500 && s < 600
	}
	return true
}

// ModelAliases maps model names to provider names. Used to route
// POST /v1/chat/completions when the client does not name a provider.
var ModelAliases = map[string]string{

	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4":            "openai",
	"gpt-4o":           "openai",
	"gpt-4o-mini":      "openai",
	"gpt-4-turbo":      "openai",
	"gpt-3.5-turbo":    "openai",
	"gpt-4.1":          "openai",
	"gpt-4.1-mini":     "openai",
	"gpt-4.1-nano":     "openai",
	"o1":               "openai",
	"o1-mini":          "openai",
	"o3":               "openai",
	"o3-mini":          "openai",
	"o4-mini":          "openai",

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-3-5-sonnet-20241022": "anthropic",
	"claude-3-5-haiku-20241022":  "anthropic",
	"claude-3-opus-20240229":     "anthropic",
	"claude-3-haiku-20240307":    "anthropic",
	"claude-3-7-sonnet-20250219": "anthropic",
	"claude-opus-4":              "anthropic",
	"claude-sonnet-4":            "anthropic",
	"claude-haiku-4":             "anthropic",

	// ─── Groq ─────────────────────────────────────────────────────────────────
	"llama-3.3-70b-versatile": "groq",
	"llama-3.1-70b-versatile": "groq",
	"llama-3.1-8b-instant":    "groq",
	"llama3-70b-8192":         "groq",
	"llama3-8b-8192":          "groq",
	"gemma2-9b-it":            "groq",

	// ─── OpenRouter ───────────────────────────────────────────────────────────
	// OpenRouter aggregates many models under vendor/model names.
	"openai/gpt-4o":                  "openrouter",
	"anthropic/claude-3.5-sonnet":    "openrouter",
	"meta-llama/llama-3.1-70b":       "openrouter",
	"mistralai/mistral-large":        "openrouter",
	"google/gemini-2.0-flash-001":    "openrouter",
	"deepseek/deepseek-chat":         "openrouter",
	"qwen/qwen-2.5-72b-instruct":     "openrouter",
	"meta-llama/llama-3.3-70b":       "openrouter",
	"x-ai/grok-2":                    "openrouter",
	"nousresearch/hermes-3-llama-70b": "openrouter",
}

// EmbeddingModelAliases maps embedding model names to provider names. Used
// to route POST /v1/embeddings; embedding models carry no vendor prefix, so
// without the table they would fall through to the OpenRouter default.
var EmbeddingModelAliases = map[string]string{
	"text-embedding-3-small": "openai",
	"text-embedding-3-large": "openai",
	"text-embedding-ada-002": "openai",
}

// ResolveProvider returns the provider name serving model. Unknown models
// fall back by prefix, then to OpenRouter (it proxies most public models).
func ResolveProvider(model string) string {
	if p, ok := ModelAliases[model]; ok {
		return p
	}
	if p, ok := EmbeddingModelAliases[model]; ok {
		return p
	}
	switch {
	case hasPrefix(model, "text-embedding-"):
		return NameOpenAI
	case hasPrefix(model, "gpt-"), hasPrefix(model, "o1"), hasPrefix(model, "o3"), hasPrefix(model, "o4"):
		return NameOpenAI
	case hasPrefix(model, "claude-"):
		return NameAnthropic
	case hasPrefix(model, "llama"), hasPrefix(model, "gemma"):
		return NameGroq
	}
	return NameOpenRouter
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
