// Package embedding produces dense prompt vectors for the semantic cache via
// an OpenAI-compatible embeddings API.
package embedding

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Deadline bounds every embedder call. On expiry the cache engine degrades
// to fingerprint-exact lookup — embedder latency must never stall requests.
const Deadline = 2 * time.Second

// Client calls the embeddings API and returns unit-normalized vectors of a
// fixed dimension.
type Client struct {
	model string
	dim   int
	sdk   openaiSDK.Client
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct{ baseURL string }

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(c *clientConfig) { c.baseURL = u }
}

// NewClient creates an embedding client. The service key here is the
// gateway's own — customer provider keys are never used for embeddings.
func NewClient(apiKey, model string, dim int, opts ...Option) *Client {
	cfg := clientConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: Deadline}),
	}
	if cfg.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Client{
		model: model,
		dim:   dim,
		sdk:   openaiSDK.NewClient(sdkOpts...),
	}
}

// Dim returns the configured vector dimension.
func (c *Client) Dim() int { return c.dim }

// Embed returns the unit-normalized embedding for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, Deadline)
	defer cancel()

	resp, err := c.sdk.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(c.model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfString: openaiSDK.String(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding: empty response")
	}

	raw := resp.Data[0].Embedding
	if c.dim > 0 && len(raw) != c.dim {
		return nil, fmt.Errorf("embedding: dimension mismatch: got %d, want %d", len(raw), c.dim)
	}

	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return Normalize(vec), nil
}

// Normalize scales vec to unit length in place and returns it. A zero vector
// is returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec
}
