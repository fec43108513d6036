package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/xhad/docsqa/internal/models"
	"github.com/xhad/docsqa/internal/types"
)

// TaskType tells the embedding service how the vector will be used.
type TaskType string

const (
	TaskRetrievalDocument TaskType = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    TaskType = "RETRIEVAL_QUERY"
)

const normEpsilon = 1e-12

// EmbeddingClient is a remote embedding endpoint.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string, task TaskType, dim int) ([]float32, error)
	// NativeDimension is the size of the model's full-length output.
	NativeDimension() int
}

// EmbedderConfig configures the Embedder adapter.
type EmbedderConfig struct {
	Dimension int
	// QueryCacheSize enables an LRU cache of query vectors when positive.
	QueryCacheSize int
}

// Embedder maps text to vectors of exactly Dimension components.
type Embedder struct {
	config EmbedderConfig
	client EmbeddingClient
	cache  *lru.Cache[string, []float32]
}

var _ types.Embedder = (*Embedder)(nil)

func NewEmbedderWithConfig(config EmbedderConfig, client EmbeddingClient) (*Embedder, error) {
	if client == nil {
		return nil, errors.New("embedding client is required")
	}
	if config.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", config.Dimension)
	}
	if native := client.NativeDimension(); native > 0 && config.Dimension > native {
		return nil, fmt.Errorf("embedding dimension %d exceeds native dimension %d", config.Dimension, native)
	}

	e := &Embedder{config: config, client: client}
	if config.QueryCacheSize > 0 {
		cache, err := lru.New[string, []float32](config.QueryCacheSize)
		if err != nil {
			return nil, fmt.Errorf("init query cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

func (e *Embedder) Dimension() int {
	return e.config.Dimension
}

// Embed returns the vector for text. Below the native dimension the result
// is scaled to unit L2 norm; at the native dimension it is returned as is.
func (e *Embedder) Embed(ctx context.Context, text string, mode types.EmbedMode) ([]float32, error) {
	task, err := taskFor(mode)
	if err != nil {
		return nil, err
	}

	var key string
	if e.cache != nil && mode == types.ModeQuery {
		key = cacheKey(text)
		if v, ok := e.cache.Get(key); ok {
			return cloneVector(v), nil
		}
	}

	dim := e.config.Dimension
	vec, err := e.client.Embed(ctx, text, task, dim)
	if err != nil {
		if errors.Is(err, models.ErrEmbedding) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", models.ErrEmbedding, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", models.ErrEmbedding)
	}
	if len(vec) != dim {
		return nil, fmt.Errorf("%w: expected %d dimensions, got %d", models.ErrEmbedding, dim, len(vec))
	}

	if dim != e.client.NativeDimension() {
		vec = Normalize(vec)
	}

	if key != "" {
		e.cache.Add(key, cloneVector(vec))
	}
	return vec, nil
}

func taskFor(mode types.EmbedMode) (TaskType, error) {
	switch mode {
	case types.ModeDocument:
		return TaskRetrievalDocument, nil
	case types.ModeQuery:
		return TaskRetrievalQuery, nil
	default:
		return "", fmt.Errorf("%w: unknown embed mode %q", models.ErrValidation, mode)
	}
}

// Normalize returns v / (‖v‖ + 1e-12), computed in float64.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum) + normEpsilon
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// embeddingModel is the slice of *ollama.LLM the Ollama client uses.
type embeddingModel interface {
	CreateEmbedding(ctx context.Context, inputTexts []string) ([][]float32, error)
}

type OllamaEmbeddingConfig struct {
	Model   string
	BaseURL string
	// NativeDimension is the model's full output size (768 for nomic-embed-text).
	NativeDimension int
}

// OllamaEmbeddingClient embeds through a local Ollama server. Task types are
// expressed as nomic-style prefixes and smaller dimensions are served by
// keeping the leading components.
type OllamaEmbeddingClient struct {
	config OllamaEmbeddingConfig
	model  embeddingModel
}

func NewOllamaEmbeddingClient(config OllamaEmbeddingConfig) (*OllamaEmbeddingClient, error) {
	if config.Model == "" {
		config.Model = "nomic-embed-text"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.NativeDimension == 0 {
		config.NativeDimension = 768
	}

	emb, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding model: %w", err)
	}
	return &OllamaEmbeddingClient{config: config, model: emb}, nil
}

func (c *OllamaEmbeddingClient) NativeDimension() int {
	return c.config.NativeDimension
}

func (c *OllamaEmbeddingClient) Embed(ctx context.Context, text string, task TaskType, dim int) ([]float32, error) {
	prefix := "search_document: "
	if task == TaskRetrievalQuery {
		prefix = "search_query: "
	}

	vectors, err := c.model.CreateEmbedding(ctx, []string{prefix + text})
	if err != nil {
		return nil, fmt.Errorf("%w: ollama: %w", models.ErrEmbedding, err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: ollama returned %d embeddings for 1 input", models.ErrEmbedding, len(vectors))
	}
	vec := vectors[0]
	if len(vec) < dim {
		return nil, fmt.Errorf("%w: ollama returned %d dimensions, need %d", models.ErrEmbedding, len(vec), dim)
	}
	return vec[:dim], nil
}
