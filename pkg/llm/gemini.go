package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/xhad/docsqa/internal/models"
)

const (
	defaultGeminiBaseURL        = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiEmbeddingModel = "gemini-embedding-001"
	geminiNativeDimension       = 3072
)

type GeminiEmbeddingConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	// NativeDimension defaults to 3072.
	NativeDimension int
}

// GeminiEmbeddingClient calls the Gemini embedContent REST endpoint.
type GeminiEmbeddingClient struct {
	config GeminiEmbeddingConfig
	client *resty.Client
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiEmbedRequest struct {
	Model                string        `json:"model"`
	Content              geminiContent `json:"content"`
	TaskType             TaskType      `json:"taskType,omitempty"`
	OutputDimensionality int           `json:"outputDimensionality,omitempty"`
}

type geminiEmbedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func NewGeminiEmbeddingClient(config GeminiEmbeddingConfig) (*GeminiEmbeddingClient, error) {
	if config.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if config.Model == "" {
		config.Model = defaultGeminiEmbeddingModel
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultGeminiBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.NativeDimension == 0 {
		config.NativeDimension = geminiNativeDimension
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
		SetTimeout(config.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-goog-api-key", config.APIKey)

	return &GeminiEmbeddingClient{config: config, client: client}, nil
}

func (c *GeminiEmbeddingClient) NativeDimension() int {
	return c.config.NativeDimension
}

func (c *GeminiEmbeddingClient) Embed(ctx context.Context, text string, task TaskType, dim int) ([]float32, error) {
	model := modelResource(c.config.Model)
	body := geminiEmbedRequest{
		Model:                model,
		Content:              geminiContent{Parts: []geminiPart{{Text: text}}},
		TaskType:             task,
		OutputDimensionality: dim,
	}

	var result geminiEmbedResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&geminiError{}).
		Post("/" + model + ":embedContent")
	if err != nil {
		return nil, fmt.Errorf("%w: gemini request failed: %w", models.ErrEmbedding, err)
	}
	if resp.IsError() {
		if apiErr, ok := resp.Error().(*geminiError); ok && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("%w: gemini %s (status %d)", models.ErrEmbedding, apiErr.Error.Message, resp.StatusCode())
		}
		return nil, fmt.Errorf("%w: gemini status %d: %s", models.ErrEmbedding, resp.StatusCode(), resp.String())
	}
	if len(result.Embedding.Values) == 0 {
		return nil, fmt.Errorf("%w: gemini response has no embedding values", models.ErrEmbedding)
	}
	return result.Embedding.Values, nil
}

func modelResource(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}
