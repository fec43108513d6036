package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"

	"github.com/xhad/docsqa/internal/models"
	"github.com/xhad/docsqa/internal/types"
)

// IDontKnow is the reply the model is told to give when the context does
// not contain the answer.
const IDontKnow = "I don't know."

const (
	defaultSystemTemplate = "You are a concise documentation assistant. Answer strictly from the provided context. " +
		"If the answer is not in the context, reply exactly: \"" + IDontKnow + "\""
	contextSeparator = "\n\n---\n"
)

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Provider       string // "gemini" or "ollama"
	Model          string
	APIKey         string
	BaseURL        string // Ollama server URL
	Temperature    float64
	MaxTokens      int
	SystemTemplate string
}

// ChatEngine composes answers from retrieved context with an LLM.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
}

var _ types.AnswerComposer = (*ChatEngine)(nil)

// NewWithConfig creates a ChatEngine backed by the configured provider.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	config, err := chatDefaults(config)
	if err != nil {
		return nil, err
	}

	var model llms.Model
	switch config.Provider {
	case "ollama":
		model, err = ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
	case "gemini":
		if config.APIKey == "" {
			return nil, errors.New("gemini api key is required")
		}
		model, err = googleai.New(context.Background(),
			googleai.WithDefaultModel(config.Model),
			googleai.WithAPIKey(config.APIKey))
	default:
		return nil, fmt.Errorf("unsupported chat provider %q", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return &ChatEngine{config: config, llm: model}, nil
}

// NewWithModel wraps an existing model.
func NewWithModel(config ChatConfig, model llms.Model) (*ChatEngine, error) {
	if model == nil {
		return nil, errors.New("model is required")
	}
	config, err := chatDefaults(config)
	if err != nil {
		return nil, err
	}
	return &ChatEngine{config: config, llm: model}, nil
}

func chatDefaults(config ChatConfig) (ChatConfig, error) {
	if config.Provider == "" {
		config.Provider = "gemini"
	}
	if config.Model == "" {
		if config.Provider == "ollama" {
			config.Model = "mistral"
		} else {
			config.Model = "gemini-2.5-flash"
		}
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return config, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.Temperature == 0 {
		config.Temperature = 0.1
	}
	if config.MaxTokens < 0 {
		return config, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = defaultSystemTemplate
	}
	if config.BaseURL == "" && config.Provider == "ollama" {
		config.BaseURL = "http://localhost:11434"
	}
	return config, nil
}

// BuildUserContent joins the contexts and appends the question.
func BuildUserContent(query string, contexts []string) string {
	return "Context:\n" + strings.Join(contexts, contextSeparator) + "\n\nQuestion: " + query
}

func (ce *ChatEngine) messages(query string, contexts []string) []llms.MessageContent {
	return []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, ce.config.SystemTemplate),
		llms.TextParts(schema.ChatMessageTypeHuman, BuildUserContent(query, contexts)),
	}
}

func (ce *ChatEngine) callOptions(extra ...llms.CallOption) []llms.CallOption {
	opts := []llms.CallOption{
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens),
	}
	return append(opts, extra...)
}

// Answer asks the model to answer query using only contexts.
func (ce *ChatEngine) Answer(ctx context.Context, query string, contexts []string) (string, error) {
	resp, err := ce.llm.GenerateContent(ctx, ce.messages(query, contexts), ce.callOptions()...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrGeneration, err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return "", fmt.Errorf("%w: no response from model", models.ErrGeneration)
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

// AnswerStream is Answer with incremental output. The text channel is closed
// when generation ends; at most one error is then sent on the error channel.
// Leading and trailing whitespace of the whole answer is dropped, as in Answer.
func (ce *ChatEngine) AnswerStream(ctx context.Context, query string, contexts []string) (<-chan string, <-chan error) {
	resultChan := make(chan string)
	errChan := make(chan error, 1)

	go func() {
		defer close(errChan)
		defer close(resultChan)

		streamed := false
		var trim streamTrimmer
		stream := func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			streamed = true
			text := trim.next(string(chunk))
			if text == "" {
				return nil
			}
			select {
			case resultChan <- text:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		resp, err := ce.llm.GenerateContent(ctx, ce.messages(query, contexts),
			ce.callOptions(llms.WithStreamingFunc(stream))...)
		if err != nil {
			errChan <- fmt.Errorf("%w: %w", models.ErrGeneration, err)
			return
		}
		if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
			errChan <- fmt.Errorf("%w: no response from model", models.ErrGeneration)
			return
		}
		// Providers that ignore the streaming callback still return the full text.
		if !streamed && resp.Choices[0].Content != "" {
			select {
			case resultChan <- strings.TrimSpace(resp.Choices[0].Content):
			case <-ctx.Done():
				errChan <- ctx.Err()
			}
		}
	}()

	return resultChan, errChan
}

// streamTrimmer trims a streamed answer piecewise. Trailing whitespace is held
// back until more text follows it, so it is dropped when the stream ends.
type streamTrimmer struct {
	started bool
	pending string
}

func (t *streamTrimmer) next(chunk string) string {
	if !t.started {
		chunk = strings.TrimLeftFunc(chunk, unicode.IsSpace)
		if chunk == "" {
			return ""
		}
		t.started = true
	}
	text := t.pending + chunk
	body := strings.TrimRightFunc(text, unicode.IsSpace)
	t.pending = text[len(body):]
	return body
}
