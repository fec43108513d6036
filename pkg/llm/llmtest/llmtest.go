// Package llmtest provides deterministic stand-ins for the embedding and
// chat services.
package llmtest

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/xhad/docsqa/pkg/llm"
)

// HashEmbeddingClient embeds text as a bag of hashed, lower-cased words, so
// texts sharing words land close together.
type HashEmbeddingClient struct {
	Native int

	mu    sync.Mutex
	Calls int
	// FailOn makes Embed return Err for texts containing it.
	FailOn string
	Err    error
}

func (c *HashEmbeddingClient) NativeDimension() int {
	if c.Native == 0 {
		return 3072
	}
	return c.Native
}

func (c *HashEmbeddingClient) Embed(ctx context.Context, text string, _ llm.TaskType, dim int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.Calls++
	c.mu.Unlock()
	if c.Err != nil && (c.FailOn == "" || strings.Contains(text, c.FailOn)) {
		return nil, c.Err
	}

	v := make([]float32, dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(w, ".,;:!?\"'()")))
		v[int(h.Sum32())%dim]++
	}
	return v, nil
}

func (c *HashEmbeddingClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Calls
}

// Call records one GenerateContent invocation.
type Call struct {
	System      string
	User        string
	Temperature float64
}

// ScriptedModel is an llms.Model whose reply is computed from the prompt.
type ScriptedModel struct {
	Reply func(system, user string) string
	Err   error
	// Chunks, when set, are streamed through the streaming callback.
	Chunks []string

	mu    sync.Mutex
	calls []Call
}

var _ llms.Model = (*ScriptedModel)(nil)

func (m *ScriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}

	var system, user string
	for _, msg := range messages {
		for _, part := range msg.Parts {
			text, ok := part.(llms.TextContent)
			if !ok {
				continue
			}
			switch msg.Role {
			case schema.ChatMessageTypeSystem:
				system += text.Text
			case schema.ChatMessageTypeHuman:
				user += text.Text
			}
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, Call{System: system, User: user, Temperature: opts.Temperature})
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	reply := ""
	if m.Reply != nil {
		reply = m.Reply(system, user)
	}
	if opts.StreamingFunc != nil && len(m.Chunks) > 0 {
		for _, c := range m.Chunks {
			if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
		reply = strings.Join(m.Chunks, "")
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (m *ScriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *ScriptedModel) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// ContextAnswerer replies with IDontKnow unless one of the context blocks
// shares a word of four or more letters with the question, in which case it
// echoes the first such block.
func ContextAnswerer(_ string, user string) string {
	ctxPart, question, ok := strings.Cut(user, "\n\nQuestion: ")
	if !ok {
		return llm.IDontKnow
	}
	ctxPart = strings.TrimPrefix(ctxPart, "Context:\n")
	if strings.TrimSpace(ctxPart) == "" {
		return llm.IDontKnow
	}
	for _, block := range strings.Split(ctxPart, "\n\n---\n") {
		lower := strings.ToLower(block)
		for _, w := range strings.Fields(strings.ToLower(question)) {
			w = strings.Trim(w, ".,;:!?\"'()")
			if len(w) >= 4 && strings.Contains(lower, w) {
				return block
			}
		}
	}
	return llm.IDontKnow
}
