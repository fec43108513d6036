package rag_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docsqa/internal/models"
	"github.com/xhad/docsqa/pkg/llm"
	"github.com/xhad/docsqa/pkg/llm/llmtest"
	"github.com/xhad/docsqa/pkg/logger"
	"github.com/xhad/docsqa/pkg/processor"
	"github.com/xhad/docsqa/pkg/rag"
	"github.com/xhad/docsqa/pkg/store"
)

const testDim = 64

type fixture struct {
	svc     *rag.Service
	store   *store.MemoryStore
	client  llm.EmbeddingClient
	model   *llmtest.ScriptedModel
	metrics *rag.Metrics
}

type fakePDF struct {
	pages []models.Page
	err   error
}

func (f fakePDF) Extract(context.Context, []byte) ([]models.Page, error) { return f.pages, f.err }

type fakeFetcher struct{ pages map[string]models.WebPage }

func (f fakeFetcher) Fetch(_ context.Context, url string) (*models.WebPage, error) {
	p, ok := f.pages[url]
	if !ok {
		return nil, models.ErrFetch
	}
	return &p, nil
}

func (f fakeFetcher) Crawl(context.Context, string) ([]models.WebPage, error) {
	var out []models.WebPage
	for _, u := range []string{"https://docs.example/", "https://docs.example/blank", "https://docs.example/guide"} {
		if p, ok := f.pages[u]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// flakyClient fails the first failures calls.
type flakyClient struct {
	llmtest.HashEmbeddingClient
	failures int32
	calls    atomic.Int32
}

func (f *flakyClient) Embed(ctx context.Context, text string, task llm.TaskType, dim int) ([]float32, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("503 service unavailable")
	}
	return f.HashEmbeddingClient.Embed(ctx, text, task, dim)
}

func newFixture(t *testing.T, cfg rag.Config, client llm.EmbeddingClient) *fixture {
	t.Helper()
	if client == nil {
		client = &llmtest.HashEmbeddingClient{}
	}
	emb, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{Dimension: testDim}, client)
	require.NoError(t, err)

	model := &llmtest.ScriptedModel{Reply: llmtest.ContextAnswerer}
	chat, err := llm.NewWithModel(llm.ChatConfig{}, model)
	require.NoError(t, err)

	mem := store.NewMemoryStore(testDim)
	metrics := rag.NewMetrics(prometheus.NewRegistry())
	fetcher := fakeFetcher{pages: map[string]models.WebPage{
		"https://docs.example/": {
			URL: "https://docs.example/", Title: "Docs Home",
			Markdown: "# Overview\n\ndocsqa answers questions about your documentation.",
		},
		"https://docs.example/blank": {URL: "https://docs.example/blank", Title: "Blank", Markdown: "  "},
		"https://docs.example/guide": {
			URL:      "https://docs.example/guide",
			Markdown: "## Setup\n\nRun the migrate command before serving.",
		},
	}}

	svc, err := rag.NewService(cfg, rag.Deps{
		Store:    mem,
		Embedder: emb,
		Composer: chat,
		Processor: processor.NewWithConfig(processor.ProcessorConfig{
			ChunkSize: 8, ChunkOverlap: 2, SectionChunkSize: 8, SectionChunkOverlap: 2,
		}),
		PDF: fakePDF{pages: []models.Page{
			{Number: 1, Markdown: "## Getting Started\nInstall the binary with go install."},
			{Number: 2, Markdown: "Plain second page text."},
		}},
		Fetcher: fetcher,
		Crawler: fetcher,
		Metrics: metrics,
		Logger:  logger.Discard(),
	})
	require.NoError(t, err)
	return &fixture{svc: svc, store: mem, client: client, model: model, metrics: metrics}
}

func TestService_IngestAndSearch(t *testing.T) {
	f := newFixture(t, rag.Config{EmbedConcurrency: 4}, nil)
	ctx := context.Background()

	text := "The quick brown fox jumps over the lazy dog while the cat sleeps on the warm mat all afternoon"
	res, err := f.svc.Ingest(ctx, rag.IngestRequest{Name: "animals.txt", Text: text})
	require.NoError(t, err)
	assert.Equal(t, "animals.txt", res.Name)

	chunks, err := f.svc.DocumentChunks(ctx, res.ID)
	require.NoError(t, err)
	want := processor.Segment(text, 8, 2)
	require.Len(t, chunks, len(want))
	assert.Equal(t, len(want), res.Chunks)
	for i, c := range chunks {
		assert.Equal(t, want[i], c.Content, "chunk order is preserved")
		assert.Nil(t, c.Page)
	}

	results, err := f.svc.Search(ctx, want[1], 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, want[1], results[0].Content)
	assert.InDelta(t, 0, results[0].Distance, 1e-5)
	assert.Equal(t, "animals.txt", results[0].DocumentName)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i].Distance, results[i-1].Distance)
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DocumentsIngested))
	assert.Equal(t, float64(len(want)), testutil.ToFloat64(f.metrics.ChunksIngested))
}

func TestService_SearchKBounds(t *testing.T) {
	f := newFixture(t, rag.Config{DefaultK: 2, MaxK: 2}, nil)
	ctx := context.Background()
	_, err := f.svc.Ingest(ctx, rag.IngestRequest{Name: "n", Text: strings.Repeat("word ", 40)})
	require.NoError(t, err)

	results, err := f.svc.Search(ctx, "word", 50)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	_, err = f.svc.Search(ctx, "word", 0)
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = f.svc.Search(ctx, "   ", 3)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, 2, f.svc.DefaultK())
}

func TestService_IngestValidation(t *testing.T) {
	f := newFixture(t, rag.Config{}, nil)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, rag.IngestRequest{Name: "x", Text: " \n\t"})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = f.svc.Ingest(ctx, rag.IngestRequest{Name: "", Text: "hello"})
	assert.ErrorIs(t, err, models.ErrValidation)

	docs, err := f.svc.ListDocuments(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestService_DuplicateIngestion(t *testing.T) {
	f := newFixture(t, rag.Config{}, nil)
	ctx := context.Background()

	a, err := f.svc.Ingest(ctx, rag.IngestRequest{Name: "same", Text: "identical content"})
	require.NoError(t, err)
	b, err := f.svc.Ingest(ctx, rag.IngestRequest{Name: "same", Text: "identical content"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	docs, err := f.svc.ListDocuments(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestService_EmbeddingFailureAborts(t *testing.T) {
	client := &llmtest.HashEmbeddingClient{FailOn: "poison", Err: errors.New("quota exceeded")}
	f := newFixture(t, rag.Config{EmbedConcurrency: 3}, client)
	ctx := context.Background()

	text := "alpha beta gamma delta epsilon zeta eta theta iota kappa poison lambda mu nu xi omicron pi rho"
	_, err := f.svc.Ingest(ctx, rag.IngestRequest{Name: "doomed", Text: text})
	assert.ErrorIs(t, err, models.ErrEmbedding)

	docs, err := f.svc.ListDocuments(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
	results, err := f.store.Search(ctx, make([]float32, testDim), 10)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.IngestFailures.WithLabelValues("embed")))
}

func TestService_EmbeddingRetries(t *testing.T) {
	client := &flakyClient{failures: 2}
	f := newFixture(t, rag.Config{EmbedRetries: 3, RetryBaseDelay: time.Millisecond}, client)

	res, err := f.svc.Ingest(context.Background(), rag.IngestRequest{Name: "retry", Text: "short text"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.EmbedRetries))
}

func TestService_NoRetryByDefault(t *testing.T) {
	client := &flakyClient{failures: 1}
	f := newFixture(t, rag.Config{}, client)

	_, err := f.svc.Ingest(context.Background(), rag.IngestRequest{Name: "once", Text: "short text"})
	assert.ErrorIs(t, err, models.ErrEmbedding)
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestService_Ask(t *testing.T) {
	f := newFixture(t, rag.Config{}, nil)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, rag.IngestRequest{Name: "install.md", Text: "Install the binary with go install."})
	require.NoError(t, err)

	answer, err := f.svc.Ask(ctx, "How do I install the binary?", 3)
	require.NoError(t, err)
	assert.Equal(t, "Install the binary with go install.", answer.Text)
	require.Len(t, answer.Context, 1)

	answer, err = f.svc.Ask(ctx, "Who painted Guernica in 1937?", 3)
	require.NoError(t, err)
	assert.Equal(t, llm.IDontKnow, answer.Text)
	assert.Len(t, answer.Context, 1, "context is still returned")
}

func TestService_AskEmptyStore(t *testing.T) {
	f := newFixture(t, rag.Config{}, nil)

	answer, err := f.svc.Ask(context.Background(), "Anything at all?", 5)
	require.NoError(t, err)
	assert.Equal(t, llm.IDontKnow, answer.Text)
	assert.Empty(t, answer.Context)

	calls := f.model.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Context:\n\n\nQuestion: Anything at all?", calls[0].User)
}

func TestService_AskGenerationFailure(t *testing.T) {
	f := newFixture(t, rag.Config{}, nil)
	f.model.Err = errors.New("model overloaded")

	_, err := f.svc.Ask(context.Background(), "Anything?", 5)
	assert.ErrorIs(t, err, models.ErrGeneration)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AskFailures))
}

func TestService_AskStream(t *testing.T) {
	f := newFixture(t, rag.Config{}, nil)
	f.model.Chunks = []string{"I don't ", "know."}

	results, tokens, errs, err := f.svc.AskStream(context.Background(), "Anything?", 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	var sb strings.Builder
	for tok := range tokens {
		sb.WriteString(tok)
	}
	assert.NoError(t, <-errs)
	assert.Equal(t, llm.IDontKnow, sb.String())
}

func TestService_IngestPDF(t *testing.T) {
	f := newFixture(t, rag.Config{}, nil)
	ctx := context.Background()

	res, err := f.svc.IngestPDF(ctx, "manual.pdf", "", []byte("%PDF"))
	require.NoError(t, err)

	doc, err := f.svc.GetDocument(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "upload", doc.Source)

	chunks, err := f.svc.DocumentChunks(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "Getting Started", chunks[0].Title)
	assert.Equal(t, "Getting Started\n\nInstall the binary with go install.", chunks[0].Content)
	assert.Equal(t, 1, *chunks[0].Page)
	assert.Equal(t, "", chunks[1].Title)
	assert.Equal(t, "Plain second page text.", chunks[1].Content, "untitled sections carry no prefix")
	assert.Equal(t, 2, *chunks[1].Page)
}

func TestService_IngestPDFRejectsEmpty(t *testing.T) {
	f := newFixture(t, rag.Config{}, nil)
	ctx := context.Background()

	emb, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{Dimension: testDim}, f.client)
	require.NoError(t, err)
	chat, err := llm.NewWithModel(llm.ChatConfig{}, f.model)
	require.NoError(t, err)
	svc, err := rag.NewService(rag.Config{}, rag.Deps{
		Store: f.store, Embedder: emb, Composer: chat,
		PDF:    fakePDF{pages: []models.Page{{Number: 1, Markdown: "   "}}},
		Logger: logger.Discard(),
	})
	require.NoError(t, err)

	_, err = svc.IngestPDF(ctx, "blank.pdf", "", []byte("%PDF"))
	assert.ErrorIs(t, err, models.ErrValidation)

	svc, err = rag.NewService(rag.Config{}, rag.Deps{
		Store: f.store, Embedder: emb, Composer: chat,
		PDF:    fakePDF{err: models.ErrValidation},
		Logger: logger.Discard(),
	})
	require.NoError(t, err)
	_, err = svc.IngestPDF(ctx, "bad.pdf", "", []byte("junk"))
	assert.ErrorIs(t, err, models.ErrValidation)

	docs, err := f.store.ListDocuments(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestService_IngestURL(t *testing.T) {
	f := newFixture(t, rag.Config{}, nil)
	ctx := context.Background()

	res, err := f.svc.IngestURL(ctx, "https://docs.example/")
	require.NoError(t, err)
	assert.Equal(t, "Docs Home", res.Name)

	doc, err := f.svc.GetDocument(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://docs.example/", doc.Source)

	chunks, err := f.svc.DocumentChunks(ctx, res.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.True(t, strings.HasPrefix(chunks[0].Content, "Overview\n\n"))

	_, err = f.svc.IngestURL(ctx, "https://docs.example/missing")
	assert.ErrorIs(t, err, models.ErrFetch)
}

func TestService_IngestSite(t *testing.T) {
	f := newFixture(t, rag.Config{}, nil)

	var seen int
	results, err := f.svc.IngestSite(context.Background(), "https://docs.example/", func(*rag.IngestResult, error) { seen++ })
	require.NoError(t, err)
	assert.Equal(t, 3, seen)
	require.Len(t, results, 2)
	assert.Equal(t, "Docs Home", results[0].Name)
	assert.Equal(t, "https://docs.example/guide", results[1].Name, "untitled pages are named by url")
}

func TestService_DeleteDocument(t *testing.T) {
	f := newFixture(t, rag.Config{}, nil)
	ctx := context.Background()

	keep, err := f.svc.Ingest(ctx, rag.IngestRequest{Name: "keep", Text: "kept words stay"})
	require.NoError(t, err)
	drop, err := f.svc.Ingest(ctx, rag.IngestRequest{Name: "drop", Text: "dropped words leave"})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteDocument(ctx, drop.ID))
	assert.ErrorIs(t, f.svc.DeleteDocument(ctx, drop.ID), models.ErrNotFound)

	results, err := f.svc.Search(ctx, "dropped words leave", 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, keep.ID, r.DocumentID)
	}
}

func TestNewService_RequiresMatchingDimensions(t *testing.T) {
	emb, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{Dimension: 8}, &llmtest.HashEmbeddingClient{})
	require.NoError(t, err)
	chat, err := llm.NewWithModel(llm.ChatConfig{}, &llmtest.ScriptedModel{})
	require.NoError(t, err)

	_, err = rag.NewService(rag.Config{}, rag.Deps{Store: store.NewMemoryStore(16), Embedder: emb, Composer: chat})
	assert.Error(t, err)

	_, err = rag.NewService(rag.Config{}, rag.Deps{})
	assert.Error(t, err)
}
