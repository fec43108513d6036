package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/xhad/docsqa/internal/models"
	"github.com/xhad/docsqa/internal/types"
	"github.com/xhad/docsqa/pkg/logger"
	"github.com/xhad/docsqa/pkg/processor"
)

// State is a step of the ingestion pipeline.
type State string

const (
	StateCreated   State = "created"
	StateSegmented State = "segmented"
	StateEmbedded  State = "embedded"
	StatePersisted State = "persisted"
	StateAborted   State = "aborted"
)

const defaultPDFSource = "upload"

type Config struct {
	DefaultK         int
	MaxK             int
	EmbedConcurrency int
	EmbedRetries     int
	RetryBaseDelay   time.Duration
}

// Crawler follows links from a start page.
type Crawler interface {
	Crawl(ctx context.Context, startURL string) ([]models.WebPage, error)
}

// Deps are the collaborators a Service is built from. Store, Embedder and
// Composer are required.
type Deps struct {
	Store     types.Store
	Embedder  types.Embedder
	Composer  types.AnswerComposer
	Processor processor.Processor
	PDF       types.PDFExtractor
	Fetcher   types.PageFetcher
	Crawler   Crawler
	Metrics   *Metrics
	Logger    logger.Logger
}

// Service runs the ingestion and query pipelines.
type Service struct {
	config    Config
	store     types.Store
	embedder  types.Embedder
	composer  types.AnswerComposer
	processor processor.Processor
	pdf       types.PDFExtractor
	fetcher   types.PageFetcher
	crawler   Crawler
	metrics   *Metrics
	log       logger.Logger
}

type IngestRequest struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

type IngestResult struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Chunks int    `json:"chunks"`
}

type Answer struct {
	Text    string                `json:"answer"`
	Context []models.SearchResult `json:"context"`
}

// piece is a segmented chunk awaiting its embedding.
type piece struct {
	Text  string
	Title string
	Page  *int
}

func NewService(config Config, deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Embedder == nil || deps.Composer == nil {
		return nil, errors.New("store, embedder and composer are required")
	}
	if deps.Store.Dimension() != deps.Embedder.Dimension() {
		return nil, fmt.Errorf("store dimension %d does not match embedder dimension %d",
			deps.Store.Dimension(), deps.Embedder.Dimension())
	}
	if config.DefaultK <= 0 {
		config.DefaultK = 5
	}
	if config.MaxK <= 0 {
		config.MaxK = 50
	}
	if config.MaxK < config.DefaultK {
		config.MaxK = config.DefaultK
	}
	if config.EmbedConcurrency <= 0 {
		config.EmbedConcurrency = 1
	}
	if config.EmbedRetries < 0 {
		config.EmbedRetries = 0
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 200 * time.Millisecond
	}
	if deps.Processor.Config() == (processor.ProcessorConfig{}) {
		deps.Processor = processor.NewWithConfig(processor.ProcessorConfig{})
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = logger.GetDefault()
	}

	return &Service{
		config:    config,
		store:     deps.Store,
		embedder:  deps.Embedder,
		composer:  deps.Composer,
		processor: deps.Processor,
		pdf:       deps.PDF,
		fetcher:   deps.Fetcher,
		crawler:   deps.Crawler,
		metrics:   deps.Metrics,
		log:       deps.Logger,
	}, nil
}

// Ingest stores plain text as one document split into word windows.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: text is required", models.ErrValidation)
	}
	return s.ingest(ctx, req.Name, req.Source, func() []piece {
		var pieces []piece
		for _, c := range s.processor.Chunks(req.Text) {
			pieces = append(pieces, piece{Text: c})
		}
		return pieces
	})
}

// IngestPDF extracts a PDF page by page and stores it heading-aware, with
// each chunk tagged by its page number.
func (s *Service) IngestPDF(ctx context.Context, name, source string, data []byte) (*IngestResult, error) {
	if s.pdf == nil {
		return nil, errors.New("pdf ingestion is not configured")
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: document name is required", models.ErrValidation)
	}
	if strings.TrimSpace(source) == "" {
		source = defaultPDFSource
	}

	pages, err := s.pdf.Extract(ctx, data)
	if err != nil {
		s.metrics.IngestFailures.WithLabelValues("extract").Inc()
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: pdf has no pages", models.ErrValidation)
	}

	return s.ingest(ctx, name, source, func() []piece {
		var pieces []piece
		for _, p := range pages {
			for _, c := range s.processor.SectionChunks(p.Markdown) {
				pieces = append(pieces, piece{Text: c.Text, Title: c.Title, Page: models.PageRef(p.Number)})
			}
		}
		return pieces
	})
}

// IngestURL fetches one web page and stores it heading-aware. The page
// title names the document and the URL is its source.
func (s *Service) IngestURL(ctx context.Context, url string) (*IngestResult, error) {
	if s.fetcher == nil {
		return nil, errors.New("url ingestion is not configured")
	}
	page, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		s.metrics.IngestFailures.WithLabelValues("fetch").Inc()
		return nil, err
	}
	return s.ingestPage(ctx, page)
}

// IngestSite crawls from url and stores every page as its own document.
// A page that cannot be stored is logged and skipped.
func (s *Service) IngestSite(ctx context.Context, url string, onPage func(*IngestResult, error)) ([]IngestResult, error) {
	if s.crawler == nil {
		return nil, errors.New("site ingestion is not configured")
	}
	pages, err := s.crawler.Crawl(ctx, url)
	if err != nil {
		s.metrics.IngestFailures.WithLabelValues("fetch").Inc()
		return nil, err
	}

	var results []IngestResult
	for i := range pages {
		res, err := s.ingestPage(ctx, &pages[i])
		if onPage != nil {
			onPage(res, err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			s.log.Warn("skipping page", "url", pages[i].URL, "error", err)
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

func (s *Service) ingestPage(ctx context.Context, page *models.WebPage) (*IngestResult, error) {
	if strings.TrimSpace(page.Markdown) == "" {
		return nil, fmt.Errorf("%w: page %s has no text", models.ErrValidation, page.URL)
	}
	name := page.Title
	if strings.TrimSpace(name) == "" {
		name = page.URL
	}
	return s.ingest(ctx, name, page.URL, func() []piece {
		var pieces []piece
		for _, c := range s.processor.SectionChunks(page.Markdown) {
			pieces = append(pieces, piece{Text: c.Text, Title: c.Title})
		}
		return pieces
	})
}

// ingest drives Created → Segmented → Embedded → Persisted. Any failure
// aborts with nothing visible in the store.
func (s *Service) ingest(ctx context.Context, name, source string, segment func() []piece) (result *IngestResult, err error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: document name is required", models.ErrValidation)
	}
	log := s.log

	stage := "reserve"
	defer func() {
		if err != nil {
			s.metrics.IngestFailures.WithLabelValues(stage).Inc()
			log.Debug("ingestion state", "name", name, "state", StateAborted, "stage", stage, "error", err)
		}
	}()

	res, err := s.store.Reserve(ctx, name, source)
	if err != nil {
		return nil, err
	}
	log = log.With("document_id", res.DocumentID)
	log.Debug("ingestion state", "state", StateCreated)

	stage = "segment"
	pieces := segment()
	if len(pieces) == 0 {
		return nil, fmt.Errorf("%w: document produced no chunks", models.ErrValidation)
	}
	log.Debug("ingestion state", "state", StateSegmented, "chunks", len(pieces))

	stage = "embed"
	vectors, err := s.embedAll(ctx, pieces)
	if err != nil {
		return nil, err
	}
	log.Debug("ingestion state", "state", StateEmbedded)

	stage = "persist"
	chunks := make([]models.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = models.Chunk{
			DocumentID: res.DocumentID,
			Position:   i,
			Page:       p.Page,
			Title:      p.Title,
			Content:    p.Text,
			Embedding:  vectors[i],
		}
	}
	doc, err := s.store.Finalize(ctx, res, chunks)
	if err != nil {
		return nil, err
	}
	log.Debug("ingestion state", "state", StatePersisted)

	s.metrics.DocumentsIngested.Inc()
	s.metrics.ChunksIngested.Add(float64(len(chunks)))
	log.Info("document ingested", "name", doc.Name, "chunks", len(chunks))

	return &IngestResult{ID: doc.ID, Name: doc.Name, Chunks: len(chunks)}, nil
}

// embedAll embeds pieces in document mode with bounded parallelism. The
// result is indexed like pieces.
func (s *Service) embedAll(ctx context.Context, pieces []piece) ([][]float32, error) {
	vectors := make([][]float32, len(pieces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.EmbedConcurrency)
	for i, p := range pieces {
		i, p := i, p
		g.Go(func() error {
			vec, err := s.embedWithRetry(gctx, p.Text, types.ModeDocument)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (s *Service) embedWithRetry(ctx context.Context, text string, mode types.EmbedMode) ([]float32, error) {
	if s.config.EmbedRetries == 0 {
		return s.embedder.Embed(ctx, text, mode)
	}

	var vec []float32
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(s.config.EmbedRetries), retry.NewExponential(s.config.RetryBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			s.metrics.EmbedRetries.Inc()
		}
		attempt++
		v, err := s.embedder.Embed(ctx, text, mode)
		if err != nil {
			if errors.Is(err, models.ErrEmbedding) {
				return retry.RetryableError(err)
			}
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// DefaultK is the result count used when a caller does not choose one.
func (s *Service) DefaultK() int {
	return s.config.DefaultK
}

func (s *Service) resolveK(k int) (int, error) {
	if k <= 0 {
		return 0, fmt.Errorf("%w: k must be positive", models.ErrValidation)
	}
	if k > s.config.MaxK {
		k = s.config.MaxK
	}
	return k, nil
}

// Search embeds query and returns up to k nearest chunks, nearest first.
// k above the configured maximum is clamped.
func (s *Service) Search(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", models.ErrValidation)
	}
	k, err := s.resolveK(k)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	vec, err := s.embedder.Embed(ctx, query, types.ModeQuery)
	if err != nil {
		return nil, err
	}
	results, err := s.store.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	s.metrics.SearchDuration.Observe(time.Since(start).Seconds())
	return results, nil
}

// Ask answers query from the k nearest chunks. The model replies with
// llm.IDontKnow when they do not contain the answer.
func (s *Service) Ask(ctx context.Context, query string, k int) (answer *Answer, err error) {
	defer func() {
		if err != nil {
			s.metrics.AskFailures.Inc()
		}
	}()

	results, err := s.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	text, err := s.composer.Answer(ctx, query, contents(results))
	if err != nil {
		return nil, err
	}
	return &Answer{Text: text, Context: results}, nil
}

// AskStream is Ask with the answer delivered incrementally.
func (s *Service) AskStream(ctx context.Context, query string, k int) ([]models.SearchResult, <-chan string, <-chan error, error) {
	results, err := s.Search(ctx, query, k)
	if err != nil {
		s.metrics.AskFailures.Inc()
		return nil, nil, nil, err
	}
	tokens, errs := s.composer.AnswerStream(ctx, query, contents(results))
	return results, tokens, errs, nil
}

func contents(results []models.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Content
	}
	return out
}

func (s *Service) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	return s.store.GetDocument(ctx, id)
}

func (s *Service) ListDocuments(ctx context.Context, limit, offset int) ([]models.Document, error) {
	return s.store.ListDocuments(ctx, limit, offset)
}

func (s *Service) DocumentChunks(ctx context.Context, id int64) ([]models.Chunk, error) {
	return s.store.ListChunks(ctx, id)
}

func (s *Service) DeleteDocument(ctx context.Context, id int64) error {
	if err := s.store.DeleteDocument(ctx, id); err != nil {
		return err
	}
	s.log.Info("document deleted", "document_id", id)
	return nil
}
