package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/xhad/docsqa/internal/types"
	"github.com/xhad/docsqa/pkg/config"
	"github.com/xhad/docsqa/pkg/llm"
	"github.com/xhad/docsqa/pkg/logger"
	"github.com/xhad/docsqa/pkg/pdf"
	"github.com/xhad/docsqa/pkg/processor"
	"github.com/xhad/docsqa/pkg/rag"
	"github.com/xhad/docsqa/pkg/scraper"
	"github.com/xhad/docsqa/pkg/store"
)

var (
	configPath string
	storeKind  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "docsqa",
	Short: "Ask questions about your documentation",
	Long: `docsqa ingests text, PDF and web documentation into a vector store and
answers questions grounded in the retrieved passages.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&storeKind, "store", "", "document store: postgres or memory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

// loadConfig reads configuration and applies the persistent flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if storeKind != "" {
		cfg.Database.Store = storeKind
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		joined := make([]error, len(errs))
		for i := range errs {
			joined[i] = errs[i]
		}
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(joined...))
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:      cfg.Log.Level,
		JSON:       cfg.Log.JSON,
		Output:     os.Stderr,
		TimeFormat: "15:04:05",
	})
}

// app is the wired pipeline behind every command.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	svc      *rag.Service
	registry *prometheus.Registry
	store    types.Store
}

func (a *app) Close() {
	a.store.Close()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg)

	client, err := newEmbeddingClient(cfg)
	if err != nil {
		return nil, err
	}
	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Dimension:      cfg.Embedding.Dimension,
		QueryCacheSize: cfg.Embedding.QueryCacheSize,
	}, client)
	if err != nil {
		return nil, err
	}

	chat, err := llm.NewWithConfig(llm.ChatConfig{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	web := scraper.NewWithConfig(scraper.ScraperConfig{
		RateLimit: cfg.Scraper.RateLimit,
		Timeout:   cfg.Scraper.Timeout,
		MaxBytes:  cfg.Scraper.MaxBytes,
		UserAgent: cfg.Scraper.UserAgent,
	}, log)

	svc, err := rag.NewService(rag.Config{
		DefaultK:         cfg.Retrieval.DefaultK,
		MaxK:             cfg.Retrieval.MaxK,
		EmbedConcurrency: cfg.Ingest.EmbedConcurrency,
		EmbedRetries:     cfg.Ingest.EmbedRetries,
	}, rag.Deps{
		Store:    st,
		Embedder: embedder,
		Composer: chat,
		Processor: processor.NewWithConfig(processor.ProcessorConfig{
			ChunkSize:           cfg.Processor.ChunkSize,
			ChunkOverlap:        cfg.Processor.ChunkOverlap,
			SectionChunkSize:    cfg.Processor.PDFChunkSize,
			SectionChunkOverlap: cfg.Processor.PDFChunkOverlap,
		}),
		PDF:     pdf.NewWithConfig(pdf.ExtractorConfig{}, log),
		Fetcher: web,
		Crawler: web,
		Metrics: rag.NewMetrics(registry),
		Logger:  log,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{cfg: cfg, log: log, svc: svc, registry: registry, store: st}, nil
}

func newEmbeddingClient(cfg *config.Config) (llm.EmbeddingClient, error) {
	switch cfg.Embedding.Provider {
	case config.ProviderOllama:
		return llm.NewOllamaEmbeddingClient(llm.OllamaEmbeddingConfig{
			Model:           cfg.Embedding.Model,
			BaseURL:         cfg.Embedding.BaseURL,
			NativeDimension: cfg.Embedding.NativeDimension,
		})
	case config.ProviderGemini:
		return llm.NewGeminiEmbeddingClient(llm.GeminiEmbeddingConfig{
			APIKey:          cfg.Embedding.APIKey,
			Model:           cfg.Embedding.Model,
			BaseURL:         cfg.Embedding.BaseURL,
			Timeout:         cfg.Embedding.Timeout,
			NativeDimension: cfg.Embedding.NativeDimension,
		})
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Embedding.Provider)
	}
}

func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (types.Store, error) {
	switch cfg.Database.Store {
	case config.StoreMemory:
		log.Warn("using in-memory store, documents are lost on exit")
		return store.NewMemoryStore(cfg.Embedding.Dimension), nil
	case config.StorePostgres:
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.Database.Store)
	}
}

func openPostgres(ctx context.Context, cfg *config.Config, log logger.Logger) (*store.PGStore, error) {
	return store.NewWithConfig(ctx, store.VectorStoreConfig{
		ConnString: cfg.Database.URL,
		Dimension:  cfg.Embedding.Dimension,
		MaxConns:   cfg.Database.MaxConns,
	}, log)
}
