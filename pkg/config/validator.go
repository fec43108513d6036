package config

import (
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// LLM
	if c.LLM.Provider != ProviderGemini && c.LLM.Provider != ProviderOllama {
		errors = append(errors, ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("unknown provider %q", c.LLM.Provider),
		})
	}
	if c.LLM.Provider == ProviderGemini && c.LLM.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.api_key",
			Message: "GEMINI_API_KEY is required for the gemini provider",
		})
	}
	if c.LLM.Provider == ProviderOllama {
		if _, err := url.ParseRequestURI(c.LLM.BaseURL); err != nil {
			errors = append(errors, ValidationError{
				Field:   "llm.base_url",
				Message: "invalid Ollama base URL",
			})
		}
	}
	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 8192 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be between 1 and 8192",
		})
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	// Embedding
	if c.Embedding.Provider != ProviderGemini && c.Embedding.Provider != ProviderOllama {
		errors = append(errors, ValidationError{
			Field:   "embedding.provider",
			Message: fmt.Sprintf("unknown provider %q", c.Embedding.Provider),
		})
	}
	if c.Embedding.Provider == ProviderGemini && c.Embedding.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "embedding.api_key",
			Message: "GEMINI_API_KEY is required for the gemini provider",
		})
	}
	if c.Embedding.Dimension < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.dimension",
			Message: "dimension must be positive",
		})
	}
	if c.Embedding.NativeDimension > 0 && c.Embedding.Dimension > c.Embedding.NativeDimension {
		errors = append(errors, ValidationError{
			Field:   "embedding.dimension",
			Message: fmt.Sprintf("dimension cannot exceed the model's native dimension %d", c.Embedding.NativeDimension),
		})
	}
	if c.Embedding.Dimension > 16000 {
		errors = append(errors, ValidationError{
			Field:   "embedding.dimension",
			Message: "dimension exceeds the pgvector column limit of 16000",
		})
	}
	if c.Embedding.QueryCacheSize < 0 {
		errors = append(errors, ValidationError{
			Field:   "embedding.query_cache_size",
			Message: "query cache size cannot be negative",
		})
	}

	// Database
	switch c.Database.Store {
	case StorePostgres:
		if c.Database.URL == "" {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "DATABASE_URL is required for the postgres store",
			})
		} else if _, err := url.Parse(c.Database.URL); err != nil {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "invalid database URL",
			})
		}
	case StoreMemory:
	default:
		errors = append(errors, ValidationError{
			Field:   "database.store",
			Message: fmt.Sprintf("unknown store %q", c.Database.Store),
		})
	}
	switch c.Database.Index {
	case "hnsw", "ivfflat", "none":
	default:
		errors = append(errors, ValidationError{
			Field:   "database.index",
			Message: "index must be one of hnsw, ivfflat, none",
		})
	}

	// Processor
	errors = append(errors, validateWindow("processor.chunk_size", "processor.chunk_overlap",
		c.Processor.ChunkSize, c.Processor.ChunkOverlap)...)
	errors = append(errors, validateWindow("processor.pdf_chunk_size", "processor.pdf_chunk_overlap",
		c.Processor.PDFChunkSize, c.Processor.PDFChunkOverlap)...)

	// Retrieval
	if c.Retrieval.DefaultK < 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.default_k",
			Message: "default_k must be positive",
		})
	}
	if c.Retrieval.MaxK < c.Retrieval.DefaultK {
		errors = append(errors, ValidationError{
			Field:   "retrieval.max_k",
			Message: "max_k must be at least default_k",
		})
	}

	// Ingest
	if c.Ingest.EmbedConcurrency < 1 {
		errors = append(errors, ValidationError{
			Field:   "ingest.embed_concurrency",
			Message: "embed_concurrency must be positive",
		})
	}
	if c.Ingest.EmbedRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "ingest.embed_retries",
			Message: "embed_retries cannot be negative",
		})
	}

	// Scraper
	if c.Scraper.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "scraper.rate_limit",
			Message: "rate_limit must be positive",
		})
	}

	return errors
}

func validateWindow(sizeField, overlapField string, size, overlap int) []ValidationError {
	var errors []ValidationError
	if size < 1 {
		errors = append(errors, ValidationError{
			Field:   sizeField,
			Message: "chunk size must be positive",
		})
	}
	if overlap < 0 {
		errors = append(errors, ValidationError{
			Field:   overlapField,
			Message: "chunk overlap cannot be negative",
		})
	}
	return errors
}
