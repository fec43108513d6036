package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM struct {
		Provider    string  `yaml:"provider"`
		Model       string  `yaml:"model"`
		BaseURL     string  `yaml:"base_url"`
		APIKey      string  `yaml:"api_key"`
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float64 `yaml:"temperature"`
	} `yaml:"llm"`

	Embedding struct {
		Provider        string        `yaml:"provider"`
		Model           string        `yaml:"model"`
		BaseURL         string        `yaml:"base_url"`
		APIKey          string        `yaml:"api_key"`
		Dimension       int           `yaml:"dimension"`
		NativeDimension int           `yaml:"native_dimension"`
		Timeout         time.Duration `yaml:"timeout"`
		// QueryCacheSize keeps that many query vectors in memory; 0 disables it.
		QueryCacheSize int `yaml:"query_cache_size"`
	} `yaml:"embedding"`

	Database struct {
		URL      string `yaml:"url"`
		Store    string `yaml:"store"`
		Index    string `yaml:"index"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"database"`

	Processor struct {
		ChunkSize       int `yaml:"chunk_size"`
		ChunkOverlap    int `yaml:"chunk_overlap"`
		PDFChunkSize    int `yaml:"pdf_chunk_size"`
		PDFChunkOverlap int `yaml:"pdf_chunk_overlap"`
	} `yaml:"processor"`

	Retrieval struct {
		DefaultK int `yaml:"default_k"`
		MaxK     int `yaml:"max_k"`
	} `yaml:"retrieval"`

	Ingest struct {
		EmbedConcurrency int `yaml:"embed_concurrency"`
		EmbedRetries     int `yaml:"embed_retries"`
	} `yaml:"ingest"`

	Scraper struct {
		RateLimit float64       `yaml:"rate_limit"`
		Timeout   time.Duration `yaml:"timeout"`
		MaxBytes  int64         `yaml:"max_bytes"`
		UserAgent string        `yaml:"user_agent"`
	} `yaml:"scraper"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"

	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// LoadConfig reads path, or the first config file found in the default
// locations, then applies environment overrides and defaults.
func LoadConfig(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/docsqa/config.yaml"),
			"/etc/docsqa/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := mergeWithEnv(&config); err != nil {
		return nil, err
	}
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	if err := mergeWithEnv(config); err != nil {
		return nil, err
	}
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.Provider == "" {
		config.LLM.Provider = ProviderGemini
	}
	if config.LLM.Model == "" {
		switch config.LLM.Provider {
		case ProviderOllama:
			config.LLM.Model = "mistral"
		default:
			config.LLM.Model = "gemini-2.5-flash"
		}
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.1
	}
	if config.LLM.BaseURL == "" && config.LLM.Provider == ProviderOllama {
		config.LLM.BaseURL = "http://localhost:11434"
	}

	if config.Embedding.Provider == "" {
		config.Embedding.Provider = ProviderGemini
	}
	switch config.Embedding.Provider {
	case ProviderOllama:
		if config.Embedding.Model == "" {
			config.Embedding.Model = "nomic-embed-text"
		}
		if config.Embedding.BaseURL == "" {
			config.Embedding.BaseURL = "http://localhost:11434"
		}
		if config.Embedding.NativeDimension == 0 {
			config.Embedding.NativeDimension = 768
		}
	default:
		if config.Embedding.Model == "" {
			config.Embedding.Model = "gemini-embedding-001"
		}
		if config.Embedding.BaseURL == "" {
			config.Embedding.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
		}
		if config.Embedding.NativeDimension == 0 {
			config.Embedding.NativeDimension = 3072
		}
	}
	if config.Embedding.Dimension == 0 {
		config.Embedding.Dimension = 1536
	}
	if config.Embedding.Timeout == 0 {
		config.Embedding.Timeout = 30 * time.Second
	}
	if config.Embedding.APIKey == "" && config.LLM.Provider == config.Embedding.Provider {
		config.Embedding.APIKey = config.LLM.APIKey
	}
	if config.LLM.APIKey == "" && config.LLM.Provider == config.Embedding.Provider {
		config.LLM.APIKey = config.Embedding.APIKey
	}

	if config.Database.Store == "" {
		config.Database.Store = StorePostgres
	}
	if config.Database.Index == "" {
		config.Database.Index = "hnsw"
	}
	if config.Database.MaxConns == 0 {
		config.Database.MaxConns = 10
	}

	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 256
	}
	if config.Processor.ChunkOverlap == 0 {
		config.Processor.ChunkOverlap = 32
	}
	if config.Processor.PDFChunkSize == 0 {
		config.Processor.PDFChunkSize = 800
	}
	if config.Processor.PDFChunkOverlap == 0 {
		config.Processor.PDFChunkOverlap = 120
	}

	if config.Retrieval.DefaultK == 0 {
		config.Retrieval.DefaultK = 5
	}
	if config.Retrieval.MaxK == 0 {
		config.Retrieval.MaxK = 50
	}

	if config.Ingest.EmbedConcurrency == 0 {
		config.Ingest.EmbedConcurrency = 4
	}

	if config.Scraper.RateLimit == 0 {
		config.Scraper.RateLimit = 2.0
	}
	if config.Scraper.Timeout == 0 {
		config.Scraper.Timeout = 30 * time.Second
	}
	if config.Scraper.MaxBytes == 0 {
		config.Scraper.MaxBytes = 5 << 20
	}
	if config.Scraper.UserAgent == "" {
		config.Scraper.UserAgent = "docsqa/1.0"
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8000"
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
}

func mergeWithEnv(config *Config) error {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
		if config.Embedding.Provider == ProviderOllama {
			config.Embedding.BaseURL = baseURL
		}
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		config.LLM.APIKey = key
		config.Embedding.APIKey = key
	}
	if model := os.Getenv("GEMINI_EMBEDDING_MODEL"); model != "" {
		config.Embedding.Model = model
	}
	if model := os.Getenv("GEMINI_CHAT_MODEL"); model != "" {
		config.LLM.Model = model
	}
	if dim := os.Getenv("EMBEDDING_DIM"); dim != "" {
		n, err := strconv.Atoi(dim)
		if err != nil {
			return fmt.Errorf("invalid EMBEDDING_DIM %q: %w", dim, err)
		}
		config.Embedding.Dimension = n
	}
	if addr := os.Getenv("DOCSQA_ADDR"); addr != "" {
		config.Server.Addr = addr
	}
	if level := os.Getenv("DOCSQA_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	return nil
}
