package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xhad/docsqa/pkg/logger"
	"github.com/xhad/docsqa/pkg/rag"
)

const (
	defaultMaxUploadBytes = 32 << 20
	defaultListLimit      = 50
	shutdownTimeout       = 10 * time.Second
)

type Config struct {
	Addr           string
	MaxUploadBytes int64
	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
}

// Server exposes a rag.Service over HTTP and a websocket channel.
type Server struct {
	config Config
	svc    *rag.Service
	log    logger.Logger
	engine *gin.Engine
}

func New(config Config, svc *rag.Service, log logger.Logger) *Server {
	if config.Addr == "" {
		config.Addr = ":8000"
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = defaultMaxUploadBytes
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logger.GetDefault()
	}

	s := &Server{config: config, svc: svc, log: log}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = s.config.MaxUploadBytes
	r.Use(gin.Recovery(), LoggerMiddleware(s.log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/ws", s.handleWebSocket)

	r.POST("/ingest", s.ingest)
	r.POST("/ingest_pdf", s.ingestPDF)
	r.POST("/ingest_url", s.ingestURL)
	r.POST("/search", s.search)
	r.POST("/ask", s.ask)

	docs := r.Group("/documents")
	docs.GET("", s.listDocuments)
	docs.GET("/:id", s.getDocument)
	docs.GET("/:id/chunks", s.documentChunks)
	docs.DELETE("/:id", s.deleteDocument)

	return r
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting server", "addr", s.config.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
