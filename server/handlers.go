package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xhad/docsqa/internal/models"
	"github.com/xhad/docsqa/pkg/rag"
)

// ChunkOut is a chunk as returned by the HTTP API.
type ChunkOut struct {
	ID           int64    `json:"id"`
	DocumentID   int64    `json:"document_id"`
	DocumentName string   `json:"document_name,omitempty"`
	Page         *int     `json:"page"`
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Distance     *float64 `json:"distance,omitempty"`
}

type ingestURLRequest struct {
	URL   string `json:"url"`
	Crawl bool   `json:"crawl"`
}

type queryRequest struct {
	Query string `json:"query"`
	K     *int   `json:"k"`
}

type askResponse struct {
	Answer  string     `json:"answer"`
	Context []ChunkOut `json:"context"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrEmbedding),
		errors.Is(err, models.ErrGeneration),
		errors.Is(err, models.ErrFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{models.ErrValidation}, args...)...)
}

func resultsOut(results []models.SearchResult) []ChunkOut {
	out := make([]ChunkOut, len(results))
	for i, r := range results {
		d := r.Distance
		out[i] = ChunkOut{
			ID:           r.ID,
			DocumentID:   r.DocumentID,
			DocumentName: r.DocumentName,
			Page:         r.Page,
			Title:        r.Title,
			Content:      r.Content,
			Distance:     &d,
		}
	}
	return out
}

func (s *Server) resolveK(k *int) int {
	if k == nil {
		return s.svc.DefaultK()
	}
	return *k
}

func (s *Server) ingest(c *gin.Context) {
	var req rag.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest("invalid request body: %v", err))
		return
	}
	res, err := s.svc.Ingest(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) ingestPDF(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		s.fail(c, badRequest("multipart field \"file\" is required"))
		return
	}
	if fh.Size > s.config.MaxUploadBytes {
		s.fail(c, badRequest("file exceeds %d bytes", s.config.MaxUploadBytes))
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.fail(c, fmt.Errorf("open upload: %w", err))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.config.MaxUploadBytes))
	if err != nil {
		s.fail(c, fmt.Errorf("read upload: %w", err))
		return
	}

	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		name = fh.Filename
	}
	res, err := s.svc.IngestPDF(c.Request.Context(), name, c.PostForm("source"), data)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) ingestURL(c *gin.Context) {
	var req ingestURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.fail(c, badRequest("url is required"))
		return
	}

	if !req.Crawl {
		res, err := s.svc.IngestURL(c.Request.Context(), req.URL)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	results, err := s.svc.IngestSite(c.Request.Context(), req.URL, nil)
	if err != nil {
		s.fail(c, err)
		return
	}
	if results == nil {
		results = []rag.IngestResult{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": results})
}

func (s *Server) search(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest("invalid request body: %v", err))
		return
	}
	results, err := s.svc.Search(c.Request.Context(), req.Query, s.resolveK(req.K))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resultsOut(results))
}

func (s *Server) ask(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest("invalid request body: %v", err))
		return
	}
	answer, err := s.svc.Ask(c.Request.Context(), req.Query, s.resolveK(req.K))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, askResponse{Answer: answer.Text, Context: resultsOut(answer.Context)})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("%s must be a non-negative integer", key)
	}
	return n, nil
}

func (s *Server) listDocuments(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultListLimit)
	if err != nil {
		s.fail(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		s.fail(c, err)
		return
	}
	docs, err := s.svc.ListDocuments(c.Request.Context(), limit, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	c.JSON(http.StatusOK, docs)
}

func pathID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid document id %q", c.Param("id"))
	}
	return id, nil
}

func (s *Server) getDocument(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	doc, err := s.svc.GetDocument(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) documentChunks(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	chunks, err := s.svc.DocumentChunks(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]ChunkOut, len(chunks))
	for i, ch := range chunks {
		out[i] = ChunkOut{
			ID:         ch.ID,
			DocumentID: ch.DocumentID,
			Page:       ch.Page,
			Title:      ch.Title,
			Content:    ch.Content,
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) deleteDocument(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.svc.DeleteDocument(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
