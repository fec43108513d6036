package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docsqa/internal/models"
	"github.com/xhad/docsqa/pkg/llm"
	"github.com/xhad/docsqa/pkg/llm/llmtest"
	"github.com/xhad/docsqa/pkg/logger"
	"github.com/xhad/docsqa/pkg/rag"
	"github.com/xhad/docsqa/pkg/store"
	"github.com/xhad/docsqa/server"
)

type fakePDF struct{}

func (fakePDF) Extract(_ context.Context, data []byte) ([]models.Page, error) {
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return nil, models.ErrValidation
	}
	return []models.Page{{Number: 1, Markdown: "## Install\nRun go install to build the binary."}}, nil
}

type fakeFetcher struct{}

func (fakeFetcher) Fetch(_ context.Context, url string) (*models.WebPage, error) {
	if url != "https://docs.example/" {
		return nil, models.ErrFetch
	}
	return &models.WebPage{URL: url, Title: "Docs", Markdown: "# Intro\n\nWelcome to the docs."}, nil
}

type testServer struct {
	srv   *server.Server
	model *llmtest.ScriptedModel
}

func setup(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	emb, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{Dimension: 32}, &llmtest.HashEmbeddingClient{})
	require.NoError(t, err)
	model := &llmtest.ScriptedModel{Reply: llmtest.ContextAnswerer}
	chat, err := llm.NewWithModel(llm.ChatConfig{}, model)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	svc, err := rag.NewService(rag.Config{DefaultK: 3}, rag.Deps{
		Store:    store.NewMemoryStore(32),
		Embedder: emb,
		Composer: chat,
		PDF:      fakePDF{},
		Fetcher:  fakeFetcher{},
		Metrics:  rag.NewMetrics(reg),
		Logger:   logger.Discard(),
	})
	require.NoError(t, err)

	return &testServer{
		srv:   server.New(server.Config{Gatherer: reg}, svc, logger.Discard()),
		model: model,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestServer_Health(t *testing.T) {
	ts := setup(t)
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestServer_IngestSearchAsk(t *testing.T) {
	ts := setup(t)

	w := ts.do(t, http.MethodPost, "/ingest", map[string]string{
		"name": "install.md",
		"text": "Install the binary with go install.",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[rag.IngestResult](t, w)
	assert.Equal(t, "install.md", res.Name)
	assert.Positive(t, res.ID)

	t.Run("Should search with the default k", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/search", map[string]any{"query": "Install the binary with go install."})
		require.Equal(t, http.StatusOK, w.Code)
		out := decode[[]server.ChunkOut](t, w)
		require.Len(t, out, 1)
		assert.Equal(t, "install.md", out[0].DocumentName)
		require.NotNil(t, out[0].Distance)
		assert.InDelta(t, 0, *out[0].Distance, 1e-5)
	})

	t.Run("Should reject a non-positive k", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/search", map[string]any{"query": "install", "k": 0})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "error")
	})

	t.Run("Should answer from context", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/ask", map[string]any{"query": "How do I install it?", "k": 2})
		require.Equal(t, http.StatusOK, w.Code)
		body := decode[map[string]any](t, w)
		assert.Equal(t, "Install the binary with go install.", body["answer"])
		assert.Len(t, body["context"], 1)
	})

	t.Run("Should answer with the sentinel when unrelated", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/ask", map[string]any{"query": "Who won the 1998 world cup?"})
		require.Equal(t, http.StatusOK, w.Code)
		body := decode[map[string]any](t, w)
		assert.Equal(t, llm.IDontKnow, body["answer"])
	})
}

func TestServer_ErrorMapping(t *testing.T) {
	ts := setup(t)

	w := ts.do(t, http.MethodPost, "/ingest", map[string]string{"name": "x", "text": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/ingest_url", map[string]string{"url": "https://docs.example/missing"})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	ts.model.Err = assert.AnError
	w = ts.do(t, http.MethodPost, "/ask", map[string]any{"query": "anything"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, decode[map[string]string](t, w)["error"], "generation")

	w = ts.do(t, http.MethodGet, "/documents/42", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/documents/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/documents?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Documents(t *testing.T) {
	ts := setup(t)

	w := ts.do(t, http.MethodPost, "/ingest_url", map[string]string{"url": "https://docs.example/"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[rag.IngestResult](t, w)
	assert.Equal(t, "Docs", res.Name)

	w = ts.do(t, http.MethodGet, "/documents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	docs := decode[[]models.Document](t, w)
	require.Len(t, docs, 1)
	assert.Equal(t, "https://docs.example/", docs[0].Source)

	path := "/documents/" + jsonNumber(res.ID)
	w = ts.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, path+"/chunks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	chunks := decode[[]server.ChunkOut](t, w)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Intro", chunks[0].Title)
	assert.Equal(t, "Intro\n\nWelcome to the docs.", chunks[0].Content)

	w = ts.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ts.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func jsonNumber(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestServer_IngestPDF(t *testing.T) {
	ts := setup(t)

	upload := func(content []byte, name string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "manual.pdf")
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
		if name != "" {
			require.NoError(t, mw.WriteField("name", name))
		}
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/ingest_pdf", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		w := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(w, req)
		return w
	}

	w := upload([]byte("%PDF-1.4 fake"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "manual.pdf", decode[rag.IngestResult](t, w).Name)

	w = upload([]byte("%PDF-1.4 fake"), "Handbook")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Handbook", decode[rag.IngestResult](t, w).Name)

	w = upload([]byte("not a pdf"), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/ingest_pdf", http.NoBody)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	ts := setup(t)
	ts.do(t, http.MethodPost, "/ingest", map[string]string{"name": "n", "text": "some words"})

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "docsqa_documents_ingested_total 1")
}

func TestServer_WebSocketAsk(t *testing.T) {
	ts := setup(t)
	ts.model.Chunks = []string{"I don't ", "know."}

	httpSrv := httptest.NewServer(ts.srv.Handler())
	t.Cleanup(httpSrv.Close)

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(server.Message{Type: "ask", Content: "anything?"}))

	var got []server.Message
	for {
		var msg server.Message
		require.NoError(t, conn.ReadJSON(&msg))
		got = append(got, msg)
		if msg.Type == "done" || msg.Type == "error" {
			break
		}
	}

	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, "context", got[0].Type)
	assert.Equal(t, "done", got[len(got)-1].Type)
	var text strings.Builder
	for _, m := range got[1 : len(got)-1] {
		assert.Equal(t, "stream", m.Type)
		text.WriteString(m.Content)
	}
	assert.Equal(t, llm.IDontKnow, text.String())

	require.NoError(t, conn.WriteJSON(server.Message{Type: "bogus"}))
	var msg server.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
}
