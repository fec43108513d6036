package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/xhad/docsqa/pkg/rag"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is the websocket frame in both directions. Clients send "ask"
// or "ingest_url"; the server answers with "context", "stream", "done",
// "status", "progress" and "error".
type Message struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
}

type askOptions struct {
	K *int `json:"k"`
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ws := &wsConn{conn: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read ended", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.send(ws, Message{Type: "error", Content: "invalid message"})
			continue
		}
		s.handleMessage(ctx, ws, msg)
	}
}

func (s *Server) handleMessage(ctx context.Context, ws *wsConn, msg Message) {
	switch msg.Type {
	case "ask":
		s.streamAnswer(ctx, ws, msg)
	case "ingest_url":
		s.crawlURL(ctx, ws, strings.TrimSpace(msg.Content))
	default:
		s.send(ws, Message{Type: "error", Content: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (s *Server) streamAnswer(ctx context.Context, ws *wsConn, msg Message) {
	k := s.svc.DefaultK()
	if msg.Data != nil {
		var opts askOptions
		if b, err := json.Marshal(msg.Data); err == nil && json.Unmarshal(b, &opts) == nil && opts.K != nil {
			k = *opts.K
		}
	}

	results, tokens, errs, err := s.svc.AskStream(ctx, msg.Content, k)
	if err != nil {
		s.send(ws, Message{Type: "error", Content: err.Error()})
		return
	}
	s.send(ws, Message{Type: "context", Data: resultsOut(results)})

	for tok := range tokens {
		s.send(ws, Message{Type: "stream", Content: tok})
	}
	if err := <-errs; err != nil {
		s.send(ws, Message{Type: "error", Content: err.Error()})
		return
	}
	s.send(ws, Message{Type: "done"})
}

func (s *Server) crawlURL(ctx context.Context, ws *wsConn, url string) {
	if url == "" {
		s.send(ws, Message{Type: "error", Content: "url is required"})
		return
	}
	s.send(ws, Message{Type: "status", Content: fmt.Sprintf("Processing URL: %s", url)})

	processed := 0
	results, err := s.svc.IngestSite(ctx, url, func(res *rag.IngestResult, err error) {
		processed++
		s.send(ws, Message{Type: "progress", Content: fmt.Sprintf("Processed %d pages", processed), Data: res})
	})
	if err != nil {
		s.send(ws, Message{Type: "error", Content: err.Error()})
		return
	}
	s.send(ws, Message{Type: "status", Content: fmt.Sprintf("Ingested %d documents", len(results)), Data: results})
}

func (s *Server) send(ws *wsConn, msg Message) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if err := ws.conn.WriteJSON(msg); err != nil {
		s.log.Debug("websocket write failed", "error", err)
	}
}
