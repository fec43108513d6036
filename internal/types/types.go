package types

import (
	"context"

	"github.com/xhad/docsqa/internal/models"
)

// EmbedMode selects how text is embedded. Documents and queries may be
// embedded asymmetrically by the underlying model.
type EmbedMode string

const (
	ModeDocument EmbedMode = "document"
	ModeQuery    EmbedMode = "query"
)

// Store persists documents and their chunks and answers nearest-neighbour queries.
type Store interface {
	// Reserve allocates a document id without making anything visible.
	Reserve(ctx context.Context, name, source string) (*models.Reservation, error)
	// Finalize writes the reserved document and all of its chunks in one transaction.
	Finalize(ctx context.Context, res *models.Reservation, chunks []models.Chunk) (*models.Document, error)
	GetDocument(ctx context.Context, id int64) (*models.Document, error)
	ListDocuments(ctx context.Context, limit, offset int) ([]models.Document, error)
	ListChunks(ctx context.Context, documentID int64) ([]models.Chunk, error)
	DeleteDocument(ctx context.Context, id int64) error
	// Search returns up to k chunks ordered by ascending L2 distance.
	Search(ctx context.Context, vector []float32, k int) ([]models.SearchResult, error)
	Dimension() int
	Close()
}

// Embedder converts text to a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string, mode EmbedMode) ([]float32, error)
	Dimension() int
}

// AnswerComposer produces an answer grounded in the supplied context.
type AnswerComposer interface {
	Answer(ctx context.Context, query string, contexts []string) (string, error)
	AnswerStream(ctx context.Context, query string, contexts []string) (<-chan string, <-chan error)
}

// PDFExtractor turns raw PDF bytes into per-page structured text.
type PDFExtractor interface {
	Extract(ctx context.Context, data []byte) ([]models.Page, error)
}

// PageFetcher retrieves a web page as structured text.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*models.WebPage, error)
}
