package models

import "time"

// Document is an ingested source. It owns its chunks and is never mutated
// after creation except by deletion.
type Document struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Source    string    `json:"source" db:"source"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Chunk is a contiguous span of a document's text with its embedding.
// When the chunk came from a titled section, Content already starts with
// the title followed by a blank line.
type Chunk struct {
	ID         int64     `json:"id" db:"id"`
	DocumentID int64     `json:"document_id" db:"document_id"`
	Position   int       `json:"position" db:"position"`
	Page       *int      `json:"page,omitempty" db:"page"`
	Title      string    `json:"title,omitempty" db:"title"`
	Content    string    `json:"content" db:"content"`
	Embedding  []float32 `json:"-" db:"-"`
}

// Reservation is a document id allocated ahead of its chunks. Nothing is
// visible to readers until the reservation is finalized.
type Reservation struct {
	DocumentID int64
	Name       string
	Source     string
	CreatedAt  time.Time
}

// SearchResult is one ranked hit, nearest first.
type SearchResult struct {
	Chunk
	DocumentName string  `json:"document_name" db:"document_name"`
	Distance     float64 `json:"distance" db:"distance"`
}

// PageRef returns a pointer to n, for filling Chunk.Page.
func PageRef(n int) *int {
	return &n
}
