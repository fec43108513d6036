package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/xhad/docsqa/internal/models"
	"github.com/xhad/docsqa/internal/types"
	"github.com/xhad/docsqa/pkg/logger"
)

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type VectorStoreConfig struct {
	ConnString string
	Dimension  int
	// BatchSize is the number of chunk rows per INSERT statement.
	BatchSize int
	MaxConns  int32
}

// PGStore keeps documents and chunks in PostgreSQL with pgvector.
type PGStore struct {
	config VectorStoreConfig
	db     DB
	pool   *pgxpool.Pool
	log    logger.Logger
}

var _ types.Store = (*PGStore)(nil)

const maxIndexedDimension = 2000

func psql() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func applyStoreDefaults(config VectorStoreConfig) (VectorStoreConfig, error) {
	if config.Dimension == 0 {
		config.Dimension = 1536
	}
	if config.Dimension < 0 {
		return config, fmt.Errorf("dimension must be positive, got %d", config.Dimension)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return config, nil
}

// NewWithConfig connects to Postgres and checks that the chunk table's
// vector column matches the configured dimension.
func NewWithConfig(ctx context.Context, config VectorStoreConfig, log logger.Logger) (*PGStore, error) {
	config, err := applyStoreDefaults(config)
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid connection string: %w", models.ErrStore, err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to database: %w", models.ErrStore, err)
	}

	s := NewWithDB(config, pool, log)
	s.pool = pool
	if err := s.checkDimension(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection. The caller keeps ownership of db.
func NewWithDB(config VectorStoreConfig, db DB, log logger.Logger) *PGStore {
	config, err := applyStoreDefaults(config)
	if err != nil {
		config.Dimension = 1536
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &PGStore{config: config, db: db, log: log}
}

func (s *PGStore) Dimension() int {
	return s.config.Dimension
}

func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PGStore) checkDimension(ctx context.Context) error {
	var typmod int
	err := s.db.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute WHERE attrelid = 'chunks'::regclass AND attname = 'embedding'`,
	).Scan(&typmod)
	if err != nil {
		return fmt.Errorf("%w: schema check failed (run migrations first): %w", models.ErrStore, err)
	}
	if typmod != s.config.Dimension {
		return fmt.Errorf("%w: chunks.embedding is vector(%d) but the configured dimension is %d",
			models.ErrStore, typmod, s.config.Dimension)
	}
	return nil
}

// EnsureIndex creates the approximate nearest-neighbour index on chunk
// embeddings. kind is "hnsw", "ivfflat" or "none".
func (s *PGStore) EnsureIndex(ctx context.Context, kind string) error {
	var stmt string
	switch kind {
	case "", "none":
		return nil
	case "hnsw":
		stmt = `CREATE INDEX IF NOT EXISTS chunks_embedding_hnsw_idx ON chunks USING hnsw (embedding vector_l2_ops)`
	case "ivfflat":
		stmt = `CREATE INDEX IF NOT EXISTS chunks_embedding_ivfflat_idx ON chunks USING ivfflat (embedding vector_l2_ops) WITH (lists = 100)`
	default:
		return fmt.Errorf("%w: unknown index kind %q", models.ErrValidation, kind)
	}
	if s.config.Dimension > maxIndexedDimension {
		return fmt.Errorf("%w: %s indexes support at most %d dimensions, configured %d",
			models.ErrValidation, kind, maxIndexedDimension, s.config.Dimension)
	}
	if _, err := s.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("%w: create %s index: %w", models.ErrStore, kind, err)
	}
	s.log.Info("vector index ready", "kind", kind)
	return nil
}

func (s *PGStore) Reserve(ctx context.Context, name, source string) (*models.Reservation, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: document name is required", models.ErrValidation)
	}
	var id int64
	err := s.db.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence('documents', 'id'))`).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("%w: reserve document id: %w", models.ErrStore, err)
	}
	return &models.Reservation{
		DocumentID: id,
		Name:       name,
		Source:     source,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (s *PGStore) Finalize(ctx context.Context, res *models.Reservation, chunks []models.Chunk) (doc *models.Document, err error) {
	chunks = sanitizeChunks(chunks)
	if err := validateFinalize(res, chunks, s.config.Dimension); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %w", models.ErrStore, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("%w: rollback failed: %w; original error: %v", models.ErrStore, rbErr, err)
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			doc = nil
			err = fmt.Errorf("%w: commit: %w", models.ErrStore, commitErr)
		}
	}()

	docSQL, docArgs, err := psql().
		Insert("documents").
		Columns("id", "name", "source", "created_at").
		Values(res.DocumentID, sanitizeUTF8(res.Name), sanitizeUTF8(res.Source), res.CreatedAt).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: build document insert: %w", models.ErrStore, err)
	}
	if _, err = tx.Exec(ctx, docSQL, docArgs...); err != nil {
		return nil, fmt.Errorf("%w: insert document: %w", models.ErrStore, err)
	}

	for start := 0; start < len(chunks); start += s.config.BatchSize {
		end := start + s.config.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		q := psql().
			Insert("chunks").
			Columns("document_id", "position", "page", "title", "content", "embedding")
		for i := start; i < end; i++ {
			c := chunks[i]
			q = q.Values(res.DocumentID, i, c.Page, c.Title, c.Content,
				pgvector.NewVector(c.Embedding))
		}
		chunkSQL, chunkArgs, buildErr := q.ToSql()
		if buildErr != nil {
			return nil, fmt.Errorf("%w: build chunk insert: %w", models.ErrStore, buildErr)
		}
		if _, err = tx.Exec(ctx, chunkSQL, chunkArgs...); err != nil {
			return nil, fmt.Errorf("%w: insert chunks: %w", models.ErrStore, err)
		}
	}

	return &models.Document{
		ID:        res.DocumentID,
		Name:      res.Name,
		Source:    res.Source,
		CreatedAt: res.CreatedAt,
	}, nil
}

func validateFinalize(res *models.Reservation, chunks []models.Chunk, dimension int) error {
	if res == nil {
		return fmt.Errorf("%w: missing reservation", models.ErrValidation)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("%w: document %d has no chunks", models.ErrValidation, res.DocumentID)
	}
	for i, c := range chunks {
		if c.DocumentID != res.DocumentID {
			return fmt.Errorf("%w: chunk %d references document %d, expected %d",
				models.ErrValidation, i, c.DocumentID, res.DocumentID)
		}
		if strings.TrimSpace(c.Content) == "" {
			return fmt.Errorf("%w: chunk %d has empty content", models.ErrValidation, i)
		}
		if len(c.Embedding) != dimension {
			return fmt.Errorf("%w: chunk %d embedding has %d dimensions, expected %d",
				models.ErrValidation, i, len(c.Embedding), dimension)
		}
	}
	return nil
}

func (s *PGStore) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	query, args, err := psql().
		Select("id", "name", "source", "created_at").
		From("documents").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: build query: %w", models.ErrStore, err)
	}
	var doc models.Document
	if err := pgxscan.Get(ctx, s.db, &doc, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, fmt.Errorf("%w: document %d", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: get document: %w", models.ErrStore, err)
	}
	return &doc, nil
}

func (s *PGStore) ListDocuments(ctx context.Context, limit, offset int) ([]models.Document, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must be non-negative", models.ErrValidation)
	}
	q := psql().
		Select("id", "name", "source", "created_at").
		From("documents").
		OrderBy("created_at DESC", "id DESC").
		Offset(uint64(offset))
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: build query: %w", models.ErrStore, err)
	}
	docs := []models.Document{}
	if err := pgxscan.Select(ctx, s.db, &docs, query, args...); err != nil {
		return nil, fmt.Errorf("%w: list documents: %w", models.ErrStore, err)
	}
	return docs, nil
}

func (s *PGStore) ListChunks(ctx context.Context, documentID int64) ([]models.Chunk, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	query, args, err := psql().
		Select("id", "document_id", "position", "page", "title", "content").
		From("chunks").
		Where(squirrel.Eq{"document_id": documentID}).
		OrderBy("position").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: build query: %w", models.ErrStore, err)
	}
	chunks := []models.Chunk{}
	if err := pgxscan.Select(ctx, s.db, &chunks, query, args...); err != nil {
		return nil, fmt.Errorf("%w: list chunks: %w", models.ErrStore, err)
	}
	return chunks, nil
}

func (s *PGStore) DeleteDocument(ctx context.Context, id int64) error {
	query, args, err := psql().
		Delete("documents").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("%w: build query: %w", models.ErrStore, err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: delete document: %w", models.ErrStore, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %d", models.ErrNotFound, id)
	}
	return nil
}

// Search returns up to k chunks nearest to vector by L2 distance, nearest
// first. Ties are broken by chunk id.
func (s *PGStore) Search(ctx context.Context, vector []float32, k int) ([]models.SearchResult, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", models.ErrValidation)
	}
	if len(vector) != s.config.Dimension {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, expected %d",
			models.ErrValidation, len(vector), s.config.Dimension)
	}

	query, args, err := psql().
		Select("c.id", "c.document_id", "c.position", "c.page", "c.title", "c.content", "d.name AS document_name").
		Column(squirrel.Expr("c.embedding <-> ? AS distance", pgvector.NewVector(vector))).
		From("chunks c").
		Join("documents d ON d.id = c.document_id").
		OrderBy("distance", "c.id").
		Limit(uint64(k)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: build query: %w", models.ErrStore, err)
	}

	results := []models.SearchResult{}
	if err := pgxscan.Select(ctx, s.db, &results, query, args...); err != nil {
		return nil, fmt.Errorf("%w: search: %w", models.ErrStore, err)
	}
	return results, nil
}

// sanitizeUTF8 drops invalid bytes and NULs, which Postgres text rejects.
// sanitizeChunks returns copies of chunks with text columns Postgres can store.
func sanitizeChunks(chunks []models.Chunk) []models.Chunk {
	out := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		c.Title = sanitizeUTF8(c.Title)
		c.Content = sanitizeUTF8(c.Content)
		out[i] = c
	}
	return out
}

func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		s = string(v)
	}
	return strings.ReplaceAll(s, "\x00", "")
}
