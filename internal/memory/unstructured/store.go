// Package unstructured implements the chunk index half of the memory
// subsystem: full-text search over an FTS5 virtual table, vector
// cosine-similarity recall over stored embeddings, and a merged
// ranking that decays older chunks' scores.
package unstructured

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/kestrel-ai/kestrel/internal/providers"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

// vectorWeight and ftsWeight blend the two recall signals: vector
// similarity generalizes across paraphrase, FTS rewards exact-term
// matches (names, identifiers) vector similarity alone tends to blur.
const (
	vectorWeight = 0.65
	ftsWeight    = 0.35
)

// Store is the unstructured (chunk) half of the memory subsystem,
// backed by one sqlite database. The daemon keeps it in its own file
// (statedir's MemoryDBPath), separate from the structured store's.
type Store struct {
	db       *sql.DB
	embedder providers.EmbeddingProvider
}

// Open opens or creates the chunk tables in the sqlite database at
// path. Its table names do not collide with the structured store's, so
// both schemas can live in one file, but the daemon and the indexer
// open a file of its own; migrations are idempotent
// CREATE-IF-NOT-EXISTS statements, matching the rest of the pack's
// embedded-DB idiom.
func Open(ctx context.Context, path string, embedder providers.EmbeddingProvider) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("unstructured: open db: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; sqlite serializes anyway

	s := &Store{db: db, embedder: embedder}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			text TEXT NOT NULL,
			embedding TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			id UNINDEXED, text, content='chunks', content_rowid='rowid'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("unstructured: migrate: %w", err)
		}
	}
	return nil
}

// Index embeds and stores each (source, text) pair as a Chunk,
// batching embedding calls respecting the embedder's MaxBatchSize.
func (s *Store) Index(ctx context.Context, source string, texts []string) ([]models.Chunk, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("unstructured: embed batch: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("unstructured: embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now()
	out := make([]models.Chunk, 0, len(texts))
	for i, text := range texts {
		chunk := models.Chunk{ID: uuid.NewString(), Source: source, Text: text, Embedding: vectors[i], CreatedAt: now}
		embJSON, err := json.Marshal(chunk.Embedding)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO chunks (id, source, text, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
			chunk.ID, chunk.Source, chunk.Text, string(embJSON), chunk.CreatedAt); err != nil {
			return nil, fmt.Errorf("unstructured: insert chunk: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO chunks_fts (rowid, id, text) SELECT rowid, id, text FROM chunks WHERE id = ?`, chunk.ID); err != nil {
			return nil, fmt.Errorf("unstructured: index fts: %w", err)
		}
		out = append(out, chunk)
	}
	return out, tx.Commit()
}

// SearchResult pairs a chunk with its merged relevance score.
type SearchResult struct {
	Chunk models.Chunk
	Score float64
}

// Search returns the top-k chunks by a score blending vector cosine
// similarity, FTS rank, and a recency decay (older chunks matching
// equally well rank lower, so stale facts don't crowd out fresh ones).
func (s *Store) Search(ctx context.Context, query string, k int) ([]SearchResult, error) {
	queryVec, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("unstructured: embed query: %w", err)
	}
	if len(queryVec) != 1 {
		return nil, fmt.Errorf("unstructured: expected 1 query vector, got %d", len(queryVec))
	}

	ftsScores, err := s.ftsScores(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("unstructured: fts search: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, source, text, embedding, created_at FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("unstructured: scan chunks: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var candidates []SearchResult
	for rows.Next() {
		var c models.Chunk
		var embJSON string
		if err := rows.Scan(&c.ID, &c.Source, &c.Text, &embJSON, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(embJSON), &c.Embedding); err != nil {
			return nil, err
		}
		sim := cosineSimilarity(queryVec[0], c.Embedding)
		decay := recencyDecay(now.Sub(c.CreatedAt))
		blended := vectorWeight*sim + ftsWeight*ftsScores[c.ID]
		candidates = append(candidates, SearchResult{Chunk: c, Score: blended * decay})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// ftsScores runs query against the chunks_fts virtual table and
// returns a per-chunk-id relevance score in (0,1], higher is better.
// bm25's raw score is negative and unbounded (more negative is a
// better match), so it is folded through a logistic transform to
// blend cleanly with cosine similarity. A chunk absent from the
// returned map simply contributed no keyword-match signal.
func (s *Store) ftsScores(ctx context.Context, query string) (map[string]float64, error) {
	out := make(map[string]float64)
	matchExpr := ftsMatchExpr(query)
	if matchExpr == "" {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, bm25(chunks_fts) FROM chunks_fts WHERE chunks_fts MATCH ?`, matchExpr)
	if err != nil {
		// A query that doesn't parse as an FTS5 MATCH expression (bare
		// punctuation, unbalanced quotes) just means "no keyword
		// matches" for recall purposes, not a failed Search.
		return out, nil
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, err
		}
		out[id] = 1 / (1 + math.Exp(rank/4))
	}
	return out, rows.Err()
}

// ftsMatchExpr builds a MATCH expression that ORs together every
// whitespace-delimited token, each quoted so punctuation in the query
// text can't be mistaken for FTS5 query syntax.
func ftsMatchExpr(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(parts, " OR ")
}

// Recall formats the top-k chunks matching query into a single text
// block suitable for folding into a turn's context: one bullet per
// chunk, ending with a footer naming how many chunks were loaded and
// how many scored candidates were dropped to stay within k.
func (s *Store) Recall(ctx context.Context, query string, k int) (string, error) {
	all, err := s.Search(ctx, query, 0)
	if err != nil {
		return "", err
	}
	total := len(all)
	loaded := all
	if k > 0 && total > k {
		loaded = all[:k]
	}
	if len(loaded) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, r := range loaded {
		fmt.Fprintf(&b, "- (%s) %s\n", r.Chunk.Source, r.Chunk.Text)
	}
	fmt.Fprintf(&b, "[Memory loaded: %d] [Dropped: %d]", len(loaded), total-len(loaded))
	return b.String(), nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// recencyDecay halves a chunk's effective score every 30 days old.
func recencyDecay(age time.Duration) float64 {
	halfLife := 30 * 24 * time.Hour
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

// Count returns the number of indexed chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

// Delete removes a chunk by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, id)
	return err
}
