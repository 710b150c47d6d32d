// Package structured implements the entity/attribute/value fact store,
// episodes, commitments, and entity aliases — the structured half of
// the memory subsystem.
package structured

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

// Store is the structured (facts/episodes/commitments/aliases) half of
// the memory subsystem.
type Store struct {
	db *sql.DB
}

// Open opens or creates the structured tables in the sqlite database
// at path (may be the same file as the unstructured store's database).
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("structured: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entity_aliases (
			alias TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			added_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			entity TEXT NOT NULL,
			attribute TEXT NOT NULL,
			value TEXT NOT NULL,
			confidence REAL NOT NULL,
			source_text TEXT,
			created_at TIMESTAMP NOT NULL,
			invalid INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_entity_attr ON facts (entity, attribute)`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			summary TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS episode_facts (
			episode_id TEXT NOT NULL,
			fact_id TEXT NOT NULL,
			PRIMARY KEY (episode_id, fact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS commitments (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			due_at TIMESTAMP,
			fulfilled INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS consolidation_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_session_seq TEXT NOT NULL,
			last_run_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("structured: migrate: %w", err)
		}
	}
	return nil
}

// ConsolidationBatch is one unit of LLM-extracted memory: new aliases
// to register, facts to upsert, episodes, and commitments — all
// applied atomically by ApplyConsolidation.
type ConsolidationBatch struct {
	Aliases     []models.EntityAlias
	Facts       []models.Fact
	Episodes    []models.Episode
	Commitments []models.Commitment
}

// ApplyConsolidation commits an entire extraction batch in one
// transaction, inserting aliases strictly before facts within that
// transaction (invariant I4/M3: an alias must exist before any fact
// referencing its entity id is visible to readers, and the two must
// never be split across separate commits — otherwise a reader could
// observe a fact whose entity has no resolvable alias yet).
func (s *Store) ApplyConsolidation(ctx context.Context, batch ConsolidationBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Aliases first, unconditionally, within this transaction.
	for _, a := range batch.Aliases {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO entity_aliases (alias, entity_id, added_at) VALUES (?, ?, ?)`,
			a.Alias, a.EntityID, a.AddedAt); err != nil {
			return fmt.Errorf("structured: insert alias: %w", err)
		}
	}

	// Facts: upsert by (entity, attribute), invalidating any prior value
	// for that pair rather than deleting it, preserving history.
	for _, f := range batch.Facts {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE facts SET invalid = 1 WHERE entity = ? AND attribute = ? AND invalid = 0`,
			f.Entity, f.Attribute); err != nil {
			return fmt.Errorf("structured: invalidate prior fact: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO facts (id, entity, attribute, value, confidence, source_text, created_at, invalid)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
			f.ID, f.Entity, f.Attribute, f.Value, f.Confidence, f.SourceText, f.CreatedAt); err != nil {
			return fmt.Errorf("structured: insert fact: %w", err)
		}
	}

	for _, e := range batch.Episodes {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO episodes (id, summary, occurred_at) VALUES (?, ?, ?)`,
			e.ID, e.Summary, e.OccurredAt); err != nil {
			return fmt.Errorf("structured: insert episode: %w", err)
		}
		for _, factID := range e.RelatedFact {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO episode_facts (episode_id, fact_id) VALUES (?, ?)`,
				e.ID, factID); err != nil {
				return fmt.Errorf("structured: link episode fact: %w", err)
			}
		}
	}

	for _, c := range batch.Commitments {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO commitments (id, text, due_at, fulfilled, created_at) VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.Text, c.DueAt, c.Fulfilled, c.CreatedAt); err != nil {
			return fmt.Errorf("structured: insert commitment: %w", err)
		}
	}

	return tx.Commit()
}

// ResolveEntity follows an alias to its canonical entity id, returning
// the alias itself if no mapping exists (so query-time resolution
// degrades to literal matching rather than failing outright).
func (s *Store) ResolveEntity(ctx context.Context, alias string) (string, error) {
	var entityID string
	err := s.db.QueryRowContext(ctx, `SELECT entity_id FROM entity_aliases WHERE alias = ?`, alias).Scan(&entityID)
	if err == sql.ErrNoRows {
		return alias, nil
	}
	if err != nil {
		return "", fmt.Errorf("structured: resolve entity: %w", err)
	}
	return entityID, nil
}

// FactsForEntity returns every currently-valid fact for a (resolved)
// entity id.
func (s *Store) FactsForEntity(ctx context.Context, entityID string) ([]models.Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity, attribute, value, confidence, source_text, created_at, invalid
		 FROM facts WHERE entity = ? AND invalid = 0 ORDER BY created_at DESC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("structured: query facts: %w", err)
	}
	defer rows.Close()

	var out []models.Fact
	for rows.Next() {
		var f models.Fact
		var sourceText sql.NullString
		if err := rows.Scan(&f.ID, &f.Entity, &f.Attribute, &f.Value, &f.Confidence, &sourceText, &f.CreatedAt, &f.Invalid); err != nil {
			return nil, err
		}
		f.SourceText = sourceText.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// SearchEpisodes returns episodes whose summary contains query
// (case-insensitive substring match), most recent first, capped at
// limit. A wired-up full LLM-driven semantic search is out of scope
// here — the unstructured store's Recall already covers that; this is
// the structured store's narrower "what happened" lookup.
func (s *Store) SearchEpisodes(ctx context.Context, query string, limit int) ([]models.Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, summary, occurred_at FROM episodes
		 WHERE summary LIKE '%' || ? || '%' COLLATE NOCASE
		 ORDER BY occurred_at DESC LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("structured: search episodes: %w", err)
	}
	defer rows.Close()

	var out []models.Episode
	for rows.Next() {
		var e models.Episode
		if err := rows.Scan(&e.ID, &e.Summary, &e.OccurredAt); err != nil {
			return nil, err
		}
		facts, err := s.factsForEpisode(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		e.RelatedFact = facts
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) factsForEpisode(ctx context.Context, episodeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fact_id FROM episode_facts WHERE episode_id = ?`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("structured: query episode facts: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetOpenCommitments returns every unfulfilled commitment, oldest due
// date first (commitments with no due date sort last), so a recall
// surfaces the most time-pressing follow-ups first.
func (s *Store) GetOpenCommitments(ctx context.Context) ([]models.Commitment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, due_at, fulfilled, created_at FROM commitments
		 WHERE fulfilled = 0
		 ORDER BY due_at IS NULL, due_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("structured: query open commitments: %w", err)
	}
	defer rows.Close()

	var out []models.Commitment
	for rows.Next() {
		var c models.Commitment
		var dueAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Text, &dueAt, &c.Fulfilled, &c.CreatedAt); err != nil {
			return nil, err
		}
		if dueAt.Valid {
			c.DueAt = &dueAt.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetConsolidationCursor records how far consolidation has progressed.
// A later run reads only sessions past the recorded last_session_seq,
// so a window already covered is not consolidated a second time.
func (s *Store) SetConsolidationCursor(ctx context.Context, lastSessionSeq string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consolidation_state (id, last_session_seq, last_run_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_session_seq = excluded.last_session_seq, last_run_at = excluded.last_run_at`,
		lastSessionSeq, time.Now())
	return err
}

// ConsolidationCursor returns the last recorded cursor, or "" if
// consolidation has never run.
func (s *Store) ConsolidationCursor(ctx context.Context) (string, error) {
	var seq string
	err := s.db.QueryRowContext(ctx, `SELECT last_session_seq FROM consolidation_state WHERE id = 1`).Scan(&seq)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return seq, err
}
