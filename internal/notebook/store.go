// Package notebook keeps per-persona notes written by the silent note tag.
package notebook

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"arcbot/internal/domain"
)

// nowFunc is the clock used for created_at. Tests may override it.
var nowFunc = time.Now

// SQLStore is a domain.Notebook backed by the notes table. Ids are
// allocated as max(id)+1 within a persona and are never reused while a
// higher id exists.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore returns a notebook over db. The schema must already exist
// (see db.Migrate).
func NewSQLStore(db *sql.DB) *SQLStore {
	if db == nil {
		panic("notebook: db must not be nil")
	}
	return &SQLStore{db: db}
}

func scope(persona string) string {
	if persona == "" {
		return domain.GlobalPersonaKey
	}
	return persona
}

// Add stores content under persona and returns the new entry.
func (s *SQLStore) Add(ctx context.Context, persona, content string) (domain.NotebookEntry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.NotebookEntry{}, fmt.Errorf("notebook: content must not be empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NotebookEntry{}, fmt.Errorf("notebook: begin: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM notes WHERE persona = ?`, scope(persona)).Scan(&next)
	if err != nil {
		return domain.NotebookEntry{}, fmt.Errorf("notebook: next id: %w", err)
	}
	entry := domain.NotebookEntry{ID: next, Content: content, CreatedAt: nowFunc().UTC().Truncate(time.Millisecond)}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO notes (persona, id, content, created_at) VALUES (?, ?, ?, ?)`,
		scope(persona), entry.ID, entry.Content, entry.CreatedAt.UnixMilli())
	if err != nil {
		return domain.NotebookEntry{}, fmt.Errorf("notebook: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.NotebookEntry{}, fmt.Errorf("notebook: commit: %w", err)
	}
	return entry, nil
}

// Delete removes the note with id from persona. It reports false when no
// such note exists.
func (s *SQLStore) Delete(ctx context.Context, persona string, id int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE persona = ? AND id = ?`, scope(persona), id)
	if err != nil {
		return false, fmt.Errorf("notebook: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("notebook: rows affected: %w", err)
	}
	return n > 0, nil
}

// List returns the notes of persona, oldest first.
func (s *SQLStore) List(ctx context.Context, persona string) ([]domain.NotebookEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, created_at FROM notes WHERE persona = ? ORDER BY created_at, id`, scope(persona))
	if err != nil {
		return nil, fmt.Errorf("notebook: list: %w", err)
	}
	defer rows.Close()

	var out []domain.NotebookEntry
	for rows.Next() {
		var e domain.NotebookEntry
		var ms int64
		if err := rows.Scan(&e.ID, &e.Content, &ms); err != nil {
			return nil, fmt.Errorf("notebook: scan: %w", err)
		}
		e.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notebook: rows: %w", err)
	}
	return out, nil
}

// RenderContext formats the notes of persona for the system prompt. It
// returns "" when there are none.
func RenderContext(ctx context.Context, nb domain.Notebook, persona string) (string, error) {
	entries, err := nb.List(ctx, persona)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("Your notebook (delete an entry with [note:<id>:delete]):\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- (ID: %d) %s (recorded at %s)\n", e.ID, e.Content, e.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

var _ domain.Notebook = (*SQLStore)(nil)
