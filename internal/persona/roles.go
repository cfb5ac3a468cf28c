package persona

import (
	"context"
	"database/sql"
	"fmt"

	"arcbot/internal/domain"
)

// SQLRoleStore keeps active personas in the active_roles table.
type SQLRoleStore struct {
	db *sql.DB
}

func NewSQLRoleStore(db *sql.DB) *SQLRoleStore {
	if db == nil {
		panic("persona: db must not be nil")
	}
	return &SQLRoleStore{db: db}
}

func (s *SQLRoleStore) All(ctx context.Context) (map[domain.ChatKey]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, chat_kind, persona FROM active_roles`)
	if err != nil {
		return nil, fmt.Errorf("persona: list roles: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.ChatKey]string)
	for rows.Next() {
		var id, kind, name string
		if err := rows.Scan(&id, &kind, &name); err != nil {
			return nil, fmt.Errorf("persona: scan role: %w", err)
		}
		out[domain.ChatKey{ChatID: id, Kind: domain.ChatKind(kind)}] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persona: rows: %w", err)
	}
	return out, nil
}

func (s *SQLRoleStore) Set(ctx context.Context, key domain.ChatKey, persona string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO active_roles (chat_id, chat_kind, persona) VALUES (?, ?, ?)
		 ON CONFLICT (chat_id, chat_kind) DO UPDATE SET persona = excluded.persona`,
		key.ChatID, string(key.Kind), persona)
	if err != nil {
		return fmt.Errorf("persona: set role: %w", err)
	}
	return nil
}

func (s *SQLRoleStore) Clear(ctx context.Context, key domain.ChatKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM active_roles WHERE chat_id = ? AND chat_kind = ?`, key.ChatID, string(key.Kind))
	if err != nil {
		return fmt.Errorf("persona: clear role: %w", err)
	}
	return nil
}

var _ RoleStore = (*SQLRoleStore)(nil)
