// Package transcript records the platform-side message log of each chat.
// The history tools read it back through domain.ChatHistorySource.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"arcbot/internal/domain"
)

// SQLStore keeps messages in the messages table.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	if db == nil {
		panic("transcript: db must not be nil")
	}
	return &SQLStore{db: db}
}

// Record appends one message to the log of key. A zero Time is stamped
// with the current time.
func (s *SQLStore) Record(ctx context.Context, key domain.ChatKey, m domain.HistoryMessage) error {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, chat_kind, message_id, user_id, user_name, content, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ChatID, string(key.Kind), m.MessageID, m.UserID, m.UserName, m.Content, m.Time.UnixMilli())
	if err != nil {
		return fmt.Errorf("transcript: record: %w", err)
	}
	return nil
}

// Recent returns the last n messages of key, oldest first.
func (s *SQLStore) Recent(ctx context.Context, key domain.ChatKey, n int) ([]domain.HistoryMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	out, err := s.query(ctx,
		`SELECT message_id, user_id, user_name, content, sent_at FROM messages
		 WHERE chat_id = ? AND chat_kind = ? ORDER BY sent_at DESC, rowid DESC LIMIT ?`,
		key.ChatID, string(key.Kind), n)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Since returns every message of key sent at or after since, oldest first.
func (s *SQLStore) Since(ctx context.Context, key domain.ChatKey, since time.Time) ([]domain.HistoryMessage, error) {
	return s.query(ctx,
		`SELECT message_id, user_id, user_name, content, sent_at FROM messages
		 WHERE chat_id = ? AND chat_kind = ? AND sent_at >= ? ORDER BY sent_at, rowid`,
		key.ChatID, string(key.Kind), since.UnixMilli())
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) ([]domain.HistoryMessage, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript: query: %w", err)
	}
	defer rows.Close()

	var out []domain.HistoryMessage
	for rows.Next() {
		var m domain.HistoryMessage
		var ms int64
		if err := rows.Scan(&m.MessageID, &m.UserID, &m.UserName, &m.Content, &ms); err != nil {
			return nil, fmt.Errorf("transcript: scan: %w", err)
		}
		m.Time = time.UnixMilli(ms)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: rows: %w", err)
	}
	return out, nil
}

var _ domain.ChatHistorySource = (*SQLStore)(nil)
