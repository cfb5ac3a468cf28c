// Package events stores long-running conversation events: role-play
// scenes and similar scripted situations the model opens with the silent
// event tag and closes with event_end.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"arcbot/internal/domain"
)

// DefaultMaxActive caps the number of concurrently active events.
const DefaultMaxActive = 50

// Registration failures. Both are no-ops for the caller.
var (
	ErrAlreadyActive = errors.New("events: an event is already active in this chat")
	ErrTooMany       = errors.New("events: too many active events")
)

var (
	nowFunc   = time.Now
	newIDFunc = func() string { return uuid.NewString() }
)

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(s *SQLStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxActive overrides DefaultMaxActive. Values below 1 are ignored.
func WithMaxActive(n int) Option {
	return func(s *SQLStore) {
		if n > 0 {
			s.maxActive = n
		}
	}
}

// SQLStore is a domain.EventStore over the events table. The UNIQUE
// (chat_id, chat_kind) constraint keeps at most one event per chat.
type SQLStore struct {
	db        *sql.DB
	maxActive int
	logger    *slog.Logger
}

// NewSQLStore returns an event store over db.
func NewSQLStore(db *sql.DB, opts ...Option) *SQLStore {
	if db == nil {
		panic("events: db must not be nil")
	}
	s := &SQLStore{db: db, maxActive: DefaultMaxActive}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SQLStore) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Register stores rec and returns it with its id and start time filled in.
// A private chat with no participants defaults to the chat id itself.
func (s *SQLStore) Register(ctx context.Context, rec domain.EventRecord) (domain.EventRecord, error) {
	if strings.TrimSpace(rec.Type) == "" {
		return domain.EventRecord{}, fmt.Errorf("events: type must not be empty")
	}
	rec.Participants = normalizeParticipants(rec.Participants)
	if len(rec.Participants) == 0 {
		if rec.ChatKind == domain.ChatPrivate {
			rec.Participants = []string{rec.ChatID}
		} else {
			s.log().Warn("group event registered without participants", "chat", rec.ChatID, "type", rec.Type)
		}
	}
	if rec.ID == "" {
		rec.ID = newIDFunc()
	}
	if rec.StartTime.IsZero() {
		rec.StartTime = nowFunc().UTC().Truncate(time.Millisecond)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.EventRecord{}, fmt.Errorf("events: begin: %w", err)
	}
	defer tx.Rollback()

	var active, sameChat int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN chat_id = ? AND chat_kind = ? THEN 1 ELSE 0 END), 0) FROM events`,
		rec.ChatID, string(rec.ChatKind)).Scan(&active, &sameChat)
	if err != nil {
		return domain.EventRecord{}, fmt.Errorf("events: count: %w", err)
	}
	if sameChat > 0 {
		return domain.EventRecord{}, ErrAlreadyActive
	}
	if active >= s.maxActive {
		return domain.EventRecord{}, ErrTooMany
	}

	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return domain.EventRecord{}, fmt.Errorf("events: encode participants: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, type, participants, prompt_body, chat_id, chat_kind, start_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Type, string(participants), rec.PromptBody, rec.ChatID, string(rec.ChatKind), rec.StartTime.UnixMilli())
	if err != nil {
		return domain.EventRecord{}, fmt.Errorf("events: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.EventRecord{}, fmt.Errorf("events: commit: %w", err)
	}
	s.log().Info("event registered", "id", rec.ID, "type", rec.Type, "chat", rec.ChatID)
	return rec, nil
}

// End removes the event with id. It reports false when none existed.
func (s *SQLStore) End(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, strings.TrimSpace(id))
	if err != nil {
		return false, fmt.Errorf("events: end: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("events: rows affected: %w", err)
	}
	return n > 0, nil
}

// ActiveFor returns the event active in key that applies to userID, or nil.
// In group chats the user must be a participant.
func (s *SQLStore) ActiveFor(ctx context.Context, key domain.ChatKey, userID string) (*domain.EventRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, participants, prompt_body, chat_id, chat_kind, start_time
		 FROM events WHERE chat_id = ? AND chat_kind = ?`, key.ChatID, string(key.Kind))
	rec, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if key.Kind == domain.ChatGroup && !rec.HasParticipant(userID) {
		return nil, nil
	}
	return &rec, nil
}

// ExpireBefore deletes every event started before cutoff and returns how
// many were removed.
func (s *SQLStore) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE start_time < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("events: expire: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("events: rows affected: %w", err)
	}
	return int(n), nil
}

func scanEvent(row *sql.Row) (domain.EventRecord, error) {
	var rec domain.EventRecord
	var participants, kind string
	var ms int64
	if err := row.Scan(&rec.ID, &rec.Type, &participants, &rec.PromptBody, &rec.ChatID, &kind, &ms); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("events: scan: %w", err)
	}
	if err := json.Unmarshal([]byte(participants), &rec.Participants); err != nil {
		return rec, fmt.Errorf("events: decode participants: %w", err)
	}
	rec.ChatKind = domain.ChatKind(kind)
	rec.StartTime = time.UnixMilli(ms).UTC()
	return rec, nil
}

// normalizeParticipants trims ids and drops blanks and duplicates.
func normalizeParticipants(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

var _ domain.EventStore = (*SQLStore)(nil)
