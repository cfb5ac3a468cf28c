// Package session persists conversation turns per chat and persona as JSON
// files under a data directory:
//
//	<root>/<kind>/<chat>/default.json    default persona
//	<root>/<kind>/<chat>/<persona>.json  named persona
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"arcbot/internal/domain"
)

const defaultFile = "default.json"

// marshalFunc is the JSON marshaling function; tests may replace it to force errors.
type marshalFunc func(v any, prefix, indent string) ([]byte, error)

// renameFunc replaces the target file; tests may replace it to force errors.
type renameFunc func(oldpath, newpath string) error

// FileStore implements domain.TurnStore. Writes go to a temp file that is
// renamed over the target, so a crash never leaves a torn history.
type FileStore struct {
	root      string
	marshalFn marshalFunc // nil means use json.MarshalIndent
	renameFn  renameFunc  // nil means use os.Rename
	logger    *slog.Logger
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(s *FileStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string, opts ...Option) *FileStore {
	s := &FileStore{root: filepath.Clean(dir)}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *FileStore) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Path returns the history file of (key, persona). Chat ids are reduced to
// their base name so they cannot escape the root.
func (s *FileStore) Path(key domain.ChatKey, persona string) string {
	kind := string(key.Kind)
	if kind == "" {
		kind = string(domain.ChatPrivate)
	}
	chat := filepath.Base(key.ChatID)
	if chat == "." || chat == ".." || chat == string(filepath.Separator) {
		chat = "unknown"
	}
	return filepath.Join(s.root, filepath.Base(kind), chat, fileName(persona))
}

// fileName keeps letters, digits, '-' and '_' of the persona name.
func fileName(persona string) string {
	if persona == "" || persona == domain.GlobalPersonaKey {
		return defaultFile
	}
	safe := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return -1
	}, persona)
	if safe == "" || safe+".json" == defaultFile {
		safe = fmt.Sprintf("persona-%x", persona)
	}
	return safe + ".json"
}

// belongs reports whether t is part of persona's history. Internal system
// turns (tool results) belong to every persona.
func belongs(t domain.Turn, persona string) bool {
	if t.Role == domain.RoleSystem {
		return strings.HasPrefix(t.Content, domain.InternalSystemMarker)
	}
	return t.PersonaMarker == persona
}

func filter(turns []domain.Turn, persona string) []domain.Turn {
	out := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		if belongs(t, persona) {
			out = append(out, t)
		}
	}
	return out
}

// Load returns the stored turns of persona. The leading system prompt is
// never stored; callers rebuild it. A missing file is an empty history.
func (s *FileStore) Load(_ context.Context, key domain.ChatKey, persona string) ([]domain.Turn, error) {
	path := s.Path(key, persona)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w: %w", path, domain.ErrPersistence, err)
	}
	var turns []domain.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w: %w", path, domain.ErrPersistence, err)
	}
	return filter(turns, persona), nil
}

// Save writes the turns of persona, dropping the system prompt and turns
// of other personas.
func (s *FileStore) Save(_ context.Context, key domain.ChatKey, persona string, turns []domain.Turn) error {
	path := s.Path(key, persona)
	kept := filter(turns, persona)

	marshal := json.MarshalIndent
	if s.marshalFn != nil {
		marshal = s.marshalFn
	}
	data, err := marshal(kept, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode: %w: %w", domain.ErrPersistence, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("session: create dir: %w: %w", domain.ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("session: create temp: %w: %w", domain.ErrPersistence, err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: write temp: %w: %w", domain.ErrPersistence, err)
	}

	rename := os.Rename
	if s.renameFn != nil {
		rename = s.renameFn
	}
	if err := rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: replace %s: %w: %w", path, domain.ErrPersistence, err)
	}
	s.log().Debug("history saved", "path", path, "turns", len(kept))
	return nil
}

var _ domain.TurnStore = (*FileStore)(nil)
