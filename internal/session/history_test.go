package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"arcbot/internal/domain"
)

var chat = domain.ChatKey{ChatID: "123", Kind: domain.ChatGroup}

func sampleTurns() []domain.Turn {
	return []domain.Turn{
		{Role: domain.RoleSystem, Content: "you are a bot"},
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "hello"},
		{Role: domain.RoleUser, Content: "nya?", PersonaMarker: "Nya"},
		{Role: domain.RoleSystem, Content: domain.InternalSystemMarker + " tool result"},
	}
}

// =============================================================================
// Path
// =============================================================================

func TestPath_ShouldLayoutByKindChatAndPersona(t *testing.T) {
	s := NewFileStore("/data")
	if got := s.Path(chat, ""); got != filepath.Join("/data", "group", "123", "default.json") {
		t.Errorf("default path: %s", got)
	}
	if got := s.Path(chat, "Ny a!"); got != filepath.Join("/data", "group", "123", "Nya.json") {
		t.Errorf("persona path: %s", got)
	}
	if got := s.Path(domain.ChatKey{ChatID: "../../etc", Kind: domain.ChatPrivate}, ""); !strings.HasPrefix(got, "/data") {
		t.Errorf("path escaped root: %s", got)
	}
	if got := s.Path(chat, "!!"); got == s.Path(chat, "") {
		t.Error("unsafe persona name must not collide with the default file")
	}
}

// =============================================================================
// Save / Load
// =============================================================================

func TestSaveLoad_ShouldFilterByPersonaAndKeepInternalSystemTurns(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()

	if err := s.Save(ctx, chat, "", sampleTurns()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, chat, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 turns (hi, hello, internal), got %+v", got)
	}
	if got[0].Content != "hi" || got[2].Role != domain.RoleSystem {
		t.Errorf("unexpected turns %+v", got)
	}
}

func TestSaveLoad_WhenPersonaNamed_ShouldUseSeparateFile(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()

	s.Save(ctx, chat, "Nya", sampleTurns())
	got, _ := s.Load(ctx, chat, "Nya")
	if len(got) != 2 || got[0].Content != "nya?" {
		t.Fatalf("want Nya turn plus internal turn, got %+v", got)
	}
	if def, _ := s.Load(ctx, chat, ""); len(def) != 0 {
		t.Errorf("default history must be untouched, got %+v", def)
	}
}

func TestLoad_WhenMissing_ShouldReturnEmpty(t *testing.T) {
	got, err := NewFileStore(t.TempDir()).Load(context.Background(), chat, "")
	if err != nil || got != nil {
		t.Errorf("want nil,nil got %v,%v", got, err)
	}
}

func TestLoad_WhenCorrupt_ShouldReturnPersistenceError(t *testing.T) {
	s := NewFileStore(t.TempDir())
	path := s.Path(chat, "")
	os.MkdirAll(filepath.Dir(path), 0o755)
	os.WriteFile(path, []byte("{not json"), 0o644)

	_, err := s.Load(context.Background(), chat, "")
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("want ErrPersistence, got %v", err)
	}
}

func TestSave_WhenMarshalFails_ShouldReturnPersistenceError(t *testing.T) {
	s := NewFileStore(t.TempDir())
	s.marshalFn = func(any, string, string) ([]byte, error) { return nil, errors.New("boom") }
	err := s.Save(context.Background(), chat, "", sampleTurns())
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("want ErrPersistence, got %v", err)
	}
}

func TestSave_WhenRenameFails_ShouldKeepOldFileAndCleanTemp(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	ctx := context.Background()
	s.Save(ctx, chat, "", sampleTurns()[:2])

	s.renameFn = func(string, string) error { return errors.New("rename failed") }
	if err := s.Save(ctx, chat, "", sampleTurns()); err == nil {
		t.Fatal("expected error")
	}
	s.renameFn = nil

	got, _ := s.Load(ctx, chat, "")
	if len(got) != 1 {
		t.Errorf("old history must survive, got %+v", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(s.Path(chat, "")))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
