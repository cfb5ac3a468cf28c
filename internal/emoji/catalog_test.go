package emoji

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"arcbot/internal/domain"
)

func writeCatalog(t *testing.T, n int) string {
	t.Helper()
	var entries []string
	for i := range n {
		entries = append(entries, fmt.Sprintf(`"e%02d": {"summary": "s%02d", "file": "f%02d.gif"}`, i, i, i))
	}
	path := filepath.Join(t.TempDir(), "emoji.json")
	if err := os.WriteFile(path, []byte(`{"emojis": {`+strings.Join(entries, ",")+`}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// =============================================================================
// Load / Lookup
// =============================================================================

func TestLoad_ShouldIndexEntriesByID(t *testing.T) {
	c, err := Load(writeCatalog(t, 3))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	e, ok := c.Lookup("e01")
	if !ok {
		t.Fatal("expected e01")
	}
	if e.ID != "e01" || e.File != "f01.gif" || e.Summary != "s01" {
		t.Errorf("unexpected entry %+v", e)
	}
	if _, ok := c.Lookup("zzz"); ok {
		t.Error("unexpected hit for zzz")
	}
}

func TestLoad_WhenMissing_ShouldReturnEmptyCatalog(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "none.json"))
	if err != nil || c.Len() != 0 {
		t.Fatalf("want empty catalog, got len=%d err=%v", c.Len(), err)
	}
	if c.PromptSection() != "" {
		t.Error("empty catalog must render no prompt section")
	}
}

func TestLoad_WhenInvalidJSON_ShouldReturnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

// =============================================================================
// Add
// =============================================================================

func TestAdd_ShouldPersistAndDeduplicateSummaries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "emoji.json")
	c, _ := Load(path)

	if ok, err := c.Add(domain.Emoji{ID: "a", Summary: "smile"}); !ok || err != nil {
		t.Fatalf("add a: ok=%v err=%v", ok, err)
	}
	c.Add(domain.Emoji{ID: "b", Summary: "smile"})
	if ok, _ := c.Add(domain.Emoji{ID: "a", Summary: "other"}); ok {
		t.Error("duplicate id must not be added")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	b, _ := reloaded.Lookup("b")
	if b.Summary != "smile-1" {
		t.Errorf("want smile-1, got %q", b.Summary)
	}
}

// =============================================================================
// PromptSection
// =============================================================================

func TestPromptSection_WhenLarge_ShouldRotateWindow(t *testing.T) {
	c, _ := Load(writeCatalog(t, 25))

	first := c.PromptSection()
	second := c.PromptSection()
	if !strings.Contains(first, "(ID: e00)") || strings.Contains(first, "(ID: e20)") {
		t.Errorf("first window should be e00..e19:\n%s", first)
	}
	if !strings.Contains(second, "(ID: e20)") || !strings.Contains(second, "(ID: e14)") {
		t.Errorf("second window should wrap e20..e24,e00..e14:\n%s", second)
	}
	if strings.Contains(second, "(ID: e15)") {
		t.Errorf("second window must stop at e14:\n%s", second)
	}
}

func TestPromptSection_WhenSmall_ShouldListAll(t *testing.T) {
	c, _ := Load(writeCatalog(t, 2))
	got := c.PromptSection()
	if !strings.Contains(got, "- s00 (ID: e00)") || !strings.Contains(got, "[emoji:<id>]") {
		t.Errorf("unexpected section:\n%s", got)
	}
}
