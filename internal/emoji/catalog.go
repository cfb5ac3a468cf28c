// Package emoji keeps the catalog of stickers the model may send with the
// emoji tag.
package emoji

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"arcbot/internal/domain"
)

// PromptLimit caps how many entries one system prompt lists.
const PromptLimit = 20

type catalogFile struct {
	Emojis map[string]domain.Emoji `json:"emojis"`
}

// Catalog is a JSON-file backed domain.EmojiCatalog. Entries are kept in
// id order so prompt rotation is stable across restarts.
type Catalog struct {
	mu       sync.Mutex
	path     string
	byID     map[string]domain.Emoji
	ids      []string
	rotation int
}

// Load reads the catalog at path. A missing file yields an empty catalog
// that Add will create.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path, byID: make(map[string]domain.Emoji)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("emoji: read catalog: %w", err)
	}
	var f catalogFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("emoji: parse catalog: %w", err)
	}
	for id, e := range f.Emojis {
		e.ID = id
		c.byID[id] = e
		c.ids = append(c.ids, id)
	}
	slices.Sort(c.ids)
	return c, nil
}

// Lookup returns the emoji with id.
func (c *Catalog) Lookup(id string) (domain.Emoji, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[strings.TrimSpace(id)]
	return e, ok
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// Add stores a newly seen emoji and saves the catalog. Known ids are left
// untouched and report false. Summaries are made unique with a -N suffix.
// A File that exists on disk must be an image; large static images are
// replaced by a downscaled copy under MediaDir.
func (c *Catalog) Add(e domain.Emoji) (bool, error) {
	if e.ID == "" {
		return false, fmt.Errorf("emoji: id must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[e.ID]; ok {
		return false, nil
	}
	if e.File != "" {
		if _, err := os.Stat(e.File); err == nil {
			file, mime, err := normalize(e.File, c.MediaDir(), mediaName(e.ID))
			if err != nil {
				return false, err
			}
			e.File, e.MIME = file, mime
		}
	}
	if e.Summary == "" {
		e.Summary = "[emoji]"
	}
	e.Summary = c.uniqueSummary(e.Summary)
	c.byID[e.ID] = e
	i, _ := slices.BinarySearch(c.ids, e.ID)
	c.ids = slices.Insert(c.ids, i, e.ID)
	return true, c.save()
}

// MediaDir is where downscaled sticker copies are written.
func (c *Catalog) MediaDir() string {
	return filepath.Join(filepath.Dir(c.path), "emoji_media")
}

func mediaName(id string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, id)
}

func (c *Catalog) uniqueSummary(base string) string {
	taken := func(s string) bool {
		for _, e := range c.byID {
			if e.Summary == s {
				return true
			}
		}
		return false
	}
	summary := base
	for n := 1; taken(summary); n++ {
		summary = fmt.Sprintf("%s-%d", base, n)
	}
	return summary
}

// save writes the catalog via a temp file and rename. Caller holds mu.
func (c *Catalog) save() error {
	data, err := json.MarshalIndent(catalogFile{Emojis: c.byID}, "", "  ")
	if err != nil {
		return fmt.Errorf("emoji: encode catalog: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("emoji: create dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("emoji: write catalog: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("emoji: replace catalog: %w", err)
	}
	return nil
}

// PromptSection lists up to PromptLimit emojis for the system prompt. When
// the catalog is larger, each call shows the next window, wrapping around.
func (c *Catalog) PromptSection() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := len(c.ids)
	if total == 0 {
		return ""
	}

	var window []string
	if total <= PromptLimit {
		window = c.ids
		c.rotation = 0
	} else {
		for i := range PromptLimit {
			window = append(window, c.ids[(c.rotation+i)%total])
		}
		c.rotation = (c.rotation + PromptLimit) % total
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Available stickers (%d shown). Use them sparingly, where they fit.\n", len(window))
	b.WriteString("Each line reads: description (ID: id)\n")
	for _, id := range window {
		fmt.Fprintf(&b, "- %s (ID: %s)\n", c.byID[id].Summary, id)
	}
	b.WriteString("Send one with [emoji:<id>].")
	return b.String()
}

var _ domain.EmojiCatalog = (*Catalog)(nil)
