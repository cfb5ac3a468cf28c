// Package persona holds the named behavioral profiles the model can switch
// between and the active persona of every chat.
package persona

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"arcbot/internal/domain"
)

// DefaultName clears the active persona when passed to setrole.
const DefaultName = "default"

// Persona is one entry of the personas file.
type Persona struct {
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

// LoadFile reads a YAML list of personas. A missing file yields no
// personas and no error.
func LoadFile(path string) ([]Persona, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persona: read %s: %w", path, err)
	}
	var list []Persona
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("persona: parse %s: %w", path, err)
	}
	for i, p := range list {
		list[i].Name = strings.TrimSpace(p.Name)
		if list[i].Name == "" {
			return nil, fmt.Errorf("persona: %s: entry %d has no name", path, i)
		}
		if strings.EqualFold(list[i].Name, DefaultName) {
			return nil, fmt.Errorf("persona: %s: %q is reserved", path, DefaultName)
		}
	}
	return list, nil
}

// RoleStore persists the active persona of each chat.
type RoleStore interface {
	All(ctx context.Context) (map[domain.ChatKey]string, error)
	Set(ctx context.Context, key domain.ChatKey, persona string) error
	Clear(ctx context.Context, key domain.ChatKey) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRoleStore persists active personas through store.
func WithRoleStore(store RoleStore) Option {
	return func(r *Registry) { r.roles = store }
}

// Registry implements domain.PersonaRegistry. Persona bodies come from the
// personas file; active personas live in memory and are written through to
// the optional RoleStore.
type Registry struct {
	mu       sync.RWMutex
	prompts  map[string]string
	order    []string
	active   map[domain.ChatKey]string
	switched map[domain.ChatKey]bool
	roles    RoleStore
	logger   *slog.Logger
}

// NewRegistry returns a registry holding personas.
func NewRegistry(personas []Persona, opts ...Option) *Registry {
	r := &Registry{
		active:   make(map[domain.ChatKey]string),
		switched: make(map[domain.ChatKey]bool),
	}
	for _, o := range opts {
		o(r)
	}
	r.Replace(personas)
	return r
}

func (r *Registry) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

// Replace swaps the persona set. Active personas that no longer exist are
// kept; Prompt reports them as unknown until they come back.
func (r *Registry) Replace(personas []Persona) {
	prompts := make(map[string]string, len(personas))
	order := make([]string, 0, len(personas))
	for _, p := range personas {
		if _, dup := prompts[p.Name]; !dup {
			order = append(order, p.Name)
		}
		prompts[p.Name] = p.Prompt
	}
	r.mu.Lock()
	r.prompts, r.order = prompts, order
	r.mu.Unlock()
}

// Reload re-reads path and replaces the persona set. On error the current
// set is kept.
func (r *Registry) Reload(path string) error {
	list, err := LoadFile(path)
	if err != nil {
		return err
	}
	r.Replace(list)
	r.log().Info("personas reloaded", "count", len(list))
	return nil
}

// Restore loads persisted active personas. Switch flags are not set.
func (r *Registry) Restore(ctx context.Context) error {
	if r.roles == nil {
		return nil
	}
	all, err := r.roles.All(ctx)
	if err != nil {
		return fmt.Errorf("persona: restore: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range all {
		r.active[k] = v
	}
	return nil
}

func (r *Registry) Active(key domain.ChatKey) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[key]
}

// SetActive makes name the active persona of key. "default" in any case
// clears it. An unknown name returns false and changes nothing.
func (r *Registry) SetActive(key domain.ChatKey, name string) bool {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, DefaultName) {
		r.ClearActive(key)
		return true
	}
	r.mu.Lock()
	if _, ok := r.prompts[name]; !ok {
		r.mu.Unlock()
		r.log().Warn("unknown persona", "chat", key.String(), "persona", name)
		return false
	}
	changed := r.active[key] != name
	if changed {
		r.active[key] = name
		r.switched[key] = true
	}
	r.mu.Unlock()

	if changed && r.roles != nil {
		if err := r.roles.Set(context.Background(), key, name); err != nil {
			r.log().Error("persist active persona", "chat", key.String(), "error", err)
		}
	}
	return true
}

// ClearActive returns key to the default persona.
func (r *Registry) ClearActive(key domain.ChatKey) {
	r.mu.Lock()
	_, had := r.active[key]
	if had {
		delete(r.active, key)
		r.switched[key] = true
	}
	r.mu.Unlock()

	if had && r.roles != nil {
		if err := r.roles.Clear(context.Background(), key); err != nil {
			r.log().Error("clear active persona", "chat", key.String(), "error", err)
		}
	}
}

// ConsumeSwitch reports whether the active persona of key changed since the
// last call and clears the flag.
func (r *Registry) ConsumeSwitch(key domain.ChatKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.switched[key]
	delete(r.switched, key)
	return v
}

func (r *Registry) Prompt(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[name]
	return p, ok
}

// Names lists personas in file order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// SelectionPrompt describes the available personas and how to switch.
// It returns "" when there are none.
func SelectionPrompt(reg domain.PersonaRegistry) string {
	names := reg.Names()
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available personas: ")
	b.WriteString(strings.Join(names, ", "))
	b.WriteString("\nSwitch with [setrole:<name>]; return to your default self with [setrole:default].")
	return b.String()
}

var _ domain.PersonaRegistry = (*Registry)(nil)
