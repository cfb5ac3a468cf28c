package tooling

import (
	"fmt"
	"strings"

	"arcbot/internal/domain"
)

// Match is a tool marker found in model output.
type Match struct {
	Tool       domain.Tool
	Marker     string
	Start      int
	Submatches []string
}

// ToolRegistry holds marker tools in registration order. The orchestrator
// uses it to find the first marker in accumulated output and to document
// the tools in the system prompt.
type ToolRegistry struct {
	tools []domain.Tool
	names map[string]struct{}
}

// NewToolRegistry returns an empty, ready-to-use registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{names: make(map[string]struct{})}
}

// Register adds a tool. Returns an error if the tool is nil or a tool with the
// same name is already registered.
func (r *ToolRegistry) Register(tool domain.Tool) error {
	if tool == nil {
		return fmt.Errorf("tool must not be nil")
	}
	name := tool.Name()
	if _, exists := r.names[name]; exists {
		return fmt.Errorf("tool %q is already registered", name)
	}
	r.names[name] = struct{}{}
	r.tools = append(r.tools, tool)
	return nil
}

// Get returns the tool with the given name or an error if not found.
func (r *ToolRegistry) Get(name string) (domain.Tool, error) {
	for _, t := range r.tools {
		if t.Name() == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("unknown tool: %q", name)
}

// List returns all registered tools in registration order.
func (r *ToolRegistry) List() []domain.Tool {
	out := make([]domain.Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// Find returns the earliest marker in text across all tools. Ties go to the
// tool registered first.
func (r *ToolRegistry) Find(text string) (Match, bool) {
	var best Match
	found := false
	for _, t := range r.tools {
		loc := t.Pattern().FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		if found && loc[0] >= best.Start {
			continue
		}
		subs := make([]string, len(loc)/2)
		for i := range subs {
			if loc[2*i] >= 0 {
				subs[i] = text[loc[2*i]:loc[2*i+1]]
			}
		}
		best = Match{Tool: t, Marker: text[loc[0]:loc[1]], Start: loc[0], Submatches: subs}
		found = true
	}
	return best, found
}

// Documentation renders the usage section of every tool for the system prompt.
func (r *ToolRegistry) Documentation() string {
	if len(r.tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Tools: write a marker on its own line and wait; the result arrives as a system message.\n")
	for _, t := range r.tools {
		b.WriteString("- ")
		b.WriteString(t.Usage())
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
