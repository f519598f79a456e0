// Package preset manages reusable query presets: named system prompts and
// templates that shape how a raw question is sent to the backend.
package preset

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"ragline/internal/domain"
)

// InputPlaceholder marks where the user's question lands in a template.
const InputPlaceholder = "{{input}}"

// Registry holds the known presets. Built-ins survive reloads; presets
// loaded from disk are replaced wholesale when their directory changes.
type Registry struct {
	mu      sync.RWMutex
	presets map[string]domain.Preset
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		presets: make(map[string]domain.Preset),
		logger:  logger,
	}
}

// Register adds or replaces a preset.
func (r *Registry) Register(p domain.Preset) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("preset name is required")
	}
	if p.Template != "" && !strings.Contains(p.Template, InputPlaceholder) {
		return fmt.Errorf("preset %q: template must contain %s", p.Name, InputPlaceholder)
	}
	switch p.SearchKind {
	case "", domain.SearchVector, domain.SearchGraph, domain.SearchHybrid:
	default:
		return fmt.Errorf("preset %q: unknown search type %q", p.Name, p.SearchKind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.presets[p.Name]; exists {
		r.logger.Info("preset updated", "name", p.Name)
	} else {
		r.logger.Info("preset registered", "name", p.Name)
	}
	r.presets[p.Name] = p
	return nil
}

// Get returns a preset by name.
func (r *Registry) Get(name string) (domain.Preset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.presets[name]
	return p, ok
}

// List returns all presets sorted by name.
func (r *Registry) List() []domain.Preset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Preset, 0, len(r.presets))
	for _, p := range r.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reload swaps in a fresh set of disk presets. Built-ins stay; everything
// else is dropped first so deleted files disappear from the registry.
func (r *Registry) Reload(presets []domain.Preset) {
	r.mu.Lock()
	for name, p := range r.presets {
		if !p.BuiltIn {
			delete(r.presets, name)
		}
	}
	r.mu.Unlock()

	loaded := 0
	for _, p := range presets {
		if err := r.Register(p); err != nil {
			r.logger.Warn("preset rejected on reload", "name", p.Name, "err", err)
			continue
		}
		loaded++
	}
	r.logger.Info("presets reloaded", "loaded", loaded)
}

// Apply shapes a raw question with the preset: the template wraps the
// input, and the preset's options fill any the caller left empty.
func Apply(p domain.Preset, input string, opts domain.QueryOptions) (string, domain.QueryOptions) {
	if p.Template != "" {
		input = strings.ReplaceAll(p.Template, InputPlaceholder, input)
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = p.SystemPrompt
	}
	if opts.Model == "" {
		opts.Model = p.Model
	}
	if opts.SearchKind == "" {
		opts.SearchKind = p.SearchKind
	}
	return input, opts
}

// RegisterBuiltins loads the presets that ship with the gateway.
func (r *Registry) RegisterBuiltins() {
	builtins := []domain.Preset{
		{
			Name:        "default",
			Description: "Ask the knowledge base directly",
			BuiltIn:     true,
		},
		{
			Name:         "analyst",
			Description:  "Answers grounded in retrieved figures, with sources named",
			SystemPrompt: "You are a careful analyst. Answer only from the retrieved documents, cite the source document for every figure, and say plainly when the corpus does not cover the question.",
			SearchKind:   domain.SearchHybrid,
			BuiltIn:      true,
		},
		{
			Name:        "summarize",
			Description: "Condense what the corpus says about a topic",
			Template:    "Summarize what the indexed documents say about: {{input}}. Structure the answer as a short overview followed by key points.",
			SearchKind:  domain.SearchVector,
			BuiltIn:     true,
		},
		{
			Name:         "explore",
			Description:  "Trace entities and relationships through the knowledge graph",
			SystemPrompt: "Walk the knowledge graph around the entities in the question and explain how they connect.",
			Template:     "What does the knowledge graph reveal about {{input}}? Follow the relationships outward one hop at a time.",
			SearchKind:   domain.SearchGraph,
			BuiltIn:      true,
		},
	}

	for _, p := range builtins {
		if err := r.Register(p); err != nil {
			r.logger.Error("builtin preset invalid", "name", p.Name, "err", err)
		}
	}
}
