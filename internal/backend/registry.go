package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// FactoryOptions are handed to a Factory when a backend is created.
type FactoryOptions struct {
	Config      Config
	Logger      *log.Logger
	GracePeriod time.Duration
}

// Factory builds a Backend for one agent.
type Factory func(FactoryOptions) (Backend, error)

// Entry describes one agent known to the registry.
type Entry struct {
	ID          string
	DisplayName string
	Binary      string
	Path        string
	Available   bool
	Reason      string
	Permissions bool
	factory     Factory
}

// RegisterOption customizes an Entry at registration time.
type RegisterOption func(*Entry)

// WithDisplayName sets the human-readable agent name.
func WithDisplayName(name string) RegisterOption {
	return func(entry *Entry) {
		entry.DisplayName = strings.TrimSpace(name)
	}
}

// WithAvailability records the result of probing the agent's binary.
func WithAvailability(availability Availability) RegisterOption {
	return func(entry *Entry) {
		entry.Binary = availability.Binary
		entry.Path = availability.Path
		entry.Available = availability.Available
		entry.Reason = availability.Reason
	}
}

// WithPermissionSupport marks agents whose backend implements PermissionResponder.
func WithPermissionSupport() RegisterOption {
	return func(entry *Entry) {
		entry.Permissions = true
	}
}

// Registry maps agent ids to factories. It is filled during startup and
// sealed before use; after Seal it is read-only and safe for concurrent reads.
type Registry struct {
	entries map[string]*Entry
	order   []string
	sealed  bool
}

// NewRegistry returns an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*Entry{}}
}

// Register adds an available-by-default agent.
func (r *Registry) Register(id string, factory Factory, options ...RegisterOption) error {
	if r.sealed {
		return errors.New("registry is sealed")
	}
	id = normalizeID(id)
	if id == "" {
		return errors.New("agent id is required")
	}
	if factory == nil {
		return fmt.Errorf("register %s: factory is required", id)
	}
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("register %s: already registered", id)
	}

	entry := &Entry{ID: id, DisplayName: id, Available: true, factory: factory}
	for _, option := range options {
		if option != nil {
			option(entry)
		}
	}
	r.entries[id] = entry
	r.order = append(r.order, id)
	return nil
}

// MarkUnavailable records an agent whose module could not be registered.
// Existing entries are downgraded; unknown ids get a factory-less entry.
func (r *Registry) MarkUnavailable(id, reason string) {
	if r.sealed {
		return
	}
	id = normalizeID(id)
	if id == "" {
		return
	}
	if entry, ok := r.entries[id]; ok {
		entry.Available = false
		entry.Reason = reason
		return
	}
	r.entries[id] = &Entry{ID: id, DisplayName: id, Reason: reason}
	r.order = append(r.order, id)
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.sealed = true
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	return r.sealed
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	entry, ok := r.entries[normalizeID(id)]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Entries returns every entry in registration order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.entries[id])
	}
	return out
}

// Available returns the ids of runnable agents in registration order.
func (r *Registry) Available() []string {
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if entry := r.entries[id]; entry.Available && entry.factory != nil {
			out = append(out, id)
		}
	}
	return out
}

// Create builds a backend for id.
func (r *Registry) Create(id string, opts FactoryOptions) (Backend, error) {
	normalized := normalizeID(id)
	entry, ok := r.entries[normalized]
	if !ok {
		return nil, &UnknownAgentError{ID: id, Known: append([]string(nil), r.order...)}
	}
	if !entry.Available || entry.factory == nil {
		reason := entry.Reason
		if reason == "" {
			reason = "not installed"
		}
		return nil, fmt.Errorf("%s: %w: %s", normalized, ErrAgentUnavailable, reason)
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	opts.Config = opts.Config.Clone()

	created, err := entry.factory(opts)
	if err != nil {
		return nil, &ConstructionError{ID: normalized, Err: err}
	}
	if created == nil {
		return nil, &ConstructionError{ID: normalized, Err: errors.New("factory returned nil backend")}
	}
	return created, nil
}

// Resolve picks the agent to run. A requested agent that is not available
// falls back to the first available one with a warning.
func (r *Registry) Resolve(requested string) (string, []string, error) {
	available := r.Available()
	if len(available) == 0 {
		return "", nil, fmt.Errorf("no agent available: %w", ErrAgentUnavailable)
	}

	requested = normalizeID(requested)
	if requested == "" {
		return available[0], nil, nil
	}
	if _, ok := r.entries[requested]; !ok {
		return "", nil, &UnknownAgentError{ID: requested, Known: append([]string(nil), r.order...)}
	}
	for _, id := range available {
		if id == requested {
			return requested, nil, nil
		}
	}

	warnings := []string{
		fmt.Sprintf("configured agent %q unavailable; falling back to %q", requested, available[0]),
	}
	return available[0], warnings, nil
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
