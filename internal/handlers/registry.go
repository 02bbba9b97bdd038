package handlers

import (
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// Registry is the concrete thread-safe HandlerRegistry implementation.
// Handlers are registered by reference at workflow-definition time and
// resolved by name at run time — no reflection involved.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	fallbacks map[string]Fallback
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[string]Handler),
		fallbacks: make(map[string]Fallback),
	}
}

// Register adds a handler to the registry. Returns error on duplicate name.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	name := h.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", name)
	}

	r.handlers[name] = h
	return nil
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "handler %q not registered", name)
	}
	return h, nil
}

// List returns info for all registered handlers, sorted by name.
func (r *Registry) List() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		s := h.Schema()
		infos = append(infos, HandlerInfo{
			Name:        h.Name(),
			Description: s.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Has checks if a handler is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// RegisterFallback adds a fallback policy under the given name.
func (r *Registry) RegisterFallback(name string, fb Fallback) error {
	if fb == nil {
		return schema.NewError(schema.ErrCodeValidation, "fallback is nil")
	}
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "fallback name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.fallbacks[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "fallback %q already registered", name)
	}

	r.fallbacks[name] = fb
	return nil
}

// GetFallback retrieves a fallback by name.
func (r *Registry) GetFallback(name string) (Fallback, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fb, ok := r.fallbacks[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "fallback %q not registered", name)
	}
	return fb, nil
}

var _ HandlerRegistry = (*Registry)(nil)
