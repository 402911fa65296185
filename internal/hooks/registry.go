// ABOUTME: Thread-safe registry of write triggers keyed by class and phase
// ABOUTME: Runs handlers and normalizes their errors into API errors

package hooks

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/docwrite/internal/apierr"
	"github.com/2389/docwrite/internal/auth"
	"github.com/2389/docwrite/internal/store"
)

// Phase is the point in a write at which a handler runs.
type Phase string

// Trigger phases.
const (
	BeforeSave  Phase = "beforeSave"
	AfterSave   Phase = "afterSave"
	BeforeLogin Phase = "beforeLogin"
)

// Request is what a handler sees.
type Request struct {
	Phase  Phase
	Kind   string
	Caller *auth.Caller
	// Object is the entity as it will be (or was) saved. BeforeSave handlers
	// may modify it in place.
	Object store.Record
	// Original is the entity before the write; nil on create.
	Original store.Record
	// Context carries per-request values shared between hooks.
	Context map[string]any
}

// Handler runs for one class and phase.
type Handler func(ctx context.Context, req *Request) error

type hookKey struct {
	kind  string
	phase Phase
}

// Registry maps (class, phase) to a handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[hookKey]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[hookKey]Handler),
		logger:   logger.With("component", "hooks"),
	}
}

// Register installs the handler for a class and phase, replacing any previous one.
func (r *Registry) Register(kind string, phase Phase, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[hookKey{kind, phase}] = h
	r.logger.Debug("hook registered", "class", kind, "phase", phase)
}

// Remove uninstalls the handler for a class and phase.
func (r *Registry) Remove(kind string, phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, hookKey{kind, phase})
}

// Exists reports whether a handler is registered.
func (r *Registry) Exists(kind string, phase Phase) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[hookKey{kind, phase}]
	return ok
}

// Run executes the handler for req.Kind and phase and returns the resulting
// object. Without a handler the object is returned unchanged.
func (r *Registry) Run(ctx context.Context, phase Phase, req *Request) (store.Record, error) {
	r.mu.RLock()
	h, ok := r.handlers[hookKey{req.Kind, phase}]
	r.mu.RUnlock()

	req.Phase = phase
	if req.Context == nil {
		req.Context = make(map[string]any)
	}
	if !ok {
		return req.Object, nil
	}

	if err := h(ctx, req); err != nil {
		var apiErr *apierr.Error
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		r.logger.Debug("hook failed", "class", req.Kind, "phase", phase, "error", err)
		return nil, apierr.New(apierr.ScriptFailed, err.Error())
	}
	return req.Object, nil
}
