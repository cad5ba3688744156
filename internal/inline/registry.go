// ABOUTME: Registry of handlers for function calls the model writes inline as text
// ABOUTME: Typed handlers decode their arguments with mapstructure before running

package inline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/2389/neon-gateway/internal/llm"
)

// Handler performs one inline function call and returns the text that replaces it.
type Handler interface {
	Handle(ctx context.Context, name string, args map[string]any) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, name string, args map[string]any) (string, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, name string, args map[string]any) (string, error) {
	return f(ctx, name, args)
}

// Validator is implemented by typed argument structs that check themselves.
type Validator interface {
	Validate() error
}

// Typed wraps fn so that args are decoded into T first.
func Typed[T any](fn func(ctx context.Context, args T) (string, error)) Handler {
	return HandlerFunc(func(ctx context.Context, name string, raw map[string]any) (string, error) {
		var args T
		if err := mapstructure.Decode(raw, &args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
		if v, ok := any(args).(Validator); ok {
			if err := v.Validate(); err != nil {
				return "", fmt.Errorf("%s validation failed: %w", name, err)
			}
		}
		return fn(ctx, args)
	})
}

// Acknowledge is the default fallback. It performs nothing and tells the user
// which call was requested.
var Acknowledge = HandlerFunc(func(ctx context.Context, name string, args map[string]any) (string, error) {
	params, err := json.Marshal(args)
	if err != nil {
		params = []byte("{}")
	}
	return fmt.Sprintf("Performing '%s' with parameters %s. Please provide required inputs if needed.", name, params), nil
})

// Registry maps inline function names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewRegistry creates a Registry whose fallback is Acknowledge.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		fallback: Acknowledge,
	}
}

// Register binds name to h, replacing any previous handler.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// SetFallback sets the handler for unregistered names. A nil fallback makes
// unregistered names fail with llm.ErrToolNotFound.
func (r *Registry) SetFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Dispatch runs the handler registered for name.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	if !ok {
		h = r.fallback
	}
	r.mu.RUnlock()

	if h == nil {
		return "", fmt.Errorf("%w: %s", llm.ErrToolNotFound, name)
	}
	return h.Handle(ctx, name, args)
}
