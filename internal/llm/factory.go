// ABOUTME: Provider factory: a lookup table from provider name to backend constructor
// ABOUTME: Every Create builds a fresh client, so no credentials are cached process-wide

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Credentials holds what a backend needs to authenticate.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// Constructor builds a Backend for the given credentials and model.
type Constructor func(ctx context.Context, creds Credentials, model string) (Backend, error)

// Factory resolves provider names into Providers.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	invoker      ToolInvoker
	logger       *slog.Logger
}

// NewFactory creates an empty Factory. Backends register themselves via Register.
func NewFactory(invoker ToolInvoker, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		constructors: make(map[string]Constructor),
		invoker:      invoker,
		logger:       logger,
	}
}

// Register adds a constructor under name (case-insensitive).
func (f *Factory) Register(name string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[strings.ToLower(name)] = c
}

// Names lists the registered provider names.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.constructors))
	for n := range f.constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Create returns a Provider for name. Unknown names yield ErrUnknownProvider.
func (f *Factory) Create(ctx context.Context, name string, creds Credentials, model string) (Provider, error) {
	f.mu.RLock()
	construct, ok := f.constructors[strings.ToLower(name)]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	backend, err := construct(ctx, creds, model)
	if err != nil {
		return nil, fmt.Errorf("creating %s backend: %w", name, err)
	}
	return NewClient(backend, f.invoker, f.logger.With("provider", strings.ToLower(name), "model", model)), nil
}
