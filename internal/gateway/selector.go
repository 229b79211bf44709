package gateway

import (
	"context"
	"fmt"
)

// Selector picks the active provider at call time from a runtime setting,
// so switching providers in the panel takes effect on the next charge.
type Selector struct {
	providers map[string]Gateway
	resolve   func(ctx context.Context) string
}

// NewSelector builds a Selector over the given providers. resolve returns the
// configured provider name for the current call; unknown or empty names fail
// at Pick time.
func NewSelector(resolve func(ctx context.Context) string, providers ...Gateway) *Selector {
	m := make(map[string]Gateway, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Selector{providers: m, resolve: resolve}
}

// Pick returns the currently configured provider.
func (s *Selector) Pick(ctx context.Context) (Gateway, error) {
	name := s.resolve(ctx)
	g, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown provider %q", name)
	}
	return g, nil
}

// Get returns a provider by name, used when polling an order whose charge was
// created under a provider that is no longer the configured default.
func (s *Selector) Get(name string) (Gateway, bool) {
	g, ok := s.providers[name]
	return g, ok
}
