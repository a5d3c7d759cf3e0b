package provider

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Route maps a model pattern to a provider name.
type Route struct {
	Pattern  string
	Provider string
}

// Registry resolves the provider to use for a model name. Routes are evaluated in
// registration order; the first exact or wildcard match wins.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	routes    []Route
	fallback  string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider under its own name.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("registry: provider cannot be nil")
	}
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return errors.New("registry: provider name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	return nil
}

// RegisterRoute maps a model pattern to a registered provider.
// Patterns support exact names, "gpt-*" prefixes, "*-turbo" suffixes and "*mini*" contains.
func (r *Registry) RegisterRoute(pattern, providerName string) error {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return errors.New("registry: model pattern cannot be empty")
	}
	if providerName == "" {
		return errors.New("registry: provider name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[providerName]; !ok {
		return fmt.Errorf("registry: provider %q not registered", providerName)
	}
	for i, route := range r.routes {
		if route.Pattern == pattern {
			r.routes[i].Provider = providerName
			return nil
		}
	}
	r.routes = append(r.routes, Route{Pattern: pattern, Provider: providerName})
	return nil
}

// SetFallback names the provider used when no route matches.
func (r *Registry) SetFallback(providerName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[providerName]; !ok {
		return fmt.Errorf("registry: provider %q not registered", providerName)
	}
	r.fallback = providerName
	return nil
}

// Resolve returns the provider for model.
func (r *Registry) Resolve(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	model = strings.ToLower(strings.TrimSpace(model))
	for _, route := range r.routes {
		if matchPattern(model, route.Pattern) {
			return r.providers[route.Provider], nil
		}
	}
	if r.fallback != "" {
		return r.providers[r.fallback], nil
	}
	return nil, fmt.Errorf("registry: no provider found for model %q", model)
}

// ListProviders returns all registered provider names.
func (r *Registry) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// ListRoutes returns the routes in evaluation order.
func (r *Registry) ListRoutes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Route(nil), r.routes...)
}

// matchPattern checks if a model matches a pattern.
func matchPattern(model, pattern string) bool {
	if model == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	hasPrefix := strings.HasPrefix(pattern, "*")
	hasSuffix := strings.HasSuffix(pattern, "*")
	switch {
	case hasSuffix && !hasPrefix:
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	case hasPrefix && !hasSuffix:
		return strings.HasSuffix(model, strings.TrimPrefix(pattern, "*"))
	case hasPrefix && hasSuffix:
		return strings.Contains(model, strings.Trim(pattern, "*"))
	}
	return false
}
