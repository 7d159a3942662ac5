package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/openconvo/convo-backend/internal/pkg/logger"
)

// Registry routes model ids to adapters and caps in-flight requests
// per provider.
type Registry struct {
	log *logger.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
	sems     map[string]*semaphore.Weighted
	prefixes []prefixRule
	fallback string
}

type prefixRule struct {
	prefix   string
	provider string
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		log:      log.With("service", "ProviderRegistry"),
		adapters: map[string]Adapter{},
		sems:     map[string]*semaphore.Weighted{},
	}
}

// Register adds an adapter with a concurrency cap. maxConcurrent <= 0
// means unlimited.
func (r *Registry) Register(a Adapter, maxConcurrent int64) {
	if a == nil {
		return
	}
	name := strings.ToLower(strings.TrimSpace(a.Name()))
	r.mu.Lock()
	r.adapters[name] = a
	if maxConcurrent > 0 {
		r.sems[name] = semaphore.NewWeighted(maxConcurrent)
	} else {
		delete(r.sems, name)
	}
	r.mu.Unlock()
}

// Bind routes model ids with the given prefix to a provider. Longer
// prefixes win when several match.
func (r *Registry) Bind(modelPrefix, providerName string) {
	modelPrefix = strings.ToLower(strings.TrimSpace(modelPrefix))
	providerName = strings.ToLower(strings.TrimSpace(providerName))
	if modelPrefix == "" || providerName == "" {
		return
	}
	r.mu.Lock()
	r.prefixes = append(r.prefixes, prefixRule{prefix: modelPrefix, provider: providerName})
	r.mu.Unlock()
}

// SetFallback names the provider used when no prefix rule matches.
func (r *Registry) SetFallback(providerName string) {
	r.mu.Lock()
	r.fallback = strings.ToLower(strings.TrimSpace(providerName))
	r.mu.Unlock()
}

// Route resolves the adapter for a model id.
func (r *Registry) Route(model string) (Adapter, error) {
	key := strings.ToLower(strings.TrimSpace(model))
	if key == "" {
		return nil, fmt.Errorf("model required")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best prefixRule
	for _, rule := range r.prefixes {
		if strings.HasPrefix(key, rule.prefix) && len(rule.prefix) > len(best.prefix) {
			best = rule
		}
	}
	name := best.provider
	if name == "" {
		name = r.fallback
	}
	if name == "" {
		return nil, fmt.Errorf("no provider for model %q", model)
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return a, nil
}

// Local resolves the adapter for a model and requires it to support
// host-side model management.
func (r *Registry) Local(model string) (LocalAdapter, error) {
	a, err := r.Route(model)
	if err != nil {
		return nil, err
	}
	la, ok := a.(LocalAdapter)
	if !ok {
		return nil, fmt.Errorf("provider %q does not manage local models", a.Name())
	}
	return la, nil
}

// Acquire blocks until the provider has capacity, then returns a
// release func. Release exactly once.
func (r *Registry) Acquire(ctx context.Context, providerName string) (func(), error) {
	name := strings.ToLower(strings.TrimSpace(providerName))
	r.mu.RLock()
	sem := r.sems[name]
	r.mu.RUnlock()
	if sem == nil {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}
