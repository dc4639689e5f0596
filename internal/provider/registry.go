package provider

import (
	"fmt"
	"sync"

	"mediagen/internal/domain"
)

// Preferences weight the provider-selection score. Zero weights fall back to
// registration order.
type Preferences struct {
	CostWeight    float64
	SpeedWeight   float64
	QualityWeight float64
}

func (p Preferences) empty() bool {
	return p.CostWeight == 0 && p.SpeedWeight == 0 && p.QualityWeight == 0
}

// Registry holds the configured providers. It is constructed once at startup
// and passed to the components that need it; there is no process-wide
// instance.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]Provider
	byKind  map[domain.JobKind][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Provider),
		byKind: make(map[domain.JobKind][]string),
	}
}

// Register adds a provider under its name for every kind it serves.
// Re-registering a name replaces the previous entry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; !exists {
		for _, kind := range p.Kinds() {
			r.byKind[kind] = append(r.byKind[kind], p.Name())
		}
	}
	r.byName[p.Name()] = p
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoProvider, name)
	}
	return p, nil
}

// ForKind returns all providers serving a kind, in registration order.
func (r *Registry) ForKind(kind domain.JobKind) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.byKind[kind]
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		out = append(out, r.byName[name])
	}
	return out
}

// Best picks the highest-scoring provider for a kind. Without preferences the
// first registered candidate wins.
func (r *Registry) Best(kind domain.JobKind, prefs Preferences) (Provider, error) {
	candidates := r.ForKind(kind)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w for kind %q", ErrNoProvider, kind)
	}
	if prefs.empty() {
		return candidates[0], nil
	}

	best := candidates[0]
	bestScore := score(best, prefs)
	for _, p := range candidates[1:] {
		if s := score(p, prefs); s > bestScore {
			best, bestScore = p, s
		}
	}
	return best, nil
}

func score(p Provider, prefs Preferences) float64 {
	caps := p.Capabilities()
	var s float64
	if prefs.CostWeight > 0 {
		// Cheaper scores higher.
		s += prefs.CostWeight * (1.0 - caps.CostPerUnit)
	}
	if prefs.SpeedWeight > 0 {
		rate := caps.RateLimitPerMin
		if rate == 0 {
			rate = 10
		}
		speed := float64(rate) / 100.0
		if speed > 1 {
			speed = 1
		}
		s += prefs.SpeedWeight * speed
	}
	if prefs.QualityWeight > 0 {
		s += prefs.QualityWeight * caps.QualityScore
	}
	return s
}
