package model

import (
	"fmt"
	"sync"
)

// HotSwap holds the live Model of a tenant together with its Registry and
// replaces both atomically when the schema is reloaded.
type HotSwap struct {
	mu       sync.RWMutex
	current  *Model
	registry *Registry
}

// NewHotSwap compiles a Registry for initial and serves it.
func NewHotSwap(initial *Model) (*HotSwap, error) {
	reg, err := NewRegistry(initial)
	if err != nil {
		return nil, err
	}
	return &HotSwap{current: initial, registry: reg}, nil
}

// Current returns the live model and registry. They stay valid after a
// Swap; callers that need one consistent view per request should call
// Current once.
func (h *HotSwap) Current() (*Model, *Registry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current, h.registry
}

// Swap replaces the live model. Models of another tenant or with an older
// revision are refused.
func (h *HotSwap) Swap(next *Model) error {
	reg, err := NewRegistry(next)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if next.Tenant() != h.current.Tenant() {
		return fmt.Errorf("swap model: tenant %q does not match %q", next.Tenant(), h.current.Tenant())
	}
	if next.Rev() < h.current.Rev() {
		return fmt.Errorf("swap model: revision %d is older than %d", next.Rev(), h.current.Rev())
	}
	h.current = next
	h.registry = reg
	return nil
}

// Reload loads path and swaps it in.
func (h *HotSwap) Reload(path string) error {
	next, err := Load(path)
	if err != nil {
		return err
	}
	return h.Swap(next)
}
