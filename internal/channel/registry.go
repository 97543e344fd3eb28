package channel

import (
	"fmt"
	"sync"

	"github.com/chatcharin/messaging-hub/internal/domain"
)

// Registry maps channels to their adapters. It is created once at startup
// and shared by the services that dispatch on channel.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Channel]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[domain.Channel]Adapter{}}
}

// Register adds an adapter. A channel may be registered only once.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	ch := adapter.Channel()
	if !ch.Valid() {
		return fmt.Errorf("unknown channel %q", ch)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ch]; exists {
		return fmt.Errorf("channel already registered: %s", ch)
	}
	r.adapters[ch] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for ch.
func (r *Registry) Get(ch domain.Channel) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[ch]
	return a, ok
}

// Channels lists the registered channels.
func (r *Registry) Channels() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Channel, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	return out
}
