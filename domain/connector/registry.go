package connector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/avesa-io/avesa/pkg/apperror"
)

// Registry maps service names to connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[string]Connector),
	}
}

// Register adds or replaces a connector.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Service()] = c
}

// Get returns the connector for a service, UnknownService when absent.
func (r *Registry) Get(service string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[service]
	if !ok {
		return nil, apperror.ErrUnknownService.WithMessage(
			fmt.Sprintf("no connector registered for service %q", service))
	}
	return c, nil
}

// Services returns the registered service names, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
