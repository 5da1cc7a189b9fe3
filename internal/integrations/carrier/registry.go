package carrier

import (
	"fmt"
	"sort"
	"sync"

	"github.com/BearBump/ShipCheck/internal/models"
)

// Registry maps an explicit carrier code to its adapter.
type Registry struct {
	clients map[models.Carrier]Client
	mu      sync.RWMutex
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[models.Carrier]Client)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Carrier()] = c
}

func (r *Registry) Get(c models.Carrier) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cl, ok := r.clients[c]; ok {
		return cl, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrCarrierNotRegistered, c)
}

// Carriers returns the registered carrier codes in stable order.
func (r *Registry) Carriers() []models.Carrier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Carrier, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
