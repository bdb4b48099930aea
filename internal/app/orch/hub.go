package orch

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/domain"
)

// Factory builds a started orchestrator for id.
type Factory func(ctx context.Context, id domain.UserID) (*Orchestrator, error)

// Hub keeps one orchestrator per signed-in identity, so a second manager is
// never built for an identity that already has one.
type Hub struct {
	mu      sync.Mutex
	entries map[domain.UserID]*Orchestrator
	factory Factory
}

func NewHub(factory Factory) *Hub {
	return &Hub{entries: make(map[domain.UserID]*Orchestrator), factory: factory}
}

func (h *Hub) GetOrCreate(ctx context.Context, id domain.UserID) (*Orchestrator, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if o, ok := h.entries[id]; ok {
		return o, nil
	}
	o, err := h.factory(ctx, id)
	if err != nil {
		return nil, err
	}
	h.entries[id] = o
	log.Info().Str("module", "app.hub").Str("user_id", string(id)).Msg("bound orchestrator")
	return o, nil
}

func (h *Hub) Get(id domain.UserID) (*Orchestrator, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.entries[id]
	return o, ok
}

// Remove closes the orchestrator of id, hanging up its call.
func (h *Hub) Remove(id domain.UserID) bool {
	h.mu.Lock()
	o, ok := h.entries[id]
	delete(h.entries, id)
	h.mu.Unlock()
	if !ok {
		return false
	}
	o.Close()
	log.Info().Str("module", "app.hub").Str("user_id", string(id)).Msg("unbound orchestrator")
	return true
}

func (h *Hub) Close() {
	h.mu.Lock()
	all := h.entries
	h.entries = make(map[domain.UserID]*Orchestrator)
	h.mu.Unlock()
	for _, o := range all {
		o.Close()
	}
}
