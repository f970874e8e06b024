package timer

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"proman-api/storage"
)

// Registry hands out one Manager per user, lazily. Managers live for the
// process lifetime; their per-user cost is a mutex and a watcher map.
type Registry struct {
	store  storage.Store
	logger *log.Logger
	opts   Options

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store storage.Store, logger *log.Logger, opts Options) *Registry {
	return &Registry{
		store:    store,
		logger:   logger,
		opts:     opts,
		managers: make(map[string]*Manager),
	}
}

// ForUser returns the user's manager, creating it on first use.
func (r *Registry) ForUser(userID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[userID]
	if !ok {
		m = NewManager(r.store, r.logger, userID, r.opts)
		r.managers[userID] = m
	}
	return m
}
