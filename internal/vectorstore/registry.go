package vectorstore

import (
	"sort"
	"sync"

	"label-rag/internal/models"
)

// Registry maps document ids to their built indexes.
type Registry struct {
	mu      sync.RWMutex
	indexes map[string]*Index
}

func NewRegistry() *Registry {
	return &Registry{indexes: make(map[string]*Index)}
}

func (r *Registry) Put(documentID string, x *Index) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexes[documentID] = x
}

func (r *Registry) Get(documentID string) (*Index, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	x, ok := r.indexes[documentID]
	if !ok {
		return nil, models.NotFoundError("vectorstore.Registry.Get", "document "+documentID+" not loaded", nil)
	}
	return x, nil
}

// Delete reports whether documentID was registered.
func (r *Registry) Delete(documentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.indexes[documentID]
	delete(r.indexes, documentID)
	return ok
}

// IDs returns the registered document ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.indexes))
	for id := range r.indexes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
