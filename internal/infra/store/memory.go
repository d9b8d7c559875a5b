package store

import (
	"context"
	"sort"
	"sync"

	"github.com/osa030/sonicbox/internal/domain/asset"
)

// MemoryStore is a non-persistent asset.Store.
type MemoryStore struct {
	mu     sync.RWMutex
	assets map[string]asset.Asset
}

var _ asset.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assets: make(map[string]asset.Asset)}
}

func (m *MemoryStore) Insert(_ context.Context, a asset.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[a.ID()] = a
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assets, id)
	return nil
}

func (m *MemoryStore) Lookup(_ context.Context, id string) (asset.Asset, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[id]
	return a, ok, nil
}

func (m *MemoryStore) List(_ context.Context) ([]asset.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	assets := make([]asset.Asset, 0, len(m.assets))
	for _, a := range m.assets {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].DownloadedAt.Equal(assets[j].DownloadedAt) {
			return assets[i].ID() < assets[j].ID()
		}
		return assets[i].DownloadedAt.After(assets[j].DownloadedAt)
	})
	return assets, nil
}
