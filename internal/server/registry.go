package server

import (
	"context"
	"sort"
	"sync"

	"github.com/matst80/pwremote/internal/obs"
	"github.com/matst80/pwremote/internal/session"
)

// Registry records admitted sessions so dashboards can list them. With the
// redis backend several server instances share one view.
type Registry interface {
	Put(ctx context.Context, info session.Info) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]session.Info, error)
	Close() error
}

// NewRegistry returns a redis registry when addr is set and an in-memory one
// otherwise.
func NewRegistry(addr, password string, db int) (Registry, error) {
	if addr == "" {
		obs.Info("registry.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryRegistry(), nil
	}
	obs.Info("registry.backend", obs.Fields{"type": "redis", "addr": addr})
	return NewRedisRegistry(addr, password, db)
}

type memoryRegistry struct {
	mu       sync.Mutex
	sessions map[string]session.Info
}

// NewMemoryRegistry returns a process local registry.
func NewMemoryRegistry() Registry {
	return &memoryRegistry{sessions: make(map[string]session.Info)}
}

func (m *memoryRegistry) Put(_ context.Context, info session.Info) error {
	m.mu.Lock()
	m.sessions[info.ID] = info
	m.mu.Unlock()
	return nil
}

func (m *memoryRegistry) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *memoryRegistry) List(context.Context) ([]session.Info, error) {
	m.mu.Lock()
	out := make([]session.Info, 0, len(m.sessions))
	for _, info := range m.sessions {
		out = append(out, info)
	}
	m.mu.Unlock()
	sortInfos(out)
	return out, nil
}

func (m *memoryRegistry) Close() error { return nil }

func sortInfos(infos []session.Info) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
}
