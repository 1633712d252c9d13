// pkg/proxyconfig/memory.go
package proxyconfig

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"authproxy/pkg/store"
)

// Memory is the file-seeded Provider used when no database is configured.
type Memory struct {
	log  *zap.SugaredLogger
	mu   sync.RWMutex
	cfgs map[string]Configuration // key: scope + ":" + provider
}

// NewMemory returns a Provider holding cfgs; later entries win on duplicates.
func NewMemory(log *zap.SugaredLogger, cfgs ...Configuration) *Memory {
	p := &Memory{log: log, cfgs: map[string]Configuration{}}
	for _, c := range cfgs {
		p.Put(c)
	}
	return p
}

func (m *Memory) Put(c Configuration) {
	m.mu.Lock()
	m.cfgs[key(c.Scope, c.Provider)] = c
	m.mu.Unlock()
	m.log.Debugw("proxy configuration loaded", "provider", c.Provider, "scope", c.Scope.String())
}

func (m *Memory) Get(_ context.Context, scope store.Scope, provider string) (Configuration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cfgs[key(scope, provider)]; ok {
		return c, nil
	}
	return Configuration{}, ErrNotFound
}

func key(scope store.Scope, provider string) string { return scope.String() + ":" + provider }
