// pkg/codestore/memory.go
package codestore

import (
	"context"
	"sync"
	"time"
)

type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{entries: map[string]Entry{}, now: time.Now}
}

func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries[e.Code] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, code string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[code]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if !e.ExpiresAt.IsZero() && !m.now().Before(e.ExpiresAt) {
		delete(m.entries, code)
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) Delete(_ context.Context, code string) error {
	m.mu.Lock()
	delete(m.entries, code)
	m.mu.Unlock()
	return nil
}
