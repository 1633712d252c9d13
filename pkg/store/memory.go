// pkg/store/memory.go
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store for dev and tests.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]Record
	now  func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{recs: map[string]Record{}, now: time.Now}
}

// WithClock replaces the time source used for expiry checks.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Get(_ context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[key]
	if !ok || rec.expired(m.now()) {
		return Record{}, ErrNotFound
	}
	return clone(rec), nil
}

func (m *Memory) Put(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recs[rec.Key]
	live := ok && !cur.expired(m.now())
	switch {
	case rec.Version == 0 && live:
		return Record{}, ErrConflict
	case rec.Version != 0 && (!live || cur.Version != rec.Version):
		return Record{}, ErrConflict
	}
	rec = clone(rec)
	rec.Version++
	if !live {
		rec.Version = 1
	}
	m.recs[rec.Key] = rec
	return clone(rec), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.recs, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var out []Record
	for k, rec := range m.recs {
		if strings.HasPrefix(k, prefix) && !rec.expired(now) {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func clone(r Record) Record {
	r.Data = append([]byte(nil), r.Data...)
	return r
}
