package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matst80/bridgeproxy/internal/obs"
)

type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	total    int64
	closing  bool
	ready    bool
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{sessions: make(map[string]Session)}
}

var _ Store = (*memoryStore)(nil)

func (m *memoryStore) SetClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *memoryStore) SetReady(ready bool)     { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }
func (m *memoryStore) IsClosing() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }
func (m *memoryStore) IsReady() bool           { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }

func (m *memoryStore) Register(s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session already registered: %s", s.ID)
	}
	m.sessions[s.ID] = s
	m.total++
	obs.ActiveBridges.Set(float64(len(m.sessions)))
	obs.BridgesTotal.Inc()
	return nil
}

func (m *memoryStore) Unregister(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()
	obs.ActiveBridges.Set(float64(n))
}

func (m *memoryStore) Sessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sortSessions(out)
	return out
}

func (m *memoryStore) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Active: len(m.sessions), Total: m.total, Backend: "memory", Now: time.Now().UTC().Format(time.RFC3339)}
}

func (m *memoryStore) Close() error { return nil }

func sortSessions(s []Session) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Created.Equal(s[j].Created) {
			return s[i].ID < s[j].ID
		}
		return s[i].Created.Before(s[j].Created)
	})
}
