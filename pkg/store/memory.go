package store

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/trust"
)

// MemoryStore is an in-memory registry, intended for dev and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	cfg   trust.Config
	clock clock.Clock
	peers map[string]model.Peer
	audit []model.AuditEntry
}

func NewMemoryStore(cfg trust.Config, clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		cfg:   cfg,
		clock: clk,
		peers: make(map[string]model.Peer),
	}
}

func (m *MemoryStore) Upsert(p model.Peer) (model.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var existing *model.Peer
	if cur, ok := m.peers[p.ID]; ok {
		existing = &cur
	}
	out, err := MergeUpsert(existing, p, m.cfg, m.clock.Now())
	if err != nil {
		return model.Peer{}, err
	}
	m.peers[out.ID] = out
	return out, nil
}

func (m *MemoryStore) Get(id string) (model.Peer, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok, nil
}

func (m *MemoryStore) List() ([]model.Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListBySpecialty(tag string) ([]model.Peer, error) {
	all, _ := m.List()
	return filterSpecialty(all, tag), nil
}

func (m *MemoryStore) RecordOutcome(id string, succeeded bool, latency time.Duration) (model.Peer, trust.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	if !ok {
		return model.Peer{}, trust.NoTransition, ErrPeerNotFound
	}
	tr := m.cfg.Apply(&p, succeeded, latency, m.clock.Now())
	m.peers[id] = p
	return p, tr, nil
}

func (m *MemoryStore) AppendAudit(entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.clock.Now()
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	m.audit = append(m.audit, entry)
	if len(m.audit) > 1000 {
		m.audit = m.audit[len(m.audit)-1000:]
	}
	return nil
}

func (m *MemoryStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lastN(m.audit, limit), nil
}

func (m *MemoryStore) Close() error { return nil }
