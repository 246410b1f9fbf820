package consul

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	consulapi "github.com/hashicorp/consul/api"

	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/store"
	"custodian-mesh/pkg/trust"
)

const (
	peerPrefix  = "custodian/peers/"
	auditPrefix = "custodian/audit/"

	casAttempts = 16
)

var errCASExhausted = errors.New("consul: peer update lost too many CAS races")

// Store is a Consul KV backed peer registry. Every read-modify-write goes
// through a check-and-set on the key's ModifyIndex, so concurrent custodians
// sharing one Consul cluster never lose an update.
type Store struct {
	kv    *consulapi.KV
	cfg   trust.Config
	clock clock.Clock
}

var _ store.PeerStore = (*Store)(nil)

// NewStore dials the agent at addr (empty uses the consul defaults and
// CONSUL_HTTP_ADDR).
func NewStore(addr string, cfg trust.Config, clk clock.Clock) (*Store, error) {
	cli, err := NewClient(addr)
	if err != nil {
		return nil, err
	}
	return NewStoreWithClient(cli, cfg, clk), nil
}

func NewStoreWithClient(cli *consulapi.Client, cfg trust.Config, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{kv: cli.KV(), cfg: cfg, clock: clk}
}

// NewClient builds a consul API client for addr.
func NewClient(addr string) (*consulapi.Client, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return cli, nil
}

func (s *Store) update(id string, fn func(existing *model.Peer) (model.Peer, error)) (model.Peer, error) {
	key := peerPrefix + id
	for attempt := 0; attempt < casAttempts; attempt++ {
		pair, _, err := s.kv.Get(key, nil)
		if err != nil {
			return model.Peer{}, err
		}
		var (
			existing *model.Peer
			index    uint64
		)
		if pair != nil {
			var cur model.Peer
			if err := json.Unmarshal(pair.Value, &cur); err != nil {
				return model.Peer{}, fmt.Errorf("decode peer %s: %w", id, err)
			}
			existing = &cur
			index = pair.ModifyIndex
		}
		next, err := fn(existing)
		if err != nil {
			return model.Peer{}, err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return model.Peer{}, err
		}
		// ModifyIndex 0 only succeeds if the key does not exist yet.
		ok, _, err := s.kv.CAS(&consulapi.KVPair{Key: key, Value: b, ModifyIndex: index}, nil)
		if err != nil {
			return model.Peer{}, err
		}
		if ok {
			return next, nil
		}
	}
	return model.Peer{}, errCASExhausted
}

func (s *Store) Upsert(p model.Peer) (model.Peer, error) {
	if p.ID == "" {
		return model.Peer{}, store.ErrInvalidPeer
	}
	return s.update(p.ID, func(existing *model.Peer) (model.Peer, error) {
		return store.MergeUpsert(existing, p, s.cfg, s.clock.Now())
	})
}

func (s *Store) RecordOutcome(id string, succeeded bool, latency time.Duration) (model.Peer, trust.Transition, error) {
	var tr trust.Transition
	p, err := s.update(id, func(existing *model.Peer) (model.Peer, error) {
		if existing == nil {
			return model.Peer{}, store.ErrPeerNotFound
		}
		next := *existing
		tr = s.cfg.Apply(&next, succeeded, latency, s.clock.Now())
		return next, nil
	})
	return p, tr, err
}

func (s *Store) Get(id string) (model.Peer, bool, error) {
	pair, _, err := s.kv.Get(peerPrefix+id, nil)
	if err != nil || pair == nil {
		return model.Peer{}, false, err
	}
	var p model.Peer
	if err := json.Unmarshal(pair.Value, &p); err != nil {
		return model.Peer{}, false, err
	}
	return p, true, nil
}

func (s *Store) List() ([]model.Peer, error) {
	pairs, _, err := s.kv.List(peerPrefix, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.Peer, 0, len(pairs))
	for _, pair := range pairs {
		var p model.Peer
		if err := json.Unmarshal(pair.Value, &p); err == nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListBySpecialty(tag string) ([]model.Peer, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if p.HasSpecialty(tag) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) AppendAudit(entry model.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	// Zero padded so the KV listing is chronological.
	key := fmt.Sprintf("%s%020d-%s", auditPrefix, entry.Timestamp.UnixNano(), entry.ID)
	_, err = s.kv.Put(&consulapi.KVPair{Key: key, Value: b}, nil)
	return err
}

func (s *Store) ListAudit(limit int) ([]model.AuditEntry, error) {
	pairs, _, err := s.kv.List(auditPrefix, nil)
	if err != nil {
		return nil, err
	}
	var out []model.AuditEntry
	for _, p := range pairs {
		var e model.AuditEntry
		if err := json.Unmarshal(p.Value, &e); err == nil {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
