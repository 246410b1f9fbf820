package store

import (
	"errors"
	"fmt"
	"time"

	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/trust"
)

var (
	ErrPeerNotFound = errors.New("peer not found")
	ErrInvalidPeer  = errors.New("peer id and endpoint are required")
)

// PeerStore is the durable peer registry. Implementations serialize
// concurrent Upsert and RecordOutcome calls for the same peer.
type PeerStore interface {
	// Upsert is last-write-wins keyed by ID. Descriptive fields are replaced,
	// trust history is kept unless TrustScore is set, and the peer is
	// returned to the active state.
	Upsert(model.Peer) (model.Peer, error)
	Get(id string) (model.Peer, bool, error)
	List() ([]model.Peer, error)
	ListBySpecialty(tag string) ([]model.Peer, error)
	// RecordOutcome folds one interaction into the peer's trust state.
	RecordOutcome(id string, succeeded bool, latency time.Duration) (model.Peer, trust.Transition, error)
	AppendAudit(model.AuditEntry) error
	ListAudit(limit int) ([]model.AuditEntry, error)
	Close() error
}

// MergeUpsert computes the record written by Upsert. existing is nil for a
// first-time add.
func MergeUpsert(existing *model.Peer, in model.Peer, cfg trust.Config, now time.Time) (model.Peer, error) {
	if in.ID == "" || in.Endpoint == "" {
		return model.Peer{}, ErrInvalidPeer
	}
	if existing == nil {
		out := in
		out.Specialties = append([]string(nil), in.Specialties...)
		if out.TrustScore == 0 {
			out.TrustScore = cfg.Initial
		}
		out.TrustScore = cfg.Clamp(out.TrustScore)
		out.Status = model.PeerActive
		out.ConsecutiveFailures = 0
		if out.AddedAt.IsZero() {
			out.AddedAt = now
		}
		return out, nil
	}
	out := *existing
	out.Name = in.Name
	out.Endpoint = in.Endpoint
	out.PublicKey = in.PublicKey
	out.Specialties = append([]string(nil), in.Specialties...)
	if in.TrustScore != 0 {
		out.TrustScore = cfg.Clamp(in.TrustScore)
	}
	if in.LastSeenAt.After(out.LastSeenAt) {
		out.LastSeenAt = in.LastSeenAt
	}
	out.ConsecutiveFailures = 0
	out.Status = model.PeerActive
	return out, nil
}

func filterSpecialty(peers []model.Peer, tag string) []model.Peer {
	out := make([]model.Peer, 0, len(peers))
	for _, p := range peers {
		if p.HasSpecialty(tag) {
			out = append(out, p)
		}
	}
	return out
}

// RecordAndAudit records an outcome and appends an audit entry when the
// peer is blocked or reinstated by it.
func RecordAndAudit(st PeerStore, actor, id string, succeeded bool, latency time.Duration) (model.Peer, trust.Transition, error) {
	p, tr, err := st.RecordOutcome(id, succeeded, latency)
	if err != nil {
		return p, tr, err
	}
	var action string
	switch tr {
	case trust.BecameBlocked:
		action = "peer_blocked"
	case trust.BecameActive:
		action = "peer_reinstated"
	default:
		return p, tr, nil
	}
	_ = st.AppendAudit(model.AuditEntry{
		Actor:  actor,
		Action: action,
		Target: id,
		Detail: fmt.Sprintf("consecutive failures %d, trust %.3f", p.ConsecutiveFailures, p.TrustScore),
	})
	return p, tr, nil
}

func lastN(entries []model.AuditEntry, limit int) []model.AuditEntry {
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	return append([]model.AuditEntry(nil), entries[len(entries)-limit:]...)
}
