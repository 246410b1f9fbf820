package store

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/trust"
)

// PeerRecord is the gorm row for a peer.
type PeerRecord struct {
	ID                  string   `gorm:"primaryKey;size:128"`
	Name                string   `gorm:"size:128"`
	Endpoint            string   `gorm:"size:512;not null"`
	PublicKey           string   `gorm:"size:512"`
	TrustScore          float64  `gorm:"not null"`
	Specialties         []string `gorm:"serializer:json"`
	Status              string   `gorm:"size:16;index"`
	ConsecutiveFailures int
	TotalSuccesses      int64
	TotalFailures       int64
	LastLatencyNs       int64
	LastSeenAt          *time.Time
	AddedAt             time.Time
}

func (PeerRecord) TableName() string { return "peers" }

func recordFromPeer(p model.Peer) PeerRecord {
	r := PeerRecord{
		ID:                  p.ID,
		Name:                p.Name,
		Endpoint:            p.Endpoint,
		PublicKey:           p.PublicKey,
		TrustScore:          p.TrustScore,
		Specialties:         p.Specialties,
		Status:              string(p.Status),
		ConsecutiveFailures: p.ConsecutiveFailures,
		TotalSuccesses:      p.TotalSuccesses,
		TotalFailures:       p.TotalFailures,
		LastLatencyNs:       int64(p.LastLatency),
		AddedAt:             p.AddedAt,
	}
	if !p.LastSeenAt.IsZero() {
		seen := p.LastSeenAt
		r.LastSeenAt = &seen
	}
	return r
}

func (r PeerRecord) peer() model.Peer {
	p := model.Peer{
		ID:                  r.ID,
		Name:                r.Name,
		Endpoint:            r.Endpoint,
		PublicKey:           r.PublicKey,
		TrustScore:          r.TrustScore,
		Specialties:         r.Specialties,
		Status:              model.PeerStatus(r.Status),
		ConsecutiveFailures: r.ConsecutiveFailures,
		TotalSuccesses:      r.TotalSuccesses,
		TotalFailures:       r.TotalFailures,
		LastLatency:         time.Duration(r.LastLatencyNs),
		AddedAt:             r.AddedAt,
	}
	if r.LastSeenAt != nil {
		p.LastSeenAt = *r.LastSeenAt
	}
	return p
}

// GormStore keeps the registry in MySQL. Read-modify-write cycles lock the
// peer row for the duration of the transaction.
type GormStore struct {
	db    *gorm.DB
	cfg   trust.Config
	clock clock.Clock
}

// NewGormStore migrates the peer and audit tables and returns the store.
func NewGormStore(db *gorm.DB, cfg trust.Config, clk clock.Clock) (*GormStore, error) {
	if clk == nil {
		clk = clock.New()
	}
	if err := db.AutoMigrate(&PeerRecord{}, &model.AuditEntry{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, cfg: cfg, clock: clk}, nil
}

func (g *GormStore) update(id string, fn func(existing *model.Peer) (model.Peer, error)) (model.Peer, error) {
	var out model.Peer
	err := g.db.Transaction(func(tx *gorm.DB) error {
		var rec PeerRecord
		var existing *model.Peer
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&rec).Error
		switch {
		case err == nil:
			cur := rec.peer()
			existing = &cur
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		next, err := fn(existing)
		if err != nil {
			return err
		}
		row := recordFromPeer(next)
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (g *GormStore) Upsert(p model.Peer) (model.Peer, error) {
	if p.ID == "" {
		return model.Peer{}, ErrInvalidPeer
	}
	return g.update(p.ID, func(existing *model.Peer) (model.Peer, error) {
		return MergeUpsert(existing, p, g.cfg, g.clock.Now())
	})
}

func (g *GormStore) RecordOutcome(id string, succeeded bool, latency time.Duration) (model.Peer, trust.Transition, error) {
	var tr trust.Transition
	p, err := g.update(id, func(existing *model.Peer) (model.Peer, error) {
		if existing == nil {
			return model.Peer{}, ErrPeerNotFound
		}
		next := *existing
		tr = g.cfg.Apply(&next, succeeded, latency, g.clock.Now())
		return next, nil
	})
	return p, tr, err
}

func (g *GormStore) Get(id string) (model.Peer, bool, error) {
	var rec PeerRecord
	err := g.db.Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Peer{}, false, nil
	}
	if err != nil {
		return model.Peer{}, false, err
	}
	return rec.peer(), true, nil
}

func (g *GormStore) List() ([]model.Peer, error) {
	var recs []PeerRecord
	if err := g.db.Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.Peer, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.peer())
	}
	return out, nil
}

func (g *GormStore) ListBySpecialty(tag string) ([]model.Peer, error) {
	all, err := g.List()
	if err != nil {
		return nil, err
	}
	return filterSpecialty(all, tag), nil
}

func (g *GormStore) AppendAudit(e model.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = g.clock.Now()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return g.db.Create(&e).Error
}

func (g *GormStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	var entries []model.AuditEntry
	q := g.db.Order("timestamp desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
