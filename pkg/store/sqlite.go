package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/trust"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS peers(
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	endpoint TEXT NOT NULL,
	public_key TEXT NOT NULL DEFAULT '',
	trust_score REAL NOT NULL,
	specialties TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	total_successes INTEGER NOT NULL DEFAULT 0,
	total_failures INTEGER NOT NULL DEFAULT 0,
	last_latency_ns INTEGER NOT NULL DEFAULT 0,
	last_seen_at INTEGER NOT NULL DEFAULT 0,
	added_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS audit(
	id TEXT PRIMARY KEY,
	actor TEXT,
	action TEXT,
	target TEXT,
	detail TEXT,
	ts INTEGER
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit(ts);`

const peerColumns = `id, name, endpoint, public_key, trust_score, specialties, status,
	consecutive_failures, total_successes, total_failures, last_latency_ns, last_seen_at, added_at`

// SQLiteStore persists the registry in a local SQLite file. A single
// connection serializes all writers.
type SQLiteStore struct {
	db    *sql.DB
	cfg   trust.Config
	clock clock.Clock
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, cfg trust.Config, clk clock.Clock) (*SQLiteStore, error) {
	if clk == nil {
		clk = clock.New()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite mkdir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000&_pragma=journal_mode=WAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, cfg: cfg, clock: clk}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPeer(row rowScanner) (model.Peer, error) {
	var (
		p                 model.Peer
		specialties       string
		status            string
		latency, seen, at int64
	)
	err := row.Scan(&p.ID, &p.Name, &p.Endpoint, &p.PublicKey, &p.TrustScore, &specialties, &status,
		&p.ConsecutiveFailures, &p.TotalSuccesses, &p.TotalFailures, &latency, &seen, &at)
	if err != nil {
		return model.Peer{}, err
	}
	if err := json.Unmarshal([]byte(specialties), &p.Specialties); err != nil {
		return model.Peer{}, fmt.Errorf("peer %s specialties: %w", p.ID, err)
	}
	p.Status = model.PeerStatus(status)
	p.LastLatency = time.Duration(latency)
	p.LastSeenAt = fromUnixNano(seen)
	p.AddedAt = fromUnixNano(at)
	return p, nil
}

func fromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func writePeer(ctx context.Context, tx *sql.Tx, p model.Peer) error {
	specialties, err := json.Marshal(p.Specialties)
	if err != nil {
		return err
	}
	if p.Specialties == nil {
		specialties = []byte("[]")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO peers(`+peerColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, endpoint=excluded.endpoint, public_key=excluded.public_key,
			trust_score=excluded.trust_score, specialties=excluded.specialties, status=excluded.status,
			consecutive_failures=excluded.consecutive_failures, total_successes=excluded.total_successes,
			total_failures=excluded.total_failures, last_latency_ns=excluded.last_latency_ns,
			last_seen_at=excluded.last_seen_at, added_at=excluded.added_at`,
		p.ID, p.Name, p.Endpoint, p.PublicKey, p.TrustScore, string(specialties), string(p.Status),
		p.ConsecutiveFailures, p.TotalSuccesses, p.TotalFailures, int64(p.LastLatency),
		toUnixNano(p.LastSeenAt), toUnixNano(p.AddedAt))
	return err
}

// update runs fn on the current record inside one transaction and writes
// the result back.
func (s *SQLiteStore) update(id string, fn func(existing *model.Peer) (model.Peer, error)) (model.Peer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Peer{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing *model.Peer
	cur, err := scanPeer(tx.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE id=?`, id))
	switch {
	case err == nil:
		existing = &cur
	case !errors.Is(err, sql.ErrNoRows):
		return model.Peer{}, err
	}
	next, err := fn(existing)
	if err != nil {
		return model.Peer{}, err
	}
	if err := writePeer(ctx, tx, next); err != nil {
		return model.Peer{}, err
	}
	return next, tx.Commit()
}

func (s *SQLiteStore) Upsert(p model.Peer) (model.Peer, error) {
	if p.ID == "" {
		return model.Peer{}, ErrInvalidPeer
	}
	return s.update(p.ID, func(existing *model.Peer) (model.Peer, error) {
		return MergeUpsert(existing, p, s.cfg, s.clock.Now())
	})
}

func (s *SQLiteStore) RecordOutcome(id string, succeeded bool, latency time.Duration) (model.Peer, trust.Transition, error) {
	var tr trust.Transition
	p, err := s.update(id, func(existing *model.Peer) (model.Peer, error) {
		if existing == nil {
			return model.Peer{}, ErrPeerNotFound
		}
		next := *existing
		tr = s.cfg.Apply(&next, succeeded, latency, s.clock.Now())
		return next, nil
	})
	return p, tr, err
}

func (s *SQLiteStore) Get(id string) (model.Peer, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p, err := scanPeer(s.db.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Peer{}, false, nil
	}
	if err != nil {
		return model.Peer{}, false, err
	}
	return p, true, nil
}

func (s *SQLiteStore) List() ([]model.Peer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+peerColumns+` FROM peers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListBySpecialty(tag string) ([]model.Peer, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	return filterSpecialty(all, tag), nil
}

func (s *SQLiteStore) AppendAudit(e model.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO audit(id, actor, action, target, detail, ts) VALUES(?,?,?,?,?,?)`,
		e.ID, e.Actor, e.Action, e.Target, e.Detail, e.Timestamp.UnixNano())
	return err
}

func (s *SQLiteStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT id, actor, action, target, detail, ts FROM
		(SELECT id, actor, action, target, detail, ts FROM audit ORDER BY ts DESC LIMIT ?) ORDER BY ts ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		var (
			e  model.AuditEntry
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.Detail, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
