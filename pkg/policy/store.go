// Package policy holds the access-control policy and signing secret read by
// the gateway on every request. Both live in one immutable Snapshot that is
// swapped atomically on reload or rotation.
package policy

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/redact"
	"custodian-mesh/pkg/signature"
)

// Snapshot is a fully validated policy plus the secret it is enforced with.
// It is never mutated after publication.
type Snapshot struct {
	Policy   model.Policy
	Origins  []netip.Prefix
	Redactor *redact.Pipeline
	Secret   []byte
	LoadedAt time.Time
}

// OriginAllowed reports whether addr (ip or ip:port) may call the gateway.
// An empty allowlist admits every address; an unparseable address is only
// admitted in that case.
func (s *Snapshot) OriginAllowed(addr string) bool {
	if len(s.Origins) == 0 {
		return true
	}
	ip, ok := ParseAddr(addr)
	if !ok {
		return false
	}
	for _, p := range s.Origins {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseAddr extracts the IP from "ip", "ip:port" or "[ipv6]:port".
func ParseAddr(addr string) (netip.Addr, bool) {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.WithZone("").Unmap(), true
}

// ParseOrigins converts CIDR strings into prefixes; a bare address becomes a
// single-host prefix.
func ParseOrigins(origins []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if !strings.Contains(o, "/") {
			ip, err := netip.ParseAddr(o)
			if err != nil {
				return nil, fmt.Errorf("origin %q: %w", o, err)
			}
			ip = ip.Unmap()
			out = append(out, netip.PrefixFrom(ip, ip.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(o)
		if err != nil {
			return nil, fmt.Errorf("origin %q: %w", o, err)
		}
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// NewSnapshot validates p and binds it to secret.
func NewSnapshot(p model.Policy, secret []byte) (*Snapshot, error) {
	if len(secret) < signature.MinSecretLen {
		return nil, signature.ErrSecretTooShort
	}
	origins, err := ParseOrigins(p.Guardrails.AllowedOrigins)
	if err != nil {
		return nil, err
	}
	pipeline, err := redact.Compile(p.Privacy.Redactions)
	if err != nil {
		return nil, err
	}
	if p.Share.MaxSnippets < 0 || p.Share.MaxCharsPerSnippet < 0 {
		return nil, errors.New("share limits must not be negative")
	}
	return &Snapshot{
		Policy:   p,
		Origins:  origins,
		Redactor: pipeline,
		Secret:   append([]byte(nil), secret...),
		LoadedAt: time.Now(),
	}, nil
}

// LoadFile reads a YAML policy. Fields absent from the file keep the values
// of model.DefaultPolicy.
func LoadFile(path string) (model.Policy, error) {
	p := model.DefaultPolicy()
	b, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return p, nil
}

// Store owns the current Snapshot. Reads are lock-free; reload and rotation
// are serialized and publish a new Snapshot in one atomic store.
type Store struct {
	policyPath string
	secretPath string
	log        *zap.SugaredLogger

	mu  sync.Mutex
	cur atomic.Pointer[Snapshot]
}

// NewStore loads the policy file and the secret (creating the secret when it
// is missing). A missing policy file falls back to the default policy.
func NewStore(policyPath, secretPath string, log *zap.SugaredLogger) (*Store, error) {
	s := &Store{policyPath: policyPath, secretPath: secretPath, log: log}
	secret, created, err := signature.LoadOrCreateSecret(secretPath)
	if err != nil {
		return nil, fmt.Errorf("signing secret: %w", err)
	}
	if created {
		log.Warnw("generated new signing secret; rotate after provisioning peers", "path", secretPath)
	}
	p, err := s.readPolicy()
	if err != nil {
		return nil, err
	}
	snap, err := NewSnapshot(p, secret)
	if err != nil {
		return nil, err
	}
	s.cur.Store(snap)
	return s, nil
}

// NewStatic builds a Store that is not backed by files. Reload re-validates
// the in-memory policy; RotateSecret keeps the new secret in memory only.
func NewStatic(p model.Policy, secret []byte) (*Store, error) {
	snap, err := NewSnapshot(p, secret)
	if err != nil {
		return nil, err
	}
	s := &Store{log: zap.NewNop().Sugar()}
	s.cur.Store(snap)
	return s, nil
}

func (s *Store) readPolicy() (model.Policy, error) {
	if s.policyPath == "" {
		return model.DefaultPolicy(), nil
	}
	p, err := LoadFile(s.policyPath)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Warnw("policy file missing; using defaults", "path", s.policyPath)
		return model.DefaultPolicy(), nil
	}
	return p, err
}

// Current returns the snapshot in force. Callers should load it once per
// request and use it throughout.
func (s *Store) Current() *Snapshot {
	return s.cur.Load()
}

// Secret is the signing secret of the current snapshot.
func (s *Store) Secret() []byte {
	return s.cur.Load().Secret
}

// Reload re-reads the policy file. On any error the previous snapshot stays
// in force.
func (s *Store) Reload() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cur.Load()
	p := old.Policy
	if s.policyPath != "" {
		var err error
		if p, err = s.readPolicy(); err != nil {
			return old, err
		}
	}
	snap, err := NewSnapshot(p, old.Secret)
	if err != nil {
		return old, err
	}
	s.cur.Store(snap)
	s.log.Infow("policy reloaded",
		"origins", len(snap.Origins),
		"signed", snap.Policy.Security.RequireSignedRequests,
		"redactions", snap.Redactor.Len())
	return snap, nil
}

// SetPolicy validates p and publishes it with the current secret.
func (s *Store) SetPolicy(p model.Policy) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cur.Load()
	snap, err := NewSnapshot(p, old.Secret)
	if err != nil {
		return old, err
	}
	s.cur.Store(snap)
	return snap, nil
}

// RotateSecret replaces the signing secret. Every MAC issued under the old
// secret stops verifying as soon as this returns.
func (s *Store) RotateSecret() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cur.Load()
	secret, err := signature.GenerateSecret()
	if err != nil {
		return old, err
	}
	if s.secretPath != "" {
		if err := signature.WriteSecret(s.secretPath, secret); err != nil {
			return old, err
		}
	}
	snap, err := NewSnapshot(old.Policy, secret)
	if err != nil {
		return old, err
	}
	s.cur.Store(snap)
	s.log.Infow("signing secret rotated", "fingerprint", signature.Fingerprint(secret))
	return snap, nil
}
