package model

import (
	"strings"
	"time"
)

// PeerStatus marks whether a peer is eligible for fan-out selection.
type PeerStatus string

const (
	PeerActive  PeerStatus = "active"
	PeerBlocked PeerStatus = "blocked"
)

// Peer is a remote custodian known to the local trust registry.
type Peer struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name,omitempty"`
	Endpoint            string        `json:"endpoint"`
	PublicKey           string        `json:"publicKey,omitempty"` // reserved for asymmetric verification
	TrustScore          float64       `json:"trustScore"`
	Specialties         []string      `json:"specialties,omitempty"`
	Status              PeerStatus    `json:"status"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	TotalSuccesses      int64         `json:"totalSuccesses"`
	TotalFailures       int64         `json:"totalFailures"`
	LastLatency         time.Duration `json:"lastLatencyNs,omitempty"`
	LastSeenAt          time.Time     `json:"lastSeenAt,omitempty"`
	AddedAt             time.Time     `json:"addedAt"`
}

// Blocked reports whether the peer has been demoted out of selection.
func (p Peer) Blocked() bool {
	return p.Status == PeerBlocked
}

// HasSpecialty matches tags case-insensitively.
func (p Peer) HasSpecialty(tag string) bool {
	for _, s := range p.Specialties {
		if strings.EqualFold(s, tag) {
			return true
		}
	}
	return false
}
