// Package discovery finds candidate custodians and turns reachable ones
// into registry peers.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/store"
)

// Candidate is a custodian that may or may not be reachable yet.
type Candidate struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Endpoint    string   `json:"endpoint"`
	PublicKey   string   `json:"publicKey,omitempty"`
	Specialties []string `json:"specialties,omitempty"`
}

func (c Candidate) peer() model.Peer {
	return model.Peer{
		ID:          c.ID,
		Name:        c.Name,
		Endpoint:    strings.TrimRight(c.Endpoint, "/"),
		PublicKey:   c.PublicKey,
		Specialties: c.Specialties,
	}
}

// Discoverer yields candidates from some external source.
type Discoverer interface {
	Discover(ctx context.Context) ([]Candidate, error)
}

// Static always returns the same candidates, typically loaded from a seed
// file.
type Static []Candidate

func (s Static) Discover(context.Context) ([]Candidate, error) {
	return append([]Candidate(nil), s...), nil
}

// LoadSeeds reads a peers.json file. Both a bare array and an object with a
// "peers" array are accepted. A missing file yields no seeds.
func LoadSeeds(path string) ([]Candidate, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read seeds: %w", err)
	}
	var seeds []Candidate
	if err := json.Unmarshal(b, &seeds); err != nil {
		var wrapped struct {
			Peers []Candidate `json:"peers"`
		}
		if err2 := json.Unmarshal(b, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parse seeds %s: %w", path, err)
		}
		seeds = wrapped.Peers
	}
	for i, s := range seeds {
		if s.ID == "" || s.Endpoint == "" {
			return nil, fmt.Errorf("seed %d: id and endpoint are required", i)
		}
	}
	return seeds, nil
}

// Seed adds seeds the registry does not know yet. Known peers keep their
// trust history across restarts.
func Seed(st store.PeerStore, seeds []Candidate) (int, error) {
	added := 0
	for _, s := range seeds {
		_, ok, err := st.Get(s.ID)
		if err != nil {
			return added, err
		}
		if ok {
			continue
		}
		if _, err := st.Upsert(s.peer()); err != nil {
			return added, fmt.Errorf("seed %s: %w", s.ID, err)
		}
		added++
	}
	return added, nil
}
