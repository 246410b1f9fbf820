package trust

import (
	"sort"

	"custodian-mesh/pkg/model"
)

// PeerLister is the slice of the peer registry the ranker reads.
type PeerLister interface {
	List() ([]model.Peer, error)
}

// Ranker orders registry peers for a query.
type Ranker struct {
	peers PeerLister
}

func NewRanker(peers PeerLister) *Ranker {
	return &Ranker{peers: peers}
}

// SelectPeers returns at most maxFanout eligible peers, best first.
func (r *Ranker) SelectPeers(specialty string, maxFanout int) ([]model.Peer, error) {
	all, err := r.peers.List()
	if err != nil {
		return nil, err
	}
	return Select(all, specialty, maxFanout), nil
}

// Select drops blocked peers, keeps those matching specialty (or all
// remaining peers when none match or specialty is empty), orders by trust
// score descending with the most recently seen peer winning ties, and caps
// the result at maxFanout.
func Select(peers []model.Peer, specialty string, maxFanout int) []model.Peer {
	if maxFanout <= 0 {
		return nil
	}
	eligible := make([]model.Peer, 0, len(peers))
	for _, p := range peers {
		if !p.Blocked() {
			eligible = append(eligible, p)
		}
	}
	if specialty != "" {
		matched := make([]model.Peer, 0, len(eligible))
		for _, p := range eligible {
			if p.HasSpecialty(specialty) {
				matched = append(matched, p)
			}
		}
		if len(matched) > 0 {
			eligible = matched
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.TrustScore != b.TrustScore {
			return a.TrustScore > b.TrustScore
		}
		if !a.LastSeenAt.Equal(b.LastSeenAt) {
			return a.LastSeenAt.After(b.LastSeenAt)
		}
		return a.ID < b.ID
	})
	if len(eligible) > maxFanout {
		eligible = eligible[:maxFanout]
	}
	return eligible
}
