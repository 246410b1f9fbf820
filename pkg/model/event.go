package model

import "time"

const (
	EventPeerOutcome    = "peer_outcome"
	EventPeerBlocked    = "peer_blocked"
	EventPeerUpserted   = "peer_upserted"
	EventPolicyReloaded = "policy_reloaded"
	EventSecretRotated  = "secret_rotated"
	EventMeshQuery      = "mesh_query"
)

// Event is pushed to admin websocket subscribers.
type Event struct {
	Type      string      `json:"type"`
	PeerID    string      `json:"peerId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
