package api

import (
	"time"

	"custodian-mesh/pkg/model"
)

// PeerRequest adds or updates a peer by hand.
type PeerRequest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Endpoint    string   `json:"endpoint"`
	PublicKey   string   `json:"publicKey,omitempty"`
	Specialties []string `json:"specialties,omitempty"`
	TrustScore  float64  `json:"trustScore,omitempty"`
}

func (r PeerRequest) peer() model.Peer {
	return model.Peer{
		ID:          r.ID,
		Name:        r.Name,
		Endpoint:    r.Endpoint,
		PublicKey:   r.PublicKey,
		Specialties: r.Specialties,
		TrustScore:  r.TrustScore,
	}
}

// MeshQueryRequest starts a fan-out round from the admin side.
type MeshQueryRequest struct {
	Question  string `json:"question"`
	Specialty string `json:"specialty,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// PolicyView is the policy currently enforced. The secret itself is never
// exposed, only its fingerprint.
type PolicyView struct {
	Policy            model.Policy `json:"policy"`
	LoadedAt          time.Time    `json:"loadedAt"`
	SecretFingerprint string       `json:"secretFingerprint"`
}

// ErrorBody mirrors the gateway error shape.
type ErrorBody struct {
	Code  string      `json:"code"`
	Error string      `json:"error"`
	Data  interface{} `json:"data,omitempty"`
}
