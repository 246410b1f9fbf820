package model

import "time"

// SignatureHeader carries the hex-encoded MAC over the raw request body.
const SignatureHeader = "X-Custodian-Signature"

// MeshRequest is an inbound request as seen by the gateway. Body is kept
// byte-for-byte as received so the signature can be checked against it.
type MeshRequest struct {
	Body          []byte
	Signature     string
	SourceAddress string
}

// AskRequest is the JSON payload of an /ask call.
type AskRequest struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

// Passage is one ranked hit from the local knowledge backend.
type Passage struct {
	Text      string  `json:"text"`
	SourceRef string  `json:"path,omitempty"`
	ChunkID   string  `json:"chunk_id,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

// Snippet is a passage reference as it leaves the gateway.
type Snippet struct {
	Path    string  `json:"path,omitempty"`
	ChunkID string  `json:"chunkId,omitempty"`
	Text    string  `json:"text"`
	Score   float64 `json:"score,omitempty"`
}

// AskResponse is the redacted answer returned to a peer.
type AskResponse struct {
	Answer   string    `json:"answer"`
	Snippets []Snippet `json:"snippets"`
	Raw      bool      `json:"raw,omitempty"`
}

// MeshResponse is one peer's reply during a fan-out round. Not persisted.
type MeshResponse struct {
	Answer       string        `json:"answer"`
	Snippets     []Snippet     `json:"snippets,omitempty"`
	SourcePeerID string        `json:"sourcePeerId"`
	Latency      time.Duration `json:"latencyNs"`
	Succeeded    bool          `json:"succeeded"`
}

// Manifest identifies this custodian on /hello.
type Manifest struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Owner   string `json:"owner,omitempty"`
	Version string `json:"version,omitempty"`
}

// Hello is the /hello reply: who this custodian is and whether it can
// currently answer.
type Hello struct {
	Manifest
	Specialties    []string `json:"specialties,omitempty"`
	KnowledgeReady bool     `json:"knowledgeReady"`
}

// Caps is the /caps reply advertising what a peer will share.
type Caps struct {
	Share                 SharePolicy `json:"share"`
	RedactionRules        int         `json:"redactionRules"`
	RequireSignedRequests bool        `json:"requireSignedRequests"`
}
