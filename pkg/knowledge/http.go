package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"custodian-mesh/pkg/model"
)

// HTTPBackend talks to a local RAG service exposing POST /chat and
// GET /health.
type HTTPBackend struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type chatPassage struct {
	Path    string      `json:"path"`
	ChunkID interface{} `json:"chunk_id"`
	Text    string      `json:"text"`
	Score   float64     `json:"score"`
}

type chatResponse struct {
	Answer  string        `json:"answer"`
	Context []chatPassage `json:"context"`
}

func (h *HTTPBackend) Query(ctx context.Context, text string, k int) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyQuery
	}
	body, err := json.Marshal(chatRequest{Query: text, K: k})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client().Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("knowledge chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("knowledge chat: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("knowledge chat decode: %w", err)
	}
	res := Result{Answer: out.Answer, Passages: make([]model.Passage, 0, len(out.Context))}
	for _, c := range out.Context {
		p := model.Passage{Text: c.Text, SourceRef: c.Path, Score: c.Score}
		if c.ChunkID != nil {
			p.ChunkID = strings.TrimSuffix(fmt.Sprint(c.ChunkID), ".0")
		}
		res.Passages = append(res.Passages, p)
	}
	return res, nil
}

func (h *HTTPBackend) Ready(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var health struct {
		Ready bool `json:"ready"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&health); err != nil {
		return false
	}
	return health.Ready
}

func (h *HTTPBackend) client() *http.Client {
	if h.Client == nil {
		return http.DefaultClient
	}
	return h.Client
}
