package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/outcome"
	"custodian-mesh/pkg/signature"
)

const maxResponseBytes = 4 << 20

// Client sends signed /ask requests to peers. Secret is consulted on every
// call so a rotation takes effect immediately.
type Client struct {
	HTTP   *http.Client
	Secret func() []byte
}

// Ask posts body to endpoint/ask. Failures are *outcome.Error values coded
// PeerUnreachable; the caller decides whether a deadline turns that into a
// timeout.
func (c *Client) Ask(ctx context.Context, endpoint string, body []byte) (model.AskResponse, error) {
	url := strings.TrimRight(endpoint, "/") + "/ask"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return model.AskResponse{}, outcome.Wrap(outcome.PeerUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Secret != nil {
		req.Header.Set(model.SignatureHeader, signature.Sign(c.Secret(), body))
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return model.AskResponse{}, outcome.Wrap(outcome.PeerUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var eb struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&eb)
		return model.AskResponse{}, outcome.New(outcome.PeerUnreachable, "peer status %d %s", resp.StatusCode, eb.Code)
	}
	var out model.AskResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return model.AskResponse{}, outcome.Wrap(outcome.PeerUnreachable, fmt.Errorf("decode peer answer: %w", err))
	}
	return out, nil
}
