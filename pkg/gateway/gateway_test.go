package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodian-mesh/pkg/knowledge"
	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/outcome"
	"custodian-mesh/pkg/policy"
	"custodian-mesh/pkg/signature"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type spyBackend struct {
	ready   bool
	result  knowledge.Result
	err     error
	delay   time.Duration
	queries atomic.Int32
	lastK   atomic.Int32
}

func (s *spyBackend) Query(ctx context.Context, text string, k int) (knowledge.Result, error) {
	s.queries.Add(1)
	s.lastK.Store(int32(k))
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return knowledge.Result{}, ctx.Err()
		}
	}
	return s.result, s.err
}

func (s *spyBackend) Ready(context.Context) bool { return s.ready }

func testPolicy() model.Policy {
	p := model.DefaultPolicy()
	p.Guardrails.AllowedOrigins = []string{"10.0.0.0/8"}
	return p
}

func newGateway(t *testing.T, p model.Policy, backend knowledge.Backend) (*Gateway, *policy.Store) {
	t.Helper()
	ps, err := policy.NewStatic(p, testSecret)
	require.NoError(t, err)
	return New(ps, backend, Options{Manifest: model.Manifest{ID: "local", Name: "Local"}, QueryTimeout: time.Second}), ps
}

func signed(body string, from string) model.MeshRequest {
	return model.MeshRequest{
		Body:          []byte(body),
		Signature:     signature.Sign(testSecret, []byte(body)),
		SourceAddress: from,
	}
}

func readyBackend() *spyBackend {
	return &spyBackend{ready: true, result: knowledge.Result{
		Answer:   "hello back",
		Passages: []model.Passage{{Text: "greeting notes", SourceRef: "notes/hello.md", ChunkID: "0", Score: 0.9}},
	}}
}

func TestOriginCheckedBeforeSignature(t *testing.T) {
	backend := readyBackend()
	g, _ := newGateway(t, testPolicy(), backend)

	resp, err := g.HandleExternalAsk(context.Background(), signed(`{"query":"hello"}`, "10.1.2.3:51234"))
	require.NoError(t, err)
	assert.Equal(t, "hello back", resp.Answer)
	assert.EqualValues(t, 1, backend.queries.Load())

	_, err = g.HandleExternalAsk(context.Background(), signed(`{"query":"hello"}`, "203.0.113.5:51234"))
	assert.ErrorIs(t, err, outcome.ErrOriginDenied)

	// A bad signature from outside the allowlist is still an origin failure.
	req := signed(`{"query":"hello"}`, "203.0.113.5")
	req.Signature = "00"
	_, err = g.HandleExternalAsk(context.Background(), req)
	assert.Equal(t, outcome.OriginDenied, outcome.CodeOf(err))
	assert.EqualValues(t, 1, backend.queries.Load())
}

func TestEmptyAllowlistAdmitsAll(t *testing.T) {
	p := testPolicy()
	p.Guardrails.AllowedOrigins = nil
	g, _ := newGateway(t, p, readyBackend())
	for _, addr := range []string{"203.0.113.5:1", "[2001:db8::1]:443", "not-an-address"} {
		_, err := g.HandleExternalAsk(context.Background(), signed(`{"query":"hello"}`, addr))
		assert.NoError(t, err, addr)
	}
}

func TestSignatureRequired(t *testing.T) {
	backend := readyBackend()
	g, _ := newGateway(t, testPolicy(), backend)
	body := `{"query":"hello"}`

	tests := []struct {
		name string
		sig  string
	}{
		{"missing", ""},
		{"garbage", "zz"},
		{"other body", signature.Sign(testSecret, []byte(`{"query":"bye"}`))},
		{"other secret", signature.Sign([]byte("ffffffffffffffffffffffffffffffff"), []byte(body))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.HandleExternalAsk(context.Background(), model.MeshRequest{Body: []byte(body), Signature: tt.sig, SourceAddress: "10.0.0.9"})
			assert.ErrorIs(t, err, outcome.ErrUnauthenticated)
		})
	}
	assert.Zero(t, backend.queries.Load())
}

func TestSignatureSkippedWhenNotRequired(t *testing.T) {
	p := testPolicy()
	p.Security.RequireSignedRequests = false
	g, _ := newGateway(t, p, readyBackend())
	_, err := g.HandleExternalAsk(context.Background(), model.MeshRequest{Body: []byte(`{"query":"hello"}`), Signature: "junk", SourceAddress: "10.0.0.9"})
	assert.NoError(t, err)
}

func TestRotationInvalidatesOldSignatures(t *testing.T) {
	g, ps := newGateway(t, testPolicy(), readyBackend())
	req := signed(`{"query":"hello"}`, "10.0.0.9")
	_, err := g.HandleExternalAsk(context.Background(), req)
	require.NoError(t, err)

	_, err = ps.RotateSecret()
	require.NoError(t, err)
	_, err = g.HandleExternalAsk(context.Background(), req)
	assert.ErrorIs(t, err, outcome.ErrUnauthenticated)
}

func TestNotReady(t *testing.T) {
	backend := readyBackend()
	backend.ready = false
	g, _ := newGateway(t, testPolicy(), backend)
	_, err := g.HandleExternalAsk(context.Background(), signed(`{"query":"hello"}`, "10.0.0.9"))
	assert.ErrorIs(t, err, outcome.ErrNotReady)
	assert.Zero(t, backend.queries.Load())

	p := testPolicy()
	p.Guardrails.RefuseIfKnowledgeNotReady = false
	g, _ = newGateway(t, p, backend)
	_, err = g.HandleExternalAsk(context.Background(), signed(`{"query":"hello"}`, "10.0.0.9"))
	assert.NoError(t, err)
}

func TestInvalidBodiesAndK(t *testing.T) {
	backend := readyBackend()
	g, _ := newGateway(t, testPolicy(), backend)
	for _, body := range []string{`not json`, `{"query":"   "}`, `{}`} {
		_, err := g.HandleExternalAsk(context.Background(), signed(body, "10.0.0.9"))
		assert.ErrorIs(t, err, outcome.ErrInvalidRequest, body)
	}

	_, err := g.HandleExternalAsk(context.Background(), signed(`{"query":"hi"}`, "10.0.0.9"))
	require.NoError(t, err)
	assert.EqualValues(t, DefaultK, backend.lastK.Load())
	_, err = g.HandleExternalAsk(context.Background(), signed(`{"query":"hi","k":500}`, "10.0.0.9"))
	require.NoError(t, err)
	assert.EqualValues(t, MaxK, backend.lastK.Load())
}

func TestBackendFailures(t *testing.T) {
	backend := readyBackend()
	backend.err = errors.New("model crashed")
	g, _ := newGateway(t, testPolicy(), backend)
	_, err := g.HandleExternalAsk(context.Background(), signed(`{"query":"hi"}`, "10.0.0.9"))
	assert.ErrorIs(t, err, outcome.ErrInternalQueryError)

	slow := readyBackend()
	slow.delay = time.Minute
	ps, err := policy.NewStatic(testPolicy(), testSecret)
	require.NoError(t, err)
	g = New(ps, slow, Options{QueryTimeout: 20 * time.Millisecond})
	_, err = g.HandleExternalAsk(context.Background(), signed(`{"query":"hi"}`, "10.0.0.9"))
	assert.Equal(t, outcome.InternalQueryError, outcome.CodeOf(err))
	assert.Contains(t, err.Error(), "timed out")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.HandleExternalAsk(ctx, signed(`{"query":"hi"}`, "10.0.0.9"))
	assert.Equal(t, outcome.Cancelled, outcome.CodeOf(err))
}

func TestRedactionAndSharePolicy(t *testing.T) {
	p := testPolicy()
	p.Privacy.Redactions = []model.RedactionRule{
		{Pattern: `[\w.]+@[\w.]+`, Replacement: "[EMAIL]"},
		{Pattern: `\b\d{3}-\d{2}-\d{4}\b`},
	}
	p.Share = model.SharePolicy{MaxSnippets: 2, MaxCharsPerSnippet: 20, IncludeProvenance: false}
	backend := &spyBackend{ready: true, result: knowledge.Result{
		Answer: "Mail ALICE@example.com, SSN 123-45-6789.",
		Passages: []model.Passage{
			{Text: "bob@example.org wrote this", SourceRef: "a.md", ChunkID: "1"},
			{Text: "second passage", SourceRef: "b.md"},
			{Text: "third passage", SourceRef: "c.md"},
		},
	}}
	g, _ := newGateway(t, p, backend)

	resp, err := g.HandleExternalAsk(context.Background(), signed(`{"query":"contact"}`, "10.0.0.9"))
	require.NoError(t, err)
	assert.Equal(t, "Mail [EMAIL], SSN [REDACTED].", resp.Answer)
	require.Len(t, resp.Snippets, 2)
	assert.Equal(t, "[EMAIL] wrot", resp.Snippets[0].Text)
	assert.Empty(t, resp.Snippets[0].Path)
	assert.False(t, resp.Raw)

	p.Share = model.SharePolicy{RawText: true}
	g, _ = newGateway(t, p, backend)
	resp, err = g.HandleExternalAsk(context.Background(), signed(`{"query":"contact"}`, "10.0.0.9"))
	require.NoError(t, err)
	require.Len(t, resp.Snippets, 3)
	assert.Equal(t, "[EMAIL] wrote this", resp.Snippets[0].Text)
	assert.Equal(t, "a.md", resp.Snippets[0].Path)
	assert.True(t, resp.Raw)
}

func TestHTTPAsk(t *testing.T) {
	p := testPolicy()
	p.Guardrails.AllowedOrigins = []string{"127.0.0.0/8", "::1/128"}
	g, _ := newGateway(t, p, readyBackend())
	mux := http.NewServeMux()
	g.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	post := func(body, sig string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/ask", strings.NewReader(body))
		require.NoError(t, err)
		if sig != "" {
			req.Header.Set(model.SignatureHeader, sig)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	body := `{"query":"hello"}`
	resp := post(body, signature.Sign(testSecret, []byte(body)))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ask model.AskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ask))
	assert.Equal(t, "hello back", ask.Answer)
	assert.Equal(t, "notes/hello.md", ask.Snippets[0].Path)

	resp = post(body, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var eb ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	assert.Equal(t, outcome.Unauthenticated, eb.Code)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/ask", bytes.NewReader(bytes.Repeat([]byte("a"), MaxBodyBytes+1)))
	req.RemoteAddr = "127.0.0.1:4000"
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	getResp, err := http.Get(srv.URL + "/ask")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
}

func TestHTTPHelloAndCaps(t *testing.T) {
	g, _ := newGateway(t, testPolicy(), readyBackend())
	mux := http.NewServeMux()
	g.Routes(mux)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	req.RemoteAddr = "10.4.4.4:9999"
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var hello model.Hello
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hello))
	assert.Equal(t, "local", hello.ID)
	assert.True(t, hello.KnowledgeReady)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/caps", nil)
	req.RemoteAddr = "10.4.4.4:9999"
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var caps model.Caps
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &caps))
	assert.True(t, caps.RequireSignedRequests)
	assert.Equal(t, 3, caps.Share.MaxSnippets)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/hello", nil)
	req.RemoteAddr = "203.0.113.5:9999"
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// countingReader records whether the handler touched the body.
type countingReader struct {
	reads atomic.Int32
	r     *bytes.Reader
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.reads.Add(1)
	return c.r.Read(p)
}

func TestHTTPAskRejectsOriginBeforeReadingBody(t *testing.T) {
	p := testPolicy()
	p.Guardrails.AllowedOrigins = []string{"10.0.0.0/8"}
	backend := readyBackend()
	g, _ := newGateway(t, p, backend)
	mux := http.NewServeMux()
	g.Routes(mux)

	body := &countingReader{r: bytes.NewReader(bytes.Repeat([]byte("a"), MaxBodyBytes))}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/ask", body)
	req.RemoteAddr = "203.0.113.5:4000"
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var eb ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
	assert.Equal(t, outcome.OriginDenied, eb.Code)
	assert.Zero(t, body.reads.Load())
}
