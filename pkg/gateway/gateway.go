// Package gateway answers mesh queries from other custodians against the
// local knowledge backend, under the current policy snapshot.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"custodian-mesh/pkg/knowledge"
	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/outcome"
	"custodian-mesh/pkg/policy"
	"custodian-mesh/pkg/signature"
)

const (
	DefaultK            = 5
	MaxK                = 20
	DefaultQueryTimeout = 120 * time.Second
	readyTimeout        = 2 * time.Second
)

// Policies hands out the policy snapshot in force.
type Policies interface {
	Current() *policy.Snapshot
}

type Options struct {
	Manifest     model.Manifest
	Specialties  []string
	QueryTimeout time.Duration
	Log          *zap.SugaredLogger
}

// Gateway is safe for concurrent use. It never touches the peer registry.
type Gateway struct {
	policies Policies
	backend  knowledge.Backend
	opts     Options
	log      *zap.SugaredLogger
}

func New(policies Policies, backend knowledge.Backend, opts Options) *Gateway {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gateway{policies: policies, backend: backend, opts: opts, log: log}
}

// HandleExternalAsk runs the admission checks in a fixed order (origin,
// signature, readiness), then queries the backend and returns a response
// shaped by the share policy and redacted. Every error is an *outcome.Error.
func (g *Gateway) HandleExternalAsk(ctx context.Context, req model.MeshRequest) (model.AskResponse, error) {
	snap := g.policies.Current()

	if !snap.OriginAllowed(req.SourceAddress) {
		return model.AskResponse{}, outcome.New(outcome.OriginDenied, "origin %s not allowed", req.SourceAddress)
	}
	if snap.Policy.Security.RequireSignedRequests {
		if req.Signature == "" {
			return model.AskResponse{}, outcome.New(outcome.Unauthenticated, "missing signature")
		}
		if !signature.Verify(snap.Secret, req.Body, req.Signature) {
			return model.AskResponse{}, outcome.New(outcome.Unauthenticated, "bad signature")
		}
	}
	if snap.Policy.Guardrails.RefuseIfKnowledgeNotReady && !g.ready(ctx) {
		return model.AskResponse{}, outcome.New(outcome.NotReady, "knowledge index not ready")
	}

	ask, err := decodeAsk(req.Body)
	if err != nil {
		return model.AskResponse{}, err
	}

	qctx, cancel := context.WithTimeout(ctx, g.opts.QueryTimeout)
	defer cancel()
	res, err := g.backend.Query(qctx, ask.Query, ask.K)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return model.AskResponse{}, outcome.Wrap(outcome.Cancelled, ctx.Err())
		case errors.Is(err, knowledge.ErrEmptyQuery):
			return model.AskResponse{}, outcome.Wrap(outcome.InvalidRequest, err)
		case errors.Is(qctx.Err(), context.DeadlineExceeded):
			return model.AskResponse{}, outcome.New(outcome.InternalQueryError, "knowledge query timed out after %s", g.opts.QueryTimeout)
		}
		return model.AskResponse{}, outcome.Wrap(outcome.InternalQueryError, err)
	}
	return finish(snap, shape(snap.Policy.Share, res)), nil
}

func (g *Gateway) ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	return g.backend.Ready(ctx)
}

func decodeAsk(body []byte) (model.AskRequest, error) {
	var ask model.AskRequest
	if err := json.Unmarshal(body, &ask); err != nil {
		return ask, outcome.New(outcome.InvalidRequest, "decode body: %v", err)
	}
	ask.Query = strings.TrimSpace(ask.Query)
	if ask.Query == "" {
		return ask, outcome.New(outcome.InvalidRequest, "query is required")
	}
	switch {
	case ask.K <= 0:
		ask.K = DefaultK
	case ask.K > MaxK:
		ask.K = MaxK
	}
	return ask, nil
}

// shape trims the backend result to what the share policy allows. With
// RawText every passage goes out whole and with provenance.
func shape(share model.SharePolicy, res knowledge.Result) model.AskResponse {
	out := model.AskResponse{Answer: res.Answer, Raw: share.RawText}
	passages := res.Passages
	if !share.RawText && share.MaxSnippets >= 0 && len(passages) > share.MaxSnippets {
		passages = passages[:share.MaxSnippets]
	}
	out.Snippets = make([]model.Snippet, 0, len(passages))
	for _, p := range passages {
		s := model.Snippet{Text: p.Text}
		if !share.RawText {
			s.Text = truncate(s.Text, share.MaxCharsPerSnippet)
		}
		if share.RawText || share.IncludeProvenance {
			s.Path = p.SourceRef
			s.ChunkID = p.ChunkID
			s.Score = p.Score
		}
		out.Snippets = append(out.Snippets, s)
	}
	return out
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

// finish is the only way a successful response leaves the gateway: every
// text field passes through the snapshot's redaction pipeline.
func finish(snap *policy.Snapshot, resp model.AskResponse) model.AskResponse {
	resp.Answer = snap.Redactor.Apply(resp.Answer)
	for i := range resp.Snippets {
		resp.Snippets[i].Text = snap.Redactor.Apply(resp.Snippets[i].Text)
		resp.Snippets[i].Path = snap.Redactor.Apply(resp.Snippets[i].Path)
	}
	return resp
}

// Hello describes this custodian. The caller must already have passed the
// origin check.
func (g *Gateway) Hello(ctx context.Context) model.Hello {
	return model.Hello{
		Manifest:       g.opts.Manifest,
		Specialties:    g.opts.Specialties,
		KnowledgeReady: g.ready(ctx),
	}
}

// Caps advertises the share terms of the current snapshot.
func (g *Gateway) Caps() model.Caps {
	snap := g.policies.Current()
	return model.Caps{
		Share:                 snap.Policy.Share,
		RedactionRules:        snap.Redactor.Len(),
		RequireSignedRequests: snap.Policy.Security.RequireSignedRequests,
	}
}
