// Package mesh fans a question out to trusted peers and folds the outcomes
// back into their trust scores.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"custodian-mesh/pkg/knowledge"
	"custodian-mesh/pkg/metrics"
	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/outcome"
	"custodian-mesh/pkg/store"
	"custodian-mesh/pkg/trust"
)

type Config struct {
	MaxFanout      int           `yaml:"max_fanout"`
	PerPeerTimeout time.Duration `yaml:"per_peer_timeout"`
	GlobalTimeout  time.Duration `yaml:"global_timeout"`
	// MergeTop bounds how many answers go into the merged summary.
	MergeTop int `yaml:"merge_top"`
	K        int `yaml:"k"`
}

func DefaultConfig() Config {
	return Config{
		MaxFanout:      3,
		PerPeerTimeout: 10 * time.Second,
		GlobalTimeout:  30 * time.Second,
		MergeTop:       3,
		K:              5,
	}
}

// Publisher receives trust events produced by a round.
type Publisher interface {
	Publish(model.Event)
}

// Contribution is one successful peer answer and how it ranked.
type Contribution struct {
	model.MeshResponse
	PeerName  string  `json:"peerName,omitempty"`
	Trust     float64 `json:"trust"`
	Relevance float64 `json:"relevance"`
	Score     float64 `json:"score"`
}

// Failure is a peer that did not answer.
type Failure struct {
	PeerID  string        `json:"peerId"`
	Code    outcome.Code  `json:"code"`
	Error   string        `json:"error"`
	Latency time.Duration `json:"latencyNs"`
}

// Aggregate is the result of one fan-out round.
type Aggregate struct {
	RoundID       string         `json:"roundId"`
	Question      string         `json:"question"`
	Answer        string         `json:"answer"`
	SourcePeerID  string         `json:"sourcePeerId,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	Contributions []Contribution `json:"contributions"`
	Failures      []Failure      `json:"failures,omitempty"`
}

// Coordinator runs fan-out rounds. It is the only writer of trust outcomes
// for mesh queries.
type Coordinator struct {
	store  store.PeerStore
	ranker *trust.Ranker
	client *Client
	cfg    Config
	events Publisher
	log    *zap.SugaredLogger
}

func NewCoordinator(st store.PeerStore, client *Client, cfg Config, events Publisher, log *zap.SugaredLogger) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxFanout <= 0 {
		cfg.MaxFanout = def.MaxFanout
	}
	if cfg.PerPeerTimeout <= 0 {
		cfg.PerPeerTimeout = def.PerPeerTimeout
	}
	if cfg.GlobalTimeout <= 0 {
		cfg.GlobalTimeout = def.GlobalTimeout
	}
	if cfg.MergeTop <= 0 {
		cfg.MergeTop = def.MergeTop
	}
	if cfg.K <= 0 {
		cfg.K = def.K
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Coordinator{store: st, ranker: trust.NewRanker(st), client: client, cfg: cfg, events: events, log: log}
}

func (c *Coordinator) Config() Config { return c.cfg }

type callResult struct {
	peer    model.Peer
	resp    model.AskResponse
	err     error
	latency time.Duration
}

// QueryMesh asks up to MaxFanout peers concurrently. A non-positive
// perPeerTimeout uses the configured default. Individual peer failures only
// show up in Aggregate.Failures; the round fails with NoPeerAvailable when
// nobody answered and with Cancelled when ctx was cancelled by the caller,
// in which case no peer is charged.
func (c *Coordinator) QueryMesh(ctx context.Context, question, specialty string, perPeerTimeout time.Duration) (Aggregate, error) {
	agg := Aggregate{RoundID: uuid.NewString(), Question: strings.TrimSpace(question)}
	if agg.Question == "" {
		return agg, outcome.New(outcome.InvalidRequest, "question is required")
	}
	if perPeerTimeout <= 0 {
		perPeerTimeout = c.cfg.PerPeerTimeout
	}
	peers, err := c.ranker.SelectPeers(specialty, c.cfg.MaxFanout)
	if err != nil {
		return agg, fmt.Errorf("select peers: %w", err)
	}
	if len(peers) == 0 {
		metrics.FanoutRounds.WithLabelValues(string(outcome.NoPeerAvailable)).Inc()
		return agg, outcome.New(outcome.NoPeerAvailable, "no eligible peers")
	}
	body, err := json.Marshal(model.AskRequest{Query: agg.Question, K: c.cfg.K})
	if err != nil {
		return agg, err
	}

	global := c.cfg.GlobalTimeout
	if perPeerTimeout > global {
		global = perPeerTimeout
	}
	gctx, cancel := context.WithTimeout(ctx, global)
	defer cancel()

	log := c.log.With("round", agg.RoundID)
	log.Debugw("fan-out", "peers", len(peers), "specialty", specialty, "perPeerTimeout", perPeerTimeout)

	results := make([]callResult, len(peers))
	var g errgroup.Group
	g.SetLimit(c.cfg.MaxFanout)
	for i, p := range peers {
		i, p := i, p
		g.Go(func() error {
			results[i] = c.call(gctx, p, body, perPeerTimeout)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		metrics.FanoutRounds.WithLabelValues(string(outcome.Cancelled)).Inc()
		return agg, outcome.Wrap(outcome.Cancelled, err)
	}

	for _, r := range results {
		if r.err != nil {
			code := outcome.CodeOf(r.err)
			agg.Failures = append(agg.Failures, Failure{PeerID: r.peer.ID, Code: code, Error: r.err.Error(), Latency: r.latency})
			c.record(log, r.peer, false, r.latency)
			continue
		}
		c.record(log, r.peer, true, r.latency)
		if strings.TrimSpace(r.resp.Answer) == "" && len(r.resp.Snippets) == 0 {
			continue
		}
		rel := relevance(agg.Question, r.resp)
		agg.Contributions = append(agg.Contributions, Contribution{
			MeshResponse: model.MeshResponse{
				Answer:       r.resp.Answer,
				Snippets:     r.resp.Snippets,
				SourcePeerID: r.peer.ID,
				Latency:      r.latency,
				Succeeded:    true,
			},
			PeerName:  r.peer.Name,
			Trust:     r.peer.TrustScore,
			Relevance: rel,
			Score:     r.peer.TrustScore * rel,
		})
	}

	if len(agg.Contributions) == 0 {
		metrics.FanoutRounds.WithLabelValues(string(outcome.NoPeerAvailable)).Inc()
		log.Infow("no peer answered", "failures", len(agg.Failures))
		return agg, outcome.New(outcome.NoPeerAvailable, "none of %d peers answered", len(peers))
	}
	sort.SliceStable(agg.Contributions, func(i, j int) bool {
		return agg.Contributions[i].Score > agg.Contributions[j].Score
	})
	top := agg.Contributions[0]
	agg.Answer = top.Answer
	agg.SourcePeerID = top.SourcePeerID
	agg.Summary = summarize(agg.Contributions, c.cfg.MergeTop)
	metrics.FanoutRounds.WithLabelValues(string(outcome.OK)).Inc()
	log.Infow("fan-out done", "answered", len(agg.Contributions), "failed", len(agg.Failures), "source", top.SourcePeerID)
	c.publish(model.Event{Type: model.EventMeshQuery, Payload: map[string]interface{}{
		"roundId":  agg.RoundID,
		"answered": len(agg.Contributions),
		"failed":   len(agg.Failures),
		"source":   agg.SourcePeerID,
	}})
	return agg, nil
}

// call performs one peer request. The outcome is recorded by the caller
// once the round is known not to be cancelled.
func (c *Coordinator) call(ctx context.Context, p model.Peer, body []byte, timeout time.Duration) callResult {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	metrics.FanoutInflight.Inc()
	defer metrics.FanoutInflight.Dec()

	start := time.Now()
	resp, err := c.client.Ask(pctx, p.Endpoint, body)
	res := callResult{peer: p, resp: resp, latency: time.Since(start)}
	if err != nil {
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			err = outcome.Wrap(outcome.PeerTimeout, fmt.Errorf("no answer within %s", timeout))
		}
		res.err = err
		metrics.FanoutPeerCalls.WithLabelValues(string(outcome.CodeOf(err))).Inc()
		return res
	}
	metrics.FanoutPeerCalls.WithLabelValues(string(outcome.OK)).Inc()
	return res
}

func (c *Coordinator) record(log *zap.SugaredLogger, p model.Peer, ok bool, latency time.Duration) {
	updated, tr, err := store.RecordAndAudit(c.store, "mesh", p.ID, ok, latency)
	if err != nil {
		log.Warnw("record outcome", "peer", p.ID, "err", err)
		return
	}
	metrics.PeerTrust.WithLabelValues(p.ID).Set(updated.TrustScore)
	c.publish(model.Event{Type: model.EventPeerOutcome, PeerID: p.ID, Payload: map[string]interface{}{
		"succeeded": ok,
		"latencyMs": latency.Milliseconds(),
		"trust":     updated.TrustScore,
	}})
	if tr == trust.BecameBlocked {
		log.Infow("peer blocked", "peer", p.ID, "failures", updated.ConsecutiveFailures, "trust", updated.TrustScore)
		c.publish(model.Event{Type: model.EventPeerBlocked, PeerID: p.ID, Payload: updated})
	}
}

func (c *Coordinator) publish(e model.Event) {
	if c.events == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	c.events.Publish(e)
}

// relevance scores how much of the question the answer and its snippets
// cover. The floor keeps trust meaningful for answers phrased without any of
// the question's words.
func relevance(question string, resp model.AskResponse) float64 {
	var b strings.Builder
	b.WriteString(resp.Answer)
	for _, s := range resp.Snippets {
		b.WriteByte(' ')
		b.WriteString(s.Text)
	}
	return 0.1 + 0.9*knowledge.Overlap(knowledge.Terms(question), b.String())
}

func summarize(contribs []Contribution, top int) string {
	if len(contribs) == 1 {
		return contribs[0].Answer
	}
	if top > len(contribs) {
		top = len(contribs)
	}
	lines := make([]string, 0, top)
	for _, ct := range contribs[:top] {
		lines = append(lines, fmt.Sprintf("[%s] %s", ct.SourcePeerID, strings.TrimSpace(ct.Answer)))
	}
	return strings.Join(lines, "\n")
}
