package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/store"
	"custodian-mesh/pkg/trust"
)

const probeConcurrency = 8

// Publisher receives registry events produced while probing.
type Publisher interface {
	Publish(model.Event)
}

// Prober greets candidates on /hello. The first successful greeting adds a
// peer to the registry; later probes of known peers are recorded as trust
// outcomes, which is how a blocked peer earns its way back.
type Prober struct {
	Store       store.PeerStore
	Discoverers []Discoverer
	Client      *http.Client
	Timeout     time.Duration
	Clock       clock.Clock
	Events      Publisher
	Log         *zap.SugaredLogger
}

// ProbeAll probes every discovered candidate plus every registry peer once.
func (p *Prober) ProbeAll(ctx context.Context) error {
	targets, err := p.targets(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, c := range targets {
		c := c
		g.Go(func() error {
			p.probe(gctx, c)
			return nil
		})
	}
	return g.Wait()
}

type target struct {
	Candidate
	known bool
}

func (p *Prober) targets(ctx context.Context) ([]target, error) {
	known, err := p.Store.List()
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	byID := make(map[string]int, len(known))
	out := make([]target, 0, len(known))
	for _, k := range known {
		byID[k.ID] = len(out)
		out = append(out, target{Candidate: Candidate{ID: k.ID, Name: k.Name, Endpoint: k.Endpoint, Specialties: k.Specialties}, known: true})
	}
	for _, d := range p.Discoverers {
		cands, err := d.Discover(ctx)
		if err != nil {
			p.logger().Warnw("discovery failed", "err", err)
			continue
		}
		for _, c := range cands {
			if c.Endpoint == "" {
				continue
			}
			if c.ID != "" {
				if _, dup := byID[c.ID]; dup {
					continue
				}
				byID[c.ID] = len(out)
			}
			out = append(out, target{Candidate: c})
		}
	}
	return out, nil
}

func (p *Prober) probe(ctx context.Context, t target) {
	start := p.now()
	hello, err := p.hello(ctx, t.Endpoint)
	elapsed := p.now().Sub(start)
	log := p.logger().With("peer", t.ID, "endpoint", t.Endpoint)
	if ctx.Err() != nil {
		return
	}
	if err == nil && t.ID != "" && hello.ID != "" && hello.ID != t.ID {
		err = fmt.Errorf("peer answered as %q", hello.ID)
	}

	if t.known {
		peer, tr, rerr := store.RecordAndAudit(p.Store, "discovery", t.ID, err == nil, elapsed)
		if rerr != nil {
			log.Warnw("record probe outcome", "err", rerr)
			return
		}
		if err != nil {
			log.Debugw("probe failed", "err", err, "failures", peer.ConsecutiveFailures)
		}
		switch tr {
		case trust.BecameBlocked:
			log.Infow("peer blocked", "failures", peer.ConsecutiveFailures, "trust", peer.TrustScore)
			p.publish(model.EventPeerBlocked, peer)
		case trust.BecameActive:
			log.Infow("peer reinstated", "trust", peer.TrustScore)
			p.publish(model.EventPeerUpserted, peer)
		}
		return
	}

	if err != nil {
		log.Debugw("candidate unreachable", "err", err)
		return
	}
	c := t.Candidate
	if c.ID == "" {
		c.ID = hello.ID
	}
	if c.Name == "" {
		c.Name = hello.Name
	}
	if len(c.Specialties) == 0 {
		c.Specialties = hello.Specialties
	}
	if c.ID == "" {
		log.Debugw("candidate has no identity")
		return
	}
	if _, exists, err := p.Store.Get(c.ID); err != nil || exists {
		return
	}
	in := c.peer()
	in.LastSeenAt = p.now()
	peer, err := p.Store.Upsert(in)
	if err != nil {
		log.Warnw("add discovered peer", "err", err)
		return
	}
	_ = p.Store.AppendAudit(model.AuditEntry{Actor: "discovery", Action: "peer_discovered", Target: peer.ID, Detail: peer.Endpoint})
	log.Infow("peer discovered", "peer", peer.ID)
	p.publish(model.EventPeerUpserted, peer)
}

func (p *Prober) hello(ctx context.Context, endpoint string) (model.Hello, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/hello", nil)
	if err != nil {
		return model.Hello{}, err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return model.Hello{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.Hello{}, fmt.Errorf("hello status %d", resp.StatusCode)
	}
	var h model.Hello
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&h); err != nil {
		return model.Hello{}, fmt.Errorf("decode hello: %w", err)
	}
	return h, nil
}

// Run probes immediately and then on every tick until ctx is done. A
// non-positive interval probes once.
func (p *Prober) Run(ctx context.Context, interval time.Duration) {
	if err := p.ProbeAll(ctx); err != nil {
		p.logger().Warnw("probe round failed", "err", err)
	}
	if interval <= 0 {
		return
	}
	ticker := p.clock().Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ProbeAll(ctx); err != nil {
				p.logger().Warnw("probe round failed", "err", err)
			}
		}
	}
}

func (p *Prober) publish(typ string, peer model.Peer) {
	if p.Events == nil {
		return
	}
	p.Events.Publish(model.Event{Type: typ, PeerID: peer.ID, Payload: peer, Timestamp: p.now()})
}

func (p *Prober) clock() clock.Clock {
	if p.Clock == nil {
		return clock.New()
	}
	return p.Clock
}

func (p *Prober) now() time.Time { return p.clock().Now() }

func (p *Prober) logger() *zap.SugaredLogger {
	if p.Log == nil {
		return zap.NewNop().Sugar()
	}
	return p.Log
}
