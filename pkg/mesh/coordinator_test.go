package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodian-mesh/pkg/gateway"
	"custodian-mesh/pkg/knowledge"
	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/outcome"
	"custodian-mesh/pkg/policy"
	"custodian-mesh/pkg/signature"
	"custodian-mesh/pkg/store"
	"custodian-mesh/pkg/trust"
)

var meshSecret = []byte("mesh-secret-mesh-secret-mesh-sec")

func secretFn() []byte { return meshSecret }

// answering returns a peer that verifies the signature and replies after
// delay with answer.
func answering(t *testing.T, delay time.Duration, answer string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ask model.AskRequest
		body, _ := io.ReadAll(r.Body)
		if !signature.Verify(meshSecret, body, r.Header.Get(model.SignatureHeader)) {
			http.Error(w, `{"code":"unauthenticated"}`, http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &ask)
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		_ = json.NewEncoder(w).Encode(model.AskResponse{Answer: answer})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newCoordinator(t *testing.T, cfg Config, peers ...model.Peer) (*Coordinator, store.PeerStore) {
	t.Helper()
	st := store.NewMemoryStore(trust.Default(), nil)
	for _, p := range peers {
		_, err := st.Upsert(p)
		require.NoError(t, err)
	}
	return NewCoordinator(st, &Client{Secret: secretFn}, cfg, nil, nil), st
}

func trustOf(t *testing.T, st store.PeerStore, id string) model.Peer {
	p, ok, err := st.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	return p
}

func TestSlowPeerTimesOutFastPeerWins(t *testing.T) {
	a := answering(t, 50*time.Millisecond, "A says hello")
	b := answering(t, 2*time.Second, "B says hello")
	c, st := newCoordinator(t, Config{MaxFanout: 3},
		model.Peer{ID: "A", Endpoint: a.URL},
		model.Peer{ID: "B", Endpoint: b.URL},
	)

	agg, err := c.QueryMesh(context.Background(), "hello", "", 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "A says hello", agg.Answer)
	assert.Equal(t, "A", agg.SourcePeerID)
	require.Len(t, agg.Contributions, 1)
	require.Len(t, agg.Failures, 1)
	assert.Equal(t, "B", agg.Failures[0].PeerID)
	assert.Equal(t, outcome.PeerTimeout, agg.Failures[0].Code)

	assert.Greater(t, trustOf(t, st, "A").TrustScore, 0.5)
	pb := trustOf(t, st, "B")
	assert.Less(t, pb.TrustScore, 0.5)
	assert.Equal(t, 1, pb.ConsecutiveFailures)
}

func TestFanoutNeverExceedsMaxFanout(t *testing.T) {
	var inflight, peak, calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(model.AskResponse{Answer: "ok"})
	}))
	defer srv.Close()

	var peers []model.Peer
	for i := 0; i < 6; i++ {
		peers = append(peers, model.Peer{ID: fmt.Sprintf("p%d", i), Endpoint: srv.URL})
	}
	c, _ := newCoordinator(t, Config{MaxFanout: 2}, peers...)
	agg, err := c.QueryMesh(context.Background(), "anything", "", time.Second)
	require.NoError(t, err)
	assert.Len(t, agg.Contributions, 2)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.EqualValues(t, 2, calls.Load())
}

func TestCallerCancellationIsNotCharged(t *testing.T) {
	slow := answering(t, 5*time.Second, "late")
	c, st := newCoordinator(t, Config{}, model.Peer{ID: "slow", Endpoint: slow.URL})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err := c.QueryMesh(ctx, "hello", "", 5*time.Second)
	assert.Equal(t, outcome.Cancelled, outcome.CodeOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)

	p := trustOf(t, st, "slow")
	assert.Equal(t, 0.5, p.TrustScore)
	assert.Zero(t, p.ConsecutiveFailures)
	assert.Zero(t, p.TotalFailures)
}

func TestNoPeerAvailable(t *testing.T) {
	c, _ := newCoordinator(t, Config{})
	_, err := c.QueryMesh(context.Background(), "hello", "", time.Second)
	assert.ErrorIs(t, err, outcome.ErrNoPeerAvailable)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()
	c, st := newCoordinator(t, Config{}, model.Peer{ID: "x", Endpoint: broken.URL}, model.Peer{ID: "y", Endpoint: "http://127.0.0.1:1"})
	agg, err := c.QueryMesh(context.Background(), "hello", "", time.Second)
	assert.ErrorIs(t, err, outcome.ErrNoPeerAvailable)
	require.Len(t, agg.Failures, 2)
	for _, f := range agg.Failures {
		assert.Equal(t, outcome.PeerUnreachable, f.Code, f.PeerID)
	}
	assert.Equal(t, 1, trustOf(t, st, "x").ConsecutiveFailures)
	assert.Equal(t, 1, trustOf(t, st, "y").ConsecutiveFailures)
}

func TestBlockedPeersAreSkipped(t *testing.T) {
	srv := answering(t, 0, "fine")
	c, st := newCoordinator(t, Config{}, model.Peer{ID: "ok", Endpoint: srv.URL}, model.Peer{ID: "dead", Endpoint: "http://127.0.0.1:1"})
	for i := 0; i < trust.Default().BlockAfter; i++ {
		_, err := c.QueryMesh(context.Background(), "hello", "", time.Second)
		require.NoError(t, err)
	}
	assert.True(t, trustOf(t, st, "dead").Blocked())

	agg, err := c.QueryMesh(context.Background(), "hello", "", time.Second)
	require.NoError(t, err)
	assert.Empty(t, agg.Failures)
	assert.EqualValues(t, trust.Default().BlockAfter, trustOf(t, st, "dead").TotalFailures)
}

func TestAggregateRanksByTrustTimesRelevance(t *testing.T) {
	vague := answering(t, 0, "I do not know")
	expert := answering(t, 0, "Prune roses in late winter")
	c, _ := newCoordinator(t, Config{},
		model.Peer{ID: "vague", Endpoint: vague.URL, TrustScore: 0.9},
		model.Peer{ID: "expert", Endpoint: expert.URL, TrustScore: 0.5},
	)
	agg, err := c.QueryMesh(context.Background(), "how to prune roses", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "expert", agg.SourcePeerID)
	require.Len(t, agg.Contributions, 2)
	assert.Greater(t, agg.Contributions[0].Score, agg.Contributions[1].Score)
	assert.Contains(t, agg.Summary, "[expert] Prune roses in late winter")
	assert.Contains(t, agg.Summary, "[vague] I do not know")
}

type eventLog struct {
	mu  sync.Mutex
	got []model.Event
}

func (l *eventLog) Publish(e model.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, e)
}

func TestRoundAgainstRealGateway(t *testing.T) {
	ps, err := policy.NewStatic(model.DefaultPolicy(), meshSecret)
	require.NoError(t, err)
	backend := knowledge.NewStaticBackend(model.Passage{Text: "The spare key is with the neighbour, call 555-0100.", SourceRef: "house.md"})
	gw := gateway.New(ps, backend, gateway.Options{Manifest: model.Manifest{ID: "remote"}})
	mux := http.NewServeMux()
	gw.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := store.NewMemoryStore(trust.Default(), nil)
	_, err = st.Upsert(model.Peer{ID: "remote", Endpoint: srv.URL, Specialties: []string{"house"}})
	require.NoError(t, err)
	events := &eventLog{}
	c := NewCoordinator(st, &Client{Secret: ps.Secret}, Config{}, events, nil)

	agg, err := c.QueryMesh(context.Background(), "where is the spare key", "house", time.Second)
	require.NoError(t, err)
	assert.Contains(t, agg.Answer, "spare key")
	assert.Equal(t, "remote", agg.SourcePeerID)

	events.mu.Lock()
	defer events.mu.Unlock()
	require.Len(t, events.got, 2)
	assert.Equal(t, model.EventPeerOutcome, events.got[0].Type)
	assert.Equal(t, model.EventMeshQuery, events.got[1].Type)
}
