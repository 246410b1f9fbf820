package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodian-mesh/pkg/api"
	"custodian-mesh/pkg/mesh"
	"custodian-mesh/pkg/model"
	"custodian-mesh/pkg/policy"
	"custodian-mesh/pkg/store"
	"custodian-mesh/pkg/trust"
)

func adminServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(trust.Default(), nil)
	ps, err := policy.NewStatic(model.DefaultPolicy(), []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	coord := mesh.NewCoordinator(st, &mesh.Client{Secret: ps.Secret}, mesh.DefaultConfig(), nil, nil)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.Deps{Store: st, Policies: ps, Coordinator: coord, Token: "tok"})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPeersAddAndList(t *testing.T) {
	srv, st := adminServer(t)

	out, err := run(t, "--admin", srv.URL, "--token", "tok", "peers", "add", "bob", "http://10.0.0.9:8765", "--specialty", "garden")
	require.NoError(t, err)
	assert.Contains(t, out, "bob http://10.0.0.9:8765 trust=0.500 status=active")

	p, ok, err := st.Get("bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"garden"}, p.Specialties)

	out, err = run(t, "--admin", srv.URL, "--token", "tok", "peers", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "bob")
	assert.Contains(t, out, "garden")
}

func TestClientCommandErrors(t *testing.T) {
	srv, _ := adminServer(t)

	_, err := run(t, "--admin", srv.URL, "--token", "wrong", "peers", "list")
	assert.ErrorContains(t, err, "401")

	_, err = run(t, "--admin", srv.URL, "--token", "tok", "ask", "anyone", "there?")
	assert.ErrorContains(t, err, "no_peer_available")

	out, err := run(t, "--admin", srv.URL, "--token", "tok", "secret", "rotate")
	require.NoError(t, err)
	assert.Contains(t, out, "new secret fingerprint")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dev")
}
