package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodian-mesh/pkg/model"
)

func TestHTTPBackendQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat":
			var req chatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "sourdough starter", req.Query)
			assert.Equal(t, 3, req.K)
			_, _ = w.Write([]byte(`{"answer":"feed it daily","context":[{"path":"notes/bread.md","chunk_id":2,"text":"feed the starter daily"}]}`))
		case "/health":
			_, _ = w.Write([]byte(`{"status":"healthy","ready":true}`))
		}
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL+"/", time.Second)
	res, err := b.Query(context.Background(), "sourdough starter", 3)
	require.NoError(t, err)
	assert.Equal(t, "feed it daily", res.Answer)
	require.Len(t, res.Passages, 1)
	assert.Equal(t, "notes/bread.md", res.Passages[0].SourceRef)
	assert.Equal(t, "2", res.Passages[0].ChunkID)
	assert.True(t, b.Ready(context.Background()))
}

func TestHTTPBackendFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			_, _ = w.Write([]byte(`{"ready":false}`))
			return
		}
		http.Error(w, "index missing", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, time.Second)
	_, err := b.Query(context.Background(), "anything", 5)
	assert.ErrorContains(t, err, "status 500")
	assert.False(t, b.Ready(context.Background()))

	_, err = b.Query(context.Background(), "  ", 5)
	assert.ErrorIs(t, err, ErrEmptyQuery)

	srv.Close()
	assert.False(t, b.Ready(context.Background()))
}

func TestStaticBackend(t *testing.T) {
	empty := NewStaticBackend()
	assert.False(t, empty.Ready(context.Background()))

	b := NewStaticBackend(
		model.Passage{Text: "Tomatoes need full sun and deep watering.", SourceRef: "garden.md"},
		model.Passage{Text: "Basil grows well next to tomatoes.", SourceRef: "herbs.md"},
		model.Passage{Text: "Change the furnace filter every autumn.", SourceRef: "house.md"},
	)
	assert.True(t, b.Ready(context.Background()))

	res, err := b.Query(context.Background(), "how much sun do tomatoes need?", 5)
	require.NoError(t, err)
	require.Len(t, res.Passages, 2)
	assert.Equal(t, "garden.md", res.Passages[0].SourceRef)
	assert.Equal(t, res.Passages[0].Text, res.Answer)
	assert.Greater(t, res.Passages[0].Score, res.Passages[1].Score)

	res, err = b.Query(context.Background(), "tomatoes", 1)
	require.NoError(t, err)
	assert.Len(t, res.Passages, 1)

	_, err = b.Query(context.Background(), "?", 1)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestLoadStatic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"text":"Sourdough starter needs daily feeding.","path":"bread.md"}]`), 0o600))
	b, err := LoadStatic(path)
	require.NoError(t, err)
	res, err := b.Query(context.Background(), "starter feeding", 3)
	require.NoError(t, err)
	require.Len(t, res.Passages, 1)
	assert.Equal(t, "bread.md", res.Passages[0].SourceRef)

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))
	_, err = LoadStatic(path)
	assert.Error(t, err)
}
