package hydrate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/emrgen/board/internal/cache"
	"github.com/emrgen/board/internal/crdt"
	"github.com/emrgen/board/internal/graph"
	"github.com/emrgen/board/internal/transport"
)

type staticTokens struct{}

func (staticTokens) CurrentToken(ctx context.Context) (*transport.Token, error) {
	return &transport.Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type failingTokens struct{}

func (failingTokens) CurrentToken(ctx context.Context) (*transport.Token, error) {
	return nil, transport.ErrAuthRequired
}

func serverDoc(t *testing.T) *crdt.Doc {
	t.Helper()
	doc := crdt.NewDoc()
	assert.NoError(t, doc.Transact(doc.LocalOrigin(), func(tx *crdt.Tx) error {
		if err := tx.PutNode(&graph.Node{ID: "n1", Type: graph.NodeTypePoint}); err != nil {
			return err
		}
		return tx.SetText("n1", "hello")
	}))
	return doc
}

func snapshotHandler(doc *crdt.Doc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"snapshot": base64.StdEncoding.EncodeToString(doc.Save()),
		})
	}
}

func TestHydrator_SnapshotPath(t *testing.T) {
	remote := serverDoc(t)
	srv := httptest.NewServer(snapshotHandler(remote))
	defer srv.Close()

	vectors, err := cache.NewVectorCache(t.TempDir())
	assert.NoError(t, err)

	client := transport.NewClient(srv.URL, "session", "client")
	h := NewHydrator(client, staticTokens{}, vectors)

	doc := crdt.NewDoc()
	res, err := h.Hydrate(context.Background(), "b1", doc)
	assert.NoError(t, err)
	assert.True(t, res.Loaded)
	assert.False(t, res.SeedCandidate)
	assert.False(t, res.AuthRequired)

	assert.Len(t, doc.Nodes(), 1)
	text, ok := doc.Text("n1")
	assert.True(t, ok)
	assert.Equal(t, "hello", text)

	// the post-load vector was persisted for the next diff hydration
	assert.Equal(t, doc.StateVector().Encode(), vectors.Get("b1"))
}

func TestHydrator_DiffPath(t *testing.T) {
	remote := serverDoc(t)

	// local replica already holds the first change
	doc, err := crdt.LoadDoc(remote.Save())
	assert.NoError(t, err)

	vectors, err := cache.NewVectorCache(t.TempDir())
	assert.NoError(t, err)
	assert.NoError(t, vectors.Put("b1", doc.StateVector().Encode()))

	// remote moves ahead
	assert.NoError(t, remote.Transact(remote.LocalOrigin(), func(tx *crdt.Tx) error {
		return tx.PutNode(&graph.Node{ID: "n2", Type: graph.NodeTypeComment})
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sv := r.URL.Query().Get("sv")
		if !assert.NotEmpty(t, sv) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		vector, err := crdt.DecodeStateVector(sv)
		assert.NoError(t, err)
		diff, err := remote.ChangesSince(vector)
		assert.NoError(t, err)
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(diff)
	}))
	defer srv.Close()

	client := transport.NewClient(srv.URL, "session", "client")
	h := NewHydrator(client, staticTokens{}, vectors)

	res, err := h.Hydrate(context.Background(), "b1", doc)
	assert.NoError(t, err)
	assert.True(t, res.Loaded)
	assert.Len(t, doc.Nodes(), 2)
}

func TestHydrator_StaleVectorFallsBackToSnapshot(t *testing.T) {
	remote := serverDoc(t)

	fullFetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sv") != "" {
			// server claims nothing new for the stale vector
			w.WriteHeader(http.StatusNoContent)
			return
		}
		fullFetches++
		snapshotHandler(remote)(w, r)
	}))
	defer srv.Close()

	vectors, err := cache.NewVectorCache(t.TempDir())
	assert.NoError(t, err)
	assert.NoError(t, vectors.Put("b1", "c3RhbGU="))

	client := transport.NewClient(srv.URL, "session", "client")
	h := NewHydrator(client, staticTokens{}, vectors)

	// "nothing new" against an empty document is a contradiction; the
	// vector must be discarded and the full path taken
	doc := crdt.NewDoc()
	res, err := h.Hydrate(context.Background(), "b1", doc)
	assert.NoError(t, err)
	assert.True(t, res.Loaded)
	assert.Equal(t, 1, fullFetches)
	assert.Len(t, doc.Nodes(), 1)
}

func TestHydrator_AuthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := transport.NewClient(srv.URL, "session", "client")
	h := NewHydrator(client, staticTokens{}, nil)

	doc := crdt.NewDoc()
	res, err := h.Hydrate(context.Background(), "b1", doc)
	assert.NoError(t, err)
	assert.True(t, res.AuthRequired)
	// the document stays untouched for a clean retry
	assert.True(t, doc.IsEmpty())
}

func TestHydrator_TokenRejected(t *testing.T) {
	client := transport.NewClient("http://127.0.0.1:0", "session", "client")
	h := NewHydrator(client, failingTokens{}, nil)

	res, err := h.Hydrate(context.Background(), "b1", crdt.NewDoc())
	assert.NoError(t, err)
	assert.True(t, res.AuthRequired)
}

func TestHydrator_UpdateListSkipsCorruptFragments(t *testing.T) {
	remote := serverDoc(t)

	var good []byte
	unsub := remote.Subscribe(func(ev crdt.UpdateEvent) { good = ev.Bytes })
	assert.NoError(t, remote.Transact(remote.LocalOrigin(), func(tx *crdt.Tx) error {
		return tx.PutNode(&graph.Node{ID: "n2", Type: graph.NodeTypeComment})
	}))
	unsub()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"updates": []string{
				base64.StdEncoding.EncodeToString(remote.Save()),
				base64.StdEncoding.EncodeToString([]byte("garbage bytes")),
				base64.StdEncoding.EncodeToString(good),
			},
		})
	}))
	defer srv.Close()

	client := transport.NewClient(srv.URL, "session", "client")
	h := NewHydrator(client, staticTokens{}, nil)

	doc := crdt.NewDoc()
	res, err := h.Hydrate(context.Background(), "b1", doc)
	assert.NoError(t, err)
	assert.True(t, res.Loaded)
	assert.NotEmpty(t, res.Warning)
	assert.Len(t, doc.Nodes(), 2)
}

func TestHydrator_EmptyBoardIsSeedCandidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := transport.NewClient(srv.URL, "session", "client")
	h := NewHydrator(client, staticTokens{}, nil)

	doc := crdt.NewDoc()
	res, err := h.Hydrate(context.Background(), "b1", doc)
	assert.NoError(t, err)
	assert.False(t, res.Loaded)
	assert.True(t, res.SeedCandidate)
}
