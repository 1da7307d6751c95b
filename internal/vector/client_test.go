package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeStore is an in-memory stand-in for the vector service, covering the
// routes the client uses.
type fakeStore struct {
	mu          sync.Mutex
	collections map[string]int
	points      map[string]map[string]map[string]any
	lastAPIKey  string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		collections: make(map[string]int),
		points:      make(map[string]map[string]map[string]any),
	}
}

func (f *fakeStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAPIKey = r.Header.Get("x-api-key")

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "collections" && r.Method == http.MethodPut:
		name := parts[1]
		if _, ok := f.collections[name]; ok {
			w.WriteHeader(http.StatusConflict)
			return
		}
		var body struct {
			VectorSize int `json:"vector_size"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.collections[name] = body.VectorSize
		if f.points[name] == nil {
			f.points[name] = make(map[string]map[string]any)
		}
		w.WriteHeader(http.StatusCreated)

	case len(parts) == 4 && parts[2] == "points" && parts[3] == "search" && r.Method == http.MethodPost:
		f.writeAll(w, parts[1])

	case len(parts) == 4 && parts[2] == "points" && parts[3] == "filter" && r.Method == http.MethodPost:
		var body struct {
			Field string `json:"field"`
			Value any    `json:"value"`
			Limit int    `json:"limit"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		var results []map[string]any
		for id, payload := range f.points[parts[1]] {
			if payload[body.Field] == body.Value {
				results = append(results, map[string]any{"id": id, "payload": payload})
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})

	case len(parts) == 4 && parts[2] == "points":
		coll, id := parts[1], parts[3]
		switch r.Method {
		case http.MethodPut:
			var body struct {
				Payload map[string]any `json:"payload"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if f.points[coll] == nil {
				f.points[coll] = make(map[string]map[string]any)
			}
			f.points[coll][id] = body.Payload
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			payload, ok := f.points[coll][id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "payload": payload})
		case http.MethodDelete:
			if _, ok := f.points[coll][id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.points[coll], id)
			w.WriteHeader(http.StatusNoContent)
		}

	default:
		http.Error(w, "unexpected route "+r.URL.Path, http.StatusTeapot)
	}
}

func (f *fakeStore) writeAll(w http.ResponseWriter, coll string) {
	var results []map[string]any
	for id, payload := range f.points[coll] {
		results = append(results, map[string]any{"id": id, "payload": payload, "score": 0.9})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, fake *fakeStore, enc *Encryptor) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	cfg := Config{BaseURL: srv.URL, APIKey: "vk-test"}
	return NewClient(cfg, enc, zaptest.NewLogger(t))
}

func TestEnsureCollectionIdempotent(t *testing.T) {
	fake := newFakeStore()
	c := newTestClient(t, fake, nil)
	ctx := context.Background()

	require.NoError(t, c.EnsureCollection(ctx, "insights", 384))
	require.NoError(t, c.EnsureCollection(ctx, "insights", 384), "existing collection is not an error")
	assert.Equal(t, "vk-test", fake.lastAPIKey)
}

func TestStoreGetRoundTripPlaintext(t *testing.T) {
	fake := newFakeStore()
	c := newTestClient(t, fake, nil)
	ctx := context.Background()

	payload := map[string]any{"user_id": "u1", "title": "standup notes"}
	require.NoError(t, c.StorePoint(ctx, "insights", "p1", payload, nil))

	got, err := c.GetByID(ctx, "insights", "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "p1", got.ID)
	assert.Equal(t, payload, got.Payload)
}

func TestStoreGetRoundTripEncrypted(t *testing.T) {
	enc, err := NewEncryptor(testKey)
	require.NoError(t, err)
	fake := newFakeStore()
	c := newTestClient(t, fake, enc)
	ctx := context.Background()

	payload := map[string]any{"user_id": "u1", "title": "quarterly numbers", "count": float64(3)}
	require.NoError(t, c.StorePoint(ctx, "insights", "p1", payload, nil))

	stored := fake.points["insights"]["p1"]
	assert.Contains(t, stored, cipherField, "payload sealed at rest")
	assert.NotContains(t, stored, "title", "sensitive fields never stored in the clear")
	assert.Equal(t, "u1", stored["user_id"], "plain field kept for filtering")

	got, err := c.GetByID(ctx, "insights", "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, payload, got.Payload, "read returns the original payload")
}

func TestSearchDecryptsResults(t *testing.T) {
	enc, err := NewEncryptor(testKey)
	require.NoError(t, err)
	fake := newFakeStore()
	c := newTestClient(t, fake, enc)
	ctx := context.Background()

	require.NoError(t, c.StorePoint(ctx, "insights", "p1", map[string]any{"user_id": "u1", "title": "retro"}, nil))

	points, err := c.Search(ctx, "insights", "retrospective", nil, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "retro", points[0].Payload["title"])
	assert.InDelta(t, 0.9, points[0].Score, 0.001)
}

func TestFilterByPlainField(t *testing.T) {
	enc, err := NewEncryptor(testKey)
	require.NoError(t, err)
	fake := newFakeStore()
	c := newTestClient(t, fake, enc)
	ctx := context.Background()

	require.NoError(t, c.StorePoint(ctx, "insights", "p1", map[string]any{"user_id": "u1", "title": "a"}, nil))
	require.NoError(t, c.StorePoint(ctx, "insights", "p2", map[string]any{"user_id": "u2", "title": "b"}, nil))

	points, err := c.FilterByField(ctx, "insights", "user_id", "u2", 10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "p2", points[0].ID)
	assert.Equal(t, "b", points[0].Payload["title"])
}

func TestGetMissingPoint(t *testing.T) {
	c := newTestClient(t, newFakeStore(), nil)

	got, err := c.GetByID(context.Background(), "insights", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteByID(t *testing.T) {
	fake := newFakeStore()
	c := newTestClient(t, fake, nil)
	ctx := context.Background()

	require.NoError(t, c.StorePoint(ctx, "insights", "p1", map[string]any{"user_id": "u1"}, nil))
	require.NoError(t, c.DeleteByID(ctx, "insights", "p1"))
	require.NoError(t, c.DeleteByID(ctx, "insights", "p1"), "delete is idempotent")

	got, err := c.GetByID(ctx, "insights", "p1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestServerErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index rebuilding", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL}, nil, zaptest.NewLogger(t))

	_, err := c.Search(context.Background(), "insights", "q", nil, 5, 0)
	require.Error(t, err)
	assert.ErrorContains(t, err, "returned 503")
	assert.ErrorContains(t, err, "index rebuilding")
}
