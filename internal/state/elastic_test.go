package state

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeElastic эмулирует минимальный набор API Elasticsearch, которым пользуется ElasticStore.
type fakeElastic struct {
	mu      sync.Mutex
	created bool
	docs    map[string]snapshotDocument
}

func (f *fakeElastic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	body, _ := io.ReadAll(r.Body)
	path := strings.TrimPrefix(r.URL.Path, "/snapshots")

	switch {
	case r.Method == http.MethodHead && path == "":
		if !f.created {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.Method == http.MethodPut && path == "":
		f.created = true
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	case strings.HasPrefix(path, "/_create/"):
		id := strings.TrimPrefix(path, "/_create/")
		if _, ok := f.docs[id]; ok {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":{"type":"version_conflict_engine_exception"},"status":409}`))
			return
		}
		var doc snapshotDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.docs[id] = doc
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	case path == "/_search":
		f.search(w, body)
	case path == "/_delete_by_query":
		f.deleteByQuery(w, body)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type fakeQuery struct {
	From  int            `json:"from"`
	Size  int            `json:"size"`
	Aggs  map[string]any `json:"aggs"`
	Query struct {
		Bool struct {
			Filter []map[string]map[string]any `json:"filter"`
		} `json:"bool"`
	} `json:"query"`
}

func decodeQuery(body []byte) fakeQuery {
	var q fakeQuery
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	_ = dec.Decode(&q)
	return q
}

func (q fakeQuery) platform() string {
	for _, f := range q.Query.Bool.Filter {
		if term, ok := f["term"]; ok {
			p, _ := term["platform_id"].(string)
			return p
		}
	}
	return ""
}

func (q fakeQuery) before() (int64, bool) {
	for _, f := range q.Query.Bool.Filter {
		if rng, ok := f["range"]; ok {
			cond, _ := rng["run_ts"].(map[string]any)
			n, _ := cond["lt"].(json.Number)
			v, err := n.Int64()
			return v, err == nil
		}
	}
	return 0, false
}

func (f *fakeElastic) search(w http.ResponseWriter, body []byte) {
	q := decodeQuery(body)

	if q.Aggs != nil {
		seen := map[string]bool{}
		for _, d := range f.docs {
			seen[d.PlatformID] = true
		}
		keys := make([]string, 0, len(seen))
		for k := range seen {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buckets := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			buckets = append(buckets, map[string]any{"key": k, "doc_count": 1})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"aggregations": map[string]any{"platforms": map[string]any{"buckets": buckets}},
		})
		return
	}

	platform := q.platform()
	var docs []snapshotDocument
	for _, d := range f.docs {
		if d.PlatformID == platform {
			docs = append(docs, d)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].RunTS > docs[j].RunTS })
	if q.From >= len(docs) {
		docs = nil
	} else {
		docs = docs[q.From:]
	}
	if len(docs) > q.Size {
		docs = docs[:q.Size]
	}

	hits := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		hits = append(hits, map[string]any{"_source": d})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"hits": map[string]any{"hits": hits}})
}

func (f *fakeElastic) deleteByQuery(w http.ResponseWriter, body []byte) {
	q := decodeQuery(body)
	platform := q.platform()
	cutoff, ok := q.before()
	deleted := 0
	for id, d := range f.docs {
		if d.PlatformID == platform && ok && d.RunTS < cutoff {
			delete(f.docs, id)
			deleted++
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"deleted": deleted})
}

func TestElasticStore(t *testing.T) {
	fake := &fakeElastic{docs: map[string]snapshotDocument{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := OpenElastic(t.Context(), srv.URL, "snapshots")
	require.NoError(t, err)
	require.True(t, fake.created)

	testStoreContract(t, store)
}

func TestElasticStore_ExistingIndex(t *testing.T) {
	fake := &fakeElastic{created: true, docs: map[string]snapshotDocument{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := OpenElastic(t.Context(), srv.URL, "snapshots")
	require.NoError(t, err)

	require.NoError(t, store.Append(t.Context(), snap("weibo", 0, "1")))
	require.Len(t, fake.docs, 1)
	for id := range fake.docs {
		require.True(t, strings.HasPrefix(id, "weibo:"))
	}
}
