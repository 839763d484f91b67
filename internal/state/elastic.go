package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/maine/trend_radar/internal/news"
)

const maxElasticHits = 10000

// snapshotDocument: представление снимка в индексе.
type snapshotDocument struct {
	PlatformID   string    `json:"platform_id"`
	RunID        string    `json:"run_id"`
	RunTS        int64     `json:"run_ts"`
	RunTimestamp time.Time `json:"run_timestamp"`
	ItemIDs      []string  `json:"item_ids"`
}

func (d snapshotDocument) snapshot() news.Snapshot {
	return news.Snapshot{
		RunID:        d.RunID,
		RunTimestamp: time.Unix(0, d.RunTS).UTC(),
		PlatformID:   d.PlatformID,
		ItemIDs:      d.ItemIDs,
	}
}

// ElasticStore хранит снимки в индексе Elasticsearch, документ на (платформа, запуск).
type ElasticStore struct {
	es    *elasticsearch.Client
	index string
}

var _ Store = (*ElasticStore)(nil)

// OpenElastic подключается к кластеру и создаёт индекс, если его нет.
func OpenElastic(ctx context.Context, addr, index string) (*ElasticStore, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	s := &ElasticStore{es: es, index: index}
	if err := s.EnsureIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureIndex создаёт индекс с keyword-маппингом.
func (s *ElasticStore) EnsureIndex(ctx context.Context) error {
	res, err := s.es.Indices.Exists([]string{s.index}, s.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	mapping := `{"mappings":{"properties":{
		"platform_id":{"type":"keyword"},
		"run_id":{"type":"keyword"},
		"run_ts":{"type":"long"},
		"run_timestamp":{"type":"date"},
		"item_ids":{"type":"keyword"}
	}}}`
	res, err = s.es.Indices.Create(s.index,
		s.es.Indices.Create.WithContext(ctx),
		s.es.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("create index failed: %s", strings.TrimSpace(string(body)))
	}
	return nil
}

// Recent реализует Store.
func (s *ElasticStore) Recent(ctx context.Context, platformID string, limit int) ([]news.Snapshot, error) {
	if limit == 0 {
		return nil, nil
	}
	if limit < 0 || limit > maxElasticHits {
		limit = maxElasticHits
	}
	docs, err := s.search(ctx, platformID, 0, limit)
	if err != nil {
		return nil, err
	}
	out := make([]news.Snapshot, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.snapshot())
	}
	return out, nil
}

// Append реализует Store. Документ создаётся с op_type=create, повтор даёт 409.
func (s *ElasticStore) Append(ctx context.Context, snap news.Snapshot) error {
	ids := snap.ItemIDs
	if ids == nil {
		ids = []string{}
	}
	payload, err := json.Marshal(snapshotDocument{
		PlatformID:   snap.PlatformID,
		RunID:        snap.RunID,
		RunTS:        snap.RunTimestamp.UnixNano(),
		RunTimestamp: snap.RunTimestamp.UTC(),
		ItemIDs:      ids,
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	req := esapi.CreateRequest{
		Index:      s.index,
		DocumentID: documentID(snap),
		Body:       bytes.NewReader(payload),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, s.es)
	if err != nil {
		return fmt.Errorf("index snapshot: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return fmt.Errorf("%s at %s: %w", snap.PlatformID, snap.RunTimestamp, ErrSnapshotExists)
	}
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("index snapshot failed: %s", strings.TrimSpace(string(body)))
	}
	return nil
}

// Prune реализует Store: находит keep-й снимок и удаляет всё, что старше.
func (s *ElasticStore) Prune(ctx context.Context, platformID string, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("prune: keep must be positive, got %d", keep)
	}
	docs, err := s.search(ctx, platformID, keep-1, 1)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"term": map[string]any{"platform_id": platformID}},
					{"range": map[string]any{"run_ts": map[string]any{"lt": docs[0].RunTS}}},
				},
			},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal delete body: %w", err)
	}

	res, err := s.es.DeleteByQuery(
		[]string{s.index},
		bytes.NewReader(payload),
		s.es.DeleteByQuery.WithContext(ctx),
		s.es.DeleteByQuery.WithConflicts("proceed"),
		s.es.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return 0, fmt.Errorf("delete by query: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("delete by query failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Deleted int `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode delete response: %w", err)
	}
	return parsed.Deleted, nil
}

// Platforms реализует Store через terms-агрегацию.
func (s *ElasticStore) Platforms(ctx context.Context) ([]string, error) {
	body := map[string]any{
		"size": 0,
		"aggs": map[string]any{
			"platforms": map[string]any{
				"terms": map[string]any{"field": "platform_id", "size": maxElasticHits, "order": map[string]any{"_key": "asc"}},
			},
		},
	}
	res, err := s.doSearch(ctx, body)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var parsed struct {
		Aggregations struct {
			Platforms struct {
				Buckets []struct {
					Key string `json:"key"`
				} `json:"buckets"`
			} `json:"platforms"`
		} `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode platforms response: %w", err)
	}

	out := make([]string, 0, len(parsed.Aggregations.Platforms.Buckets))
	for _, b := range parsed.Aggregations.Platforms.Buckets {
		out = append(out, b.Key)
	}
	return out, nil
}

// search возвращает снимки платформы от новых к старым.
func (s *ElasticStore) search(ctx context.Context, platformID string, from, size int) ([]snapshotDocument, error) {
	body := map[string]any{
		"from": from,
		"size": size,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"term": map[string]any{"platform_id": platformID}},
				},
			},
		},
		"sort": []map[string]any{
			{"run_ts": map[string]any{"order": "desc"}},
		},
	}
	res, err := s.doSearch(ctx, body)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source snapshotDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]snapshotDocument, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		out = append(out, hit.Source)
	}
	return out, nil
}

func (s *ElasticStore) doSearch(ctx context.Context, body map[string]any) (*esapi.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}
	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index),
		s.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if res.StatusCode == http.StatusNotFound {
		// Индекса ещё нет, истории тоже.
		res.Body.Close()
		return &esapi.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("{}"))}, nil
	}
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		res.Body.Close()
		return nil, fmt.Errorf("search failed: %s", strings.TrimSpace(string(data)))
	}
	return res, nil
}

func documentID(snap news.Snapshot) string {
	return snap.PlatformID + ":" + strconv.FormatInt(snap.RunTimestamp.UnixNano(), 10)
}
