package opensearch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/loykin/oms/internal/history"
)

// Sink indexes one document per run into OpenSearch (or Elasticsearch)
// over its REST API. Documents are keyed by run id, so a resend overwrites.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

func (s *Sink) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+"/"+url.PathEscape(s.index)+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.client.Do(req)
}

// Send indexes the report of e.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	doc := e.Report
	doc.Kind = string(e.Type)
	method, path := http.MethodPost, "/_doc"
	if doc.RunID != "" {
		method, path = http.MethodPut, "/_doc/"+url.PathEscape(doc.RunID)
	}
	resp, err := s.do(ctx, method, path, doc)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index run %s: status %d: %s", doc.RunID, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

type searchResult struct {
	Hits struct {
		Hits []struct {
			Source history.Report `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Recent lists reports newest first. A missing index is an empty history.
func (s *Sink) Recent(ctx context.Context, kind string, limit int) ([]history.Report, error) {
	query := map[string]any{"match_all": map[string]any{}}
	if kind != "" {
		query = map[string]any{"term": map[string]any{"kind.keyword": kind}}
	}
	resp, err := s.do(ctx, http.MethodPost, "/_search", map[string]any{
		"size":  history.ClampLimit(limit),
		"sort":  []any{map[string]any{"finished_at": map[string]any{"order": "desc"}}},
		"query": query,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	out := []history.Report{}
	if resp.StatusCode == http.StatusNotFound {
		return out, nil
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("opensearch search: status %d", resp.StatusCode)
	}
	var res searchResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("opensearch search: %w", err)
	}
	for _, h := range res.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}
