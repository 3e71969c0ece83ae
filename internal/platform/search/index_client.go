package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// IndexClient is the full-text backend. Each collection has a matching
// index, ftsPatient for the patient collection and ftsGeneral for the shared
// one, queried over the index service's REST API.
type IndexClient struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

func NewIndexClient(endpoint string, timeout time.Duration, logger zerolog.Logger) *IndexClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IndexClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type indexRequest struct {
	Query  Query    `json:"query"`
	From   int      `json:"from"`
	Size   int      `json:"size"`
	Sort   []string `json:"sort,omitempty"`
	Fields []string `json:"fields"`
	Score  string   `json:"score,omitempty"`
}

type indexResponse struct {
	Status struct {
		Failed     int      `json:"failed"`
		Successful int      `json:"successful"`
		Errors     []string `json:"errors,omitempty"`
	} `json:"status"`
	Hits []struct {
		ID string `json:"id"`
	} `json:"hits"`
	TotalHits int64 `json:"total_hits"`
	Took      int64 `json:"took"`
}

func (c *IndexClient) Search(ctx context.Context, target Target, q Query, opts Options) (*Result, error) {
	req := indexRequest{
		Query:  q,
		From:   opts.From,
		Size:   opts.Size,
		Sort:   opts.Sort,
		Fields: []string{},
	}
	if opts.CountOnly {
		req.Size = 0
		req.Score = "none"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal index query: %w", err)
	}

	url := fmt.Sprintf("%s/api/index/%s/query", c.endpoint, IndexName(target))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build index request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("query index %s: %w", IndexName(target), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read index response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("index %s returned %d: %s", IndexName(target), resp.StatusCode, truncate(string(raw), 512))
	}

	var parsed indexResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode index response: %w", err)
	}
	if parsed.Status.Failed > 0 {
		return nil, fmt.Errorf("index %s: %d partitions failed", IndexName(target), parsed.Status.Failed)
	}

	keys := make([]string, 0, len(parsed.Hits))
	for _, hit := range parsed.Hits {
		keys = append(keys, hit.ID)
	}
	return &Result{
		Keys:      keys,
		Total:     parsed.TotalHits,
		ElapsedMs: parsed.Took / int64(time.Millisecond),
	}, nil
}

// IndexName maps a search target to its index: ftsGeneral for the shared
// collection, fts<Type> for dedicated ones.
func IndexName(target Target) string {
	if target.Shared {
		return "ftsGeneral"
	}
	return "fts" + target.ResourceType
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
