package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestIndexName(t *testing.T) {
	if got := IndexName(Target{ResourceType: "Patient", Collection: "patient"}); got != "ftsPatient" {
		t.Errorf("got %q", got)
	}
	if got := IndexName(Target{ResourceType: "Basic", Collection: "general", Shared: true}); got != "ftsGeneral" {
		t.Errorf("got %q", got)
	}
}

func TestIndexClient_Search(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": {"failed": 0, "successful": 1},
			"total_hits": 2,
			"took": 3000000,
			"hits": [{"id": "Patient/a"}, {"id": "Patient/b"}]
		}`))
	}))
	defer srv.Close()

	c := NewIndexClient(srv.URL, 5*time.Second, zerolog.Nop())
	res, err := c.Search(context.Background(), Target{ResourceType: "Patient", Collection: "patient"},
		TermQuery{Term: "female", Field: "gender"},
		Options{From: 10, Size: 20, Sort: []string{"-meta.lastUpdated"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if gotPath != "/api/index/ftsPatient/query" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["from"] != float64(10) || gotBody["size"] != float64(20) {
		t.Errorf("paging = %v, %v", gotBody["from"], gotBody["size"])
	}
	q, _ := gotBody["query"].(map[string]interface{})
	if q["term"] != "female" || q["field"] != "gender" {
		t.Errorf("query = %v", gotBody["query"])
	}

	if len(res.Keys) != 2 || res.Keys[0] != "Patient/a" || res.Keys[1] != "Patient/b" {
		t.Errorf("keys = %v", res.Keys)
	}
	if res.Total != 2 {
		t.Errorf("total = %d", res.Total)
	}
	if res.ElapsedMs != 3 {
		t.Errorf("elapsed = %d, want 3", res.ElapsedMs)
	}
}

func TestIndexClient_CountOnlyDisablesScoring(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"status": {}, "total_hits": 7, "hits": []}`))
	}))
	defer srv.Close()

	c := NewIndexClient(srv.URL, 5*time.Second, zerolog.Nop())
	res, err := c.Search(context.Background(), Target{ResourceType: "Patient", Collection: "patient"}, MatchAllQuery{}, Options{Size: 0, CountOnly: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.Total != 7 {
		t.Errorf("total = %d", res.Total)
	}
	if gotBody["score"] != "none" {
		t.Errorf("score = %v, want none", gotBody["score"])
	}
	if gotBody["size"] != float64(0) {
		t.Errorf("size = %v, want 0", gotBody["size"])
	}
}

func TestIndexClient_HTTPErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "index not found"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewIndexClient(srv.URL, 5*time.Second, zerolog.Nop())
	_, err := c.Search(context.Background(), Target{ResourceType: "Patient", Collection: "patient"}, MatchAllQuery{}, Options{Size: 10})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestIndexClient_PartitionFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": {"failed": 2, "successful": 4}, "total_hits": 0, "hits": []}`))
	}))
	defer srv.Close()

	c := NewIndexClient(srv.URL, 5*time.Second, zerolog.Nop())
	_, err := c.Search(context.Background(), Target{ResourceType: "Patient", Collection: "patient"}, MatchAllQuery{}, Options{Size: 10})
	if err == nil {
		t.Fatal("expected error for failed partitions")
	}
}

func TestIndexClient_ContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewIndexClient(srv.URL, 5*time.Second, zerolog.Nop())
	_, err := c.Search(ctx, Target{ResourceType: "Patient", Collection: "patient"}, MatchAllQuery{}, Options{Size: 10})
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}
