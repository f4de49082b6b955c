package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/johndauphine/obs-harvest/internal/config"
	"github.com/johndauphine/obs-harvest/internal/source"
)

func testConfig(baseURL string) config.SourceConfig {
	return config.SourceConfig{
		Type:          "http",
		BaseURL:       baseURL,
		Path:          "/v1/observations",
		ResultsField:  "results",
		KeyField:      "id",
		IDField:       "id",
		UpdatedField:  "updated_at",
		SinceIDParam:  "id_above",
		PageSizeParam: "per_page",
		RateLimit:     1000,
		RateBurst:     100,
		Timeout:       5 * time.Second,
		MaxRetries:    2,
	}
}

// observationServer serves ids 1..total, paging on id_above.
func observationServer(t *testing.T, total int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/observations" {
			http.NotFound(w, r)
			return
		}
		after, _ := strconv.Atoi(r.URL.Query().Get("id_above"))
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		var results []map[string]any
		for id := after + 1; id <= total && len(results) < perPage; id++ {
			results = append(results, map[string]any{
				"id":         id,
				"updated_at": fmt.Sprintf("2024-01-01T00:00:%02dZ", id%60),
				"taxon":      map[string]any{"name": "Quercus robur"},
			})
		}
		if results == nil {
			results = []map[string]any{}
		}
		json.NewEncoder(w).Encode(map[string]any{"total_results": total, "results": results})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchPageByID(t *testing.T) {
	srv := observationServer(t, 5)
	c, err := New("inat", testConfig(srv.URL), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	page, err := c.FetchPage(ctx, source.Cursor{}, 3)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if len(page.Records) != 3 || !page.HasMore {
		t.Fatalf("first page = %d records, HasMore=%v", len(page.Records), page.HasMore)
	}
	r := page.Records[0]
	if r.Key != "1" || r.ID != 1 {
		t.Errorf("record = key %q id %d", r.Key, r.ID)
	}
	if want := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC); !r.UpdatedAt.Equal(want) {
		t.Errorf("UpdatedAt = %v, want %v", r.UpdatedAt, want)
	}
	var payload map[string]any
	if err := json.Unmarshal(r.Payload, &payload); err != nil || payload["taxon"] == nil {
		t.Errorf("payload not preserved: %s", r.Payload)
	}

	page, err = c.FetchPage(ctx, source.Cursor{AfterID: 3}, 3)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if len(page.Records) != 2 || page.HasMore {
		t.Errorf("second page = %d records, HasMore=%v", len(page.Records), page.HasMore)
	}
	if page.Records[0].ID != 4 {
		t.Errorf("second page starts at %d, want 4", page.Records[0].ID)
	}
}

func TestFetchPageWithoutCursorIsSinglePage(t *testing.T) {
	srv := observationServer(t, 5)
	cfg := testConfig(srv.URL)
	cfg.SinceIDParam = ""
	c, err := New("inat", cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	page, err := c.FetchPage(context.Background(), source.Cursor{AfterID: 3}, 3)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	// The next request could not differ from this one.
	if len(page.Records) != 3 || page.HasMore {
		t.Errorf("page = %d records, HasMore=%v; want 3, false", len(page.Records), page.HasMore)
	}
}

func TestFetchPageRetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"results":[{"id":7}]}`))
	}))
	defer srv.Close()

	c, _ := New("inat", testConfig(srv.URL), nil)
	page, err := c.FetchPage(context.Background(), source.Cursor{}, 10)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if calls.Load() != 2 || len(page.Records) != 1 {
		t.Errorf("calls = %d, records = %d", calls.Load(), len(page.Records))
	}
}

func TestFetchPagePersistentThrottleIsSignalled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 1
	c, _ := New("inat", cfg, nil)
	_, err := c.FetchPage(context.Background(), source.Cursor{}, 10)
	if !source.IsThrottled(err) {
		t.Fatalf("FetchPage() error = %v, want throttled", err)
	}
}

func TestFetchPageClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad parameter", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := New("inat", testConfig(srv.URL), nil)
	_, err := c.FetchPage(context.Background(), source.Cursor{}, 10)
	if err == nil || source.IsThrottled(err) {
		t.Fatalf("FetchPage() error = %v, want permanent error", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestFetchPageTokenPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch q.Get("cursor") {
		case "":
			if q.Get("since") == "" {
				t.Errorf("first request missing since: %s", r.URL.RawQuery)
			}
			w.Write([]byte(`{"data":{"items":[{"key":"a","modified":"2024-02-01"}]},"meta":{"next":"p2"}}`))
		case "p2":
			if q.Get("since") != "" {
				t.Errorf("token request must not repeat since: %s", r.URL.RawQuery)
			}
			w.Write([]byte(`{"data":{"items":[{"key":"b","modified":"2024-02-02"}]},"meta":{"next":null}}`))
		default:
			http.Error(w, "unknown cursor", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	cfg := config.SourceConfig{
		BaseURL:        srv.URL,
		ResultsField:   "data.items",
		KeyField:       "key",
		UpdatedField:   "modified",
		NextField:      "meta.next",
		SinceParam:     "since",
		PageTokenParam: "cursor",
		RateLimit:      1000,
		RateBurst:      100,
	}
	c, _ := New("gbif", cfg, nil)
	ctx := context.Background()

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	page, err := c.FetchPage(ctx, source.Cursor{Since: since}, 1)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if !page.HasMore || page.Next != "p2" || page.Records[0].Key != "a" {
		t.Fatalf("page = %+v", page)
	}

	page, err = c.FetchPage(ctx, source.Cursor{Since: since, Token: page.Next}, 1)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if page.HasMore || page.Records[0].Key != "b" {
		t.Errorf("page = %+v", page)
	}
}

func TestFetchPageRejectsMalformedResults(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing results", `{"items":[]}`},
		{"results not array", `{"results":{"id":1}}`},
		{"missing key", `{"results":[{"name":"x"}]}`},
		{"bad timestamp", `{"results":[{"id":1,"updated_at":"yesterday"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, _ := New("inat", testConfig(srv.URL), nil)
			if _, err := c.FetchPage(context.Background(), source.Cursor{}, 10); err == nil {
				t.Error("FetchPage() should fail")
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	c, _ := New("inat", testConfig("https://api.example.org/"), nil)
	md, err := c.Describe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if md.Endpoint != "https://api.example.org/v1/observations" || md.Cursor != "id" || md.Kind != "http" {
		t.Errorf("Describe() = %+v", md)
	}
}

func TestRegistered(t *testing.T) {
	c, err := source.Open(config.ProviderConfig{Name: "inat", Source: testConfig("http://localhost")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, ok := c.(*Client); !ok {
		t.Errorf("Open() returned %T", c)
	}
}
