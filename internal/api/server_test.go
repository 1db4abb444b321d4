package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/router-for-me/usagehub/internal/config"
	"github.com/router-for-me/usagehub/internal/storage"
	"github.com/router-for-me/usagehub/internal/usagerecord"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const sampleRecords = `{"records": [
	{"timestamp": "2025-02-27T10:00:00Z", "service": "openai", "model": "gpt-4o", "total_tokens": 120, "cost_usd": 0.10},
	{"timestamp": "2025-02-28T10:00:00Z", "service": "openai", "model": "gpt-4o-mini", "total_tokens": 80, "cost_usd": 0.15},
	{"timestamp": "2025-02-28T11:00:00Z", "service": "anthropic", "model": "claude-sonnet", "cost_usd": 0.08},
	{"timestamp": 12, "service": "openai", "model": "broken"}
]}`

func newTestServer(t *testing.T, withQueue bool) (*Server, storage.Plugin) {
	t.Helper()

	gin.SetMode(gin.TestMode)

	plugin := storage.NewMemoryPlugin(usagerecord.WithClock(func() time.Time { return testNow }))
	policy := &usagerecord.RetentionPolicy{DefaultRetentionDays: 30}
	if err := plugin.Initialize(context.Background(), map[string]any{
		storage.KeyTimezone:        "UTC",
		storage.KeyRetentionPolicy: policy,
	}); err != nil {
		t.Fatalf("failed to initialize plugin: %v", err)
	}

	var queue *storage.WriteQueue
	if withQueue {
		queue = storage.NewWriteQueue(plugin, 8)
	}

	cfg := config.Default()
	cfg.Debug = true
	server := NewServer(cfg, plugin, queue)
	t.Cleanup(func() {
		queue.Stop()
		_ = plugin.Close()
	})
	return server, plugin
}

func do(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

var clientA = map[string]string{"X-Client-ID": "client-a"}

func TestIngestUsageRecords(t *testing.T) {
	server, _ := newTestServer(t, false)

	rr := do(t, server, http.MethodPost, "/v1/usage/records", sampleRecords, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing client id: got %d want %d", rr.Code, http.StatusBadRequest)
	}

	rr = do(t, server, http.MethodPost, "/v1/usage/records", sampleRecords, clientA)
	if rr.Code != http.StatusOK {
		t.Fatalf("ingest: got %d body=%s", rr.Code, rr.Body.String())
	}
	res := decode[usagerecord.IngestionResult](t, rr)
	if res.Processed != 4 || res.Stored != 3 || res.Invalid != 1 {
		t.Fatalf("unexpected ingestion result: %+v", res)
	}

	rr = do(t, server, http.MethodPost, "/v1/usage/records", sampleRecords, clientA)
	res = decode[usagerecord.IngestionResult](t, rr)
	if res.Duplicate != 3 || res.Stored != 0 {
		t.Fatalf("replay should be all duplicates: %+v", res)
	}

	rr = do(t, server, http.MethodPost, "/v1/usage/records", `{"records": {}}`, clientA)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("non-array records: got %d want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestIngestUsageBatch(t *testing.T) {
	server, _ := newTestServer(t, false)

	body := `{"batches": [
		{"client_id": "client-a", "records": [{"timestamp": "2025-02-27T10:00:00Z", "service": "openai", "model": "gpt-4o"}]},
		{"client_id": "client-b", "records": [{"service": "openai", "model": "gpt-4o"}]}
	]}`
	rr := do(t, server, http.MethodPost, "/v1/usage/records/batch", body, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("batch: got %d body=%s", rr.Code, rr.Body.String())
	}
	res := decode[usagerecord.BatchIngestionResult](t, rr)
	if res.TotalStored != 1 || res.TotalInvalid != 1 || len(res.Results) != 2 {
		t.Fatalf("unexpected batch result: %+v", res)
	}

	rr = do(t, server, http.MethodPost, "/v1/usage/records/batch", `[{"records": []}]`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("batch without client_id: got %d want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestIngestAsync(t *testing.T) {
	server, plugin := newTestServer(t, true)

	rr := do(t, server, http.MethodPost, "/v1/usage/records?async=true", sampleRecords, clientA)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("async ingest: got %d body=%s", rr.Code, rr.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, err := plugin.GetStorageStats(context.Background())
		if err != nil {
			t.Fatalf("GetStorageStats() error = %v", err)
		}
		if stats.TotalRecords == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued records were not stored, have %d", stats.TotalRecords)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUsageRoutes(t *testing.T) {
	server, _ := newTestServer(t, false)
	if rr := do(t, server, http.MethodPost, "/v1/usage/records", sampleRecords, clientA); rr.Code != http.StatusOK {
		t.Fatalf("seed ingest failed: %d %s", rr.Code, rr.Body.String())
	}

	testCases := []struct {
		name         string
		method       string
		path         string
		body         string
		wantStatus   int
		wantContains string
	}{
		{name: "health", method: http.MethodGet, path: "/healthz", wantStatus: http.StatusOK, wantContains: `"status":"ok"`},
		{name: "records filtered", method: http.MethodGet, path: "/v1/usage/records?services=openai&aggregates=count,sum", wantStatus: http.StatusOK, wantContains: `"sum_cost_usd":0.25`},
		{name: "records bad time", method: http.MethodGet, path: "/v1/usage/records?start_time=yesterday", wantStatus: http.StatusBadRequest, wantContains: "invalid time"},
		{name: "records bad order", method: http.MethodGet, path: "/v1/usage/records?order_by=color", wantStatus: http.StatusBadRequest, wantContains: "unsupported"},
		{name: "record missing", method: http.MethodGet, path: "/v1/usage/records/deadbeef", wantStatus: http.StatusNotFound, wantContains: "not found"},
		{name: "query body", method: http.MethodPost, path: "/v1/usage/query", body: `{"services":["anthropic"],"aggregates":["count"]}`, wantStatus: http.StatusOK, wantContains: `"total_matched":1`},
		{name: "trend", method: http.MethodGet, path: "/v1/usage/trend?interval=day", wantStatus: http.StatusOK, wantContains: `"total_value":0.33`},
		{name: "trend bad interval", method: http.MethodGet, path: "/v1/usage/trend?interval=fortnight", wantStatus: http.StatusBadRequest, wantContains: "unsupported"},
		{name: "top", method: http.MethodGet, path: "/v1/usage/top?group_by=service", wantStatus: http.StatusOK, wantContains: `"key":"openai"`},
		{name: "top bad group", method: http.MethodGet, path: "/v1/usage/top?group_by=region", wantStatus: http.StatusBadRequest, wantContains: "group_by"},
		{name: "breakdown", method: http.MethodGet, path: "/v1/usage/breakdown?dimensions=service,model", wantStatus: http.StatusOK, wantContains: `"openai/gpt-4o-mini"`},
		{name: "summary", method: http.MethodGet, path: "/v1/usage/summary", wantStatus: http.StatusOK, wantContains: `"total_requests":3`},
		{name: "projection", method: http.MethodGet, path: "/v1/usage/projection?project_period=weekly&method=linear", wantStatus: http.StatusOK, wantContains: `"projection_days":7`},
		{name: "projection inverted", method: http.MethodGet, path: "/v1/usage/projection?start_time=2025-03-01&end_time=2025-02-01", wantStatus: http.StatusBadRequest, wantContains: "invalid query"},
		{name: "retention info", method: http.MethodGet, path: "/v1/usage/retention", wantStatus: http.StatusOK, wantContains: `"default_retention_days":30`},
		{name: "retention dry run", method: http.MethodPost, path: "/v1/usage/retention/apply?dry_run=true", wantStatus: http.StatusOK, wantContains: `"eligible_for_deletion":0`},
		{name: "retention bad policy", method: http.MethodPost, path: "/v1/usage/retention/apply", body: `{"default_retention_days":0}`, wantStatus: http.StatusBadRequest, wantContains: "default_retention_days"},
		{name: "export measure", method: http.MethodPost, path: "/v1/usage/export", body: `{"compression":"zstd"}`, wantStatus: http.StatusOK, wantContains: `"records":3`},
		{name: "export bad format", method: http.MethodPost, path: "/v1/usage/export", body: `{"format":"csv"}`, wantStatus: http.StatusBadRequest, wantContains: "unsupported"},
		{name: "stats", method: http.MethodGet, path: "/v1/usage/stats", wantStatus: http.StatusOK, wantContains: `"backend":"memory"`},
		{name: "optimize", method: http.MethodPost, path: "/v1/usage/optimize", wantStatus: http.StatusOK, wantContains: `"compact"`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, server, tc.method, tc.path, tc.body, nil)
			if rr.Code != tc.wantStatus {
				t.Fatalf("unexpected status code for %s: got %d want %d; body=%s", tc.path, rr.Code, tc.wantStatus, rr.Body.String())
			}
			if body := rr.Body.String(); !strings.Contains(body, tc.wantContains) {
				t.Fatalf("response body for %s missing %q: %s", tc.path, tc.wantContains, body)
			}
		})
	}
}

func TestRetentionApplyUsesConfiguredPolicy(t *testing.T) {
	server, plugin := newTestServer(t, false)
	old := `[{"timestamp": "2024-12-01T10:00:00Z", "service": "openai", "model": "gpt-4o", "cost_usd": 1}]`
	if rr := do(t, server, http.MethodPost, "/v1/usage/records", old, clientA); rr.Code != http.StatusOK {
		t.Fatalf("seed ingest failed: %d %s", rr.Code, rr.Body.String())
	}

	rr := do(t, server, http.MethodPost, "/v1/usage/retention/apply", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("apply: got %d body=%s", rr.Code, rr.Body.String())
	}
	res := decode[usagerecord.RetentionResult](t, rr)
	if res.Deleted != 1 || res.Remaining != 0 {
		t.Fatalf("unexpected retention result: %+v", res)
	}

	plugin.SetRetentionPolicy(nil)
	rr = do(t, server, http.MethodPost, "/v1/usage/retention/apply", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("apply without policy: got %d want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestUninitializedPluginIsUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	server := NewServer(config.Default(), storage.NewMemoryPlugin(), nil)

	for _, path := range []string{"/healthz", "/v1/usage/summary"} {
		rr := do(t, server, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: got %d want %d", path, rr.Code, http.StatusServiceUnavailable)
		}
	}
}
