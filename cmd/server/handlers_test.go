package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
	"github.com/ist-dresden/composum-nodes-sub000/internal"
)

const siteDocument = `{
	"jcr:primaryType": "nt:folder",
	"title": "Hello",
	"count": "{Long}3",
	"page": {"jcr:primaryType": "nt:unstructured", "visits": 1}
}`

func newTestServer(t *testing.T) (*Server, *internal.MemoryStore) {
	t.Helper()
	rules, err := nodes.DefaultConfig().Mapping.Rules()
	if err != nil {
		t.Fatalf("default rules: %v", err)
	}
	store := internal.NewMemoryStore()
	server := NewServer(store, internal.NewCodec(), rules)
	server.RegisterRoutes()
	return server, store
}

func do(t *testing.T, s *Server, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestImportThenExport(t *testing.T) {
	server, _ := newTestServer(t)

	rec := do(t, server, http.MethodPut, "/api/v1/nodes/content/site.json", siteDocument)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	data, ok := resp["data"].(map[string]any)
	if !ok || data["path"] != "/content/site" || data["created"] != true {
		t.Fatalf("unexpected import response: %v", resp)
	}

	rec = do(t, server, http.MethodPut, "/api/v1/nodes/content/site", `{"title":"Again"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for an existing node, got %d", rec.Code)
	}

	rec = do(t, server, http.MethodGet, "/api/v1/nodes/content/site.json", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("unexpected content type %q", ct)
	}
	out := decode(t, rec)
	if out["title"] != "Again" {
		t.Errorf("expected title Again, got %v", out["title"])
	}
	if out["count"] != float64(3) {
		t.Errorf("expected count 3, got %v", out["count"])
	}
	if _, ok := out["page"].(map[string]any); !ok {
		t.Errorf("expected page child, got %v", out["page"])
	}
}

func TestExportSelectors(t *testing.T) {
	server, _ := newTestServer(t)
	do(t, server, http.MethodPut, "/api/v1/nodes/content/site", siteDocument)

	rec := do(t, server, http.MethodGet, "/api/v1/nodes/content/site.embed.json", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decode(t, rec)
	if out["count"] != "{Long}3" {
		t.Errorf("expected embedded type, got %v", out["count"])
	}

	rec = do(t, server, http.MethodGet, "/api/v1/nodes/content/site.json?scope=object", "")
	out = decode(t, rec)
	props, ok := out["properties"].([]any)
	if !ok {
		t.Fatalf("expected a properties array, got %v", out)
	}
	found := false
	for _, p := range props {
		obj := p.(map[string]any)
		if obj["name"] == "count" {
			found = true
			if obj["type"] != "Long" || obj["value"] != float64(3) {
				t.Errorf("unexpected property object %v", obj)
			}
		}
	}
	if !found {
		t.Errorf("count missing from %v", props)
	}
}

func TestExportRoot(t *testing.T) {
	server, _ := newTestServer(t)
	do(t, server, http.MethodPut, "/api/v1/nodes/content", `{"a":"b"}`)

	for _, target := range []string{"/api/v1/nodes/", "/api/v1/nodes/.json"} {
		rec := do(t, server, http.MethodGet, target, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", target, rec.Code, rec.Body.String())
		}
		if _, ok := decode(t, rec)["content"]; !ok {
			t.Errorf("%s: expected content child", target)
		}
	}
}

func TestExportErrors(t *testing.T) {
	server, _ := newTestServer(t)
	do(t, server, http.MethodPut, "/api/v1/nodes/content/site", siteDocument)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"missing node", "/api/v1/nodes/content/missing.json", http.StatusNotFound},
		{"foreign extension", "/api/v1/nodes/content/site.xml", http.StatusBadRequest},
		{"unknown selector", "/api/v1/nodes/content/site.bogus.json", http.StatusBadRequest},
		{"bad scope", "/api/v1/nodes/content/site.json?scope=all", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, server, http.MethodGet, tt.target, "")
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if decode(t, rec)["success"] != false {
				t.Errorf("expected success=false")
			}
		})
	}
}

func TestImportMalformedJSON(t *testing.T) {
	server, store := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/nodes/content/broken", `{"title": `)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decode(t, rec)["code"]; code == "" || code == nil {
		t.Errorf("expected an error code")
	}
	if _, err := store.GetNode(context.Background(), "/content/broken"); !nodes.IsNotFound(err) {
		t.Errorf("expected no node after a rejected import, got %v", err)
	}
}

func TestImportReportsDiagnostics(t *testing.T) {
	server, _ := newTestServer(t)

	rec := do(t, server, http.MethodPut, "/api/v1/nodes/content/site", `{"n":"{Long}abc","ok":"fine"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	data := decode(t, rec)["data"].(map[string]any)
	diags, ok := data["diagnostics"].([]any)
	if !ok || len(diags) != 1 {
		t.Fatalf("expected one diagnostic, got %v", data["diagnostics"])
	}
	if d := diags[0].(map[string]any); d["property"] != "n" || d["kind"] != string(nodes.ErrorTypeFormat) {
		t.Errorf("unexpected diagnostic %v", d)
	}
}

func TestBinaryDownload(t *testing.T) {
	server, _ := newTestServer(t)

	rec := do(t, server, http.MethodPut, "/api/v1/nodes/content/site?binary=base64", `{"data":"{Binary}aGVsbG8="}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, server, http.MethodGet, "/api/v1/nodes/content/site.json", "")
	link := decode(t, rec)["data"]
	if link != "/bin/cpm/nodes/property.bin/content/site?name=data" {
		t.Fatalf("unexpected binary link %v", link)
	}

	rec = do(t, server, http.MethodGet, link.(string), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), []byte("hello")) {
		t.Errorf("unexpected content %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("unexpected content type %q", ct)
	}

	rec = do(t, server, http.MethodGet, "/bin/cpm/nodes/property.bin/content/site?name=missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	rec = do(t, server, http.MethodGet, "/bin/cpm/nodes/property.bin/content/site", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestDeleteNode(t *testing.T) {
	server, _ := newTestServer(t)
	do(t, server, http.MethodPut, "/api/v1/nodes/content/site", siteDocument)

	rec := do(t, server, http.MethodDelete, "/api/v1/nodes/content/site", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = do(t, server, http.MethodGet, "/api/v1/nodes/content/site.json", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
	rec = do(t, server, http.MethodDelete, "/api/v1/nodes/", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for the root, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t)
	rec := do(t, server, http.MethodPatch, "/api/v1/nodes/content", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)
	rec := do(t, server, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	server.health = func(ctx context.Context) ([]internal.HealthStatus, bool) {
		return internal.CheckHealth(ctx, 0, map[string]any{"store": failingPinger{}})
	}
	rec = do(t, server, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if decode(t, rec)["success"] != false {
		t.Errorf("expected success=false")
	}
}

type brokenPropertiesStore struct {
	*internal.MemoryStore
}

func (brokenPropertiesStore) Properties(context.Context, string) ([]*nodes.Property, error) {
	return nil, errors.New("disk I/O error")
}

func TestExportFailureKeepsErrorStatus(t *testing.T) {
	server, store := newTestServer(t)
	do(t, server, http.MethodPut, "/api/v1/nodes/content/site", siteDocument)

	server.store = brokenPropertiesStore{store}
	rec := do(t, server, http.MethodGet, "/api/v1/nodes/content/site.json", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}
	if decode(t, rec)["success"] != false {
		t.Errorf("expected a complete error response")
	}
}
