package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/stackd/stackd/internal/notify"
	"github.com/stackd/stackd/internal/orchestrator"
	"github.com/stackd/stackd/internal/settings"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, basePath string) *Router {
	t.Helper()
	root := t.TempDir()
	orch, err := orchestrator.New(orchestrator.Options{
		Root:     root,
		Settings: settings.NewMemoryStore(),
		Notifier: notify.Discard{},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = orch.Close() })
	return NewRouter(orch, root, basePath)
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	h := newTestRouter(t, "").Handler()

	rec := do(t, h, http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var rows []orchestrator.ServiceStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want full catalog", len(rows))
	}
	// Catalog order, nothing installed on a fresh root.
	if rows[0].Service != "nginx" {
		t.Errorf("first row = %q", rows[0].Service)
	}
	for _, r := range rows {
		if r.Installed || r.Running {
			t.Errorf("%s reported installed/running on empty root", r.Service)
		}
	}
}

func TestVersionsEndpoint(t *testing.T) {
	h := newTestRouter(t, "").Handler()

	rec := do(t, h, http.MethodGet, "/versions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var rows []versionResp
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ids := map[string]bool{}
	for _, r := range rows {
		ids[r.Service] = true
		if r.Current != "" {
			t.Errorf("%s has a current version on empty root", r.Service)
		}
	}
	for _, id := range []string{"nginx", "mariadb", "php", "phpmyadmin"} {
		if !ids[id] {
			t.Errorf("missing service %s", id)
		}
	}
}

func TestPathsEndpoint(t *testing.T) {
	r := newTestRouter(t, "")
	rec := do(t, r.Handler(), http.MethodGet, "/paths")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp pathsResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Root != r.root {
		t.Errorf("root = %q, want %q", resp.Root, r.root)
	}
	if resp.Services["mariadb"] == "" {
		t.Error("missing mariadb service path")
	}
	if resp.Configs["nginx"] == "" {
		t.Error("missing nginx config path")
	}
	// The admin tool ships no live config file to edit-watch.
	if _, ok := resp.Configs["phpmyadmin"]; ok {
		t.Error("phpmyadmin must not report a config path")
	}
}

func TestLifecycleValidation(t *testing.T) {
	h := newTestRouter(t, "").Handler()

	cases := []struct {
		name, method, path string
		want               int
	}{
		{"start unknown id", http.MethodPost, "/start?id=nosuch", http.StatusNotFound},
		{"start not installed", http.MethodPost, "/start?id=nginx", http.StatusConflict},
		{"start unsafe id", http.MethodPost, "/start?id=../etc", http.StatusBadRequest},
		{"restart without id", http.MethodPost, "/restart", http.StatusBadRequest},
		{"stop fleet", http.MethodPost, "/stop", http.StatusOK},
		{"start empty fleet", http.MethodPost, "/start", http.StatusOK},
		{"switch missing version", http.MethodPost, "/switch?id=mariadb", http.StatusBadRequest},
		{"switch unavailable", http.MethodPost, "/switch?id=mariadb&version=99.0.0", http.StatusConflict},
		{"switch single-version", http.MethodPost, "/switch?id=nginx&version=1.0.0", http.StatusInternalServerError},
		{"switch unknown", http.MethodPost, "/switch?id=nosuch&version=1.0.0", http.StatusNotFound},
		{"output without id", http.MethodGet, "/output", http.StatusBadRequest},
		{"output stopped service", http.MethodGet, "/output?id=nginx", http.StatusOK},
		{"wrong method", http.MethodGet, "/start?id=nginx", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, tc.path)
			if rec.Code != tc.want {
				t.Errorf("%s %s = %d, want %d (body %s)", tc.method, tc.path, rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestCheckUpdatesDegradedFeed(t *testing.T) {
	// No feed configured: the refresh degrades but the endpoint still
	// answers with a view per service.
	h := newTestRouter(t, "").Handler()
	rec := do(t, h, http.MethodPost, "/check-updates")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if _, ok := out["nginx"]; !ok {
		t.Error("missing nginx entry")
	}
}

func TestBasePathMounting(t *testing.T) {
	h := newTestRouter(t, "api").Handler()
	if rec := do(t, h, http.MethodGet, "/api/status"); rec.Code != http.StatusOK {
		t.Errorf("/api/status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/status"); rec.Code != http.StatusNotFound {
		t.Errorf("unprefixed /status = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(t, "").Handler()
	rec := do(t, h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":      "",
		"/":     "",
		"api":   "/api",
		"/api":  "/api",
		"/api/": "/api",
	}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Errorf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsSafeName(t *testing.T) {
	for _, ok := range []string{"nginx", "mariadb-11.4", "php_8", "A1"} {
		if !isSafeName(ok) {
			t.Errorf("isSafeName(%q) = false", ok)
		}
	}
	for _, bad := range []string{"", "..", "a/b", "a b", "a\\b", "x..y"} {
		if isSafeName(bad) {
			t.Errorf("isSafeName(%q) = true", bad)
		}
	}
}
