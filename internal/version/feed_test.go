package version

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFeedFetchSingleAndList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/versions.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{
			"nginx": {"version": "1.27.4", "downloadUrl": "https://dl/nginx-1.27.4.zip"},
			"mariadb": {"versions": [
				{"version": "11.4.5", "downloadUrl": "https://dl/m-11.4.5.zip"},
				{"version": "10.11.8", "downloadUrl": "https://dl/m-10.11.8.zip"}
			]}
		}`))
	}))
	defer srv.Close()

	f := &Feed{BaseURL: srv.URL}
	raw, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	nginx := BuildInfo(raw["nginx"], nil)
	if nginx.Latest.Version != "1.27.4" {
		t.Errorf("nginx latest = %q, want 1.27.4", nginx.Latest.Version)
	}
	if nginx.URL("1.27.4") != "https://dl/nginx-1.27.4.zip" {
		t.Errorf("unexpected nginx URL: %q", nginx.URL("1.27.4"))
	}

	mariadb := BuildInfo(raw["mariadb"], nil)
	if mariadb.Latest.Version != "11.4.5" {
		t.Errorf("mariadb latest = %q, want 11.4.5", mariadb.Latest.Version)
	}
	if len(mariadb.Versions) != 2 {
		t.Errorf("mariadb versions = %d, want 2", len(mariadb.Versions))
	}
}

func TestBuildInfoMarksUnofferedInstalledDeprecated(t *testing.T) {
	raw := feedEntry{Versions: []Entry{
		{Version: "11.4.5", DownloadURL: "https://dl/m-11.4.5.zip"},
	}}
	info := BuildInfo(raw, []string{"10.6.0", "11.4.5"})

	var dep *Entry
	for i := range info.Versions {
		if info.Versions[i].Version == "10.6.0" {
			dep = &info.Versions[i]
		}
	}
	if dep == nil {
		t.Fatal("installed version 10.6.0 missing from view")
	}
	if !dep.Deprecated {
		t.Error("expected 10.6.0 to be marked deprecated")
	}
	if dep.DownloadURL != "" {
		t.Error("deprecated version must not carry a download URL")
	}
}

func TestFeedFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := &Feed{BaseURL: srv.URL}
	if _, err := f.Fetch(context.Background()); !errors.Is(err, ErrFeedUnavailable) {
		t.Errorf("expected ErrFeedUnavailable for 500, got %v", err)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer bad.Close()

	f = &Feed{BaseURL: bad.URL}
	if _, err := f.Fetch(context.Background()); !errors.Is(err, ErrFeedUnavailable) {
		t.Errorf("expected ErrFeedUnavailable for malformed body, got %v", err)
	}

	f = &Feed{BaseURL: "http://127.0.0.1:1"}
	if _, err := f.Fetch(context.Background()); !errors.Is(err, ErrFeedUnavailable) {
		t.Errorf("expected ErrFeedUnavailable for unreachable feed, got %v", err)
	}
}

func TestDegradedInfo(t *testing.T) {
	info := DegradedInfo([]string{"1.0", "2.0"})
	if !info.Degraded {
		t.Error("expected degraded view")
	}
	if info.Latest.Version != "2.0" {
		t.Errorf("degraded latest = %q, want 2.0", info.Latest.Version)
	}
	if info.URL("2.0") != "" {
		t.Error("degraded view must not offer download URLs")
	}
}

func TestBranchLatest(t *testing.T) {
	info := BuildInfo(feedEntry{Versions: []Entry{
		{Version: "11.4.5", DownloadURL: "u1"},
		{Version: "11.4.7", DownloadURL: "u2"},
		{Version: "11.8.0", DownloadURL: "u3"},
	}}, []string{"10.6.0"})

	if got := info.BranchLatest("11.4.5"); got != "11.4.7" {
		t.Errorf("BranchLatest(11.4.5) = %q, want 11.4.7", got)
	}
	if got := info.BranchLatest("11.8.0"); got != "11.8.0" {
		t.Errorf("BranchLatest(11.8.0) = %q, want 11.8.0", got)
	}
	// 10.6.0 is installed but no longer offered: deprecated entries have
	// no download URL and are never update targets.
	if got := info.BranchLatest("10.6.0"); got != "" {
		t.Errorf("BranchLatest(10.6.0) = %q, want none", got)
	}
	if got := (Info{}).BranchLatest("1.0.0"); got != "" {
		t.Errorf("empty view BranchLatest = %q, want none", got)
	}
}
