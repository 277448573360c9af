package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stackd/stackd/internal/notify"
	"github.com/stackd/stackd/internal/service"
	"github.com/stackd/stackd/internal/settings"
	"github.com/stackd/stackd/internal/version"
)

// zipArchive builds an in-memory zip whose entries are all executable, so
// extracted scripts can be spawned directly.
func zipArchive(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		hdr.SetMode(0o755)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// testFleet is a fake feed plus archive host for a small catalog: one
// single-version process service with a config file, one multi-version
// service, and a process-less tool depending on the first.
type testFleet struct {
	srv       *httptest.Server
	archives  map[string][]byte // "<id>-<version>" -> payload
	downloads sync.Map          // "<id>-<version>" -> *atomic.Int64
}

func newTestFleet(t *testing.T) *testFleet {
	t.Helper()
	f := &testFleet{archives: map[string][]byte{}}

	f.archives["websvc-1.0.0"] = zipArchive(t, map[string]string{
		"websvc":        "#!/bin/sh\nsleep 30\n",
		"conf/web.conf": "listen 8080\n",
	})
	f.archives["dbsvc-2.0.0"] = zipArchive(t, map[string]string{"dbsvc": "#!/bin/sh\nsleep 30\n"})
	f.archives["dbsvc-1.5.1"] = zipArchive(t, map[string]string{"dbsvc": "#!/bin/sh\nsleep 30\n"})
	f.archives["dbsvc-1.5.0"] = zipArchive(t, map[string]string{"dbsvc": "#!/bin/sh\nsleep 30\n"})
	f.archives["admintool-3.0.0"] = zipArchive(t, map[string]string{"index.php": "<?php\n"})

	mux := http.NewServeMux()
	mux.HandleFunc("/versions.json", func(w http.ResponseWriter, r *http.Request) {
		base := f.srv.URL
		_, _ = fmt.Fprintf(w, `{
			"websvc": {"version": "1.0.0", "downloadUrl": "%s/archive/websvc-1.0.0"},
			"dbsvc": {"versions": [
				{"version": "2.0.0", "downloadUrl": "%s/archive/dbsvc-2.0.0"},
				{"version": "1.5.1", "downloadUrl": "%s/archive/dbsvc-1.5.1"},
				{"version": "1.5.0", "downloadUrl": "%s/archive/dbsvc-1.5.0"}
			]},
			"admintool": {"version": "3.0.0", "downloadUrl": "%s/archive/admintool-3.0.0"}
		}`, base, base, base, base, base)
	})
	mux.HandleFunc("/archive/", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/archive/")
		data, ok := f.archives[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		c, _ := f.downloads.LoadOrStore(key, &atomic.Int64{})
		c.(*atomic.Int64).Add(1)
		_, _ = w.Write(data)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *testFleet) downloadCount(key string) int64 {
	c, ok := f.downloads.Load(key)
	if !ok {
		return 0
	}
	return c.(*atomic.Int64).Load()
}

func fleetDefs() []service.Definition {
	return []service.Definition{
		{ID: "websvc", DisplayName: "Web", ExeName: "websvc", ConfigPath: "conf/web.conf"},
		{ID: "dbsvc", DisplayName: "DB", ExeName: "dbsvc", MultiVersion: true},
		{ID: "admintool", DisplayName: "Admin", Requires: []string{"websvc"}},
	}
}

func newTestOrchestrator(t *testing.T, f *testFleet, n notify.Notifier) *Orchestrator {
	t.Helper()
	if n == nil {
		n = notify.Discard{}
	}
	o, err := New(Options{
		Root:           t.TempDir(),
		Settings:       settings.NewMemoryStore(),
		Defs:           fleetDefs(),
		FeedURL:        f.srv.URL,
		Notifier:       n,
		StopAllTimeout: 30 * time.Second,
		WatchDebounce:  50 * time.Millisecond,
		WatchCooldown:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestInitializeInstallsFleet(t *testing.T) {
	f := newTestFleet(t)
	o := newTestOrchestrator(t, f, nil)

	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	vs := o.Versions()
	if got := vs.Current("websvc"); got != "1.0.0" {
		t.Errorf("websvc current = %q", got)
	}
	if got := vs.Current("dbsvc"); got != "2.0.0" {
		t.Errorf("dbsvc current = %q (latest must win)", got)
	}
	if got := vs.Current("admintool"); got != "3.0.0" {
		t.Errorf("admintool current = %q", got)
	}

	// Multi-version services live in versioned directories behind the
	// active-version pointer.
	target, err := os.Readlink(filepath.Join(o.root, "dbsvc"))
	if err != nil {
		t.Fatalf("dbsvc pointer: %v", err)
	}
	if target != "dbsvc-2.0" {
		t.Errorf("pointer target = %q", target)
	}

	// Initialize again: everything current, nothing re-downloaded.
	before := f.downloadCount("websvc-1.0.0")
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.downloadCount("websvc-1.0.0"); got != before {
		t.Errorf("idempotent initialize re-downloaded: %d -> %d", before, got)
	}
}

func TestStartStopFleetAndDerivedStatus(t *testing.T) {
	f := newTestFleet(t)
	o := newTestOrchestrator(t, f, nil)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := o.StartAll(); err != nil {
		t.Fatalf("StartAll failed: %v", err)
	}

	byID := statusByID(o)
	if !byID["websvc"].Running || !byID["dbsvc"].Running {
		t.Errorf("process services not running: %+v", byID)
	}
	// The tool has no process; it reports running because its
	// prerequisite does.
	if !byID["admintool"].Running {
		t.Error("derived status: admintool should be running")
	}

	if err := o.Stop("websvc"); err != nil {
		t.Fatal(err)
	}
	byID = statusByID(o)
	if byID["admintool"].Running {
		t.Error("derived status: admintool must stop with its prerequisite")
	}

	if err := o.StopAll(); err != nil {
		t.Fatalf("StopAll failed: %v", err)
	}
	for id, st := range statusByID(o) {
		if st.Running {
			t.Errorf("%s still running after StopAll", id)
		}
	}
}

func TestSwitchVersion(t *testing.T) {
	f := newTestFleet(t)
	o := newTestOrchestrator(t, f, nil)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	// Switching to a not-yet-installed offered version installs it first.
	if err := o.SwitchVersion(ctx, "dbsvc", "1.5.0"); err != nil {
		t.Fatalf("switch to 1.5.0 failed: %v", err)
	}
	if got := o.Versions().Current("dbsvc"); got != "1.5.0" {
		t.Errorf("current = %q", got)
	}
	if n := f.downloadCount("dbsvc-1.5.0"); n != 1 {
		t.Errorf("1.5.0 downloads = %d, want 1", n)
	}

	// Switching back only repoints; the files are already there.
	before := f.downloadCount("dbsvc-2.0.0")
	if err := o.SwitchVersion(ctx, "dbsvc", "2.0.0"); err != nil {
		t.Fatalf("switch back failed: %v", err)
	}
	if got := f.downloadCount("dbsvc-2.0.0"); got != before {
		t.Errorf("switch to installed version re-downloaded: %d -> %d", before, got)
	}
	target, _ := os.Readlink(filepath.Join(o.root, "dbsvc"))
	if target != "dbsvc-2.0" {
		t.Errorf("pointer target = %q", target)
	}

	// Both version directories survive the switches.
	for _, dir := range []string{"dbsvc-2.0", "dbsvc-1.5"} {
		if _, err := os.Stat(filepath.Join(o.root, dir)); err != nil {
			t.Errorf("version dir %s missing: %v", dir, err)
		}
	}

	// A version that is neither installed nor offered is a hard error.
	if err := o.SwitchVersion(ctx, "dbsvc", "9.9.9"); err == nil {
		t.Error("expected error switching to unavailable version")
	}
	if err := o.SwitchVersion(ctx, "websvc", "2.0.0"); err == nil {
		t.Error("expected error switching a single-version service")
	}
}

func TestSwitchVersionWhileRunning(t *testing.T) {
	f := newTestFleet(t)
	o := newTestOrchestrator(t, f, nil)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := o.Start("dbsvc"); err != nil {
		t.Fatal(err)
	}
	oldPID := statusByID(o)["dbsvc"].PID

	if err := o.SwitchVersion(ctx, "dbsvc", "1.5.0"); err != nil {
		t.Fatalf("switch while running failed: %v", err)
	}
	st := statusByID(o)["dbsvc"]
	if !st.Running {
		t.Error("service not restarted after switch")
	}
	if st.PID == oldPID {
		t.Error("switch must run the new version in a fresh process")
	}
	_ = o.StopAll()
}

func TestInitializeStopsExternalSurvivor(t *testing.T) {
	f := newTestFleet(t)
	o := newTestOrchestrator(t, f, nil)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	// Leave a survivor behind: an instance with the service's executable
	// name that no supervisor tracks, as after a host crash.
	dir := t.TempDir()
	exe := filepath.Join(dir, "websvc")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\nsleep 30\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command(exe)
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	go func() { _ = cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	// A plain start refuses the untracked instance.
	if err := o.Start("websvc"); err == nil {
		t.Fatal("start must refuse an external instance outside initialization")
	}

	// Initialization takes ownership: the survivor is stopped, then the
	// fleet starts normally.
	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("Initialize with survivor failed: %v", err)
	}
	if err := o.Start("websvc"); err != nil {
		t.Fatalf("start after taking ownership failed: %v", err)
	}
	if !statusByID(o)["websvc"].Running {
		t.Error("websvc not running after adoption")
	}
	_ = o.StopAll()
}

func TestUpdateStaysOnPinnedBranch(t *testing.T) {
	f := newTestFleet(t)
	o := newTestOrchestrator(t, f, nil)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := o.SwitchVersion(ctx, "dbsvc", "1.5.0"); err != nil {
		t.Fatal(err)
	}

	// Relaunch-style reconcile: the explicit selection survives; only the
	// patch branch updates, never the newer branch.
	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}
	if got := o.Versions().Current("dbsvc"); got != "1.5.1" {
		t.Errorf("current = %q, want in-branch update to 1.5.1", got)
	}
	if n := f.downloadCount("dbsvc-2.0.0"); n != 1 {
		t.Errorf("newer branch downloaded again (%d), selection not honored", n)
	}
	target, _ := os.Readlink(filepath.Join(o.root, "dbsvc"))
	if target != "dbsvc-1.5" {
		t.Errorf("pointer target = %q", target)
	}

	// The patch release replaced its branch sibling in place.
	installed := o.Versions().Installed("dbsvc")
	if version.Contains(installed, "1.5.0") || !version.Contains(installed, "1.5.1") {
		t.Errorf("installed = %v, want 1.5.1 replacing 1.5.0", installed)
	}
}

func TestCrashNotifiesWithoutRestart(t *testing.T) {
	f := newTestFleet(t)
	f.archives["websvc-1.0.0"] = zipArchive(t, map[string]string{
		"websvc":        "#!/bin/sh\nsleep 0.1\nexit 7\n",
		"conf/web.conf": "listen 8080\n",
	})

	notes := make(chan string, 8)
	o := newTestOrchestrator(t, f, notify.Func(func(title, body string) {
		notes <- title + ": " + body
	}))
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := o.Start("websvc"); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-notes:
			if strings.Contains(n, "unexpectedly") {
				// Crash surfaced. The service must stay down.
				time.Sleep(200 * time.Millisecond)
				st := statusByID(o)["websvc"]
				if st.Running {
					t.Error("crashed service was restarted automatically")
				}
				if st.State != "crashed" {
					t.Errorf("state = %q, want crashed", st.State)
				}
				return
			}
		case <-deadline:
			t.Fatal("no crash notification received")
		}
	}
}

func TestConfigChangeRestartsRunningService(t *testing.T) {
	f := newTestFleet(t)
	o := newTestOrchestrator(t, f, nil)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := o.Start("websvc"); err != nil {
		t.Fatal(err)
	}
	oldPID := statusByID(o)["websvc"].PID

	cfg := o.defs["websvc"].ConfigFile(o.root)
	if err := os.WriteFile(cfg, []byte("listen 9090\n"), 0o640); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := statusByID(o)["websvc"]
		if st.Running && st.PID != oldPID {
			_ = o.StopAll()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("config change did not restart the service")
}

func TestStartNotInstalled(t *testing.T) {
	f := newTestFleet(t)
	o := newTestOrchestrator(t, f, nil)

	if err := o.Start("websvc"); err == nil {
		t.Error("expected error starting a service that is not installed")
	}
	if err := o.Start("nosuch"); err == nil {
		t.Error("expected error for unknown service")
	}
	// Process-less services are a start no-op.
	if err := o.Start("admintool"); err != nil {
		t.Errorf("admintool start: %v", err)
	}
}

func TestCheckUpdatesDegradedKeepsFleetUsable(t *testing.T) {
	f := newTestFleet(t)
	o := newTestOrchestrator(t, f, nil)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	// Feed goes away: the view degrades, installed versions keep working.
	f.srv.Close()
	infos := o.CheckUpdates(ctx)
	if !infos["dbsvc"].Degraded {
		t.Error("expected degraded view after feed loss")
	}
	if !version.Contains(versionsOf(infos["dbsvc"]), "2.0.0") {
		t.Errorf("installed version missing from degraded view: %+v", infos["dbsvc"])
	}
	if err := o.Start("dbsvc"); err != nil {
		t.Errorf("start with degraded feed failed: %v", err)
	}
	_ = o.StopAll()
}

func statusByID(o *Orchestrator) map[string]ServiceStatus {
	out := map[string]ServiceStatus{}
	for _, st := range o.Status() {
		out[st.Service] = st
	}
	return out
}

func versionsOf(i version.Info) []string {
	out := make([]string, 0, len(i.Versions))
	for _, e := range i.Versions {
		out = append(out, e.Version)
	}
	return out
}
