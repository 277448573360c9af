package version

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/stackd/stackd/internal/service"
	"github.com/stackd/stackd/internal/settings"
)

// NotInstalled is the sentinel returned by Current for services without a
// verified installation.
const NotInstalled = ""

// ErrVersionUnavailable is returned when a switch target is neither
// installed nor offered by the last remote check (deprecated or unlisted).
var ErrVersionUnavailable = fmt.Errorf("version not available for download")

// Store reconciles persisted version metadata against on-disk evidence and
// resolves the current version per service. Multi-version services go
// through the active-version pointer (a symlink at the canonical path).
type Store struct {
	mu       sync.Mutex
	settings settings.Store
	root     string
	defs     map[string]service.Definition
	remote   map[string]Info
	logger   *slog.Logger
}

func NewStore(st settings.Store, root string, defs []service.Definition) *Store {
	m := make(map[string]service.Definition, len(defs))
	for _, d := range defs {
		m[d.ID] = d
	}
	return &Store{
		settings: st,
		root:     root,
		defs:     m,
		remote:   make(map[string]Info),
		logger:   slog.Default().With(slog.String("component", "version-store")),
	}
}

// DirName returns the on-disk version directory name for a service version,
// encoded as <id>-<major>.<minor>.
func DirName(id, v string) string { return id + "-" + MajorMinor(v) }

// InstallDir returns the directory PackageInstaller must populate for the
// given service version: the versioned directory for multi-version
// services, the canonical directory otherwise.
func (s *Store) InstallDir(id, v string) string {
	d := s.defs[id]
	if d.MultiVersion {
		return filepath.Join(s.root, DirName(id, v))
	}
	return filepath.Join(s.root, id)
}

// Reconcile cross-references every service's persisted installed-version
// list against on-disk version directories. Entries without a verified
// directory are pruned; a selection outside the reconciled set falls back
// to the newest installed version. Persisting only happens when something
// actually changed, so repeated calls with an unchanged disk are no-ops.
func (s *Store) Reconcile() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.defs {
		if d.MultiVersion {
			s.reconcileMulti(id)
			continue
		}
		s.reconcileSingle(id, d)
	}
	return nil
}

func (s *Store) reconcileMulti(id string) {
	stored := settings.DecodeList(s.getLocked(settings.InstalledVersionsKey(id)))
	kept := make([]string, 0, len(stored))
	for _, v := range stored {
		if dirExists(filepath.Join(s.root, DirName(id, v))) {
			kept = append(kept, v)
		}
	}
	if len(kept) != len(stored) {
		s.logger.Info("pruned versions without on-disk directory",
			"service", id, "before", len(stored), "after", len(kept))
		if len(kept) == 0 {
			_ = s.settings.Delete(settings.InstalledVersionsKey(id))
		} else {
			_ = s.settings.Set(settings.InstalledVersionsKey(id), settings.EncodeList(kept))
		}
	}
	sel, _ := s.settings.Get(settings.VersionKey(id))
	if len(kept) == 0 {
		if sel != "" {
			_ = s.settings.Delete(settings.VersionKey(id))
		}
		return
	}
	if !Contains(kept, sel) {
		newest := Newest(kept)
		s.logger.Info("selected version no longer installed, falling back",
			"service", id, "selected", sel, "fallback", newest)
		_ = s.settings.Set(settings.VersionKey(id), newest)
	}
}

func (s *Store) reconcileSingle(id string, d service.Definition) {
	// Single-version services degenerate to "exists or not": the stored
	// version is only trusted while the canonical directory is present.
	if dirExists(d.Dir(s.root)) {
		return
	}
	if v, ok := s.settings.Get(settings.VersionKey(id)); ok && v != "" {
		s.logger.Info("service directory missing, clearing stored version", "service", id, "version", v)
		_ = s.settings.Delete(settings.VersionKey(id))
	}
}

// Installed returns the verified installed versions for a service. For
// single-version services the result is empty or a single entry.
func (s *Store) Installed(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installedLocked(id)
}

func (s *Store) installedLocked(id string) []string {
	d := s.defs[id]
	if d.MultiVersion {
		return settings.DecodeList(s.getLocked(settings.InstalledVersionsKey(id)))
	}
	if !dirExists(d.Dir(s.root)) {
		return nil
	}
	if v := s.getLocked(settings.VersionKey(id)); v != "" {
		return []string{v}
	}
	return nil
}

// Current resolves the current version of a service, or NotInstalled. For
// multi-version services an invalid selection is corrected to the newest
// installed version as a side effect.
func (s *Store) Current(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.defs[id]
	if !d.MultiVersion {
		if !dirExists(d.Dir(s.root)) {
			return NotInstalled
		}
		return s.getLocked(settings.VersionKey(id))
	}
	installed := settings.DecodeList(s.getLocked(settings.InstalledVersionsKey(id)))
	if len(installed) == 0 {
		return NotInstalled
	}
	sel := s.getLocked(settings.VersionKey(id))
	if Contains(installed, sel) {
		return sel
	}
	newest := Newest(installed)
	_ = s.settings.Set(settings.VersionKey(id), newest)
	return newest
}

// CheckRemote fetches RemoteVersionInfo for all services. On feed failure
// it returns the degraded installed-versions-only view instead of an error.
func (s *Store) CheckRemote(ctx context.Context, feed *Feed) map[string]Info {
	raw, err := feed.Fetch(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Info, len(s.defs))
	if err != nil {
		s.logger.Warn("remote feed unavailable, using installed versions only", "error", err)
		for id := range s.defs {
			out[id] = DegradedInfo(s.installedLocked(id))
		}
		s.remote = out
		return out
	}
	for id := range s.defs {
		out[id] = BuildInfo(raw[id], s.installedLocked(id))
	}
	s.remote = out
	return out
}

// Remote returns the last CheckRemote view for a service.
func (s *Store) Remote(id string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.remote[id]
	return i, ok
}

// RecordInstall adds a freshly installed version to the persisted metadata
// and selects it. A patch release shares its branch directory with what it
// replaced, so any same-branch entry is dropped: its files are gone.
// Called only after PackageInstaller succeeded.
func (s *Store) RecordInstall(id, v string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.defs[id]
	if d.MultiVersion {
		installed := settings.DecodeList(s.getLocked(settings.InstalledVersionsKey(id)))
		if !Contains(installed, v) {
			kept := make([]string, 0, len(installed)+1)
			for _, x := range installed {
				if MajorMinor(x) != MajorMinor(v) {
					kept = append(kept, x)
				}
			}
			kept = append(kept, v)
			if err := s.settings.Set(settings.InstalledVersionsKey(id), settings.EncodeList(kept)); err != nil {
				return err
			}
		}
	}
	return s.settings.Set(settings.VersionKey(id), v)
}

// DownloadFor resolves the download URL for installing version v of a
// service: the feed URL when offered, else the definition's URL template.
func (s *Store) DownloadFor(id, v string) string {
	s.mu.Lock()
	info, ok := s.remote[id]
	d := s.defs[id]
	s.mu.Unlock()
	if ok {
		if u := info.URL(v); u != "" {
			return u
		}
		if info.Degraded {
			return ""
		}
	}
	return d.ResolveDownloadURL(v)
}

// SwitchTarget validates a switch request for a multi-version service and
// reports whether an install is needed first. A target that is neither
// installed nor downloadable is a hard error.
func (s *Store) SwitchTarget(id, target string) (needInstall bool, url string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	if !ok || !d.MultiVersion {
		return false, "", fmt.Errorf("service %s does not support version switching", id)
	}
	installed := settings.DecodeList(s.getLocked(settings.InstalledVersionsKey(id)))
	if Contains(installed, target) {
		return false, "", nil
	}
	info := s.remote[id]
	u := info.URL(target)
	if u == "" {
		return false, "", fmt.Errorf("%w: %s %s", ErrVersionUnavailable, id, target)
	}
	return true, u, nil
}

// Repoint atomically retargets the active-version pointer at the canonical
// path to the versioned directory. Either the pointer ends up referencing
// the new version or the prior state is left untouched; the canonical path
// is never left missing.
func (s *Store) Repoint(id, v string) error {
	canonical := filepath.Join(s.root, id)
	target := DirName(id, v)
	if !dirExists(filepath.Join(s.root, target)) {
		return fmt.Errorf("version directory %s does not exist", target)
	}
	tmp := canonical + ".repoint"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create version pointer: %w", err)
	}
	if err := os.Rename(tmp, canonical); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("activate version pointer: %w", err)
	}
	return nil
}

// Select persists the selected version after a successful repoint.
func (s *Store) Select(id, v string) error {
	return s.RecordInstall(id, v)
}

func (s *Store) getLocked(key string) string {
	v, _ := s.settings.Get(key)
	return v
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
