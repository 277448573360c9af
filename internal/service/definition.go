package service

import (
	"context"
	"path/filepath"
	"strings"
	"time"
)

// Kind identifies the behavioral variant of a service. The closed set of
// kinds replaces per-service subclassing: the supervisor and installer
// consult the Capabilities table for a kind instead of virtual methods.
type Kind string

const (
	KindWebServer Kind = "webserver"
	KindDatabase  Kind = "database"
	KindRuntime   Kind = "runtime"
	KindAdminTool Kind = "admintool"
)

// Definition describes one supervised unit. Definitions are loaded once at
// startup and immutable thereafter.
type Definition struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Kind        Kind     `json:"kind"`
	ExeName     string   `json:"exe_name"`    // empty for process-less services
	ExeDir      string   `json:"exe_dir"`     // optional subdirectory holding the executable
	ConfigPath  string   `json:"config_path"` // config file path relative to the service dir
	Args        []string `json:"args"`
	Env         []string `json:"env"`      // KEY=VALUE overrides for the spawned process
	Preserve    []string `json:"preserve"` // top-level entries never overwritten on update

	// MultiVersion marks services that may have several versions installed
	// concurrently, selected through the active-version pointer.
	MultiVersion bool `json:"multi_version"`

	// DownloadURL is a template with a {version} placeholder. ArchiveURL is
	// the optional archival fallback tried once when the primary fetch fails.
	DownloadURL string `json:"download_url"`
	ArchiveURL  string `json:"archive_url"`

	// Requires lists prerequisite service ids. Only consulted for derived
	// status of process-less services; it does not order startup.
	Requires []string `json:"requires"`
}

// HasProcess reports whether the service runs an OS process of its own.
func (d Definition) HasProcess() bool { return d.ExeName != "" }

// Dir returns the canonical service directory under the installation root.
// For multi-version services this is the active-version pointer.
func (d Definition) Dir(root string) string { return filepath.Join(root, d.ID) }

// ExePath returns the expected executable path inside dir.
func (d Definition) ExePath(dir string) string {
	if d.ExeName == "" {
		return ""
	}
	if d.ExeDir != "" {
		return filepath.Join(dir, d.ExeDir, d.ExeName)
	}
	return filepath.Join(dir, d.ExeName)
}

// ConfigFile returns the absolute path of the live config file, or "" when
// the service has none.
func (d Definition) ConfigFile(root string) string {
	if d.ConfigPath == "" {
		return ""
	}
	return filepath.Join(d.Dir(root), filepath.FromSlash(d.ConfigPath))
}

// ResolveDownloadURL expands the {version} placeholder in the primary URL.
func (d Definition) ResolveDownloadURL(version string) string {
	return strings.ReplaceAll(d.DownloadURL, "{version}", version)
}

// ResolveArchiveURL expands the fallback URL, or returns "" when none is set.
func (d Definition) ResolveArchiveURL(version string) string {
	if d.ArchiveURL == "" {
		return ""
	}
	return strings.ReplaceAll(d.ArchiveURL, "{version}", version)
}

// Preserved reports whether a top-level archive entry must be kept as-is
// when it already exists at the destination. The top-level entry holding
// the live config file is always preserved, whether the config sits at the
// top level or nested below it: replacing its directory wholesale would
// destroy user edits.
func (d Definition) Preserved(entry string) bool {
	entry = strings.Trim(filepath.ToSlash(entry), "/")
	if d.ConfigPath != "" {
		cfgTop := strings.SplitN(filepath.ToSlash(d.ConfigPath), "/", 2)[0]
		if entry == cfgTop {
			return true
		}
	}
	for _, p := range d.Preserve {
		p = strings.Trim(filepath.ToSlash(p), "/")
		if entry == p {
			return true
		}
	}
	return false
}

// Capabilities is the per-kind behavior table. Every entry is optional; the
// generic supervisor and installer skip what a service does not define.
type Capabilities struct {
	// ReadinessProbe returns nil once a freshly started process can actually
	// serve requests. Polled at ProbeInterval until StartTimeout.
	ReadinessProbe func(ctx context.Context, dir string) error
	ProbeInterval  time.Duration
	StartTimeout   time.Duration

	// GracefulStop performs the service-specific administrative shutdown.
	// When nil the supervisor falls back to signal-based termination.
	GracefulStop        func(ctx context.Context, dir string) error
	GracefulStopRetries int
	GracefulStopDelay   time.Duration

	// Rescue is the last-resort shutdown path: start a safeguards-disabled
	// instance whose only purpose is to accept one more graceful stop. A
	// Rescue failure makes the stop fatal for the whole host.
	Rescue        func(ctx context.Context, dir string) error
	RescueTimeout time.Duration

	// ValidateConfig dry-runs the configuration before a restart. A non-nil
	// error refuses the restart and leaves the running instance untouched.
	ValidateConfig func(ctx context.Context, dir string) error

	// FirstRunAdjust applies first-install-only tweaks after the config file
	// has been materialized. It writes into stagingDir (nothing is live yet)
	// while path values baked into the config reference finalDir. Never
	// invoked on updates.
	FirstRunAdjust func(finalDir, stagingDir string) error
}
