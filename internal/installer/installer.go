package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stackd/stackd/internal/metrics"
	"github.com/stackd/stackd/internal/service"
)

// Failure taxonomy. Every Install failure wraps exactly one of these so the
// orchestrator can report the right category without string matching.
var (
	ErrDownload  = errors.New("download failed")
	ErrIntegrity = errors.New("archive integrity check failed")
	ErrInstall   = errors.New("install failed")
)

// Placeholder tokens substituted when the live config file is materialized
// on first install.
const (
	TokenInstallRoot = "{{install_root}}"
	TokenServiceDir  = "{{service_dir}}"
)

// Installer fetches, validates, stages, and merges service packages. All
// writes to the installation root go through the stage-then-merge pattern:
// nothing is promoted into the live directory until the staged tree passed
// every check.
type Installer struct {
	Root    string
	Client  *http.Client
	Timeout time.Duration

	logger *slog.Logger
	caps   func(service.Kind) service.Capabilities
}

func New(root string) *Installer {
	return &Installer{
		Root:   root,
		logger: slog.Default().With(slog.String("component", "installer")),
		caps:   service.CapabilitiesFor,
	}
}

// Install runs the full pipeline for one service version into destDir:
// fetch (with archival fallback), validate, extract to staging, flatten a
// single wrapping root, verify the executable, materialize config on first
// install only, then merge preserving user data. A failure at any step
// leaves the previous installation untouched and runnable; the staging
// directory is removed on every path.
func (i *Installer) Install(ctx context.Context, def service.Definition, version, url string, firstInstall bool, destDir string) (err error) {
	log := i.logger.With("service", def.ID, "version", version)

	data, err := i.fetch(ctx, def, version, url)
	if err != nil {
		metrics.IncInstallFailure(def.ID, "download")
		return err
	}
	if err := validateArchive(data); err != nil {
		metrics.IncInstallFailure(def.ID, "validate")
		return err
	}

	staging, err := os.MkdirTemp(i.Root, ".staging-"+def.ID+"-")
	if err != nil {
		metrics.IncInstallFailure(def.ID, "staging")
		return fmt.Errorf("%w: create staging: %v", ErrInstall, err)
	}
	defer func() {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			log.Warn("failed to remove staging directory", "dir", staging, "error", rmErr)
		}
	}()

	if err := extractArchive(data, staging); err != nil {
		metrics.IncInstallFailure(def.ID, "extract")
		return err
	}
	if err := flattenSingleRoot(staging); err != nil {
		metrics.IncInstallFailure(def.ID, "extract")
		return err
	}

	// A missing executable means the transfer was corrupt or incomplete in a
	// way the signature checks cannot see. Abort before any file moves.
	if def.HasProcess() {
		exe := def.ExePath(staging)
		if _, statErr := os.Stat(exe); statErr != nil {
			metrics.IncInstallFailure(def.ID, "verify")
			return fmt.Errorf("%w: expected executable missing at %s", ErrIntegrity, def.ExePath(""))
		}
	}

	if firstInstall {
		if err := i.materializeConfig(def, staging, destDir); err != nil {
			metrics.IncInstallFailure(def.ID, "materialize")
			return err
		}
	}

	if err := i.merge(def, staging, destDir, log); err != nil {
		metrics.IncInstallFailure(def.ID, "merge")
		return err
	}

	metrics.IncInstall(def.ID, version)
	log.Info("installed", "dir", destDir, "first_install", firstInstall)
	return nil
}

// materializeConfig rewrites the staged config file, substituting the
// installation root and final service directory into placeholder tokens,
// then applies service-specific first-run adjustments. Updates never reach
// this path, so user edits are never clobbered.
func (i *Installer) materializeConfig(def service.Definition, staging, destDir string) error {
	if def.ConfigPath != "" {
		cfgPath := filepath.Join(staging, filepath.FromSlash(def.ConfigPath))
		raw, err := os.ReadFile(cfgPath)
		switch {
		case err == nil:
			out := strings.ReplaceAll(string(raw), TokenInstallRoot, filepath.ToSlash(i.Root))
			out = strings.ReplaceAll(out, TokenServiceDir, filepath.ToSlash(destDir))
			if err := os.WriteFile(cfgPath, []byte(out), 0o640); err != nil {
				return fmt.Errorf("%w: write config: %v", ErrInstall, err)
			}
		case os.IsNotExist(err):
			// Some packages ship no default config; first-run adjustments
			// below create it from scratch.
		default:
			return fmt.Errorf("%w: read config template: %v", ErrInstall, err)
		}
	}
	if adjust := i.caps(def.Kind).FirstRunAdjust; adjust != nil {
		if err := adjust(destDir, staging); err != nil {
			return fmt.Errorf("%w: first-run adjustments: %v", ErrInstall, err)
		}
	}
	return nil
}

// merge promotes the staged tree into destDir. Top-level entries matching a
// preserve rule that already exist at the destination are skipped; every
// other entry atomically replaces its destination counterpart.
func (i *Installer) merge(def service.Definition, staging, destDir string, log *slog.Logger) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}
	entries, err := os.ReadDir(staging)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}
	for _, e := range entries {
		name := e.Name()
		dst := filepath.Join(destDir, name)
		if def.Preserved(name) {
			if _, statErr := os.Lstat(dst); statErr == nil {
				log.Debug("preserving existing entry", "entry", name)
				continue
			}
		}
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("%w: remove old %s: %v", ErrInstall, name, err)
		}
		if err := os.Rename(filepath.Join(staging, name), dst); err != nil {
			return fmt.Errorf("%w: move %s into place: %v", ErrInstall, name, err)
		}
	}
	return nil
}
