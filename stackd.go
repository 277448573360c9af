package stackd

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/stackd/stackd/internal/config"
	"github.com/stackd/stackd/internal/history"
	"github.com/stackd/stackd/internal/metrics"
	"github.com/stackd/stackd/internal/notify"
	"github.com/stackd/stackd/internal/orchestrator"
	iapi "github.com/stackd/stackd/internal/server"
	"github.com/stackd/stackd/internal/service"
	"github.com/stackd/stackd/internal/settings"
	"github.com/stackd/stackd/internal/supervisor"
	"github.com/stackd/stackd/internal/version"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Definition = service.Definition

type ServiceStatus = orchestrator.ServiceStatus

type VersionInfo = version.Info

type HistoryEvent = history.Event

type HistorySink = history.Sink

type Notifier = notify.Notifier

type Options = orchestrator.Options

// Sentinel errors surfaced by Engine operations.
var (
	ErrUnknownService     = orchestrator.ErrUnknownService
	ErrNotInstalled       = orchestrator.ErrNotInstalled
	ErrStopDeadline       = orchestrator.ErrStopDeadline
	ErrVersionUnavailable = version.ErrVersionUnavailable
	ErrStopFatal          = supervisor.ErrStopFatal
	ErrConfigInvalid      = supervisor.ErrConfigInvalid
	ErrExternalInstance   = supervisor.ErrExternalInstance
)

// Engine is a thin facade over internal/orchestrator.Orchestrator.
// It provides a stable public API for embedding.
type Engine struct{ inner *orchestrator.Orchestrator }

func New(opts Options) (*Engine, error) {
	o, err := orchestrator.New(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{inner: o}, nil
}

func (e *Engine) Initialize(ctx context.Context) error { return e.inner.Initialize(ctx) }
func (e *Engine) Start(id string) error                { return e.inner.Start(id) }
func (e *Engine) Stop(id string) error                 { return e.inner.Stop(id) }
func (e *Engine) Restart(id string) error              { return e.inner.Restart(id) }
func (e *Engine) StartAll() error                      { return e.inner.StartAll() }
func (e *Engine) StopAll() error                       { return e.inner.StopAll() }
func (e *Engine) Status() []ServiceStatus              { return e.inner.Status() }
func (e *Engine) Output(id string) []byte              { return e.inner.Output(id) }
func (e *Engine) Definitions() []Definition            { return e.inner.Definitions() }
func (e *Engine) Close() error                         { return e.inner.Close() }

func (e *Engine) SwitchVersion(ctx context.Context, id, target string) error {
	return e.inner.SwitchVersion(ctx, id, target)
}

func (e *Engine) CheckUpdates(ctx context.Context) map[string]VersionInfo {
	return e.inner.CheckUpdates(ctx)
}

func (e *Engine) EnsureCurrent(ctx context.Context, id string) error {
	return e.inner.EnsureCurrent(ctx, id)
}

// Versions exposes the version store: current/installed versions and the
// last remote view.
func (e *Engine) Versions() *version.Store { return e.inner.Versions() }

// OpenSettings opens the SQLite-backed settings store at path.
func OpenSettings(path string) (settings.Store, error) { return settings.NewSQLiteStore(path) }

func LoadConfig(path string) (*cfg.FileConfig, error) { return cfg.Load(path) }

// NewHTTPServer starts an HTTP server exposing the internal API for the
// given engine.
func NewHTTPServer(addr, basePath string, e *Engine, root string) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, e.inner, root)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
