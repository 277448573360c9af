package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/stackd/stackd/internal/history"
	"github.com/stackd/stackd/internal/installer"
	"github.com/stackd/stackd/internal/logger"
	"github.com/stackd/stackd/internal/metrics"
	"github.com/stackd/stackd/internal/notify"
	"github.com/stackd/stackd/internal/service"
	"github.com/stackd/stackd/internal/settings"
	"github.com/stackd/stackd/internal/supervisor"
	"github.com/stackd/stackd/internal/version"
	"github.com/stackd/stackd/internal/watcher"
)

var (
	ErrUnknownService = errors.New("unknown service")
	ErrNotInstalled   = errors.New("service is not installed")
	// ErrStopDeadline means the fleet did not settle before the global stop
	// deadline. The host must exit nonzero so the operator knows processes
	// may have been left behind.
	ErrStopDeadline = errors.New("fleet stop deadline exceeded")
)

// DefaultStopAllTimeout bounds whole-fleet shutdown.
const DefaultStopAllTimeout = 2 * time.Minute

// Options configures an Orchestrator. Zero values select working defaults;
// only Root and Settings are required.
type Options struct {
	Root     string
	Settings settings.Store
	Defs     []service.Definition
	FeedURL  string
	Client   *http.Client
	LogCfg   logger.Config
	Sinks    []history.Sink
	Notifier notify.Notifier

	StopAllTimeout time.Duration
	WatchDebounce  time.Duration
	WatchCooldown  time.Duration
}

// Orchestrator coordinates the whole fleet: version reconciliation,
// installs and updates, per-service supervisors, config watching, and
// crash routing. Individual services operate concurrently; whole-fleet
// operations settle every service before reporting.
type Orchestrator struct {
	root     string
	defs     map[string]service.Definition
	order    []string
	settings settings.Store
	versions *version.Store
	inst     *installer.Installer
	feed     *version.Feed
	sinks    []history.Sink
	notifier notify.Notifier
	logCfg   logger.Config
	logger   *slog.Logger

	stopTimeout time.Duration

	mu   sync.RWMutex
	sups map[string]*supervisor.Supervisor

	watch  *watcher.Watcher
	crashC chan supervisor.CrashEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Root == "" {
		return nil, errors.New("installation root is required")
	}
	if opts.Settings == nil {
		return nil, errors.New("settings store is required")
	}
	defs := opts.Defs
	if defs == nil {
		defs = service.Catalog()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{}
	}
	if opts.StopAllTimeout <= 0 {
		opts.StopAllTimeout = DefaultStopAllTimeout
	}

	w, err := watcher.New(opts.WatchDebounce, opts.WatchCooldown)
	if err != nil {
		return nil, err
	}

	defMap := make(map[string]service.Definition, len(defs))
	order := make([]string, 0, len(defs))
	for _, d := range defs {
		defMap[d.ID] = d
		order = append(order, d.ID)
	}

	inst := installer.New(opts.Root)
	inst.Client = opts.Client

	o := &Orchestrator{
		root:        opts.Root,
		defs:        defMap,
		order:       order,
		settings:    opts.Settings,
		versions:    version.NewStore(opts.Settings, opts.Root, defs),
		inst:        inst,
		feed:        &version.Feed{BaseURL: opts.FeedURL, Client: opts.Client},
		sinks:       opts.Sinks,
		notifier:    opts.Notifier,
		logCfg:      opts.LogCfg,
		logger:      slog.Default().With(slog.String("component", "orchestrator")),
		stopTimeout: opts.StopAllTimeout,
		sups:        make(map[string]*supervisor.Supervisor),
		watch:       w,
		crashC:      make(chan supervisor.CrashEvent, 16),
		stopCh:      make(chan struct{}),
	}

	o.wg.Add(2)
	go o.routeCrashes()
	go o.routeConfigChanges()
	return o, nil
}

// Versions exposes the version store for status surfaces.
func (o *Orchestrator) Versions() *version.Store { return o.versions }

// Definitions returns the catalog in declaration order.
func (o *Orchestrator) Definitions() []service.Definition {
	out := make([]service.Definition, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.defs[id])
	}
	return out
}

// Initialize reconciles persisted versions against disk, checks the remote
// feed, installs or updates every service, stops instances left behind by
// a previous host run, and registers config watches. Failures for
// individual services are reported but do not abort initialization of the
// others.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if err := o.versions.Reconcile(); err != nil {
		return fmt.Errorf("reconcile versions: %w", err)
	}
	o.versions.CheckRemote(ctx, o.feed)

	var errs []error
	for _, id := range o.order {
		if err := o.EnsureCurrent(ctx, id); err != nil {
			o.logger.Error("ensure service current", "service", id, "error", err)
			o.notifier.Notify(o.defs[id].DisplayName, fmt.Sprintf("Installation failed: %v", err))
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}

	// Take ownership of survivors: an instance running outside supervision
	// is stopped here, so the first start does not refuse it. Outside of
	// initialization an external instance stays a hard start error.
	for _, id := range o.order {
		def := o.defs[id]
		if !def.HasProcess() || o.running(id) || !supervisor.ExternalRunning(def) {
			continue
		}
		o.logger.Warn("external instance running, stopping before taking ownership", "service", id)
		if err := supervisor.StopDetached(def, def.Dir(o.root)); err != nil {
			errs = append(errs, fmt.Errorf("%s: stop external instance: %w", id, err))
			continue
		}
		o.record(history.Event{Type: history.EventStop, Service: id,
			Version: o.versions.Current(id), Detail: "external instance"})
	}

	o.registerWatches()
	return errors.Join(errs...)
}

// EnsureCurrent installs the service when missing and updates it when the
// remote feed offers a newer version. Running instances of an updated
// service are stopped before files move and restarted afterwards.
func (o *Orchestrator) EnsureCurrent(ctx context.Context, id string) error {
	def, ok := o.defs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	current := o.versions.Current(id)
	info, _ := o.versions.Remote(id)
	latest := info.Latest.Version

	switch {
	case current == version.NotInstalled && latest == "":
		return fmt.Errorf("%w: %s and no remote version known", ErrNotInstalled, id)
	case current == version.NotInstalled:
		return o.installVersion(ctx, def, latest, true)
	case info.Degraded || latest == "":
		return nil
	}

	target := latest
	if def.MultiVersion {
		// The selected version of a multi-version service is a pin:
		// automatic updates stay within its major.minor branch. Moving to
		// another branch is always an explicit switch.
		target = info.BranchLatest(current)
	}
	if target == "" || !version.Greater(target, current) {
		return nil
	}
	return o.updateTo(ctx, def, current, target)
}

func (o *Orchestrator) installVersion(ctx context.Context, def service.Definition, v string, firstInstall bool) error {
	url := o.versions.DownloadFor(def.ID, v)
	if url == "" {
		return fmt.Errorf("no download source for %s %s", def.ID, v)
	}
	dest := o.versions.InstallDir(def.ID, v)
	if err := o.inst.Install(ctx, def, v, url, firstInstall, dest); err != nil {
		return err
	}
	if err := o.versions.RecordInstall(def.ID, v); err != nil {
		return err
	}
	if def.MultiVersion {
		if err := o.versions.Repoint(def.ID, v); err != nil {
			return err
		}
	}
	o.record(history.Event{Type: history.EventInstall, Service: def.ID, Version: v})
	o.notifier.Notify(def.DisplayName, fmt.Sprintf("Installed version %s", v))
	return nil
}

// updateTo replaces current with latest, bridging a running instance across
// the file swap.
func (o *Orchestrator) updateTo(ctx context.Context, def service.Definition, current, latest string) error {
	o.logger.Info("update available", "service", def.ID, "current", current, "latest", latest)
	wasRunning := o.running(def.ID)
	if wasRunning {
		if err := o.Stop(def.ID); err != nil {
			return fmt.Errorf("stop before update: %w", err)
		}
	}
	// A fresh version directory of a multi-version service has no config
	// yet, so it goes through the first-install path; in-place updates
	// (single-version services, patch updates within a branch) never do.
	_, statErr := os.Stat(o.versions.InstallDir(def.ID, latest))
	firstInstall := def.MultiVersion && statErr != nil
	if err := o.installVersion(ctx, def, latest, firstInstall); err != nil {
		return err
	}
	o.record(history.Event{Type: history.EventUpdate, Service: def.ID, Version: latest,
		Detail: fmt.Sprintf("from %s", current)})
	o.notifier.Notify(def.DisplayName, fmt.Sprintf("Updated %s to %s", current, latest))
	if wasRunning {
		return o.Start(def.ID)
	}
	return nil
}

// SwitchVersion changes the active version of a multi-version service.
// A target that is already installed only needs a stop, a pointer repoint,
// and a start; otherwise the target is installed first. The previous
// version's files are never touched.
func (o *Orchestrator) SwitchVersion(ctx context.Context, id, target string) error {
	def, ok := o.defs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	current := o.versions.Current(id)
	if current == target {
		return nil
	}
	needInstall, url, err := o.versions.SwitchTarget(id, target)
	if err != nil {
		return err
	}
	if needInstall {
		dest := o.versions.InstallDir(id, target)
		if err := o.inst.Install(ctx, def, target, url, true, dest); err != nil {
			return err
		}
	}

	wasRunning := o.running(id)
	if wasRunning {
		if err := o.Stop(id); err != nil {
			return fmt.Errorf("stop before switch: %w", err)
		}
	}
	if err := o.versions.Repoint(id, target); err != nil {
		return err
	}
	if err := o.versions.Select(id, target); err != nil {
		return err
	}
	o.registerWatches()
	o.record(history.Event{Type: history.EventSwitch, Service: id, Version: target,
		Detail: fmt.Sprintf("from %s", current)})
	o.notifier.Notify(def.DisplayName, fmt.Sprintf("Switched to version %s", target))
	if wasRunning {
		return o.Start(id)
	}
	return nil
}

// CheckUpdates refreshes the remote view for all services.
func (o *Orchestrator) CheckUpdates(ctx context.Context) map[string]version.Info {
	return o.versions.CheckRemote(ctx, o.feed)
}

// Start starts one service. Process-less services have nothing to start;
// their status is derived from their prerequisites.
func (o *Orchestrator) Start(id string) error {
	def, ok := o.defs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	if !def.HasProcess() {
		return nil
	}
	if o.versions.Current(id) == version.NotInstalled {
		return fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}
	sup := o.supervisorFor(def)
	if err := sup.Start(); err != nil {
		o.notifier.Notify(def.DisplayName, fmt.Sprintf("Start failed: %v", err))
		return err
	}
	st := sup.Status()
	o.record(history.Event{Type: history.EventStart, Service: id,
		Version: o.versions.Current(id), PID: st.PID})
	return nil
}

// Stop stops one service.
func (o *Orchestrator) Stop(id string) error {
	def, ok := o.defs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	if !def.HasProcess() {
		return nil
	}
	o.mu.RLock()
	sup := o.sups[id]
	o.mu.RUnlock()
	if sup != nil && sup.Status().Running {
		if err := sup.Stop(); err != nil {
			return err
		}
	} else if supervisor.ExternalRunning(def) {
		// Survivors of a previous host run are stopped through the same
		// graceful sequence even without a process handle.
		if err := supervisor.StopDetached(def, def.Dir(o.root)); err != nil {
			return err
		}
	} else {
		return nil
	}
	o.record(history.Event{Type: history.EventStop, Service: id, Version: o.versions.Current(id)})
	return nil
}

// Restart restarts one service, running its config dry-run check first
// where the service defines one.
func (o *Orchestrator) Restart(id string) error {
	def, ok := o.defs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	if !def.HasProcess() {
		return nil
	}
	if o.versions.Current(id) == version.NotInstalled {
		return fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}
	return o.supervisorFor(def).Restart()
}

// StartAll starts every installed process service concurrently and waits
// for all of them to settle. Per-service failures are joined, never
// short-circuited: one refusing to start does not keep the rest down.
func (o *Orchestrator) StartAll() error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range o.order {
		def := o.defs[id]
		if !def.HasProcess() || o.versions.Current(id) == version.NotInstalled {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := o.Start(id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StopAll stops the whole fleet under the global deadline. Exceeding the
// deadline, or a fatal database stop, is returned so the host can exit
// nonzero.
func (o *Orchestrator) StopAll() error {
	o.mu.RLock()
	sups := make(map[string]*supervisor.Supervisor, len(o.sups))
	for id, s := range o.sups {
		sups[id] = s
	}
	o.mu.RUnlock()

	for _, s := range sups {
		s.SetFleetShutdown(true)
	}
	defer func() {
		for _, s := range sups {
			s.SetFleetShutdown(false)
		}
	}()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range o.order {
		def := o.defs[id]
		if !def.HasProcess() {
			continue
		}
		sup := sups[id]
		if sup == nil && !supervisor.ExternalRunning(def) {
			continue
		}
		wg.Add(1)
		go func(id string, def service.Definition, s *supervisor.Supervisor) {
			defer wg.Done()
			var err error
			if s != nil {
				err = s.Stop()
			} else {
				err = supervisor.StopDetached(def, def.Dir(o.root))
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
				return
			}
			o.record(history.Event{Type: history.EventStop, Service: id,
				Version: o.versions.Current(id)})
		}(id, def, sup)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(o.stopTimeout):
		return fmt.Errorf("%w after %s", ErrStopDeadline, o.stopTimeout)
	}
	return errors.Join(errs...)
}

// ServiceStatus is one row of the fleet status view.
type ServiceStatus struct {
	supervisor.Status
	DisplayName string `json:"display_name"`
	Version     string `json:"version,omitempty"`
	Installed   bool   `json:"installed"`
}

// Status reports every service in catalog order. Process-less services get
// a derived state: running when all their prerequisites are.
func (o *Orchestrator) Status() []ServiceStatus {
	byID := make(map[string]ServiceStatus, len(o.order))
	out := make([]ServiceStatus, 0, len(o.order))
	for _, id := range o.order {
		def := o.defs[id]
		v := o.versions.Current(id)
		st := ServiceStatus{
			DisplayName: def.DisplayName,
			Version:     v,
			Installed:   v != version.NotInstalled,
		}
		st.Service = id
		st.State = supervisor.StateStopped.String()
		if def.HasProcess() {
			o.mu.RLock()
			sup := o.sups[id]
			o.mu.RUnlock()
			if sup != nil {
				st.Status = sup.Status()
			}
		} else {
			running := st.Installed && len(def.Requires) > 0
			for _, req := range def.Requires {
				if !byID[req].Running {
					running = false
					break
				}
			}
			st.Running = running
			if running {
				st.State = supervisor.StateRunning.String()
			}
		}
		byID[id] = st
		out = append(out, st)
	}
	return out
}

// Output returns the captured trailing output window of one service.
func (o *Orchestrator) Output(id string) []byte {
	o.mu.RLock()
	sup := o.sups[id]
	o.mu.RUnlock()
	if sup == nil {
		return nil
	}
	return sup.Output()
}

// Close shuts the fleet down and releases all resources. The StopAll error,
// if any, is returned after cleanup so the caller can still exit nonzero.
func (o *Orchestrator) Close() error {
	stopErr := o.StopAll()
	close(o.stopCh)
	_ = o.watch.Close()
	o.mu.Lock()
	for _, s := range o.sups {
		_ = s.Shutdown()
	}
	o.sups = make(map[string]*supervisor.Supervisor)
	o.mu.Unlock()
	o.wg.Wait()
	return stopErr
}

func (o *Orchestrator) supervisorFor(def service.Definition) *supervisor.Supervisor {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sups[def.ID]; ok {
		return s
	}
	s := supervisor.New(def, def.Dir(o.root), o.logCfg, o.crashC)
	o.sups[def.ID] = s
	return s
}

func (o *Orchestrator) running(id string) bool {
	o.mu.RLock()
	sup := o.sups[id]
	o.mu.RUnlock()
	return sup != nil && sup.Status().Running
}

// registerWatches (re-)registers the live config file of every installed
// service. Re-registering after installs or switches refreshes the stored
// content hash.
func (o *Orchestrator) registerWatches() {
	for _, id := range o.order {
		def := o.defs[id]
		cfg := def.ConfigFile(o.root)
		if cfg == "" || o.versions.Current(id) == version.NotInstalled {
			continue
		}
		if err := o.watch.Add(id, cfg); err != nil {
			o.logger.Warn("cannot watch config", "service", id, "path", cfg, "error", err)
		}
	}
}

// routeCrashes turns crash signals into notifications and history events.
// Crashed services are deliberately never restarted automatically; the
// operator decides when the underlying cause is fixed.
func (o *Orchestrator) routeCrashes() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case ev := <-o.crashC:
			def := o.defs[ev.Service]
			o.logger.Error("service crashed", "service", ev.Service, "pid", ev.PID, "error", ev.ExitErr)
			o.record(history.Event{Type: history.EventCrash, Service: ev.Service,
				Version: o.versions.Current(ev.Service), PID: ev.PID,
				Detail: fmt.Sprint(ev.ExitErr)})
			o.notifier.Notify(def.DisplayName,
				fmt.Sprintf("Process exited unexpectedly (pid %d): %v", ev.PID, ev.ExitErr))
		}
	}
}

// routeConfigChanges restarts a running service whose config content
// changed. Stopped services are left alone; the new config takes effect on
// their next start anyway.
func (o *Orchestrator) routeConfigChanges() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case ev, ok := <-o.watch.Events():
			if !ok {
				return
			}
			def := o.defs[ev.Service]
			if !o.running(ev.Service) {
				o.logger.Info("config changed while stopped, applied on next start", "service", ev.Service)
				continue
			}
			o.logger.Info("config changed, restarting", "service", ev.Service)
			if err := o.Restart(ev.Service); err != nil {
				o.notifier.Notify(def.DisplayName, fmt.Sprintf("Restart after config change failed: %v", err))
				o.logger.Error("restart after config change", "service", ev.Service, "error", err)
				continue
			}
			metrics.IncConfigReload(ev.Service)
			o.record(history.Event{Type: history.EventConfigReload, Service: ev.Service,
				Version: o.versions.Current(ev.Service), Detail: ev.Path})
		}
	}
}

// record fans an event out to every sink. Sink failures are logged and
// swallowed: exporting history must never affect lifecycle operations.
func (o *Orchestrator) record(e history.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range o.sinks {
		if err := s.Send(ctx, e); err != nil {
			o.logger.Warn("history sink send failed", "type", e.Type, "error", err)
		}
	}
}
