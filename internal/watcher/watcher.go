package watcher

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultDebounce coalesces the burst of filesystem events an editor
	// save produces into one evaluation.
	DefaultDebounce = 500 * time.Millisecond
	// DefaultCooldown holds back further triggers for a path right after
	// one fired, so a restart is never immediately re-triggered. Changes
	// arriving inside the window fire once it lapses.
	DefaultCooldown = 5 * time.Second
)

// Event reports that a watched configuration file changed content.
type Event struct {
	Service string
	Path    string
}

type target struct {
	service   string
	hash      [sha256.Size]byte
	hasHash   bool
	lastFired time.Time
}

// Watcher observes service configuration files and emits an Event only
// when the file content actually changed. Parent directories are watched
// rather than the files themselves, so editors that replace the file
// (write-to-temp then rename) stay visible.
//
// Three layers keep noise out: a per-path debounce window, a cooldown
// after each fired event, and a content hash so rewrites with identical
// bytes (including our own) never trigger anything.
type Watcher struct {
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	debounce time.Duration
	cooldown time.Duration

	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	closed  bool
	targets map[string]*target
	timers  map[string]*time.Timer
	dirs    map[string]bool
}

// New creates a watcher. Zero durations select the defaults.
func New(debounce, cooldown time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	w := &Watcher{
		logger:   slog.Default().With(slog.String("component", "watcher")),
		fsw:      fsw,
		debounce: debounce,
		cooldown: cooldown,
		events:   make(chan Event, 16),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		targets:  make(map[string]*target),
		timers:   make(map[string]*time.Timer),
		dirs:     make(map[string]bool),
	}
	go w.run()
	return w, nil
}

// Events is the stream of confirmed content changes. The channel stays
// open across Close; consumers leave through their own stop signal.
func (w *Watcher) Events() <-chan Event { return w.events }

// Add registers a configuration file for the given service. The current
// content hash is recorded so only future changes fire.
func (w *Watcher) Add(service, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	t := &target{service: service}
	if sum, err := hashFile(abs); err == nil {
		t.hash, t.hasHash = sum, true
	}

	dir := filepath.Dir(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirs[dir] {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	w.targets[abs] = t
	w.logger.Debug("watching config", "service", service, "path", abs)
	return nil
}

// MarkClean re-records the current content hash for a path, typically
// after the caller rewrote the file itself.
func (w *Watcher) MarkClean(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.targets[abs]
	if !ok {
		return
	}
	if sum, err := hashFile(abs); err == nil {
		t.hash, t.hasHash = sum, true
	}
}

// Close stops the watcher. Pending debounce timers are cancelled first so
// none of them races the teardown.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	close(w.stopCh)
	err := w.fsw.Close()
	<-w.doneCh
	return err
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fs watch error", "error", err)
		}
	}
}

// schedule arms (or re-arms) the debounce timer for a tracked path.
func (w *Watcher) schedule(name string) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, ok := w.targets[abs]; !ok {
		return
	}
	if timer, ok := w.timers[abs]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[abs] = time.AfterFunc(w.debounce, func() { w.evaluate(abs) })
}

// evaluate runs after the debounce window: compare content hash, honor the
// cooldown, then emit.
func (w *Watcher) evaluate(abs string) {
	w.mu.Lock()
	delete(w.timers, abs)
	if w.closed {
		w.mu.Unlock()
		return
	}
	t, ok := w.targets[abs]
	if !ok {
		w.mu.Unlock()
		return
	}
	sum, err := hashFile(abs)
	if err != nil {
		// Transient: the file may be mid-replace. The next event retries.
		w.mu.Unlock()
		w.logger.Debug("config unreadable, skipping", "path", abs, "error", err)
		return
	}
	if t.hasHash && sum == t.hash {
		w.mu.Unlock()
		w.logger.Debug("config rewritten with identical content, ignoring", "path", abs)
		return
	}
	now := time.Now()
	if !t.lastFired.IsZero() {
		if remaining := w.cooldown - now.Sub(t.lastFired); remaining > 0 {
			// Defer rather than drop: the stored hash stays stale, so the
			// re-evaluation after the cooldown still sees the change.
			w.timers[abs] = time.AfterFunc(remaining, func() { w.evaluate(abs) })
			w.mu.Unlock()
			w.logger.Debug("config change within cooldown, deferred", "path", abs)
			return
		}
	}
	t.hash, t.hasHash = sum, true
	t.lastFired = now
	service := t.service
	w.mu.Unlock()

	select {
	case w.events <- Event{Service: service, Path: abs}:
		w.logger.Info("config changed", "service", service, "path", abs)
	case <-w.stopCh:
	}
}

func hashFile(path string) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	data, err := os.ReadFile(path) // #nosec G304 -- paths come from the static catalog
	if err != nil {
		return sum, err
	}
	return sha256.Sum256(data), nil
}
