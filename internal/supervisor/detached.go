package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stackd/stackd/internal/service"
)

// ExternalRunning reports whether an instance of the service's executable
// is alive without this process supervising it.
func ExternalRunning(def service.Definition) bool {
	return def.HasProcess() && externalInstanceRunning(def.ExeName, 0)
}

// StopDetached stops instances this process did not start, e.g. survivors
// of a previous host run. The sequence mirrors a supervised stop: graceful
// command with retries, rescue where defined, force-kill by name otherwise.
func StopDetached(def service.Definition, dir string) error {
	if !ExternalRunning(def) {
		return nil
	}
	log := slog.Default().With(slog.String("service", def.ID))
	caps := service.CapabilitiesFor(def.Kind)

	if caps.GracefulStop != nil {
		attempts := caps.GracefulStopRetries + 1
		delay := caps.GracefulStopDelay
		if delay <= 0 {
			delay = time.Second
		}
		var lastErr error
		for attempt := 1; attempt <= attempts; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), gracefulAttemptTimeout)
			lastErr = caps.GracefulStop(ctx, dir)
			cancel()
			if lastErr == nil && waitGone(def, gracefulExitWait) {
				return nil
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("process still alive after accepted shutdown request")
			}
			log.Warn("graceful shutdown attempt failed", "attempt", attempt, "of", attempts, "error", lastErr)
			if attempt < attempts {
				time.Sleep(delay)
			}
		}
		if caps.Rescue != nil {
			timeout := caps.RescueTimeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := caps.Rescue(ctx, dir); err != nil {
				return fmt.Errorf("%w: %s: %v (last graceful error: %v)", ErrStopFatal, def.ID, err, lastErr)
			}
			if waitGone(def, gracefulExitWait) {
				return nil
			}
			return fmt.Errorf("%w: %s: instance survived rescue shutdown", ErrStopFatal, def.ID)
		}
	}

	killByName(def.ExeName)
	if !waitGone(def, defaultStopWait) {
		return fmt.Errorf("instances of %s still running after kill", def.ExeName)
	}
	return nil
}

func waitGone(def service.Definition, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !ExternalRunning(def) {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return !ExternalRunning(def)
}
