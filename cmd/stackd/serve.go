package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stackd/stackd"
)

// Serve runs the daemon: initialize the fleet, start everything, expose
// the HTTP API, and supervise until interrupted. The final StopAll error
// propagates so the process exits nonzero when shutdown fails.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	defer env.close()
	lock, err := acquireLock(env.cfg.Root)
	if err != nil {
		return err
	}
	defer lock.release()

	if err := env.engine.Initialize(ctx); err != nil {
		// Per-service install failures are already logged and notified;
		// the daemon still supervises whatever is installed.
		slog.Warn("initialization incomplete", "error", err)
	}
	if err := env.engine.StartAll(); err != nil {
		slog.Warn("not all services started", "error", err)
	}

	listen := f.Listen
	if listen == "" {
		listen = env.cfg.Listen
	}
	srv, err := stackd.NewHTTPServer(listen, "/api", env.engine, env.cfg.Root)
	if err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	slog.Info("daemon ready", "listen", listen, "root", env.cfg.Root)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		slog.Info("shutting down", "signal", s.String())
	case <-ctx.Done():
		slog.Info("shutting down", "reason", ctx.Err())
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		_ = srv.Close()
	}

	if err := env.engine.Close(); err != nil {
		if errors.Is(err, stackd.ErrStopDeadline) || errors.Is(err, stackd.ErrStopFatal) {
			return err
		}
		slog.Warn("shutdown finished with errors", "error", err)
	}
	return nil
}
