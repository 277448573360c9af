package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/stackd/stackd"
	"github.com/stackd/stackd/internal/config"
	"github.com/stackd/stackd/internal/history"
	"github.com/stackd/stackd/internal/history/clickhouse"
	"github.com/stackd/stackd/internal/logger"
	"github.com/stackd/stackd/internal/orchestrator"
	"github.com/stackd/stackd/internal/settings"
)

type command struct {
	flags *GlobalFlags
}

// environment is everything a command run needs, torn down afterwards.
type environment struct {
	cfg    *config.FileConfig
	engine *stackd.Engine
	st     settings.Store
	sinks  []history.Sink
}

func (e *environment) close() {
	for _, s := range e.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
	_ = e.st.Close()
}

// setup loads configuration, installs logging and metrics, opens the
// settings store and history sinks, and builds the engine.
func (c *command) setup() (*environment, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	logger.Setup(parseLevel(cfg.Level()))
	_ = stackd.RegisterMetricsDefault()

	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, fmt.Errorf("create installation root: %w", err)
	}
	defs, err := cfg.Definitions()
	if err != nil {
		return nil, err
	}
	st, err := settings.NewSQLiteStore(cfg.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}
	sinks, err := buildSinks(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	engine, err := stackd.New(orchestrator.Options{
		Root:           cfg.Root,
		Settings:       st,
		Defs:           defs,
		FeedURL:        cfg.FeedURL,
		LogCfg:         cfg.LoggerConfig(),
		Sinks:          sinks,
		StopAllTimeout: cfg.StopTimeout,
		WatchDebounce:  cfg.WatchDebounce,
		WatchCooldown:  cfg.WatchCooldown,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &environment{cfg: cfg, engine: engine, st: st, sinks: sinks}, nil
}

func (c *command) loadConfig() (*config.FileConfig, error) {
	if c.flags.ConfigPath != "" {
		return config.Load(c.flags.ConfigPath)
	}
	root := c.flags.Root
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("no --root given and home directory unknown: %w", err)
		}
		root = filepath.Join(home, "stackd")
	}
	return config.Default(root)
}

func buildSinks(cfg *config.FileConfig) ([]history.Sink, error) {
	if cfg.History == nil {
		return nil, nil
	}
	var sinks []history.Sink
	if cfg.History.SQLDSN != "" {
		s, err := history.NewSQLSinkFromDSN(cfg.History.SQLDSN)
		if err != nil {
			return nil, fmt.Errorf("history sql sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.History.ClickHouseAddr != "" {
		table := cfg.History.ClickHouseTable
		if table == "" {
			table = "service_history"
		}
		s, err := clickhouse.New(cfg.History.ClickHouseAddr, table)
		if err != nil {
			return nil, fmt.Errorf("history clickhouse sink: %w", err)
		}
		if err := s.EnsureSchema(context.Background()); err != nil {
			return nil, fmt.Errorf("history clickhouse schema: %w", err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Up installs or updates every service and starts the fleet.
func (c *command) Up(ctx context.Context) error {
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
		return err
	}
	if err := env.engine.StartAll(); err != nil {
		return err
	}
	return c.printStatus(env.engine)
}

// Down stops every running service, supervised or left over from a
// previous run.
func (c *command) Down() error {
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
	if err := env.engine.StopAll(); err != nil {
		return err
	}
	return c.printStatus(env.engine)
}

func (c *command) Start(f ServiceFlags) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	defer env.close()
	if err := env.engine.Versions().Reconcile(); err != nil {
		return err
	}
	if f.Name == "" {
		if err := env.engine.StartAll(); err != nil {
			return err
		}
	} else if err := env.engine.Start(f.Name); err != nil {
		return err
	}
	return c.printStatus(env.engine)
}

func (c *command) Stop(f ServiceFlags) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	defer env.close()
	if f.Name == "" {
		if err := env.engine.StopAll(); err != nil {
			return err
		}
	} else if err := env.engine.Stop(f.Name); err != nil {
		return err
	}
	return c.printStatus(env.engine)
}

func (c *command) Restart(f ServiceFlags) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	defer env.close()
	if err := env.engine.Versions().Reconcile(); err != nil {
		return err
	}
	if err := env.engine.Restart(f.Name); err != nil {
		return err
	}
	return c.printStatus(env.engine)
}

func (c *command) Status() error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	defer env.close()
	if err := env.engine.Versions().Reconcile(); err != nil {
		return err
	}
	return c.printStatus(env.engine)
}

func (c *command) Versions(ctx context.Context) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	defer env.close()
	vs := env.engine.Versions()
	if err := vs.Reconcile(); err != nil {
		return err
	}
	env.engine.CheckUpdates(ctx)

	type row struct {
		Service   string             `json:"service"`
		Current   string             `json:"current,omitempty"`
		Installed []string           `json:"installed,omitempty"`
		Remote    stackd.VersionInfo `json:"remote"`
	}
	rows := make([]row, 0)
	for _, d := range env.engine.Definitions() {
		info, _ := vs.Remote(d.ID)
		rows = append(rows, row{Service: d.ID, Current: vs.Current(d.ID), Installed: vs.Installed(d.ID), Remote: info})
	}
	if c.flags.JSON {
		return printJSON(rows)
	}
	for _, r := range rows {
		cur := r.Current
		if cur == "" {
			cur = "-"
		}
		fmt.Printf("%-12s current=%-10s installed=[%s] latest=%s\n",
			r.Service, cur, strings.Join(r.Installed, ", "), r.Remote.Latest.Version)
	}
	return nil
}

func (c *command) Switch(ctx context.Context, f SwitchFlags) error {
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

	if err := env.engine.Versions().Reconcile(); err != nil {
		return err
	}
	env.engine.CheckUpdates(ctx)
	if err := env.engine.SwitchVersion(ctx, f.Name, f.Version); err != nil {
		return err
	}
	return c.printStatus(env.engine)
}

func (c *command) CheckUpdates(ctx context.Context) error {
	env, err := c.setup()
	if err != nil {
		return err
	}
	defer env.close()
	if err := env.engine.Versions().Reconcile(); err != nil {
		return err
	}
	infos := env.engine.CheckUpdates(ctx)
	if c.flags.JSON {
		return printJSON(infos)
	}
	for _, d := range env.engine.Definitions() {
		info := infos[d.ID]
		cur := env.engine.Versions().Current(d.ID)
		switch {
		case info.Degraded:
			fmt.Printf("%-12s feed unavailable (installed: %s)\n", d.ID, orDash(cur))
		case cur != "" && info.Latest.Version != "" && info.Latest.Version != cur:
			fmt.Printf("%-12s update available: %s -> %s\n", d.ID, cur, info.Latest.Version)
		default:
			fmt.Printf("%-12s up to date (%s)\n", d.ID, orDash(cur))
		}
	}
	return nil
}

func (c *command) printStatus(e *stackd.Engine) error {
	sts := e.Status()
	if c.flags.JSON {
		return printJSON(sts)
	}
	for _, st := range sts {
		pid := ""
		if st.PID > 0 && st.Running {
			pid = fmt.Sprintf(" pid=%d", st.PID)
		}
		ver := ""
		if st.Version != "" {
			ver = " version=" + st.Version
		}
		fmt.Printf("%-12s %-8s%s%s\n", st.Service, st.State, ver, pid)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
