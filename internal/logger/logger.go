package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for service output logs.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes captured-output destinations for a supervised service.
// If StdoutPath/StderrPath are empty and Dir is set, files will be
// Dir/<id>.stdout.log and Dir/<id>.stderr.log. Rotation parameters follow
// lumberjack semantics.
type Config struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	StdoutPath string `toml:"stdout" mapstructure:"stdout"`
	StderrPath string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// Writers returns io.WriteClosers for stdout and stderr of a service.
func (c Config) Writers(id string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", id))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", id))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.newRotating(stdout)
	}
	if stderr != "" {
		errW = c.newRotating(stderr)
	}
	return outW, errW, nil
}

func (c Config) newRotating(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Setup installs the host logger: colored text on stderr at the given
// level. Returns the logger so callers can attach component attributes.
func Setup(level slog.Level) *slog.Logger {
	h := NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}, true)
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}
