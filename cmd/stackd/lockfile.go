package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// lockFile guards against two stackd instances mutating the same
// installation root concurrently.
type lockFile struct {
	f *os.File
}

// acquireLock takes an exclusive non-blocking flock on <root>/stackd.lock
// and writes our pid into it for diagnostics. A held lock means another
// instance is active; the caller reports that instead of proceeding.
func acquireLock(root string) (*lockFile, error) {
	path := filepath.Join(root, "stackd.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) // #nosec G304 -- path derives from the configured root
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		pid, _ := os.ReadFile(path) // #nosec G304
		_ = f.Close()
		return nil, fmt.Errorf("another stackd instance is active (pid %s) on %s", string(pid), root)
	}
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	return &lockFile{f: f}, nil
}

func (l *lockFile) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	name := l.f.Name()
	_ = l.f.Close()
	_ = os.Remove(name)
	l.f = nil
}
