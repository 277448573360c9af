package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// findByExeName lists PIDs of processes whose command name matches exeName,
// excluding the given PIDs (our own children). Overridable in tests.
var findByExeName = procScan

// procScan walks /proc comparing each process's comm entry against exeName.
// comm truncates at 15 characters, which is why the comparison does too.
func procScan(exeName string, exclude map[int]bool) []int {
	short := exeName
	if len(short) > 15 {
		short = short[:15]
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || exclude[pid] || pid == os.Getpid() {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == short {
			pids = append(pids, pid)
		}
	}
	return pids
}

// externalInstanceRunning reports whether a process with the service's
// executable name is alive outside this supervisor's tracking. Duplicate
// instances left over from a crash or launched manually must be surfaced,
// not adopted.
func externalInstanceRunning(exeName string, trackedPID int) bool {
	exclude := map[int]bool{}
	if trackedPID > 0 {
		exclude[trackedPID] = true
	}
	return len(findByExeName(exeName, exclude)) > 0
}

// killByName force-terminates every process matching the executable name,
// the tracked instance included. Last-resort fallback when signalling
// through the handle already failed.
func killByName(exeName string) int {
	killed := 0
	for _, pid := range findByExeName(exeName, map[int]bool{}) {
		if err := syscall.Kill(pid, syscall.SIGKILL); err == nil {
			killed++
		}
	}
	return killed
}
