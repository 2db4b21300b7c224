package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	pidFileName    = "aide.pid"
	statusFileName = "status.json"
)

// PIDPath is where a daemon using dataDir records its process id.
func PIDPath(dataDir string) string {
	return filepath.Join(dataDir, pidFileName)
}

// StatusPath is where a daemon using dataDir writes its live status.
func StatusPath(dataDir string) string {
	return filepath.Join(dataDir, statusFileName)
}

// ReadPID reads the process id recorded in path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", path)
	}
	return pid, nil
}

// ProcessRunning reports whether pid names a live process.
func ProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// acquirePIDFile writes the current pid to path, refusing when another live
// daemon already owns it. A PID file left by a dead process is replaced.
func acquirePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if pid, err := ReadPID(path); err == nil && pid != os.Getpid() && ProcessRunning(pid) {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// releasePIDFile removes path if it still names this process.
func releasePIDFile(path string) error {
	pid, err := ReadPID(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}
