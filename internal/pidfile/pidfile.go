package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var pidFilePath string // Unexported, for testing override

// SetPIDFilePath overrides the PID file location for every port. An empty
// path restores the default.
func SetPIDFilePath(path string) {
	pidFilePath = path
}

// Path returns the PID file path for the proxy listening on port.
func Path(port int) (string, error) {
	if pidFilePath != "" {
		return pidFilePath, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(configDir, "proxystarter")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("proxystarter-%d.pid", port)), nil
}

// ErrAlreadyRunning is returned by Write when the PID file names a live process.
var ErrAlreadyRunning = errors.New("proxystarter is already running")

// Write writes the current process ID to the PID file for port. A file left
// behind by a process that is no longer alive is replaced.
func Write(port int) error {
	pidPath, err := Path(port)
	if err != nil {
		return fmt.Errorf("could not get pidfile path: %w", err)
	}

	if pid, ok := Running(port); ok {
		return fmt.Errorf("%w: pid %d (%s)", ErrAlreadyRunning, pid, pidPath)
	}

	return os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// Running reports the PID recorded for port and whether that process is alive.
func Running(port int) (int, bool) {
	pid, err := Read(port)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, alive(pid)
}

// Read reads the process ID from the PID file for port.
func Read(port int) (int, error) {
	pidPath, err := Path(port)
	if err != nil {
		return 0, err
	}

	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// Remove deletes the PID file for port.
func Remove(port int) error {
	pidPath, err := Path(port)
	if err != nil {
		return err
	}
	return os.Remove(pidPath)
}
