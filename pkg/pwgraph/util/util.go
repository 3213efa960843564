package util

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	ps "github.com/mitchellh/go-ps"
	"go.uber.org/zap"
)

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// FileExists checks if a file exists and is not a directory before we
// try using it to prevent further errors.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// DumpAllGoroutines writes stack traces of all goroutines to the logger
func DumpAllGoroutines(logger *zap.SugaredLogger) {
	buf := make([]byte, 1024*1024) // 1MB buffer
	n := runtime.Stack(buf, true)
	logger.Errorw("All goroutines stack trace", "stack", string(buf[:n]))
}

// ProcessBinary returns the executable name of the given process ID.
// Streams that don't announce their binary get it filled in from here
func ProcessBinary(pid int) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("find process %d: invalid pid", pid)
	}

	// the full path is more reliable than the truncated process name, when we can get it
	if path, err := processPath(pid); err == nil {
		return filepath.Base(path), nil
	}

	process, err := ps.FindProcess(pid)
	if err != nil {
		return "", fmt.Errorf("find process %d: %w", pid, err)
	}

	if process == nil {
		return "", fmt.Errorf("find process %d: no such process", pid)
	}

	return process.Executable(), nil
}

// NormalizeScalar "trims" the given float32 to 2 points of precision (e.g. 0.15442 -> 0.15)
func NormalizeScalar(v float32) float32 {
	return float32(math.Floor(float64(v)*100) / 100.0)
}
