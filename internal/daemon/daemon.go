// Package daemon manages the background process lifecycle: the pid
// file, liveness checks, stop signalling, and log file rotation.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrNotRunning is returned when no live daemon is found behind the pid
// file.
var ErrNotRunning = errors.New("daemon not running")

const stopGracePeriod = 10 * time.Second

// WritePidFile records the current process id. Fails if another live
// daemon already owns the file.
func WritePidFile(path string) error {
	if pid, err := ReadPidFile(path); err == nil && IsRunning(pid) {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReadPidFile returns the pid recorded in the file.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePidFile deletes the pid file, ignoring a missing file.
func RemovePidFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[daemon] remove pid file: %v", err)
	}
}

// IsRunning reports whether a process with the given pid is alive.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

// Status returns the pid of the live daemon behind the pid file, or
// ErrNotRunning. A stale pid file is removed.
func Status(path string) (int, error) {
	pid, err := ReadPidFile(path)
	if err != nil {
		return 0, ErrNotRunning
	}
	if !IsRunning(pid) {
		RemovePidFile(path)
		return 0, ErrNotRunning
	}
	return pid, nil
}

// Stop terminates the daemon behind the pid file: SIGTERM first, then
// SIGKILL after the grace period.
func Stop(path string) error {
	pid, err := Status(path)
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.Now().Add(stopGracePeriod)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			RemovePidFile(path)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	log.Printf("[daemon] pid %d did not exit within %s, sending SIGKILL", pid, stopGracePeriod)
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return err
	}
	RemovePidFile(path)
	return nil
}

// LogOptions configures rotation of the daemon log file.
type LogOptions struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Tee mirrors log output to stderr in addition to the file.
	Tee bool
}

// SetupLogging points the standard logger at a rotating file under the
// log directory and returns a closer for the file sink.
func SetupLogging(opts LogOptions) (io.Closer, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	sink := &lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, "paf.log"),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	if opts.Tee {
		log.SetOutput(io.MultiWriter(os.Stderr, sink))
	} else {
		log.SetOutput(sink)
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	return sink, nil
}
