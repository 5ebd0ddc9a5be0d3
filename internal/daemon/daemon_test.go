package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPidFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paf.pid")

	if err := WritePidFile(path); err != nil {
		t.Fatalf("WritePidFile: %v", err)
	}
	pid, err := ReadPidFile(path)
	if err != nil {
		t.Fatalf("ReadPidFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}

	// The current process is trivially alive, so a second write must be
	// refused.
	if err := WritePidFile(path); err == nil {
		t.Fatal("expected second WritePidFile to fail while running")
	}
}

func TestStatusCleansStalePidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paf.pid")

	// Large pids beyond pid_max cannot belong to a live process.
	if err := os.WriteFile(path, []byte("999999999"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Status(path); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Status = %v, want ErrNotRunning", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("stale pid file not removed")
	}
}

func TestStatusMissingFile(t *testing.T) {
	if _, err := Status(filepath.Join(t.TempDir(), "paf.pid")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Status = %v, want ErrNotRunning", err)
	}
}

func TestReadPidFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paf.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPidFile(path); err == nil {
		t.Fatal("expected error for malformed pid file")
	}
}

func TestIsRunning(t *testing.T) {
	if !IsRunning(os.Getpid()) {
		t.Fatal("current process reported not running")
	}
	if IsRunning(0) || IsRunning(-1) {
		t.Fatal("non-positive pids must report not running")
	}
}
