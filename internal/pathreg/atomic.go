package pathreg

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteAtomic writes data to target by first writing a temp file in the
// same directory, then renaming it into place. Readers never observe a
// partially-written target: the rename is atomic on a single filesystem.
// On any failure the temp file is removed and target is left untouched.
func WriteAtomic(target string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", dir, err)
	}

	tmp := fmt.Sprintf("%s.%d.%s.tmp", target, os.Getpid(), uuid.NewString())
	if err := os.WriteFile(tmp, data, perm); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cannot write temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cannot rename %s to %s: %w", tmp, target, err)
	}
	return nil
}

// WritePID atomically writes pid as ASCII decimal to path.
func WritePID(path string, pid int) error {
	return WriteAtomic(path, []byte(fmt.Sprintf("%d", pid)), 0o600)
}

// ReadPID reads an ASCII decimal PID from path. Returns (0, nil) if the
// file does not exist.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

// CleanupPIDFile removes path, tolerating its absence.
func CleanupPIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadChromePID reads the cached Chrome PID, auto-removing the file if the
// PID is dead or unparseable (spec.md §4.1).
func ReadChromePID(path string) (int, error) {
	pid, err := ReadPID(path)
	if err != nil {
		os.Remove(path)
		return 0, nil
	}
	if pid == 0 {
		return 0, nil
	}
	if !IsProcessAlive(pid) {
		os.Remove(path)
		return 0, nil
	}
	return pid, nil
}
