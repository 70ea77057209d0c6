package ota

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FileFlasher stages a received image on disk and restarts the process so
// the supervisor relaunches it on the new binary.
type FileFlasher struct {
	Path string
	Log  *slog.Logger

	// exit is swapped out in tests
	exit func(code int)
}

func NewFileFlasher(path string, logger *slog.Logger) *FileFlasher {
	return &FileFlasher{Path: path, Log: logger, exit: os.Exit}
}

// Write lands the image atomically so a crash mid-write never leaves a
// truncated binary at the staging path.
func (f *FileFlasher) Write(image []byte) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".fw-*")
	if err != nil {
		return fmt.Errorf("create temp image: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(image); err != nil {
		tmp.Close()
		return fmt.Errorf("write image: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close image: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return fmt.Errorf("chmod image: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("install image: %w", err)
	}
	return nil
}

// Restart hands control back to the process supervisor.
func (f *FileFlasher) Restart() {
	f.Log.Info("restarting into new firmware", "path", f.Path)
	f.exit(0)
}
