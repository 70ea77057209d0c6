// Package firmware tracks the node's local stock of firmware images and
// notices when a newer one lands on disk.
package firmware

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blang/semver/v4"
	"github.com/fsnotify/fsnotify"
)

// Image is one firmware binary on disk, named <name>-<version>.bin.
type Image struct {
	Version semver.Version
	Path    string
	Size    int64
}

// Store keeps the newest image found in a directory and reports when a
// newer one appears. Safe for concurrent use.
type Store struct {
	dir string
	log *slog.Logger

	mu      sync.RWMutex
	current *Image

	watcher *fsnotify.Watcher
	updates chan Image
	done    chan struct{}
}

// NewStore scans dir for images and starts watching it. A missing or empty
// directory is not an error: the node simply has no firmware to offer yet.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		dir:     dir,
		log:     logger,
		updates: make(chan Image, 1),
		done:    make(chan struct{}),
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create firmware dir: %w", err)
	}
	s.rescan(false)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create firmware watcher: %w", err)
	}
	// Watch the directory, not individual files - images arrive via rename
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch firmware dir: %w", err)
	}
	s.watcher = watcher

	go s.watchLoop()
	return s, nil
}

// Current returns the newest image on disk, if any.
func (s *Store) Current() (Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Image{}, false
	}
	return *s.current, true
}

// Read loads the bytes of the newest image.
func (s *Store) Read() ([]byte, Image, error) {
	img, ok := s.Current()
	if !ok {
		return nil, Image{}, fmt.Errorf("no firmware image in %s", s.dir)
	}
	data, err := os.ReadFile(img.Path)
	if err != nil {
		return nil, Image{}, fmt.Errorf("read firmware image: %w", err)
	}
	return data, img, nil
}

// Updates delivers each newly discovered newest image. The channel holds
// one pending update; rapid successive drops coalesce to the latest.
func (s *Store) Updates() <-chan Image {
	return s.updates
}

func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if _, ok := parseImageName(filepath.Base(event.Name)); !ok {
				continue
			}
			s.rescan(true)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("firmware watcher error", "err", err)
		case <-s.done:
			return
		}
	}
}

// rescan re-reads the directory and, when notify is set, announces an image
// newer than the one previously held.
func (s *Store) rescan(notify bool) {
	newest := s.scanDir()

	s.mu.Lock()
	prev := s.current
	if newest != nil && (prev == nil || newest.Version.GT(prev.Version)) {
		s.current = newest
	} else {
		newest = nil
	}
	s.mu.Unlock()

	if newest == nil {
		return
	}
	s.log.Info("firmware image available",
		"version", newest.Version, "path", newest.Path, "bytes", newest.Size)
	if !notify {
		return
	}
	// coalesce: drop the stale pending update, keep the newest
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- *newest:
	default:
	}
}

func (s *Store) scanDir() *Image {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warn("cannot read firmware dir", "dir", s.dir, "err", err)
		return nil
	}
	var newest *Image
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		v, ok := parseImageName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == nil || v.GT(newest.Version) {
			newest = &Image{
				Version: v,
				Path:    filepath.Join(s.dir, e.Name()),
				Size:    info.Size(),
			}
		}
	}
	return newest
}

// parseImageName extracts the semver from a <name>-<version>.bin filename.
func parseImageName(name string) (semver.Version, bool) {
	if !strings.HasSuffix(name, ".bin") || strings.HasPrefix(name, ".") {
		return semver.Version{}, false
	}
	base := strings.TrimSuffix(name, ".bin")
	i := strings.LastIndexByte(base, '-')
	if i < 0 {
		return semver.Version{}, false
	}
	v, err := semver.Parse(base[i+1:])
	if err != nil {
		return semver.Version{}, false
	}
	return v, true
}
