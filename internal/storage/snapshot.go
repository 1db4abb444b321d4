package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/router-for-me/usagehub/internal/usagerecord"
	log "github.com/sirupsen/logrus"
)

const (
	usageSnapshotVersion         = 1
	defaultUsageSnapshotInterval = time.Minute
)

type usageSnapshotFile struct {
	Version int                  `json:"version"`
	SavedAt time.Time            `json:"saved_at"`
	Records []usagerecord.Record `json:"records"`
}

// loadSnapshot restores a previously saved snapshot into store.
// A missing file is not an error.
func loadSnapshot(store *usagerecord.Store, path string) (int, error) {
	path = strings.TrimSpace(path)
	if store == nil || path == "" {
		return 0, nil
	}
	path = filepath.Clean(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read usage snapshot: %w", err)
	}

	var payload usageSnapshotFile
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, fmt.Errorf("decode usage snapshot: %w", err)
	}
	if payload.Version != 0 && payload.Version != usageSnapshotVersion {
		return 0, fmt.Errorf("unsupported usage snapshot version: %d", payload.Version)
	}
	return store.Restore(payload.Records), nil
}

// snapshotter saves the store to disk whenever it was marked dirty.
type snapshotter struct {
	store    *usagerecord.Store
	path     string
	interval time.Duration

	dirty    atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newSnapshotter(store *usagerecord.Store, path string, interval time.Duration) *snapshotter {
	if interval <= 0 {
		interval = defaultUsageSnapshotInterval
	}
	return &snapshotter{
		store:    store,
		path:     filepath.Clean(path),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *snapshotter) markDirty() {
	if s != nil {
		s.dirty.Store(true)
	}
}

func (s *snapshotter) start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.flush()
			}
		}
	}()
}

func (s *snapshotter) flush() {
	if !s.dirty.CompareAndSwap(true, false) {
		return
	}
	if err := saveSnapshotFile(s.path, s.store.All()); err != nil {
		s.dirty.Store(true)
		log.WithError(err).Warn("failed to persist usage snapshot")
	}
}

// close stops the loop and writes any pending changes.
func (s *snapshotter) close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.flush()
	})
}

func saveSnapshotFile(path string, records []usagerecord.Record) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create usage snapshot dir: %w", err)
	}

	payload := usageSnapshotFile{
		Version: usageSnapshotVersion,
		SavedAt: time.Now().UTC(),
		Records: records,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode usage snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "usage-snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp usage snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if n, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp usage snapshot: %w", err)
	} else if n != len(data) {
		cleanup()
		return fmt.Errorf("write temp usage snapshot: short write (%d/%d)", n, len(data))
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp usage snapshot: %w", err)
	}
	_ = os.Chmod(tmpPath, 0o600)

	if err := os.Rename(tmpPath, path); err != nil {
		// Windows rename may fail when the destination exists.
		_ = os.Remove(path)
		if err2 := os.Rename(tmpPath, path); err2 != nil {
			cleanup()
			return fmt.Errorf("replace usage snapshot: %w", err2)
		}
	}

	return nil
}
