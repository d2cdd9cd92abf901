package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"fundarb/internal/model"
)

const archiveDir = "archive"

// ErrStaleSnapshot is returned when a snapshot older than the stored one is
// written.
var ErrStaleSnapshot = errors.New("stale trade snapshot")

// FileStore writes one JSON file per trade. Every write goes to a temp file
// that is synced and renamed over the target, so a reader never sees a
// partial snapshot.
type FileStore struct {
	dir      string
	mu       sync.Mutex
	versions map[string]int64
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("persistence dir is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, archiveDir), 0o755); err != nil {
		return nil, fmt.Errorf("create persistence dir: %w", err)
	}
	return &FileStore{dir: dir, versions: make(map[string]int64)}, nil
}

func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

// Save writes s atomically. A snapshot whose version is below the last one
// written for the trade is rejected with ErrStaleSnapshot.
func (f *FileStore) Save(s model.TradeState) error {
	if s.ID == "" {
		return fmt.Errorf("trade snapshot without id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.versions[s.ID]; ok && s.Version < v {
		return fmt.Errorf("%w: %s version %d < %d", ErrStaleSnapshot, s.ID, s.Version, v)
	}
	if err := writeJSONAtomic(f.path(s.ID), s); err != nil {
		return err
	}
	f.versions[s.ID] = s.Version
	return nil
}

// Load reads one live trade.
func (f *FileStore) Load(id string) (model.TradeState, error) {
	return readSnapshot(f.path(id))
}

// LoadOpen returns every live trade that is not terminal, oldest first.
// They are the positions to recover after a restart.
func (f *FileStore) LoadOpen() ([]model.TradeState, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read persistence dir: %w", err)
	}
	var out []model.TradeState
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		s, err := readSnapshot(filepath.Join(f.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		if s.Version > f.versions[s.ID] {
			f.versions[s.ID] = s.Version
		}
		f.mu.Unlock()
		if !s.Status.IsTerminal() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ArchiveTrade writes the final snapshot under archive/ and removes the live
// file.
func (f *FileStore) ArchiveTrade(_ context.Context, s model.TradeState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeJSONAtomic(filepath.Join(f.dir, archiveDir, s.ID+".json"), s); err != nil {
		return err
	}
	if err := os.Remove(f.path(s.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove live snapshot: %w", err)
	}
	delete(f.versions, s.ID)
	return nil
}

// LoadArchived reads one archived trade.
func (f *FileStore) LoadArchived(id string) (model.TradeState, error) {
	return readSnapshot(filepath.Join(f.dir, archiveDir, id+".json"))
}

func readSnapshot(path string) (model.TradeState, error) {
	var s model.TradeState
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode snapshot %s: %w", filepath.Base(path), err)
	}
	return s, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
