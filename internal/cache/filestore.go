package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tkhongsap/line-bot-connect/internal/types"
)

const fileStoreVersion = 1

// FileStore keeps every entry in one JSON document. Each write replaces the whole
// document atomically, so readers never see a partial file.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *logrus.Logger
}

type fileDocument struct {
	Version int                         `json:"version"`
	Entries map[string]types.CacheEntry `json:"entries"`
}

// Compile-time check.
var _ Store = (*FileStore)(nil)

func NewFileStore(path string, logger *logrus.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FileStore{path: path, logger: logger}, nil
}

func (s *FileStore) Load(ctx context.Context, key string) (types.CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return types.CacheEntry{}, false, err
	}
	entry, ok := entries[key]
	return entry, ok, nil
}

func (s *FileStore) Save(ctx context.Context, key string, entry types.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return err
	}
	entries[key] = entry
	return s.write(entries)
}

func (s *FileStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return err
	}
	for _, key := range keys {
		delete(entries, key)
	}
	return s.write(entries)
}

func (s *FileStore) List(ctx context.Context) (map[string]types.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read()
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(map[string]types.CacheEntry{})
}

func (s *FileStore) Close() error {
	return nil
}

// read returns the stored entries. A missing file is empty. Content that does not
// parse, and entries whose key or surface is malformed, are skipped with a warning;
// the next write replaces them.
func (s *FileStore) read() (map[string]types.CacheEntry, error) {
	entries := make(map[string]types.CacheEntry)

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.WithError(err).WithField("path", s.path).Warn("Capability cache file is corrupt, treating as empty")
		return entries, nil
	}

	for key, entry := range doc.Entries {
		fp, surface, ok := ParseKey(key)
		if !ok || entry.Verdict.Surface != surface || entry.Verdict.DeploymentFingerprint != fp {
			s.logger.WithField("key", key).Warn("Skipping malformed capability cache entry")
			continue
		}
		entries[key] = entry
	}
	return entries, nil
}

func (s *FileStore) write(entries map[string]types.CacheEntry) error {
	data, err := json.MarshalIndent(fileDocument{Version: fileStoreVersion, Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache file: %w", err)
	}
	return writeFileAtomic(s.path, data, 0o600)
}

// writeFileAtomic writes to a temp file in the same directory, syncs it and renames it
// over path.
func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		// Windows refuses to rename over an existing file
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove old cache file: %w", removeErr)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("rename temp file: %w", err)
		}
	}
	renamed = true

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
