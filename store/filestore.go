package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// FileStore persists the key-value map as a single JSON file. Every
// mutation rewrites the file atomically (temp file plus rename), so a
// crash mid-write leaves the previous snapshot intact. Values are
// base64-encoded by the JSON codec.
type FileStore struct {
	mu     sync.Mutex
	path   string
	data   map[string][]byte
	closed bool
}

// NewFileStore opens or creates a JSON-backed store at path. Parent
// directories are created as needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	fs := &FileStore{
		path: path,
		data: make(map[string][]byte),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Get retrieves a copy of the value stored under key.
func (fs *FileStore) Get(key string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil, ErrStoreClosed
	}
	value, ok := fs.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Put stores value under key and flushes the snapshot to disk.
func (fs *FileStore) Put(key string, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return ErrStoreClosed
	}
	prev, existed := fs.data[key]
	stored := make([]byte, len(value))
	copy(stored, value)
	fs.data[key] = stored

	// On persist failure the in-memory map must keep matching the last
	// snapshot that reached disk.
	if err := fs.persist(); err != nil {
		if existed {
			fs.data[key] = prev
		} else {
			delete(fs.data, key)
		}
		return err
	}
	return nil
}

// Delete removes key and flushes the snapshot to disk.
func (fs *FileStore) Delete(key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return ErrStoreClosed
	}
	prev, ok := fs.data[key]
	if !ok {
		return nil
	}
	delete(fs.data, key)
	if err := fs.persist(); err != nil {
		fs.data[key] = prev
		return err
	}
	return nil
}

// Keys returns all stored keys with the given prefix, sorted.
func (fs *FileStore) Keys(prefix string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil, ErrStoreClosed
	}
	var keys []string
	for key := range fs.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close flushes and marks the store closed.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil
	}
	fs.closed = true
	return nil
}

func (fs *FileStore) load() error {
	raw, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read store file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &fs.data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "load",
			"path":     fs.path,
			"error":    err,
		}).Error("Store file is corrupted")
		return fmt.Errorf("failed to parse store file: %w", err)
	}
	return nil
}

// persist writes the full snapshot to a temp file and renames it over
// the previous one. Caller holds fs.mu.
func (fs *FileStore) persist() error {
	raw, err := json.MarshalIndent(fs.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize store: %w", err)
	}

	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}
