package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is a durable string-keyed value store. The chat core only ever
// reads and writes whole serialized collections, so the contract stays
// deliberately small and synchronous.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// FileStore keeps one file per key inside a data directory.
type FileStore struct {
	dir  string
	lock sync.Mutex
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// keyPath maps a key to a file name. Keys contain peer IDs and fixed
// prefixes, so only path separators need escaping.
func (fs *FileStore) keyPath(key string) string {
	safe := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(key)
	return filepath.Join(fs.dir, safe+".json")
}

func (fs *FileStore) Get(key string) (string, bool) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	data, err := os.ReadFile(fs.keyPath(key))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (fs *FileStore) Set(key, value string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	return os.WriteFile(fs.keyPath(key), []byte(value), 0600)
}

func (fs *FileStore) Delete(key string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	err := os.Remove(fs.keyPath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// MemStore is a map-backed Store for tests and ephemeral sessions.
type MemStore struct {
	lock   sync.RWMutex
	values map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string]string)}
}

func (ms *MemStore) Get(key string) (string, bool) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	v, ok := ms.values[key]
	return v, ok
}

func (ms *MemStore) Set(key, value string) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.values[key] = value
	return nil
}

func (ms *MemStore) Delete(key string) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	delete(ms.values, key)
	return nil
}
