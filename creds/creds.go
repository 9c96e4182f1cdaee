// Package creds is the small key-value capability behind which the persisted
// bearer credential lives, keeping the core host-agnostic.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Store holds at most one bearer credential. It is cleared on logout and on
// authority rejection.
type Store interface {
	Get() (string, error)
	Set(token string) error
	Clear() error
}

// MemoryStore keeps the credential in memory only. Used in tests and by
// hosts that do their own persistence.
type MemoryStore struct {
	mu    sync.Mutex
	token string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Get() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *MemoryStore) Set(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *MemoryStore) Clear() error {
	return m.Set("")
}

type fileFormat struct {
	Token string `json:"token"`
}

// FileStore persists the credential as a 0600 JSON file, flock-guarded so
// two console processes sharing a home directory cannot corrupt it.
type FileStore struct {
	path string
	lock *flock.Flock
}

func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

func (f *FileStore) Get() (string, error) {
	if err := f.lock.Lock(); err != nil {
		return "", fmt.Errorf("credential lock: %w", err)
	}
	defer f.lock.Unlock()
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return "", fmt.Errorf("parse credential: %w", err)
	}
	return ff.Token, nil
}

func (f *FileStore) Set(token string) error {
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("credential lock: %w", err)
	}
	defer f.lock.Unlock()
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("credential dir: %w", err)
	}
	data, err := json.Marshal(fileFormat{Token: token})
	if err != nil {
		return err
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

func (f *FileStore) Clear() error {
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("credential lock: %w", err)
	}
	defer f.lock.Unlock()
	err := os.Remove(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
