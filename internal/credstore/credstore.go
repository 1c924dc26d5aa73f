// Package credstore holds the single bearer credential and the persisted
// session record.
//
// The store is the one piece of mutable state shared by every authenticated
// request. Writes happen only from the session manager's connect/disconnect
// paths and must be atomic: readers never observe a partially written record.
// Balances are deliberately not part of the record — they are re-fetched on
// every rehydration, never trusted from storage.
package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Record is the minimal persisted session subset.
type Record struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address"`
	Token     string `json:"token"`
}

// Store persists the session record and exposes the bearer token to
// authenticated call sites.
type Store interface {
	// Token returns the current bearer token, or "" when logged out.
	Token() string
	// Session returns the persisted record and whether one exists.
	Session() (Record, bool)
	// SetSession atomically replaces the record.
	SetSession(rec Record) error
	// Clear removes the record and token.
	Clear() error
}

// Memory is an in-memory Store for tests and ephemeral sessions.
type Memory struct {
	mu  sync.RWMutex
	rec *Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rec == nil {
		return ""
	}
	return m.rec.Token
}

func (m *Memory) Session() (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rec == nil {
		return Record{}, false
	}
	return *m.rec, true
}

func (m *Memory) SetSession(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = &rec
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = nil
	return nil
}

// File is a durable Store backed by one JSON file. Writes go through a
// temp-file rename so a crash mid-write cannot leave a torn record.
type File struct {
	mu   sync.RWMutex
	path string
	rec  *Record
}

// DefaultPath returns the conventional session file location under the
// user's config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("credstore: resolve config dir: %w", err)
	}
	return filepath.Join(dir, "walletbridge", "session.json"), nil
}

// NewFile opens (or creates the directory for) a file-backed store and loads
// any existing record.
func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create dir: %w", err)
	}
	f := &File{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: read %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt record is treated as logged out rather than fatal.
		return f, nil
	}
	f.rec = &rec
	return f, nil
}

func (f *File) Token() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.rec == nil {
		return ""
	}
	return f.rec.Token
}

func (f *File) Session() (Record, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.rec == nil {
		return Record{}, false
	}
	return *f.rec, true
}

func (f *File) SetSession(rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.write(&rec); err != nil {
		return err
	}
	f.rec = &rec
	return nil
}

func (f *File) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec = nil
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("credstore: clear: %w", err)
	}
	return nil
}

func (f *File) write(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: marshal: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("credstore: write: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("credstore: rename: %w", err)
	}
	return nil
}
