package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a named document does not exist.
var ErrNotFound = errors.New("document not found")

// Store persists named JSON documents. Writes replace the whole document
// atomically; readers never observe a partially written document.
type Store interface {
	Save(name string, value any) error
	Load(name string, out any) error
	Delete(name string) error
	UpdateMapValue(name, key string, value any) error
}

// FileStore keeps each document as a JSON file under a base directory.
// Writes go through a temp file and rename so a crash mid-write leaves
// the previous document intact.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("invalid document name %q", name)
	}
	return filepath.Join(s.dir, name+".json"), nil
}

func (s *FileStore) Save(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(name, value)
}

func (s *FileStore) save(name string, value any) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", name, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write document %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit document %s: %w", name, err)
	}
	s.logger.Debug("Document saved", zap.String("name", name), zap.Int("bytes", len(data)))
	return nil
}

func (s *FileStore) Load(name string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(name, out)
}

func (s *FileStore) load(name string, out any) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read document %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal document %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("delete document %s: %w", name, err)
	}
	return nil
}

// UpdateMapValue loads the named document as a JSON object, sets key to
// value and writes it back. A missing document starts as an empty object.
func (s *FileStore) UpdateMapValue(name, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := map[string]json.RawMessage{}
	if err := s.load(name, &doc); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s.%s: %w", name, key, err)
	}
	doc[key] = raw
	return s.save(name, doc)
}

// MemoryStore is an in-memory Store used in tests.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string][]byte{}}
}

func (s *MemoryStore) Save(name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = data
	return nil
}

func (s *MemoryStore) Load(name string, out any) error {
	s.mu.Lock()
	data, ok := s.docs[name]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(data, out)
}

func (s *MemoryStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, name)
	return nil
}

func (s *MemoryStore) UpdateMapValue(name, key string, value any) error {
	doc := map[string]json.RawMessage{}
	if err := s.Load(name, &doc); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	doc[key] = raw
	return s.Save(name, doc)
}
