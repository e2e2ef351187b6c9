package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileStore persists values in a small YAML document. Writes go through a
// temp file and rename so a crash never leaves a truncated profile behind.
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ Store = &FileStore{}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("file session store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "file session store: create directory")
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("file session store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (s *FileStore) Set(_ context.Context, key, value string) error {
	if s == nil {
		return errors.New("file session store: nil store")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("file session store: key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.loadLocked()
	if err != nil {
		return err
	}
	values[key] = value
	return s.saveLocked(values)
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if s == nil {
		return errors.New("file session store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.saveLocked(values)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) loadLocked() (map[string]string, error) {
	values := map[string]string{}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, errors.Wrap(err, "file session store: read")
	}
	if err := yaml.Unmarshal(b, &values); err != nil {
		return nil, errors.Wrapf(err, "file session store: parse %s", s.path)
	}
	if values == nil {
		values = map[string]string{}
	}
	return values, nil
}

func (s *FileStore) saveLocked(values map[string]string) error {
	b, err := yaml.Marshal(values)
	if err != nil {
		return errors.Wrap(err, "file session store: marshal")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".profile-*.yaml")
	if err != nil {
		return errors.Wrap(err, "file session store: create temp file")
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "file session store: write")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "file session store: close")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "file session store: rename")
	}
	return nil
}
