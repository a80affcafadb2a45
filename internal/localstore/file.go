package localstore

import (
	"errors"
	"strings"
	"sync"

	"secure-comm/go-backend/internal/securestore"
)

const fileScope = "securecomm/localstore/file"

// FileStore keeps the whole map in one securestore-encrypted file. Each write
// rewrites the file; the store is sized for key material, not bulk data.
type FileStore struct {
	mu   sync.Mutex
	file *securestore.File
}

func NewFileStore(path, secret string) (*FileStore, error) {
	return newFileStore(path, secret, securestore.DefaultParams)
}

func newFileStore(path, secret string, p securestore.Params) (*FileStore, error) {
	path, secret = strings.TrimSpace(path), strings.TrimSpace(secret)
	if path == "" || secret == "" {
		return nil, errors.New("localstore: file store requires path and secret")
	}
	return &FileStore{file: securestore.NewFile(path, secret, fileScope, p)}, nil
}

func (s *FileStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadAllLocked()
	if err != nil {
		return nil, false, err
	}
	v, ok := all[key]
	return v, ok, nil
}

func (s *FileStore) Set(key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadAllLocked()
	if err != nil {
		return err
	}
	all[key] = append([]byte(nil), value...)
	return s.file.Save(all)
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadAllLocked()
	if err != nil {
		return err
	}
	if _, ok := all[key]; !ok {
		return nil
	}
	delete(all, key)
	return s.file.Save(all)
}

func (s *FileStore) loadAllLocked() (map[string][]byte, error) {
	all := make(map[string][]byte)
	if _, err := s.file.Load(&all); err != nil {
		return nil, err
	}
	return all, nil
}
