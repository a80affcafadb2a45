package localstore

import (
	"fmt"
	"io"
	"strings"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open builds the configured backend. The returned closer is a no-op for
// backends without resources.
func Open(backend, path, secret string) (Store, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nopCloser{}, nil
	case BackendFile:
		s, err := NewFileStore(path, secret)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	case BackendSQLite:
		s, err := OpenSQLite(path, secret)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("localstore: unknown backend %q", backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
