package securestore

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// File is a JSON document kept encrypted on disk. The derived key is cached
// per salt, so repeated loads and saves do not rerun Argon2id.
type File struct {
	path       string
	passphrase string
	scope      string
	params     Params

	mu     sync.Mutex
	sealer *Sealer
}

func NewFile(path, passphrase, scope string, p Params) *File {
	return &File{path: path, passphrase: passphrase, scope: scope, params: p}
}

// Load decrypts the file into v. A missing or empty file leaves v untouched
// and reports false.
func (f *File) Load(v any) (bool, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(raw) == 0) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	env, err := parseEnvelope(raw)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealer == nil || !f.sealer.Matches(env.Key) {
		s, err := NewSealer(f.passphrase, env.Key)
		if err != nil {
			return false, err
		}
		f.sealer = s
	}
	plain, err := f.sealer.openEnvelope(f.scope, env)
	if err != nil {
		f.sealer = nil
		return false, err
	}
	defer zeroBytes(plain)
	return true, json.Unmarshal(plain, v)
}

// Save encrypts v and replaces the file via rename so readers never observe
// a torn write.
func (f *File) Save(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	defer zeroBytes(payload)

	f.mu.Lock()
	if f.sealer == nil {
		h, err := NewKeyHeader(f.params)
		if err == nil {
			f.sealer, err = NewSealer(f.passphrase, h)
		}
		if err != nil {
			f.mu.Unlock()
			return err
		}
	}
	sealed, err := f.sealer.SealBlob(f.scope, payload)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return writeAtomic(f.path, sealed)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".securestore-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}
