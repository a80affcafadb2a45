package localstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"secure-comm/go-backend/internal/securestore"
	"secure-comm/go-backend/internal/testutil/fsperm"
)

var cheapKDF = securestore.Params{Time: 1, MemoryKB: 64, Threads: 1}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	if _, ok, err := s.Get("missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := s.Set(DEKKey("Alice"), []byte("v1")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := s.Set(DEKKey("alice"), []byte("v2")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, ok, err := s.Get("dek:alice")
	if err != nil || !ok || !bytes.Equal(got, []byte("v2")) {
		t.Fatalf("get after overwrite: %q ok=%v err=%v", got, ok, err)
	}
	if err := s.Delete("dek:alice"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := s.Get("dek:alice"); ok {
		t.Fatal("key must be gone after delete")
	}
	if err := s.Set(" ", []byte("x")); err != ErrEmptyKey {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}

	type record struct {
		Version int `json:"version"`
	}
	if err := SetJSON(s, "rec", record{Version: 3}); err != nil {
		t.Fatalf("set json: %v", err)
	}
	var rec record
	if ok, err := GetJSON(s, "rec", &rec); err != nil || !ok || rec.Version != 3 {
		t.Fatalf("get json: %+v ok=%v err=%v", rec, ok, err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStorePersistsEncrypted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	path := filepath.Join(dir, "keys.enc")
	s, err := newFileStore(path, "pass", cheapKDF)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	exerciseStore(t, s)
	if err := s.Set("device_id", []byte("dev-1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	fsperm.AssertPrivateDirPerm(t, dir)
	fsperm.AssertPrivateFilePerm(t, path)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if bytes.Contains(raw, []byte("dev-1")) {
		t.Fatal("file must not contain plaintext values")
	}

	reopened, _ := newFileStore(path, "pass", cheapKDF)
	if got, ok, err := reopened.Get("device_id"); err != nil || !ok || string(got) != "dev-1" {
		t.Fatalf("value must survive reopen: %q ok=%v err=%v", got, ok, err)
	}
	wrong, _ := newFileStore(path, "other", cheapKDF)
	if _, _, err := wrong.Get("device_id"); err == nil {
		t.Fatal("wrong secret must fail")
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")
	s, err := openSQLite(path, "pass", cheapKDF)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	exerciseStore(t, s)
	if err := s.Set("device_id", []byte("dev-1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// the costs recorded at creation win over the ones passed on reopen
	reopened, err := openSQLite(path, "pass", securestore.Params{Time: 3, MemoryKB: 128, Threads: 1})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got, ok, err := reopened.Get("device_id"); err != nil || !ok || string(got) != "dev-1" {
		t.Fatalf("value must survive reopen: %q ok=%v err=%v", got, ok, err)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, _, err := Open("redis", "", ""); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	s, closer, err := Open("memory", "", "")
	if err != nil || s == nil || closer.Close() != nil {
		t.Fatalf("memory backend: %v", err)
	}
}
