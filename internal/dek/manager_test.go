package dek

import (
	"bytes"
	"errors"
	"testing"

	"secure-comm/go-backend/internal/identity"
	"secure-comm/go-backend/internal/localstore"
	"secure-comm/go-backend/internal/platform/privacylog"
	"secure-comm/go-backend/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, localstore.Store, models.EncryptionKeyPair) {
	t.Helper()
	kp, err := identity.GenerateEncryptionKeys()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	store := localstore.NewMemoryStore()
	return NewManager("alice", store, privacylog.Discard()), store, kp
}

func TestGenerateAndUnwrapRoundTrip(t *testing.T) {
	m, _, kp := newTestManager(t)
	bundle, err := m.GenerateAndWrap(kp, 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if bundle.Algorithm != models.DEKAlgorithm || bundle.Version != 1 {
		t.Fatalf("unexpected bundle metadata: %+v", bundle)
	}

	other := NewManager("alice", localstore.NewMemoryStore(), privacylog.Discard())
	got, ok := other.UnwrapAndCache(Wrapped{WrappedDEK: bundle.WrappedDEK, Nonce: bundle.WrapNonce, Version: 1}, nil, kp)
	if !ok {
		t.Fatal("unwrap must succeed with the same keypair")
	}
	if got.DEK != bundle.DEK {
		t.Fatal("unwrapped DEK differs from generated DEK")
	}
}

func TestUnwrapTamperedReturnsFalse(t *testing.T) {
	m, _, kp := newTestManager(t)
	bundle, err := m.GenerateAndWrap(kp, 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	tampered := append([]byte(nil), bundle.WrappedDEK...)
	tampered[3] ^= 0x01
	fresh := NewManager("alice", localstore.NewMemoryStore(), privacylog.Discard())
	if _, ok := fresh.UnwrapAndCache(Wrapped{WrappedDEK: tampered, Nonce: bundle.WrapNonce, Version: 1}, nil, kp); ok {
		t.Fatal("tampered wrap must not unwrap")
	}
	if _, err := fresh.Active(); !errors.Is(err, ErrUninitialized) {
		t.Fatalf("failed unwrap must leave keyring empty, got %v", err)
	}
}

func TestRewrapForRotationPreservesDEK(t *testing.T) {
	m, _, oldKP := newTestManager(t)
	original, err := m.GenerateAndWrap(oldKP, 4)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	newKP, _ := identity.GenerateEncryptionKeys()
	rewrapped, err := m.RewrapForRotation(oldKP, newKP)
	if err != nil {
		t.Fatalf("rewrap: %v", err)
	}
	if rewrapped.Version != 4 {
		t.Fatalf("version must not change, got %d", rewrapped.Version)
	}
	key, err := Unwrap(Wrapped{WrappedDEK: rewrapped.WrappedDEK, Nonce: rewrapped.WrapNonce}, &newKP.Public, &newKP.Private)
	if err != nil {
		t.Fatalf("unwrap under new keypair: %v", err)
	}
	if key != original.DEK {
		t.Fatal("rotation must not change DEK bytes")
	}
	if _, err := m.RewrapForRotation(oldKP, newKP); err == nil {
		t.Fatal("old keypair no longer opens the wrap and must be refused")
	}
}

func TestEncryptDecryptAcrossVersions(t *testing.T) {
	m, _, kp := newTestManager(t)
	if _, err := m.EncryptWithDEK([]byte("x")); !errors.Is(err, ErrUninitialized) {
		t.Fatalf("expected ErrUninitialized, got %v", err)
	}
	if _, err := m.GenerateAndWrap(kp, 1); err != nil {
		t.Fatalf("generate v1: %v", err)
	}
	blobV1, err := m.EncryptWithDEK([]byte("profile v1"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := m.GenerateAndWrap(kp, 2); err != nil {
		t.Fatalf("generate v2: %v", err)
	}
	plain, err := m.DecryptWithDEK(blobV1)
	if err != nil || !bytes.Equal(plain, []byte("profile v1")) {
		t.Fatalf("retained version must still decrypt: %v %q", err, plain)
	}
	if err := m.Retire(1); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if _, err := m.DecryptWithDEK(blobV1); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch after retire, got %v", err)
	}
	if err := m.Retire(2); !errors.Is(err, ErrRetireActive) {
		t.Fatalf("expected ErrRetireActive, got %v", err)
	}

	blobV2, _ := m.EncryptWithDEK([]byte("v2"))
	blobV2.Ciphertext[0] ^= 0xFF
	if _, err := m.DecryptWithDEK(blobV2); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for tampered blob, got %v", err)
	}
}

func TestLoadRestoresRingFromStore(t *testing.T) {
	m, store, kp := newTestManager(t)
	v1, _ := m.GenerateAndWrap(kp, 1)
	v2, _ := m.GenerateAndWrap(kp, 2)

	reloaded := NewManager("alice", store, privacylog.Discard())
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	active, err := reloaded.Active()
	if err != nil || active.Version != 2 || active.DEK != v2.DEK {
		t.Fatalf("unexpected active after load: %+v %v", active.Version, err)
	}
	if k, ok := reloaded.Key(1); !ok || k != v1.DEK {
		t.Fatal("retained v1 must survive reload")
	}
	if got := reloaded.RetainedVersions(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected retained versions: %v", got)
	}

	if err := reloaded.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := NewManager("alice", store, privacylog.Discard()).Load(); !errors.Is(err, ErrUninitialized) {
		t.Fatalf("expected ErrUninitialized after clear, got %v", err)
	}
}

func TestWrapForDeviceOpensOnPeer(t *testing.T) {
	m, _, kp := newTestManager(t)
	bundle, _ := m.GenerateAndWrap(kp, 3)
	peer, _ := identity.GenerateEncryptionKeys()
	w, err := m.WrapForDevice(&peer.Public, kp)
	if err != nil {
		t.Fatalf("wrap for device: %v", err)
	}
	peerMgr := NewManager("alice", localstore.NewMemoryStore(), privacylog.Discard())
	got, ok := peerMgr.UnwrapAndCache(w, &kp.Public, peer)
	if !ok || got.DEK != bundle.DEK || got.Version != 3 {
		t.Fatalf("peer unwrap failed: ok=%v", ok)
	}
	if _, ok := peerMgr.UnwrapAndCache(w, &peer.Public, peer); ok {
		t.Fatal("unwrap with the wrong sender key must fail")
	}
}
