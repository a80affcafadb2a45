package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestSecretRoundTripAndTamper(t *testing.T) {
	key, err := RandomKey()
	if err != nil {
		t.Fatalf("random key: %v", err)
	}
	sealed, nonce, err := SealSecret([]byte("profile"), &key)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	plain, err := OpenSecret(sealed, nonce, &key)
	if err != nil || !bytes.Equal(plain, []byte("profile")) {
		t.Fatalf("open failed: %v %q", err, plain)
	}
	sealed[0] ^= 0xFF
	if _, err := OpenSecret(sealed, nonce, &key); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if _, err := OpenSecret(sealed, nonce[:5], &key); !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("expected ErrInvalidNonce, got %v", err)
	}
}

func TestSealBoxUsesFreshNonces(t *testing.T) {
	a, b := newPair(t), newPair(t)
	_, n1, err := SealBox([]byte("x"), b.pub, a.priv)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	_, n2, err := SealBox([]byte("x"), b.pub, a.priv)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if bytes.Equal(n1, n2) {
		t.Fatal("nonces must not repeat")
	}
}

func TestKeyFromBytesRejectsShortInput(t *testing.T) {
	if _, err := KeyFromBytes([]byte{1, 2}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
