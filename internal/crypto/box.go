package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	NonceSize = 24
)

var (
	ErrAuthFailed   = errors.New("crypto authentication failed")
	ErrInvalidKey   = errors.New("invalid key length")
	ErrInvalidNonce = errors.New("invalid nonce length")
)

func RandomKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	return key, nil
}

func RandomNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// KeyFromBytes copies a 32-byte slice into a fixed array.
func KeyFromBytes(raw []byte) (*[KeySize]byte, error) {
	if len(raw) != KeySize {
		return nil, ErrInvalidKey
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

func nonceFromBytes(raw []byte) (*[NonceSize]byte, error) {
	if len(raw) != NonceSize {
		return nil, ErrInvalidNonce
	}
	var nonce [NonceSize]byte
	copy(nonce[:], raw)
	return &nonce, nil
}

// SealBox encrypts plaintext for peerPub, authenticated by ownPriv.
func SealBox(plaintext []byte, peerPub, ownPriv *[KeySize]byte) ([]byte, []byte, error) {
	if peerPub == nil || ownPriv == nil {
		return nil, nil, ErrInvalidKey
	}
	nonce, err := RandomNonce()
	if err != nil {
		return nil, nil, err
	}
	sealed := box.Seal(nil, plaintext, &nonce, peerPub, ownPriv)
	return sealed, nonce[:], nil
}

func OpenBox(ciphertext, nonce []byte, peerPub, ownPriv *[KeySize]byte) ([]byte, error) {
	if peerPub == nil || ownPriv == nil {
		return nil, ErrInvalidKey
	}
	n, err := nonceFromBytes(nonce)
	if err != nil {
		return nil, err
	}
	plain, ok := box.Open(nil, ciphertext, n, peerPub, ownPriv)
	if !ok {
		return nil, ErrAuthFailed
	}
	return plain, nil
}

func SealSecret(plaintext []byte, key *[KeySize]byte) ([]byte, []byte, error) {
	if key == nil {
		return nil, nil, ErrInvalidKey
	}
	nonce, err := RandomNonce()
	if err != nil {
		return nil, nil, err
	}
	sealed := secretbox.Seal(nil, plaintext, &nonce, key)
	return sealed, nonce[:], nil
}

func OpenSecret(ciphertext, nonce []byte, key *[KeySize]byte) ([]byte, error) {
	if key == nil {
		return nil, ErrInvalidKey
	}
	n, err := nonceFromBytes(nonce)
	if err != nil {
		return nil, err
	}
	plain, ok := secretbox.Open(nil, ciphertext, n, key)
	if !ok {
		return nil, ErrAuthFailed
	}
	return plain, nil
}

func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
