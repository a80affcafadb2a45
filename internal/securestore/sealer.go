package securestore

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer holds one derived key, so a store can encrypt many values while
// paying for Argon2id once.
type Sealer struct {
	header KeyHeader
	aead   cipher.AEAD
}

func NewSealer(passphrase string, h KeyHeader) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("securestore: empty passphrase")
	}
	if err := h.validate(); err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(passphrase), h.Salt, h.Params.Time, h.Params.MemoryKB, h.Params.Threads, chacha20poly1305.KeySize)
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{header: h, aead: aead}, nil
}

func (s *Sealer) Header() KeyHeader { return s.header }

// Matches reports whether h describes the key this sealer already holds.
func (s *Sealer) Matches(h KeyHeader) bool {
	return s.header.Params == h.Params && bytes.Equal(s.header.Salt, h.Salt)
}

// Seal returns nonce||ciphertext with aad bound, for row-level use where the
// key header is kept elsewhere.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, ErrInvalid
	}
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plain, nil
}

// SealBlob produces a self-describing blob that Open or OpenBlob can read
// back given only the passphrase.
func (s *Sealer) SealBlob(scope string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	body, err := cbor.Marshal(envelope{
		Key:        s.header,
		Nonce:      nonce,
		Ciphertext: s.aead.Seal(nil, nonce, plaintext, []byte(scope)),
	})
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), magic...), body...), nil
}

// OpenBlob opens a blob sealed under this sealer's key header.
func (s *Sealer) OpenBlob(scope string, data []byte) ([]byte, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}
	if !s.Matches(env.Key) {
		return nil, ErrAuthFailed
	}
	return s.openEnvelope(scope, env)
}

func (s *Sealer) openEnvelope(scope string, env envelope) ([]byte, error) {
	plain, err := s.aead.Open(nil, env.Nonce, env.Ciphertext, []byte(scope))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plain, nil
}
