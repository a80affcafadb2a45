// Package securestore encrypts local key material at rest under a
// passphrase: Argon2id derives the key, XChaCha20-Poly1305 seals the data and
// a scope string is bound as associated data so a blob sealed for one store
// cannot be replayed into another.
package securestore

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	saltSize       = 16
	maxKDFMemoryKB = 1024 * 1024
)

// magic prefixes every sealed blob; the last byte is the format version.
var magic = []byte("SCKS\x02")

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
	ErrPlaintext  = errors.New("securestore data is not encrypted")
)

// Params are the Argon2id costs. They are stored next to the salt so stores
// written with older settings stay readable.
type Params struct {
	Time     uint32 `cbor:"1,keyasint"`
	MemoryKB uint32 `cbor:"2,keyasint"`
	Threads  uint8  `cbor:"3,keyasint"`
}

var DefaultParams = Params{Time: 2, MemoryKB: 64 * 1024, Threads: 1}

func (p Params) validate() error {
	if p.Time == 0 || p.Threads == 0 || p.MemoryKB < 8*uint32(p.Threads) || p.MemoryKB > maxKDFMemoryKB {
		return fmt.Errorf("%w: kdf params %+v", ErrInvalid, p)
	}
	return nil
}

// KeyHeader identifies a derived key: the salt plus the costs used with it.
type KeyHeader struct {
	Params Params `cbor:"1,keyasint"`
	Salt   []byte `cbor:"2,keyasint"`
}

func NewKeyHeader(p Params) (KeyHeader, error) {
	if err := p.validate(); err != nil {
		return KeyHeader{}, err
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return KeyHeader{}, err
	}
	return KeyHeader{Params: p, Salt: salt}, nil
}

func (h KeyHeader) validate() error {
	if len(h.Salt) != saltSize {
		return fmt.Errorf("%w: salt must be %d bytes", ErrInvalid, saltSize)
	}
	return h.Params.validate()
}

// keyHeaderFields has the fields of KeyHeader without its binary methods,
// which the cbor codec would otherwise call back into.
type keyHeaderFields KeyHeader

func (h KeyHeader) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(keyHeaderFields(h))
}

func (h *KeyHeader) UnmarshalBinary(data []byte) error {
	var out keyHeaderFields
	if err := cbor.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := KeyHeader(out).validate(); err != nil {
		return err
	}
	*h = KeyHeader(out)
	return nil
}

type envelope struct {
	Key        KeyHeader `cbor:"1,keyasint"`
	Nonce      []byte    `cbor:"2,keyasint"`
	Ciphertext []byte    `cbor:"3,keyasint"`
}

func parseEnvelope(data []byte) (envelope, error) {
	var env envelope
	if !bytes.HasPrefix(data, magic) {
		if bytes.HasPrefix(data, magic[:len(magic)-1]) {
			return env, fmt.Errorf("%w: unsupported version %d", ErrInvalid, data[len(magic)-1])
		}
		return env, ErrPlaintext
	}
	if err := cbor.Unmarshal(data[len(magic):], &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := env.Key.validate(); err != nil {
		return env, err
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return env, fmt.Errorf("%w: bad nonce", ErrInvalid)
	}
	return env, nil
}

// Seal encrypts plaintext for scope with a freshly salted key.
func Seal(passphrase, scope string, plaintext []byte, p Params) ([]byte, error) {
	h, err := NewKeyHeader(p)
	if err != nil {
		return nil, err
	}
	s, err := NewSealer(passphrase, h)
	if err != nil {
		return nil, err
	}
	return s.SealBlob(scope, plaintext)
}

// Open reverses Seal. Data without the securestore prefix yields ErrPlaintext.
func Open(passphrase, scope string, data []byte) ([]byte, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}
	s, err := NewSealer(passphrase, env.Key)
	if err != nil {
		return nil, err
	}
	return s.openEnvelope(scope, env)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
