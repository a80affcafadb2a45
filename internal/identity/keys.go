package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"secure-comm/go-backend/pkg/models"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

var ErrKeysUnavailable = errors.New("identity keys unavailable")

func GenerateIdentity() (models.IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return models.IdentityKeyPair{}, err
	}
	return models.IdentityKeyPair{Public: pub, Private: priv}, nil
}

func GenerateEncryptionKeys() (models.EncryptionKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return models.EncryptionKeyPair{}, err
	}
	return models.EncryptionKeyPair{Public: *pub, Private: *priv}, nil
}

// Fingerprint renders the first 16 bytes of SHA-256(pub) as eight groups of
// four uppercase hex characters.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	h := strings.ToUpper(hex.EncodeToString(sum[:16]))
	groups := make([]string, 0, len(h)/4)
	for i := 0; i < len(h); i += 4 {
		groups = append(groups, h[i:i+4])
	}
	return strings.Join(groups, " ")
}

// KeyPrefix is the only form of key material allowed in logs.
func KeyPrefix(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}

// IdentityID is the public account handle derived from the signing key.
func IdentityID(signingPub ed25519.PublicKey) (string, error) {
	if len(signingPub) != ed25519.PublicKeySize {
		return "", errors.New("invalid signing public key size")
	}
	h := blake2b.Sum256(signingPub)
	return "sc1" + base58.Encode(h[:]), nil
}

// VerifyKeyPair re-derives the public key from priv. A 64-byte priv is
// treated as Ed25519, a 32-byte priv as X25519.
func VerifyKeyPair(priv, pub []byte) bool {
	var derived []byte
	switch len(priv) {
	case ed25519.PrivateKeySize:
		derived = ed25519.NewKeyFromSeed(priv[:ed25519.SeedSize]).Public().(ed25519.PublicKey)
	case curve25519.ScalarSize:
		out, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return false
		}
		derived = out
	default:
		return false
	}
	return len(derived) == len(pub) && subtle.ConstantTimeCompare(derived, pub) == 1
}

func VerifyEncryptionKeys(kp models.EncryptionKeyPair) bool {
	return VerifyKeyPair(kp.Private[:], kp.Public[:])
}

func VerifyIdentityKeys(kp models.IdentityKeyPair) bool {
	return VerifyKeyPair(kp.Private, kp.Public)
}
