package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"secure-comm/go-backend/pkg/models"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning    = "securecomm/identity/signing/v1"
	hkdfInfoEncryption = "securecomm/identity/encryption/v1"
)

var ErrInvalidMnemonic = errors.New("invalid recovery phrase")

// NewMnemonic returns a fresh 24-word recovery phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// FromMnemonic deterministically derives both long-term keypairs.
func FromMnemonic(mnemonic string) (models.IdentityKeyPair, models.EncryptionKeyPair, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return models.IdentityKeyPair{}, models.EncryptionKeyPair{}, ErrInvalidMnemonic
	}
	return DeriveKeys(bip39.NewSeed(mnemonic, ""))
}

func DeriveKeys(seed []byte) (models.IdentityKeyPair, models.EncryptionKeyPair, error) {
	signingSeed, err := hkdfExpand(seed, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return models.IdentityKeyPair{}, models.EncryptionKeyPair{}, err
	}
	encSeed, err := hkdfExpand(seed, hkdfInfoEncryption, curve25519.ScalarSize)
	if err != nil {
		return models.IdentityKeyPair{}, models.EncryptionKeyPair{}, err
	}
	defer zero(signingSeed)
	defer zero(encSeed)

	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	idKeys := models.IdentityKeyPair{
		Public:  signingPriv.Public().(ed25519.PublicKey),
		Private: signingPriv,
	}

	encPub, err := curve25519.X25519(encSeed, curve25519.Basepoint)
	if err != nil {
		return models.IdentityKeyPair{}, models.EncryptionKeyPair{}, err
	}
	var encKeys models.EncryptionKeyPair
	copy(encKeys.Private[:], encSeed)
	copy(encKeys.Public[:], encPub)
	return idKeys, encKeys, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
