package dek

import (
	"errors"

	"secure-comm/go-backend/internal/crypto"
)

var ErrUnwrap = errors.New("dek unwrap failed")

// Wrapped is a DEK sealed with nacl box. It is the only DEK form that may
// leave the process.
type Wrapped struct {
	WrappedDEK []byte `json:"wrapped_dek"`
	Nonce      []byte `json:"nonce"`
	Version    int    `json:"version"`
}

// Wrap seals key for recipientPub, authenticated by senderPriv. With the
// caller's own keypair on both sides this is self-encryption.
func Wrap(key *[crypto.KeySize]byte, version int, recipientPub, senderPriv *[crypto.KeySize]byte) (Wrapped, error) {
	sealed, nonce, err := crypto.SealBox(key[:], recipientPub, senderPriv)
	if err != nil {
		return Wrapped{}, err
	}
	return Wrapped{WrappedDEK: sealed, Nonce: nonce, Version: version}, nil
}

func Unwrap(w Wrapped, senderPub, recipientPriv *[crypto.KeySize]byte) ([crypto.KeySize]byte, error) {
	var key [crypto.KeySize]byte
	plain, err := crypto.OpenBox(w.WrappedDEK, w.Nonce, senderPub, recipientPriv)
	if err != nil {
		return key, ErrUnwrap
	}
	defer crypto.Zero(plain)
	if len(plain) != crypto.KeySize {
		return key, ErrUnwrap
	}
	copy(key[:], plain)
	return key, nil
}
