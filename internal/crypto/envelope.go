package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

type EnvelopeVersion uint8

const (
	EnvelopeV1        EnvelopeVersion = 1
	EnvelopeV2        EnvelopeVersion = 2
	EnvelopeEphemeral EnvelopeVersion = 3
)

func (v EnvelopeVersion) String() string {
	switch v {
	case EnvelopeV1:
		return "v1"
	case EnvelopeV2:
		return "v2"
	case EnvelopeEphemeral:
		return "ephemeral"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

var ErrInvalidEnvelope = errors.New("invalid message envelope")

// MessageEnvelope is a decoded message. V1 carries only ciphertext and nonce,
// V2 adds the sender's public key, ephemeral envelopes carry a one-time key.
type MessageEnvelope struct {
	Version            EnvelopeVersion `json:"version"`
	Ciphertext         []byte          `json:"ciphertext"`
	Nonce              []byte          `json:"nonce"`
	SenderPublicKey    []byte          `json:"sender_public_key,omitempty"`
	EphemeralPublicKey []byte          `json:"ephemeral_public_key,omitempty"`
}

func ValidateEnvelope(env MessageEnvelope) error {
	if len(env.Nonce) != NonceSize || len(env.Ciphertext) < box.Overhead {
		return fmt.Errorf("%w: bad payload sizes", ErrInvalidEnvelope)
	}
	switch env.Version {
	case EnvelopeV1:
		if len(env.SenderPublicKey) != 0 || len(env.EphemeralPublicKey) != 0 {
			return fmt.Errorf("%w: v1 carries no keys", ErrInvalidEnvelope)
		}
	case EnvelopeV2:
		if len(env.SenderPublicKey) != KeySize || len(env.EphemeralPublicKey) != 0 {
			return fmt.Errorf("%w: v2 requires a sender key", ErrInvalidEnvelope)
		}
	case EnvelopeEphemeral:
		if len(env.EphemeralPublicKey) != KeySize || len(env.SenderPublicKey) != 0 {
			return fmt.Errorf("%w: ephemeral envelope requires a one-time key", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: version %d", ErrInvalidEnvelope, env.Version)
	}
	return nil
}

func MarshalEnvelope(env MessageEnvelope) ([]byte, error) {
	if err := ValidateEnvelope(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// ParseEnvelope decodes wire bytes once and rejects invalid version/field combinations.
func ParseEnvelope(data []byte) (MessageEnvelope, error) {
	var env MessageEnvelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return MessageEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := ValidateEnvelope(env); err != nil {
		return MessageEnvelope{}, err
	}
	return env, nil
}

type FailureKind uint8

const (
	FailureNone FailureKind = iota
	FailureMalformed
	FailureMissingSenderKey
	FailureAuth
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureMalformed:
		return "malformed"
	case FailureMissingSenderKey:
		return "missing_sender_key"
	case FailureAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// DecryptResult never carries plaintext together with a failure.
// UsedFallback means the embedded sender key did not open the box and the
// caller-supplied contact key did; KeyMismatch means the embedded key differs
// from the supplied contact key. Neither outcome authenticates the embedded key.
type DecryptResult struct {
	Plaintext    string
	Failure      FailureKind
	UsedFallback bool
	KeyMismatch  bool
}

func (r DecryptResult) OK() bool {
	return r.Failure == FailureNone
}

// Encrypt seals message for recipientPub. The envelope is V2 when senderPub is
// given and V1 otherwise.
func Encrypt(message string, recipientPub, senderPriv, senderPub *[KeySize]byte) (MessageEnvelope, error) {
	sealed, nonce, err := SealBox([]byte(message), recipientPub, senderPriv)
	if err != nil {
		return MessageEnvelope{}, err
	}
	env := MessageEnvelope{Version: EnvelopeV1, Ciphertext: sealed, Nonce: nonce}
	if senderPub != nil {
		env.Version = EnvelopeV2
		env.SenderPublicKey = append([]byte(nil), senderPub[:]...)
	}
	return env, nil
}

// Decrypt opens a V1/V2 envelope. The embedded sender key is preferred; the
// fallback key is tried once when it differs from the embedded one.
func Decrypt(env MessageEnvelope, fallbackSenderPub, recipientPriv *[KeySize]byte) DecryptResult {
	if err := ValidateEnvelope(env); err != nil || recipientPriv == nil {
		return DecryptResult{Failure: FailureMalformed}
	}
	if env.Version == EnvelopeEphemeral {
		return DecryptWithForwardSecrecy(env, recipientPriv)
	}

	var embedded *[KeySize]byte
	if env.Version == EnvelopeV2 {
		embedded, _ = KeyFromBytes(env.SenderPublicKey)
	}
	mismatch := embedded != nil && fallbackSenderPub != nil &&
		subtle.ConstantTimeCompare(embedded[:], fallbackSenderPub[:]) != 1

	primary := embedded
	if primary == nil {
		primary = fallbackSenderPub
	}
	if primary == nil {
		return DecryptResult{Failure: FailureMissingSenderKey}
	}
	if plain, err := OpenBox(env.Ciphertext, env.Nonce, primary, recipientPriv); err == nil {
		return DecryptResult{Plaintext: string(plain), KeyMismatch: mismatch}
	}
	if mismatch {
		if plain, err := OpenBox(env.Ciphertext, env.Nonce, fallbackSenderPub, recipientPriv); err == nil {
			return DecryptResult{Plaintext: string(plain), UsedFallback: true, KeyMismatch: true}
		}
	}
	return DecryptResult{Failure: FailureAuth, KeyMismatch: mismatch}
}

// EncryptWithForwardSecrecy seals message under a fresh one-time keypair whose
// private half is discarded immediately.
func EncryptWithForwardSecrecy(message string, recipientPub *[KeySize]byte) (MessageEnvelope, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return MessageEnvelope{}, err
	}
	defer Zero(ephPriv[:])
	sealed, nonce, err := SealBox([]byte(message), recipientPub, ephPriv)
	if err != nil {
		return MessageEnvelope{}, err
	}
	return MessageEnvelope{
		Version:            EnvelopeEphemeral,
		Ciphertext:         sealed,
		Nonce:              nonce,
		EphemeralPublicKey: append([]byte(nil), ephPub[:]...),
	}, nil
}

func DecryptWithForwardSecrecy(env MessageEnvelope, recipientPriv *[KeySize]byte) DecryptResult {
	if err := ValidateEnvelope(env); err != nil || env.Version != EnvelopeEphemeral || recipientPriv == nil {
		return DecryptResult{Failure: FailureMalformed}
	}
	ephPub, _ := KeyFromBytes(env.EphemeralPublicKey)
	plain, err := OpenBox(env.Ciphertext, env.Nonce, ephPub, recipientPriv)
	if err != nil {
		return DecryptResult{Failure: FailureAuth}
	}
	return DecryptResult{Plaintext: string(plain)}
}
