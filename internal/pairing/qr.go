package pairing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const QRType = "securecomm_pair"

var (
	ErrInvalidQR = errors.New("invalid pairing qr payload")
	ErrQRExpired = errors.New("pairing qr payload expired")
)

// QRPayload travels out of band from the existing device to the new one. It
// carries the initiator's public key so the new device never has to trust
// the server for it.
type QRPayload struct {
	Type               string    `json:"type"`
	Token              string    `json:"token"`
	Challenge          string    `json:"challenge"`
	ExpiresAt          time.Time `json:"expires_at"`
	InitiatorPublicKey []byte    `json:"initiator_public_key"`
}

func (q QRPayload) Validate(now time.Time) error {
	if q.Type != QRType || strings.TrimSpace(q.Token) == "" || strings.TrimSpace(q.Challenge) == "" {
		return ErrInvalidQR
	}
	if len(q.InitiatorPublicKey) != 32 {
		return fmt.Errorf("%w: initiator key", ErrInvalidQR)
	}
	if !q.ExpiresAt.IsZero() && !now.Before(q.ExpiresAt) {
		return ErrQRExpired
	}
	return nil
}

func (q QRPayload) Encode() (string, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func ParseQR(raw string) (QRPayload, error) {
	var q QRPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &q); err != nil {
		return QRPayload{}, fmt.Errorf("%w: %v", ErrInvalidQR, err)
	}
	if q.Type != QRType {
		return QRPayload{}, ErrInvalidQR
	}
	return q, nil
}
