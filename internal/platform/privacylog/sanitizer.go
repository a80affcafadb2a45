// Package privacylog wraps slog handlers so key material never reaches a log
// sink and account or device identifiers appear only as per-process
// fingerprints.
package privacylog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const redactedValue = "[REDACTED]"

// fingerprintKey is drawn per process, so fingerprints correlate lines of one
// run but not across restarts.
var fingerprintKey = newFingerprintKey()

var (
	identifierKeys = map[string]bool{
		"username":         true,
		"user":             true,
		"device_id":        true,
		"target_device_id": true,
		"revoker_id":       true,
		"new_device_id":    true,
		"conversation_id":  true,
		"entry_id":         true,
		"identity_id":      true,
	}
	secretKeys = map[string]bool{
		"dek": true,
		"key": true,
	}
	// A key containing any of these fragments is redacted whatever its value.
	secretFragments = []string{
		"private", "secret", "password", "passphrase", "mnemonic",
		"token", "challenge", "session_key", "plaintext", "authorization",
	}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

// NewLogger builds the process logger: text or JSON output behind the sanitizer.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.New(WrapHandler(slog.NewTextHandler(w, opts)))
	}
	return slog.New(WrapHandler(slog.NewJSONHandler(w, opts)))
}

func Discard() *slog.Logger {
	return slog.New(WrapHandler(slog.DiscardHandler))
}

func ParseLevel(raw string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(SanitizeAttr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = SanitizeAttr(a)
	}
	return &SanitizingHandler{next: h.next.WithAttrs(clean)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr applies the logging policy to one attribute: secrets by name
// are redacted, identifiers are replaced by "<key>_fp" fingerprints, raw
// byte slices are reduced to their length and groups are walked.
func SanitizeAttr(a slog.Attr) slog.Attr {
	key := strings.TrimSpace(a.Key)
	name := strings.ToLower(key)
	if isSecret(name) {
		return slog.String(key, redactedValue)
	}
	v := a.Value.Resolve()
	if identifierKeys[name] {
		return slog.String(key+"_fp", FingerprintID(v.String()))
	}
	switch v.Kind() {
	case slog.KindGroup:
		group := v.Group()
		clean := make([]any, len(group))
		for i, g := range group {
			clean[i] = SanitizeAttr(g)
		}
		return slog.Group(key, clean...)
	case slog.KindAny:
		if b, ok := v.Any().([]byte); ok {
			return slog.String(key, fmt.Sprintf("[%d bytes]", len(b)))
		}
	}
	return slog.Attr{Key: key, Value: v}
}

// FingerprintID maps an identifier to a short keyed BLAKE2b tag.
func FingerprintID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	mac, err := blake2b.New(8, fingerprintKey)
	if err != nil {
		return redactedValue
	}
	mac.Write([]byte(value))
	return "fp_" + hex.EncodeToString(mac.Sum(nil))
}

func isSecret(name string) bool {
	if secretKeys[name] {
		return true
	}
	for _, frag := range secretFragments {
		if strings.Contains(name, frag) {
			return true
		}
	}
	return false
}

func newFingerprintKey() []byte {
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		panic(fmt.Sprintf("privacylog: read random key: %v", err))
	}
	return k
}
