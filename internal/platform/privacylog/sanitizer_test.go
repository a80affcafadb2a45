package privacylog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v (%s)", err, buf.String())
	}
	return payload
}

func TestSanitizingHandlerRedactsKeyMaterial(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "json")
	logger.Info("rotate",
		"dek_version", 2,
		"dek", "raw",
		"private_key", "abcd",
		"pairing_token", "tok",
		"challenge", "c",
		"status", "ok",
	)
	payload := decodeLine(t, &buf)
	for _, key := range []string{"dek", "private_key", "pairing_token", "challenge"} {
		if got, _ := payload[key].(string); got != redactedValue {
			t.Fatalf("expected %s redacted, got %v", key, payload[key])
		}
	}
	if payload["status"] != "ok" || payload["dek_version"] != float64(2) {
		t.Fatalf("unrelated attrs must pass through: %v", payload)
	}
}

func TestSanitizingHandlerFingerprintsIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "json").With("username", "alice")
	logger.Info("wrap", "conversation_id", "alice:bob", "device_id", "dev-1")
	payload := decodeLine(t, &buf)
	for _, key := range []string{"username", "conversation_id", "device_id"} {
		if _, ok := payload[key]; ok {
			t.Fatalf("%s must not appear in plain form", key)
		}
		got, _ := payload[key+"_fp"].(string)
		if !strings.HasPrefix(got, "fp_") {
			t.Fatalf("expected %s_fp fingerprint, got %q", key, got)
		}
	}
	if FingerprintID("dev-1") != payload["device_id_fp"] {
		t.Fatal("fingerprint must be stable within a boot")
	}
}

func TestSanitizingHandlerWalksGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "json")
	logger.Info("backup", slog.Group("kdf", slog.String("password", "hunter2"), slog.Int("iterations", 10)))
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("grouped secret leaked: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"iterations":10`) {
		t.Fatalf("grouped value lost: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != slog.LevelDebug || ParseLevel("bogus") != slog.LevelInfo {
		t.Fatal("unexpected level parsing")
	}
}

type deviceSecret struct{ raw string }

func (d deviceSecret) LogValue() slog.Value { return slog.StringValue(d.raw) }

func TestSanitizingHandlerHidesBytesAndResolvesValuers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "json")
	logger.Info("unwrap", "wrapped", []byte{1, 2, 3, 4}, "device_id", deviceSecret{raw: "dev-9"})
	payload := decodeLine(t, &buf)
	if payload["wrapped"] != "[4 bytes]" {
		t.Fatalf("byte slices must be reduced to a length, got %v", payload["wrapped"])
	}
	if payload["device_id_fp"] != FingerprintID("dev-9") {
		t.Fatalf("LogValuer identifiers must be fingerprinted, got %v", payload)
	}
	if strings.Contains(buf.String(), "dev-9") {
		t.Fatalf("identifier leaked: %s", buf.String())
	}
}
