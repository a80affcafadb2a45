package keyserver

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"secure-comm/go-backend/internal/platform/privacylog"
	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newServer(t *testing.T) (*Memory, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(Options{Now: clock.Now, Logger: privacylog.Discard()}), clock
}

func newDevice(t *testing.T, id string) models.NewDevice {
	t.Helper()
	pub := make([]byte, 32)
	if _, err := rand.Read(pub); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return models.NewDevice{DeviceID: id, Name: id, Type: "desktop", PublicKey: pub}
}

func wrappedFor(deviceID string, version int) models.WrappedDEK {
	return models.WrappedDEK{DeviceID: deviceID, WrappedDEK: []byte("sealed"), Nonce: make([]byte, 24), Version: version}
}

func TestFirstDeviceIsPrimaryAndRevocationRules(t *testing.T) {
	srv, _ := newServer(t)
	u := srv.User("alice")
	ctx := context.Background()

	a, err := u.RegisterDevice(ctx, newDevice(t, "dev-a"))
	if err != nil || !a.IsPrimary {
		t.Fatalf("first device must be primary: %+v %v", a, err)
	}
	if _, err := u.RevokeDevice(ctx, models.RevokeRequest{DeviceID: "dev-a", RevokedByDevice: "dev-a"}); !errors.Is(err, transport.ErrForbidden) {
		t.Fatalf("revoking the only device must be forbidden, got %v", err)
	}
	b, _ := u.RegisterDevice(ctx, newDevice(t, "dev-b"))
	if b.IsPrimary {
		t.Fatal("second device must not be primary")
	}
	if _, err := u.RevokeDevice(ctx, models.RevokeRequest{DeviceID: "dev-a", RevokedByDevice: "dev-b"}); !errors.Is(err, transport.ErrForbidden) {
		t.Fatalf("revoking the primary must be forbidden, got %v", err)
	}

	if err := u.StoreWrappedDEK(ctx, wrappedFor("dev-a", 1)); err != nil {
		t.Fatalf("store wrapped dek: %v", err)
	}
	if err := u.StoreWrappedDEK(ctx, wrappedFor("dev-b", 1)); err != nil {
		t.Fatalf("store wrapped dek: %v", err)
	}
	res, err := u.RevokeDevice(ctx, models.RevokeRequest{DeviceID: "dev-b", RevokedByDevice: "dev-a", Reason: "lost", RotateDEK: true})
	if err != nil || !res.DEKRotated || res.NewVersion != 2 {
		t.Fatalf("unexpected revoke result: %+v %v", res, err)
	}
	if _, err := u.GetWrappedDEK(ctx, "dev-b"); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("revoked device wrap must be dropped, got %v", err)
	}
	if _, err := u.RestoreKeys(ctx, "dev-b"); !errors.Is(err, transport.ErrForbidden) {
		t.Fatalf("revoked device must not restore keys, got %v", err)
	}
	if err := u.StoreWrappedDEK(ctx, wrappedFor("dev-b", 2)); !errors.Is(err, transport.ErrForbidden) {
		t.Fatalf("revoked device must not receive a wrap, got %v", err)
	}
	if _, err := u.RegisterDevice(ctx, newDevice(t, "dev-b")); !errors.Is(err, transport.ErrForbidden) {
		t.Fatalf("revoked device must not re-register, got %v", err)
	}
	hist, _ := u.RevocationHistory(ctx)
	if len(hist) != 1 || hist[0].OldDEKVersion != 1 || hist[0].NewDEKVersion != 2 || hist[0].Reason != "lost" {
		t.Fatalf("unexpected history: %+v", hist)
	}
	if err := u.StoreWrappedDEK(ctx, wrappedFor("dev-a", 2)); err != nil {
		t.Fatalf("store v2: %v", err)
	}
	if err := u.StoreWrappedDEK(ctx, wrappedFor("dev-a", 1)); !errors.Is(err, transport.ErrInvalidState) {
		t.Fatalf("stale dek version must be refused, got %v", err)
	}
}

func entry(id, conv string, keyVersion int, first *int64) models.SessionKeyEntry {
	return models.SessionKeyEntry{
		ID: id, ConversationID: conv, WrappedSessionKey: []byte("k"), Nonce: make([]byte, 24),
		DEKVersion: 1, KeyVersion: keyVersion, FirstMessageID: first, IsActive: true,
	}
}

func ptr(v int64) *int64 { return &v }

func TestSessionKeyErasCloseAndDeduplicate(t *testing.T) {
	srv, _ := newServer(t)
	u := srv.User("alice")
	ctx := context.Background()

	if _, err := u.StoreSessionKey(ctx, entry("e1", "c", 1, ptr(1))); err != nil {
		t.Fatalf("store e1: %v", err)
	}
	if _, err := u.StoreSessionKey(ctx, entry("e1", "c", 1, ptr(1))); err != nil {
		t.Fatalf("duplicate id must be tolerated: %v", err)
	}
	if _, err := u.StoreSessionKey(ctx, entry("e2", "c", 2, ptr(1))); !errors.Is(err, transport.ErrInvalidRequest) {
		t.Fatalf("overlapping era must be refused, got %v", err)
	}
	if _, err := u.StoreSessionKey(ctx, entry("e2", "c", 2, ptr(50))); err != nil {
		t.Fatalf("store e2: %v", err)
	}
	got, _ := u.GetSessionKeys(ctx, "c")
	if len(got) != 2 {
		t.Fatalf("expected 2 eras, got %d", len(got))
	}
	if got[0].LastMessageID == nil || *got[0].LastMessageID != 49 || got[0].IsActive {
		t.Fatalf("previous era must close at 49: %+v", got[0])
	}
	if !got[1].IsActive || got[1].LastMessageID != nil {
		t.Fatalf("new era must be open and active: %+v", got[1])
	}

	n, err := u.RewrapSessionKeys(ctx, 1, 2, []models.RewrappedKey{
		{ID: "e1", WrappedSessionKey: []byte("k2"), Nonce: make([]byte, 24)},
		{ID: "missing", WrappedSessionKey: []byte("k2"), Nonce: make([]byte, 24)},
	})
	if err != nil || n != 1 {
		t.Fatalf("rewrap: n=%d err=%v", n, err)
	}
	all, _ := u.GetAllSessionKeys(ctx)
	versions := map[string]int{}
	for _, e := range all {
		versions[e.ID] = e.DEKVersion
	}
	if versions["e1"] != 2 || versions["e2"] != 1 {
		t.Fatalf("unexpected dek versions after rewrap: %v", versions)
	}
}

func TestPairingIsSingleUse(t *testing.T) {
	srv, _ := newServer(t)
	u := srv.User("alice")
	ctx := context.Background()
	if _, err := u.RegisterDevice(ctx, newDevice(t, "dev-a")); err != nil {
		t.Fatalf("register: %v", err)
	}
	init, err := u.InitPairing(ctx, "dev-a")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := u.CompletePairing(ctx, init.Token); !errors.Is(err, transport.ErrInvalidState) {
		t.Fatalf("complete before approval must fail, got %v", err)
	}
	scan, err := u.ScanPairing(ctx, init.Token, newDevice(t, "dev-b"))
	if err != nil || scan.Challenge != init.Challenge || scan.Fingerprint == "" {
		t.Fatalf("scan: %+v %v", scan, err)
	}
	if _, err := u.ScanPairing(ctx, init.Token, newDevice(t, "dev-c")); !errors.Is(err, transport.ErrInvalidState) {
		t.Fatalf("second scan must fail, got %v", err)
	}
	if err := u.ApprovePairing(ctx, init.Token, models.PairingApproval{WrappedDEK: []byte("w"), Nonce: make([]byte, 24), DEKVersion: 1}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	done, err := u.CompletePairing(ctx, init.Token)
	if err != nil || done.DeviceID != "dev-b" || string(done.WrappedDEK) != "w" {
		t.Fatalf("complete: %+v %v", done, err)
	}
	if _, err := u.CompletePairing(ctx, init.Token); !errors.Is(err, transport.ErrInvalidState) {
		t.Fatalf("second complete must fail, got %v", err)
	}
	status, _ := u.PairingStatus(ctx, init.Token)
	if status.Status != models.PairingCompleted || status.WrappedDEKForNewDevice != nil {
		t.Fatalf("completed session must not expose the wrap: %+v", status)
	}
	w, err := u.GetWrappedDEK(ctx, "dev-b")
	if err != nil || len(w.SenderPublicKey) != 32 {
		t.Fatalf("new device wrap must record the initiator key: %+v %v", w, err)
	}
}

func TestPairingExpiresAndIsRateLimited(t *testing.T) {
	srv, clock := newServer(t)
	u := srv.User("alice")
	ctx := context.Background()
	if _, err := u.RegisterDevice(ctx, newDevice(t, "dev-a")); err != nil {
		t.Fatalf("register: %v", err)
	}
	init, err := u.InitPairing(ctx, "dev-a")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	clock.t = clock.t.Add(DefaultPairingTTL + time.Second)
	if _, err := u.ScanPairing(ctx, init.Token, newDevice(t, "dev-b")); !errors.Is(err, transport.ErrInvalidState) {
		t.Fatalf("expired token must not scan, got %v", err)
	}
	status, _ := u.PairingStatus(ctx, init.Token)
	if status.Status != models.PairingExpired {
		t.Fatalf("expected expired, got %s", status.Status)
	}

	for i := 0; i < DefaultPairingInitLimit-1; i++ {
		if _, err := u.InitPairing(ctx, "dev-a"); err != nil {
			t.Fatalf("init %d: %v", i, err)
		}
	}
	if _, err := u.InitPairing(ctx, "dev-a"); !errors.Is(err, transport.ErrRateLimited) {
		t.Fatalf("sixth init within the hour must be limited, got %v", err)
	}
	if _, err := srv.User("bob").InitPairing(ctx, "dev-x"); !errors.Is(err, transport.ErrForbidden) {
		t.Fatalf("other users have their own budget, got %v", err)
	}
}

func TestProfilesAndBackupsAreVersioned(t *testing.T) {
	srv, _ := newServer(t)
	u := srv.User("alice")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := u.StoreProfile(ctx, models.EncryptedProfile{Blob: []byte("b"), Nonce: make([]byte, 24), DEKVersion: 1}); err != nil {
			t.Fatalf("store profile: %v", err)
		}
	}
	p, err := u.GetProfile(ctx)
	if err != nil || p.Version != 2 {
		t.Fatalf("latest profile: %+v %v", p, err)
	}
	if _, err := u.GetBackup(ctx, ""); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	b, err := u.CreateBackup(ctx, models.BackupPayload{EncryptedData: []byte("x"), KDFSalt: []byte("s"), ContentHash: "h", WrappedDEK: []byte("w")})
	if err != nil || b.ID == "" {
		t.Fatalf("create backup: %+v %v", b, err)
	}
	if got, err := u.GetBackup(ctx, b.ID); err != nil || got.ID != b.ID {
		t.Fatalf("get backup: %v", err)
	}
}

func TestRotateDeviceKeyRules(t *testing.T) {
	srv, clock := newServer(t)
	u := srv.User("alice")
	ctx := context.Background()
	dev := newDevice(t, "dev-a")
	if _, err := u.RegisterDevice(ctx, dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := u.StoreWrappedDEK(ctx, wrappedFor("dev-a", 1)); err != nil {
		t.Fatalf("store wrapped dek: %v", err)
	}
	fresh := newDevice(t, "unused").PublicKey
	rotation := func(id string, pub []byte, version int) models.KeyRotation {
		return models.KeyRotation{DeviceID: id, NewPublicKey: pub, WrappedDEK: []byte("resealed"), Nonce: make([]byte, 24), DEKVersion: version}
	}

	tests := []struct {
		name string
		rot  models.KeyRotation
		want error
	}{
		{"unknown device", rotation("dev-x", fresh, 1), transport.ErrForbidden},
		{"stale dek", rotation("dev-a", fresh, 2), transport.ErrInvalidState},
		{"same key", rotation("dev-a", dev.PublicKey, 1), transport.ErrInvalidRequest},
		{"short key", rotation("dev-a", fresh[:16], 1), transport.ErrInvalidRequest},
	}
	for _, tc := range tests {
		if _, err := u.RotateDeviceKey(ctx, tc.rot); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	clock.t = clock.t.Add(time.Minute)
	rec, err := u.RotateDeviceKey(ctx, rotation("dev-a", fresh, 1))
	if err != nil || string(rec.PublicKey) != string(fresh) {
		t.Fatalf("rotate: %+v %v", rec, err)
	}
	w, _ := u.GetWrappedDEK(ctx, "dev-a")
	if string(w.WrappedDEK) != "resealed" || len(w.SenderPublicKey) != 0 {
		t.Fatalf("wrapped dek not replaced: %+v", w)
	}
	if _, err := u.RegisterDevice(ctx, models.NewDevice{DeviceID: "dev-a", Name: "dev-a", PublicKey: fresh}); err != nil {
		t.Fatalf("re-register with the rotated key: %v", err)
	}
	info, err := u.KeyInfo(ctx, "dev-a")
	if err != nil || info.TotalRotations != 1 || !info.LastRotationAt.Equal(clock.t.UTC()) || info.Fingerprint != rec.Fingerprint {
		t.Fatalf("key info: %+v %v", info, err)
	}
	if _, err := u.KeyInfo(ctx, "dev-x"); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProfileRestoreMetadataListAndDeletes(t *testing.T) {
	srv, _ := newServer(t)
	u := srv.User("alice")
	ctx := context.Background()
	for _, blob := range []string{"first", "second"} {
		if _, err := u.StoreProfile(ctx, models.EncryptedProfile{Blob: []byte(blob), Nonce: make([]byte, 24), DEKVersion: 1, ContentHash: blob}); err != nil {
			t.Fatalf("store profile: %v", err)
		}
	}
	if p, err := u.GetProfileVersion(ctx, 1); err != nil || string(p.Blob) != "first" {
		t.Fatalf("profile v1: %+v %v", p, err)
	}
	if _, err := u.GetProfileVersion(ctx, 0); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	restored, err := u.RestoreProfileVersion(ctx, 1)
	if err != nil || restored.Version != 3 || string(restored.Blob) != "first" || restored.ContentHash != "first" {
		t.Fatalf("restore: %+v %v", restored, err)
	}
	if latest, _ := u.GetProfile(ctx); latest.Version != 3 {
		t.Fatalf("restored version is not current: %d", latest.Version)
	}

	for _, typ := range []string{"settings", "contacts"} {
		if _, err := u.StoreMetadata(ctx, models.EncryptedMetadata{Type: typ, Blob: []byte("m"), Nonce: make([]byte, 24), DEKVersion: 1}); err != nil {
			t.Fatalf("store metadata: %v", err)
		}
	}
	list, _ := u.ListMetadata(ctx)
	if len(list) != 2 || list[0].Type != "contacts" || list[1].Type != "settings" {
		t.Fatalf("metadata list: %+v", list)
	}

	b, _ := u.CreateBackup(ctx, models.BackupPayload{EncryptedData: []byte("x"), KDFSalt: []byte("s"), ContentHash: "h", WrappedDEK: []byte("w")})
	if err := u.DeleteBackup(ctx, b.ID); err != nil {
		t.Fatalf("delete backup: %v", err)
	}
	if all, _ := u.ListBackups(ctx); len(all) != 0 {
		t.Fatalf("backup survived delete: %d", len(all))
	}
	if err := u.DeleteBackup(ctx, b.ID); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := u.StoreRecoveryBackup(ctx, models.RecoveryBackup{EncryptedDEK: []byte("d"), KDFSalt: []byte("s"), DEKVersion: 1}); err != nil {
		t.Fatalf("store recovery: %v", err)
	}
	if st, _ := u.RecoveryStatus(ctx); !st.HasRecoveryBackup || st.DEKVersion != 1 {
		t.Fatalf("recovery status: %+v", st)
	}
	if n, _ := u.DeleteRecoveryBackup(ctx); n != 1 {
		t.Fatalf("expected one deleted recovery backup, got %d", n)
	}
	if n, _ := u.DeleteRecoveryBackup(ctx); n != 0 {
		t.Fatalf("second delete removed %d", n)
	}
	if st, _ := u.RecoveryStatus(ctx); st.HasRecoveryBackup {
		t.Fatal("recovery backup still reported")
	}
}
