package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"secure-comm/go-backend/internal/dek"
	"secure-comm/go-backend/internal/identity"
	"secure-comm/go-backend/internal/keyserver"
	"secure-comm/go-backend/internal/localstore"
	"secure-comm/go-backend/internal/platform/privacylog"
	"secure-comm/go-backend/internal/transport"
)

func newServer() *keyserver.Memory {
	return keyserver.New(keyserver.Options{Logger: privacylog.Discard()})
}

func openAccount(t *testing.T, srv *keyserver.Memory, store localstore.Store, name string) *Account {
	t.Helper()
	a, err := Open(Config{
		Username:         "alice",
		DeviceName:       name,
		Store:            store,
		Remote:           srv.User("alice"),
		Logger:           privacylog.Discard(),
		BackupIterations: 100000,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return a
}

func primary(t *testing.T, srv *keyserver.Memory) (*Account, localstore.Store) {
	t.Helper()
	store := localstore.NewMemoryStore()
	a := openAccount(t, srv, store, "laptop")
	if _, err := a.CreateKeys(); err != nil {
		t.Fatalf("create keys: %v", err)
	}
	rec, err := a.Register(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !rec.IsPrimary {
		t.Fatal("first device should be primary")
	}
	return a, store
}

func pairNewDevice(t *testing.T, srv *keyserver.Memory, a *Account) *Account {
	t.Helper()
	ctx := context.Background()
	b := openAccount(t, srv, localstore.NewMemoryStore(), "phone")
	if _, err := b.CreateKeys(); err != nil {
		t.Fatalf("create keys: %v", err)
	}
	qr, err := a.StartPairing(ctx)
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	if _, err := b.ScanPairing(ctx, qr); err != nil {
		t.Fatalf("scan: %v", err)
	}
	pub, _ := b.PublicKey()
	if err := a.ApprovePairing(ctx, qr.Token, pub[:]); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := b.CompletePairing(ctx, qr.Token); err != nil {
		t.Fatalf("complete: %v", err)
	}
	return b
}

func TestRegisterWrapAndReopen(t *testing.T) {
	ctx := context.Background()
	srv := newServer()
	a, store := primary(t, srv)
	if v, err := a.ActiveDEKVersion(); err != nil || v != 1 {
		t.Fatalf("expected dek v1, got %d %v", v, err)
	}
	if _, err := a.WrapSessionKey(ctx, "alice:bob", []byte("k1"), 1, nil); err != nil {
		t.Fatalf("wrap: %v", err)
	}

	again := openAccount(t, srv, store, "laptop")
	if again.DeviceID() != a.DeviceID() {
		t.Fatal("device id changed across reopen")
	}
	res, err := again.SessionKeys(ctx, "alice:bob")
	if err != nil || len(res.Keys) != 1 || string(res.Keys[0].Key) != "k1" {
		t.Fatalf("reopened account cannot read: %+v %v", res, err)
	}
	if _, err := again.CreateKeys(); !errors.Is(err, ErrKeysExist) {
		t.Fatalf("expected ErrKeysExist, got %v", err)
	}

	if err := again.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := again.ActiveDEKVersion(); err == nil {
		t.Fatal("dek should be gone after logout")
	}
	if _, err := again.Login(ctx); err != nil {
		t.Fatalf("login: %v", err)
	}
	if v, _ := again.ActiveDEKVersion(); v != 1 {
		t.Fatalf("login restored v%d", v)
	}
}

func TestOperationsNeedKeys(t *testing.T) {
	a := openAccount(t, newServer(), localstore.NewMemoryStore(), "laptop")
	if _, err := a.Register(context.Background()); !errors.Is(err, ErrNoKeys) {
		t.Fatalf("expected ErrNoKeys, got %v", err)
	}
	if _, err := Open(Config{Username: "a:b", Store: localstore.NewMemoryStore(), Remote: newServer().User("x")}); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername, got %v", err)
	}
}

func TestPairedDeviceReadsAndLosesAccessOnRevoke(t *testing.T) {
	ctx := context.Background()
	srv := newServer()
	a, _ := primary(t, srv)
	if _, err := a.WrapSessionKey(ctx, "alice:bob", []byte("shared"), 1, nil); err != nil {
		t.Fatalf("wrap: %v", err)
	}
	b := pairNewDevice(t, srv, a)
	res, err := b.SessionKeys(ctx, "alice:bob")
	if err != nil || len(res.Keys) != 1 || string(res.Keys[0].Key) != "shared" {
		t.Fatalf("paired device cannot read: %+v %v", res, err)
	}

	out, err := a.Revoke(ctx, b.DeviceID(), "lost", true)
	if err != nil || !out.OldRetired || out.NewVersion != 2 {
		t.Fatalf("revoke: %+v %v", out, err)
	}
	res, err = a.SessionKeys(ctx, "alice:bob")
	if err != nil || len(res.Keys) != 1 || res.Keys[0].Entry.DEKVersion != 2 {
		t.Fatalf("owner lost access after rotation: %+v %v", res, err)
	}
	if _, err := b.Login(ctx); !errors.Is(err, transport.ErrForbidden) {
		t.Fatalf("revoked device logged in: %v", err)
	}
}

func TestConcurrentWrapsDuringRotation(t *testing.T) {
	ctx := context.Background()
	srv := newServer()
	a, _ := primary(t, srv)
	pairNewDevice(t, srv, a)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv := fmt.Sprintf("alice:peer%02d", i)
			if _, err := a.WrapSessionKey(ctx, conv, []byte(conv), 1, nil); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := a.RotateDEK(ctx); err != nil {
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent op: %v", err)
	}

	for i := 0; i < 16; i++ {
		conv := fmt.Sprintf("alice:peer%02d", i)
		res, err := a.SessionKeys(ctx, conv)
		if err != nil || len(res.Failures) != 0 || len(res.Keys) != 1 || string(res.Keys[0].Key) != conv {
			t.Fatalf("%s unreadable after rotation: %+v %v", conv, res, err)
		}
		if res.Keys[0].Entry.DEKVersion != 2 {
			t.Fatalf("%s left on dek v%d", conv, res.Keys[0].Entry.DEKVersion)
		}
	}
}

func TestProfileMetadataAndEnvelopes(t *testing.T) {
	ctx := context.Background()
	srv := newServer()
	a, _ := primary(t, srv)
	if _, err := a.PutProfile(ctx, []byte(`{"display_name":"Alice"}`)); err != nil {
		t.Fatalf("put profile: %v", err)
	}
	got, err := a.Profile(ctx)
	if err != nil || string(got) != `{"display_name":"Alice"}` {
		t.Fatalf("profile: %q %v", got, err)
	}
	if _, err := a.PutMetadata(ctx, "contacts", []byte("[]")); err != nil {
		t.Fatalf("put metadata: %v", err)
	}
	if meta, err := a.Metadata(ctx, "contacts"); err != nil || string(meta) != "[]" {
		t.Fatalf("metadata: %q %v", meta, err)
	}

	b := pairNewDevice(t, srv, a)
	bPub, _ := b.PublicKey()
	env, err := a.EncryptMessage("hello", &bPub)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	res := b.DecryptMessage(env, nil)
	if !res.OK() || res.Plaintext != "hello" || res.UsedFallback {
		t.Fatalf("decrypt: %+v", res)
	}
}

func TestBackupRestoreThroughAccount(t *testing.T) {
	ctx := context.Background()
	srv := newServer()
	a, store := primary(t, srv)
	if _, err := a.WrapSessionKey(ctx, "alice:bob", []byte("k"), 1, nil); err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := a.CreateBackup(ctx, "backup password"); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := a.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}
	again := openAccount(t, srv, store, "laptop")
	rep, err := again.RestoreBackup(ctx, "", "backup password")
	if err != nil || rep.DEKVersion != 1 {
		t.Fatalf("restore: %+v %v", rep, err)
	}
	res, err := again.SessionKeys(ctx, "alice:bob")
	if err != nil || len(res.Keys) != 1 {
		t.Fatalf("restored account cannot read: %+v %v", res, err)
	}
	list, err := again.ListBackups(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %d %v", len(list), err)
	}
}

func TestMutateSerializesWithWraps(t *testing.T) {
	ctx := context.Background()
	a, _ := primary(t, newServer())

	var (
		mu    sync.Mutex
		order []string
	)
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	entered := make(chan struct{})
	release := make(chan struct{})
	mutated := make(chan error, 1)
	go func() {
		mutated <- a.Mutate(func() error {
			close(entered)
			<-release
			note("mutate")
			return errors.New("step failed")
		})
	}()
	<-entered

	wrapped := make(chan struct{})
	go func() {
		defer close(wrapped)
		if _, err := a.WrapSessionKey(ctx, "alice:carol", []byte("k"), 1, nil); err != nil {
			t.Errorf("wrap: %v", err)
		}
		note("wrap")
	}()
	close(release)
	<-wrapped
	if err := <-mutated; err == nil || err.Error() != "step failed" {
		t.Fatalf("mutate must return fn's error, got %v", err)
	}
	if len(order) != 2 || order[0] != "mutate" {
		t.Fatalf("wrap ran inside a mutation: %v", order)
	}
}

func TestOpenFreshStoreHasNoDEKYet(t *testing.T) {
	a := openAccount(t, newServer(), localstore.NewMemoryStore(), "laptop")
	if _, err := a.ActiveDEKVersion(); !errors.Is(err, dek.ErrUninitialized) {
		t.Fatalf("expected ErrUninitialized, got %v", err)
	}

	broken := localstore.NewMemoryStore()
	if err := broken.Set(localstore.DEKKey("alice"), []byte("{not json")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := Open(Config{Username: "alice", Store: broken, Remote: newServer().User("alice"), Logger: privacylog.Discard()}); err == nil {
		t.Fatal("a corrupt dek record must fail open")
	}
}

func TestRotateKeysKeepsDataReadable(t *testing.T) {
	ctx := context.Background()
	srv := newServer()
	a, store := primary(t, srv)
	if _, err := a.PutProfile(ctx, []byte("before rotation")); err != nil {
		t.Fatalf("put profile: %v", err)
	}
	if _, err := a.WrapSessionKey(ctx, "alice:bob", []byte("k1"), 1, nil); err != nil {
		t.Fatalf("wrap: %v", err)
	}
	oldFP, _ := a.Fingerprint()

	mnemonic, err := a.RotateKeys(ctx)
	if err != nil {
		t.Fatalf("rotate keys: %v", err)
	}
	newFP, _ := a.Fingerprint()
	if newFP == oldFP {
		t.Fatal("fingerprint did not change")
	}
	if v, _ := a.ActiveDEKVersion(); v != 1 {
		t.Fatalf("key rotation must not bump the dek, got v%d", v)
	}

	again := openAccount(t, srv, store, "laptop")
	if err := again.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := again.Login(ctx); err != nil {
		t.Fatalf("login after rotation: %v", err)
	}
	if got, err := again.Profile(ctx); err != nil || string(got) != "before rotation" {
		t.Fatalf("profile after rotation: %q %v", got, err)
	}
	if res, err := again.SessionKeys(ctx, "alice:bob"); err != nil || len(res.Keys) != 1 || string(res.Keys[0].Key) != "k1" {
		t.Fatalf("session key after rotation: %+v %v", res, err)
	}
	if err := again.ImportMnemonic(mnemonic); err != nil {
		t.Fatalf("importing the current phrase should be a no-op: %v", err)
	}
	other, _ := identity.NewMnemonic()
	if err := again.ImportMnemonic(other); !errors.Is(err, ErrKeysExist) {
		t.Fatalf("expected ErrKeysExist for a foreign phrase, got %v", err)
	}

	devices, _ := a.Devices(ctx)
	if len(devices) != 1 || devices[0].Fingerprint != newFP {
		t.Fatalf("server still holds the old key: %+v", devices)
	}
	history, err := a.KeyRotationHistory(ctx)
	if err != nil || len(history) != 1 || history[0].OldFingerprint != oldFP || history[0].NewFingerprint != newFP {
		t.Fatalf("rotation history: %+v %v", history, err)
	}
	info, err := a.KeyInfo(ctx)
	if err != nil || info.TotalRotations != 1 || info.DEKVersion != 1 || info.ProfileVersion != 1 {
		t.Fatalf("key info: %+v %v", info, err)
	}
}

func TestPairedDeviceStillReadsAfterInitiatorRotates(t *testing.T) {
	ctx := context.Background()
	srv := newServer()
	a, _ := primary(t, srv)
	b := pairNewDevice(t, srv, a)
	if _, err := a.RotateKeys(ctx); err != nil {
		t.Fatalf("rotate keys: %v", err)
	}
	if err := b.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := b.Login(ctx); err != nil {
		t.Fatalf("paired device login: %v", err)
	}
}

func TestProfileHistoryMetadataAndRecoveryStatus(t *testing.T) {
	ctx := context.Background()
	a, _ := primary(t, newServer())
	for _, v := range []string{"v1", "v2"} {
		if _, err := a.PutProfile(ctx, []byte(v)); err != nil {
			t.Fatalf("put profile %s: %v", v, err)
		}
	}
	if got, err := a.ProfileVersion(ctx, 1); err != nil || string(got) != "v1" {
		t.Fatalf("profile v1: %q %v", got, err)
	}
	restored, err := a.RestoreProfile(ctx, 1)
	if err != nil || restored.Version != 3 {
		t.Fatalf("restore profile: %+v %v", restored, err)
	}
	if got, _ := a.Profile(ctx); string(got) != "v1" {
		t.Fatalf("current profile after restore: %q", got)
	}
	if _, err := a.RestoreProfile(ctx, 9); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing version, got %v", err)
	}
	if versions, _ := a.ProfileVersions(ctx); len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}

	for typ, body := range map[string]string{"contacts": "[]", "settings": "{}"} {
		if _, err := a.PutMetadata(ctx, typ, []byte(body)); err != nil {
			t.Fatalf("put %s: %v", typ, err)
		}
	}
	all, err := a.AllMetadata(ctx)
	if err != nil || len(all) != 2 || string(all["contacts"]) != "[]" || string(all["settings"]) != "{}" {
		t.Fatalf("all metadata: %v %v", all, err)
	}

	if st, err := a.RecoveryStatus(ctx); err != nil || st.HasRecoveryBackup {
		t.Fatalf("fresh account has a recovery backup: %+v %v", st, err)
	}
	if err := a.CreateRecovery(ctx, "recovery password"); err != nil {
		t.Fatalf("create recovery: %v", err)
	}
	if st, _ := a.RecoveryStatus(ctx); !st.HasRecoveryBackup || st.DEKVersion != 1 {
		t.Fatalf("recovery status: %+v", st)
	}
	if n, err := a.DeleteRecovery(ctx); err != nil || n != 1 {
		t.Fatalf("delete recovery: %d %v", n, err)
	}
	if _, err := a.RestoreRecovery(ctx, "recovery password"); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	b, err := a.CreateBackup(ctx, "backup password")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := a.DeleteBackup(ctx, b.ID); err != nil {
		t.Fatalf("delete backup: %v", err)
	}
	if err := a.DeleteBackup(ctx, b.ID); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestForwardSecretMessages(t *testing.T) {
	srv := newServer()
	a, _ := primary(t, srv)
	b := pairNewDevice(t, srv, a)
	bPub, _ := b.PublicKey()
	env, err := a.EncryptMessageForwardSecret("sealed", &bPub)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(env.SenderPublicKey) != 0 {
		t.Fatal("forward secret envelope must not name the sender")
	}
	if res := b.DecryptMessageForwardSecret(env); !res.OK() || res.Plaintext != "sealed" {
		t.Fatalf("decrypt: %+v", res)
	}
	if res := a.DecryptMessageForwardSecret(env); res.OK() {
		t.Fatal("sender must not be able to open a forward secret envelope")
	}
}
