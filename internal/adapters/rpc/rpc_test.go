package rpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"secure-comm/go-backend/internal/account"
	"secure-comm/go-backend/internal/keyserver"
	"secure-comm/go-backend/internal/localstore"
	"secure-comm/go-backend/internal/platform/metrics"
	"secure-comm/go-backend/internal/platform/privacylog"
	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"
)

const testToken = "rpc-test-token"

func newTestServer(t *testing.T, opts ServerOptions) (*httptest.Server, *keyserver.Memory) {
	t.Helper()
	mem := keyserver.New(keyserver.Options{Logger: privacylog.Discard()})
	if opts.Logger == nil {
		opts.Logger = privacylog.Discard()
	}
	srv, err := NewServer(opts, func(user string) transport.Server { return mem.User(user) })
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, mem
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func newTestClient(t *testing.T, url, user string, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(url, user, append([]ClientOption{WithToken(testToken), WithRetry(fastRetry())}, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestAccountFlowOverRPC(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestServer(t, ServerOptions{Token: testToken, RequireToken: true})

	open := func(name string) *account.Account {
		a, err := account.Open(account.Config{
			Username:         "alice",
			DeviceName:       name,
			Store:            localstore.NewMemoryStore(),
			Remote:           newTestClient(t, ts.URL, "alice"),
			Logger:           privacylog.Discard(),
			BackupIterations: 100000,
		})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := a.CreateKeys(); err != nil {
			t.Fatalf("keys: %v", err)
		}
		return a
	}
	a := open("laptop")
	if _, err := a.Register(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	first := int64(1)
	if _, err := a.WrapSessionKey(ctx, "alice:bob", []byte("over-the-wire"), 1, &first); err != nil {
		t.Fatalf("wrap: %v", err)
	}

	b := open("phone")
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
	res, err := b.SessionKeys(ctx, "alice:bob")
	if err != nil || len(res.Keys) != 1 || string(res.Keys[0].Key) != "over-the-wire" {
		t.Fatalf("paired device over rpc: %+v %v", res, err)
	}
	if got, err := res.KeyForMessage(5); err != nil || got.Entry.FirstMessageID == nil || *got.Entry.FirstMessageID != 1 {
		t.Fatalf("message range lost in transit: %+v %v", got, err)
	}

	out, err := a.Revoke(ctx, b.DeviceID(), "lost", true)
	if err != nil || !out.OldRetired || out.Rewrapped != 1 {
		t.Fatalf("revoke over rpc: %+v %v", out, err)
	}
	if _, err := b.Login(ctx); !errors.Is(err, transport.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := a.CreateBackup(ctx, "backup password"); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if list, err := a.ListBackups(ctx); err != nil || len(list) != 1 {
		t.Fatalf("list backups: %d %v", len(list), err)
	}
}

func TestErrorsMapBackToSentinels(t *testing.T) {
	ctx := context.Background()
	ts, mem := newTestServer(t, ServerOptions{Token: testToken})
	c := newTestClient(t, ts.URL, "bob")

	if _, err := c.GetWrappedDEK(ctx, "nope"); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.InitPairing(ctx, "unknown-device"); !errors.Is(err, transport.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := c.StoreSessionKey(ctx, models.SessionKeyEntry{}); !errors.Is(err, transport.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := c.GetMetadata(ctx, ""); !errors.Is(err, transport.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty type, got %v", err)
	}

	// users are isolated by header
	if _, err := mem.User("carol").RegisterDevice(ctx, models.NewDevice{DeviceID: "d1", Name: "n", Type: "desktop", PublicKey: make([]byte, 32)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	devices, err := c.ListDevices(ctx)
	if err != nil || len(devices) != 0 {
		t.Fatalf("bob sees carol's devices: %d %v", len(devices), err)
	}
}

func TestServerRejectsBadRequests(t *testing.T) {
	ts, _ := newTestServer(t, ServerOptions{Token: testToken})
	post := func(body string, headers map[string]string) (*http.Response, string) {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/rpc", strings.NewReader(body))
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, resp.Body)
		return resp, buf.String()
	}
	auth := map[string]string{tokenHeader: testToken, userHeader: "alice"}

	if resp, _ := post(`{"jsonrpc":"2.0","id":1,"method":"device.list"}`, map[string]string{userHeader: "alice"}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if _, body := post(`{"jsonrpc":"2.0","id":1,"method":"nope"}`, auth); !strings.Contains(body, "-32601") {
		t.Fatalf("expected method not found, got %s", body)
	}
	if _, body := post(`{not json`, auth); !strings.Contains(body, "-32700") {
		t.Fatalf("expected parse error, got %s", body)
	}
	if _, body := post(`{"jsonrpc":"2.0","id":1,"method":"device.list"}`, map[string]string{tokenHeader: testToken}); !strings.Contains(body, "-32602") {
		t.Fatalf("expected missing user error, got %s", body)
	}
	if _, body := post(`{"jsonrpc":"2.0","id":1,"method":"pairing.status","params":{"token":"x","extra":1}}`, auth); !strings.Contains(body, "-32602") {
		t.Fatalf("expected invalid params, got %s", body)
	}

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
}

func TestRateLimitAndMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	ts, _ := newTestServer(t, ServerOptions{Token: testToken, RPS: 0.001, Burst: 2, Metrics: m})
	c := newTestClient(t, ts.URL, "alice", WithRetry(RetryConfig{MaxRetries: 0}))
	for i := 0; i < 2; i++ {
		if _, err := c.ListDevices(ctx); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if _, err := c.ListDevices(ctx); !errors.Is(err, transport.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	_, _ = io.Copy(buf, resp.Body)
	if !strings.Contains(buf.String(), "securecomm_rpc_requests_total") {
		t.Fatalf("rpc metrics missing from /metrics")
	}
}

func TestClientRetriesIdempotentCallsOnly(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestServer(t, ServerOptions{})
	var calls atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		proxy, _ := http.NewRequestWithContext(r.Context(), r.Method, ts.URL+r.URL.Path, r.Body)
		proxy.Header = r.Header.Clone()
		resp, err := ts.Client().Do(proxy)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}))
	defer flaky.Close()

	c := newTestClient(t, flaky.URL, "alice")
	if _, err := c.ListDevices(ctx); err != nil {
		t.Fatalf("idempotent call should succeed after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}

	calls.Store(0)
	if _, err := c.InitPairing(ctx, "dev"); !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable without retry, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("non-idempotent call was retried: %d attempts", got)
	}
}

func TestKeyRotationAndProfileHistoryOverRPC(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestServer(t, ServerOptions{Token: testToken})
	store := localstore.NewMemoryStore()
	open := func() *account.Account {
		a, err := account.Open(account.Config{
			Username:         "dana",
			DeviceName:       "laptop",
			Store:            store,
			Remote:           newTestClient(t, ts.URL, "dana"),
			Logger:           privacylog.Discard(),
			BackupIterations: 100000,
		})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return a
	}
	a := open()
	if _, err := a.CreateKeys(); err != nil {
		t.Fatalf("keys: %v", err)
	}
	if _, err := a.Register(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, p := range []string{"v1", "v2"} {
		if _, err := a.PutProfile(ctx, []byte(p)); err != nil {
			t.Fatalf("put profile: %v", err)
		}
	}
	if _, err := a.PutMetadata(ctx, "settings", []byte("dark")); err != nil {
		t.Fatalf("put metadata: %v", err)
	}

	if _, err := a.RotateKeys(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	a = open()
	if _, err := a.Login(ctx); err != nil {
		t.Fatalf("login after rotation: %v", err)
	}
	if got, err := a.ProfileVersion(ctx, 1); err != nil || string(got) != "v1" {
		t.Fatalf("profile v1 after rotation: %q %v", got, err)
	}
	restored, err := a.RestoreProfile(ctx, 1)
	if err != nil || restored.Version != 3 {
		t.Fatalf("restore: %+v %v", restored, err)
	}
	if got, _ := a.Profile(ctx); string(got) != "v1" {
		t.Fatalf("latest profile after restore: %q", got)
	}
	meta, err := a.AllMetadata(ctx)
	if err != nil || string(meta["settings"]) != "dark" {
		t.Fatalf("metadata list: %v %v", meta, err)
	}

	info, err := a.KeyInfo(ctx)
	if err != nil || info.TotalRotations != 1 || info.ProfileVersion != 3 {
		t.Fatalf("key info: %+v %v", info, err)
	}
	if hist, err := a.KeyRotationHistory(ctx); err != nil || len(hist) != 1 || hist[0].OldFingerprint == hist[0].NewFingerprint {
		t.Fatalf("rotation history: %+v %v", hist, err)
	}

	b, err := a.CreateBackup(ctx, "backup password")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := a.DeleteBackup(ctx, b.ID); err != nil {
		t.Fatalf("delete backup: %v", err)
	}
	if err := a.DeleteBackup(ctx, b.ID); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := a.CreateRecovery(ctx, "recovery password"); err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if st, err := a.RecoveryStatus(ctx); err != nil || !st.HasRecoveryBackup {
		t.Fatalf("recovery status: %+v %v", st, err)
	}
	if n, err := a.DeleteRecovery(ctx); err != nil || n != 1 {
		t.Fatalf("delete recovery: %d %v", n, err)
	}
}
