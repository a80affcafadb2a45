package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"
)

// idempotent lists the methods that are safe to resend after an ambiguous
// failure. Pairing steps, revocation and uploads that create versions are not.
var idempotent = map[string]bool{
	"device.register":       true,
	"device.list":           true,
	"device.revocations":    true,
	"pairing.status":        true,
	"dek.store":             true,
	"dek.get":               true,
	"dek.restore":           true,
	"keys.rotation_history": true,
	"keys.info":             true,
	"session_key.store":     true,
	"session_key.list":      true,
	"session_key.list_all":  true,
	"session_key.rewrap":    true,
	"profile.get":           true,
	"profile.versions":      true,
	"profile.get_version":   true,
	"metadata.get":          true,
	"metadata.list":         true,
	"backup.get":            true,
	"backup.list":           true,
	"recovery.get":          true,
	"recovery.status":       true,
	"recovery.delete":       true,
}

// Client implements transport.Server against a remote rpc Server.
type Client struct {
	url        string
	user       string
	token      string
	httpClient *http.Client
	retry      RetryConfig
	nextID     atomic.Int64
}

var _ transport.Server = (*Client)(nil)

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithRetry(cfg RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

func NewClient(baseURL, username string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	username = strings.ToLower(strings.TrimSpace(username))
	if baseURL == "" {
		return nil, errors.New("rpc url is required")
	}
	if username == "" {
		return nil, errors.New("rpc username is required")
	}
	c := &Client{
		url:        baseURL + "/rpc",
		user:       username,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type clientResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(c.nextID.Add(1), 10)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		status, payload, err := c.post(ctx, body)
		if err == nil && status == http.StatusOK {
			return decodeResponse(payload, result)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		callErr := err
		if callErr == nil {
			callErr = statusError(status)
		} else {
			callErr = fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
		}
		if !idempotent[method] || !c.retry.ShouldRetry(attempt, status) {
			return fmt.Errorf("%s: %w", method, callErr)
		}
		if err := c.retry.Wait(ctx, attempt); err != nil {
			return err
		}
	}
}

func (c *Client) post(ctx context.Context, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userHeader, c.user)
	if c.token != "" {
		req.Header.Set(tokenHeader, c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRPCBodyBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, payload, nil
}

func decodeResponse(payload []byte, result any) error {
	var resp clientResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("%w: decode response: %v", transport.ErrUnavailable, err)
	}
	if resp.Error != nil {
		return resp.Error.asError()
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%w: decode result: %v", transport.ErrUnavailable, err)
	}
	return nil
}

func (c *Client) RegisterDevice(ctx context.Context, device models.NewDevice) (models.DeviceRecord, error) {
	var out models.DeviceRecord
	err := c.call(ctx, "device.register", device, &out)
	return out, err
}

func (c *Client) ListDevices(ctx context.Context) ([]models.DeviceRecord, error) {
	var out []models.DeviceRecord
	err := c.call(ctx, "device.list", nil, &out)
	return out, err
}

func (c *Client) RevokeDevice(ctx context.Context, req models.RevokeRequest) (models.RevokeResult, error) {
	var out models.RevokeResult
	err := c.call(ctx, "device.revoke", req, &out)
	return out, err
}

func (c *Client) RevocationHistory(ctx context.Context) ([]models.RevocationLogEntry, error) {
	var out []models.RevocationLogEntry
	err := c.call(ctx, "device.revocations", nil, &out)
	return out, err
}

func (c *Client) InitPairing(ctx context.Context, initiatorDeviceID string) (models.PairingInit, error) {
	var out models.PairingInit
	err := c.call(ctx, "pairing.init", deviceIDParams{DeviceID: initiatorDeviceID}, &out)
	return out, err
}

func (c *Client) ScanPairing(ctx context.Context, token string, device models.NewDevice) (models.PairingScan, error) {
	var out models.PairingScan
	err := c.call(ctx, "pairing.scan", scanParams{Token: token, Device: device}, &out)
	return out, err
}

func (c *Client) ApprovePairing(ctx context.Context, token string, approval models.PairingApproval) error {
	return c.call(ctx, "pairing.approve", approveParams{Token: token, Approval: approval}, nil)
}

func (c *Client) RejectPairing(ctx context.Context, token string) error {
	return c.call(ctx, "pairing.reject", tokenParams{Token: token}, nil)
}

func (c *Client) CompletePairing(ctx context.Context, token string) (models.PairingCompletion, error) {
	var out models.PairingCompletion
	err := c.call(ctx, "pairing.complete", tokenParams{Token: token}, &out)
	return out, err
}

func (c *Client) PairingStatus(ctx context.Context, token string) (models.PairingSession, error) {
	var out models.PairingSession
	err := c.call(ctx, "pairing.status", tokenParams{Token: token}, &out)
	return out, err
}

func (c *Client) StoreWrappedDEK(ctx context.Context, wrapped models.WrappedDEK) error {
	return c.call(ctx, "dek.store", wrapped, nil)
}

func (c *Client) GetWrappedDEK(ctx context.Context, deviceID string) (models.WrappedDEK, error) {
	var out models.WrappedDEK
	err := c.call(ctx, "dek.get", deviceIDParams{DeviceID: deviceID}, &out)
	return out, err
}

func (c *Client) RestoreKeys(ctx context.Context, deviceID string) (models.KeyRestore, error) {
	var out models.KeyRestore
	err := c.call(ctx, "dek.restore", deviceIDParams{DeviceID: deviceID}, &out)
	return out, err
}

func (c *Client) RotateDeviceKey(ctx context.Context, rotation models.KeyRotation) (models.DeviceRecord, error) {
	var out models.DeviceRecord
	err := c.call(ctx, "keys.rotate", rotation, &out)
	return out, err
}

func (c *Client) KeyRotationHistory(ctx context.Context) ([]models.KeyRotationLogEntry, error) {
	var out []models.KeyRotationLogEntry
	err := c.call(ctx, "keys.rotation_history", nil, &out)
	return out, err
}

func (c *Client) KeyInfo(ctx context.Context, deviceID string) (models.KeyInfo, error) {
	var out models.KeyInfo
	err := c.call(ctx, "keys.info", deviceIDParams{DeviceID: deviceID}, &out)
	return out, err
}

func (c *Client) StoreSessionKey(ctx context.Context, entry models.SessionKeyEntry) (models.SessionKeyEntry, error) {
	var out models.SessionKeyEntry
	err := c.call(ctx, "session_key.store", entry, &out)
	return out, err
}

func (c *Client) GetSessionKeys(ctx context.Context, conversationID string) ([]models.SessionKeyEntry, error) {
	var out []models.SessionKeyEntry
	err := c.call(ctx, "session_key.list", conversationParams{ConversationID: conversationID}, &out)
	return out, err
}

func (c *Client) GetAllSessionKeys(ctx context.Context) ([]models.SessionKeyEntry, error) {
	var out []models.SessionKeyEntry
	err := c.call(ctx, "session_key.list_all", nil, &out)
	return out, err
}

func (c *Client) RewrapSessionKeys(ctx context.Context, oldVersion, newVersion int, keys []models.RewrappedKey) (int, error) {
	var out rewrapResult
	err := c.call(ctx, "session_key.rewrap", rewrapParams{OldVersion: oldVersion, NewVersion: newVersion, Keys: keys}, &out)
	return out.Updated, err
}

func (c *Client) StoreProfile(ctx context.Context, profile models.EncryptedProfile) (models.EncryptedProfile, error) {
	var out models.EncryptedProfile
	err := c.call(ctx, "profile.store", profile, &out)
	return out, err
}

func (c *Client) GetProfile(ctx context.Context) (models.EncryptedProfile, error) {
	var out models.EncryptedProfile
	err := c.call(ctx, "profile.get", nil, &out)
	return out, err
}

func (c *Client) ProfileVersions(ctx context.Context) ([]models.EncryptedProfile, error) {
	var out []models.EncryptedProfile
	err := c.call(ctx, "profile.versions", nil, &out)
	return out, err
}

func (c *Client) GetProfileVersion(ctx context.Context, version int) (models.EncryptedProfile, error) {
	var out models.EncryptedProfile
	err := c.call(ctx, "profile.get_version", versionParams{Version: version}, &out)
	return out, err
}

func (c *Client) RestoreProfileVersion(ctx context.Context, version int) (models.EncryptedProfile, error) {
	var out models.EncryptedProfile
	err := c.call(ctx, "profile.restore", versionParams{Version: version}, &out)
	return out, err
}

func (c *Client) StoreMetadata(ctx context.Context, meta models.EncryptedMetadata) (models.EncryptedMetadata, error) {
	var out models.EncryptedMetadata
	err := c.call(ctx, "metadata.store", meta, &out)
	return out, err
}

func (c *Client) GetMetadata(ctx context.Context, metaType string) (models.EncryptedMetadata, error) {
	var out models.EncryptedMetadata
	err := c.call(ctx, "metadata.get", metadataTypeParams{Type: metaType}, &out)
	return out, err
}

func (c *Client) ListMetadata(ctx context.Context) ([]models.EncryptedMetadata, error) {
	var out []models.EncryptedMetadata
	err := c.call(ctx, "metadata.list", nil, &out)
	return out, err
}

func (c *Client) CreateBackup(ctx context.Context, payload models.BackupPayload) (models.BackupPayload, error) {
	var out models.BackupPayload
	err := c.call(ctx, "backup.create", payload, &out)
	return out, err
}

func (c *Client) GetBackup(ctx context.Context, id string) (models.BackupPayload, error) {
	var out models.BackupPayload
	err := c.call(ctx, "backup.get", backupIDParams{ID: id}, &out)
	return out, err
}

func (c *Client) ListBackups(ctx context.Context) ([]models.BackupPayload, error) {
	var out []models.BackupPayload
	err := c.call(ctx, "backup.list", nil, &out)
	return out, err
}

func (c *Client) DeleteBackup(ctx context.Context, id string) error {
	return c.call(ctx, "backup.delete", backupIDParams{ID: id}, nil)
}

func (c *Client) StoreRecoveryBackup(ctx context.Context, backup models.RecoveryBackup) error {
	return c.call(ctx, "recovery.store", backup, nil)
}

func (c *Client) GetRecoveryBackup(ctx context.Context) (models.RecoveryBackup, error) {
	var out models.RecoveryBackup
	err := c.call(ctx, "recovery.get", nil, &out)
	return out, err
}

func (c *Client) RecoveryStatus(ctx context.Context) (models.RecoveryStatus, error) {
	var out models.RecoveryStatus
	err := c.call(ctx, "recovery.status", nil, &out)
	return out, err
}

func (c *Client) DeleteRecoveryBackup(ctx context.Context) (int, error) {
	var out deletedResult
	err := c.call(ctx, "recovery.delete", nil, &out)
	return out.Deleted, err
}
