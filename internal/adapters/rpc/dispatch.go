package rpc

import (
	"context"
	"encoding/json"
	"strings"

	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"
)

type handler func(ctx context.Context, srv transport.Server, raw json.RawMessage) (any, error)

func withParams[P any](call func(ctx context.Context, srv transport.Server, p P) (any, error)) handler {
	return func(ctx context.Context, srv transport.Server, raw json.RawMessage) (any, error) {
		var p P
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return call(ctx, srv, p)
	}
}

func noParams(call func(ctx context.Context, srv transport.Server) (any, error)) handler {
	return func(ctx context.Context, srv transport.Server, _ json.RawMessage) (any, error) {
		return call(ctx, srv)
	}
}

func requireString(v string) error {
	if strings.TrimSpace(v) == "" {
		return errInvalidParams
	}
	return nil
}

var methods = map[string]handler{
	"device.register": withParams(func(ctx context.Context, srv transport.Server, p models.NewDevice) (any, error) {
		return srv.RegisterDevice(ctx, p)
	}),
	"device.list": noParams(func(ctx context.Context, srv transport.Server) (any, error) {
		return srv.ListDevices(ctx)
	}),
	"device.revoke": withParams(func(ctx context.Context, srv transport.Server, p models.RevokeRequest) (any, error) {
		return srv.RevokeDevice(ctx, p)
	}),
	"device.revocations": noParams(func(ctx context.Context, srv transport.Server) (any, error) {
		return srv.RevocationHistory(ctx)
	}),

	"pairing.init": withParams(func(ctx context.Context, srv transport.Server, p deviceIDParams) (any, error) {
		if err := requireString(p.DeviceID); err != nil {
			return nil, err
		}
		return srv.InitPairing(ctx, p.DeviceID)
	}),
	"pairing.scan": withParams(func(ctx context.Context, srv transport.Server, p scanParams) (any, error) {
		if err := requireString(p.Token); err != nil {
			return nil, err
		}
		return srv.ScanPairing(ctx, p.Token, p.Device)
	}),
	"pairing.approve": withParams(func(ctx context.Context, srv transport.Server, p approveParams) (any, error) {
		if err := requireString(p.Token); err != nil {
			return nil, err
		}
		return okResult{OK: true}, srv.ApprovePairing(ctx, p.Token, p.Approval)
	}),
	"pairing.reject": withParams(func(ctx context.Context, srv transport.Server, p tokenParams) (any, error) {
		if err := requireString(p.Token); err != nil {
			return nil, err
		}
		return okResult{OK: true}, srv.RejectPairing(ctx, p.Token)
	}),
	"pairing.complete": withParams(func(ctx context.Context, srv transport.Server, p tokenParams) (any, error) {
		if err := requireString(p.Token); err != nil {
			return nil, err
		}
		return srv.CompletePairing(ctx, p.Token)
	}),
	"pairing.status": withParams(func(ctx context.Context, srv transport.Server, p tokenParams) (any, error) {
		if err := requireString(p.Token); err != nil {
			return nil, err
		}
		return srv.PairingStatus(ctx, p.Token)
	}),

	"dek.store": withParams(func(ctx context.Context, srv transport.Server, p models.WrappedDEK) (any, error) {
		return okResult{OK: true}, srv.StoreWrappedDEK(ctx, p)
	}),
	"dek.get": withParams(func(ctx context.Context, srv transport.Server, p deviceIDParams) (any, error) {
		if err := requireString(p.DeviceID); err != nil {
			return nil, err
		}
		return srv.GetWrappedDEK(ctx, p.DeviceID)
	}),
	"dek.restore": withParams(func(ctx context.Context, srv transport.Server, p deviceIDParams) (any, error) {
		if err := requireString(p.DeviceID); err != nil {
			return nil, err
		}
		return srv.RestoreKeys(ctx, p.DeviceID)
	}),
	"keys.rotate": withParams(func(ctx context.Context, srv transport.Server, p models.KeyRotation) (any, error) {
		return srv.RotateDeviceKey(ctx, p)
	}),
	"keys.rotation_history": noParams(func(ctx context.Context, srv transport.Server) (any, error) {
		return srv.KeyRotationHistory(ctx)
	}),
	"keys.info": withParams(func(ctx context.Context, srv transport.Server, p deviceIDParams) (any, error) {
		if err := requireString(p.DeviceID); err != nil {
			return nil, err
		}
		return srv.KeyInfo(ctx, p.DeviceID)
	}),

	"session_key.store": withParams(func(ctx context.Context, srv transport.Server, p models.SessionKeyEntry) (any, error) {
		return srv.StoreSessionKey(ctx, p)
	}),
	"session_key.list": withParams(func(ctx context.Context, srv transport.Server, p conversationParams) (any, error) {
		if err := requireString(p.ConversationID); err != nil {
			return nil, err
		}
		return srv.GetSessionKeys(ctx, p.ConversationID)
	}),
	"session_key.list_all": noParams(func(ctx context.Context, srv transport.Server) (any, error) {
		return srv.GetAllSessionKeys(ctx)
	}),
	"session_key.rewrap": withParams(func(ctx context.Context, srv transport.Server, p rewrapParams) (any, error) {
		n, err := srv.RewrapSessionKeys(ctx, p.OldVersion, p.NewVersion, p.Keys)
		return rewrapResult{Updated: n}, err
	}),

	"profile.store": withParams(func(ctx context.Context, srv transport.Server, p models.EncryptedProfile) (any, error) {
		return srv.StoreProfile(ctx, p)
	}),
	"profile.get": noParams(func(ctx context.Context, srv transport.Server) (any, error) {
		return srv.GetProfile(ctx)
	}),
	"profile.versions": noParams(func(ctx context.Context, srv transport.Server) (any, error) {
		return srv.ProfileVersions(ctx)
	}),
	"profile.get_version": withParams(func(ctx context.Context, srv transport.Server, p versionParams) (any, error) {
		if p.Version <= 0 {
			return nil, errInvalidParams
		}
		return srv.GetProfileVersion(ctx, p.Version)
	}),
	"profile.restore": withParams(func(ctx context.Context, srv transport.Server, p versionParams) (any, error) {
		if p.Version <= 0 {
			return nil, errInvalidParams
		}
		return srv.RestoreProfileVersion(ctx, p.Version)
	}),
	"metadata.store": withParams(func(ctx context.Context, srv transport.Server, p models.EncryptedMetadata) (any, error) {
		return srv.StoreMetadata(ctx, p)
	}),
	"metadata.get": withParams(func(ctx context.Context, srv transport.Server, p metadataTypeParams) (any, error) {
		if err := requireString(p.Type); err != nil {
			return nil, err
		}
		return srv.GetMetadata(ctx, p.Type)
	}),
	"metadata.list": noParams(func(ctx context.Context, srv transport.Server) (any, error) {
		return srv.ListMetadata(ctx)
	}),

	"backup.create": withParams(func(ctx context.Context, srv transport.Server, p models.BackupPayload) (any, error) {
		return srv.CreateBackup(ctx, p)
	}),
	"backup.get": withParams(func(ctx context.Context, srv transport.Server, p backupIDParams) (any, error) {
		return srv.GetBackup(ctx, p.ID)
	}),
	"backup.list": noParams(func(ctx context.Context, srv transport.Server) (any, error) {
		return srv.ListBackups(ctx)
	}),
	"backup.delete": withParams(func(ctx context.Context, srv transport.Server, p backupIDParams) (any, error) {
		if err := requireString(p.ID); err != nil {
			return nil, err
		}
		return okResult{OK: true}, srv.DeleteBackup(ctx, p.ID)
	}),
	"recovery.store": withParams(func(ctx context.Context, srv transport.Server, p models.RecoveryBackup) (any, error) {
		return okResult{OK: true}, srv.StoreRecoveryBackup(ctx, p)
	}),
	"recovery.get": noParams(func(ctx context.Context, srv transport.Server) (any, error) {
		return srv.GetRecoveryBackup(ctx)
	}),
	"recovery.status": noParams(func(ctx context.Context, srv transport.Server) (any, error) {
		return srv.RecoveryStatus(ctx)
	}),
	"recovery.delete": noParams(func(ctx context.Context, srv transport.Server) (any, error) {
		n, err := srv.DeleteRecoveryBackup(ctx)
		return deletedResult{Deleted: n}, err
	}),
}
