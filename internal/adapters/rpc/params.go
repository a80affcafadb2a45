package rpc

import (
	"bytes"
	"encoding/json"

	"secure-comm/go-backend/pkg/models"
)

type deviceIDParams struct {
	DeviceID string `json:"device_id"`
}

type tokenParams struct {
	Token string `json:"token"`
}

type scanParams struct {
	Token  string           `json:"token"`
	Device models.NewDevice `json:"device"`
}

type approveParams struct {
	Token    string                 `json:"token"`
	Approval models.PairingApproval `json:"approval"`
}

type conversationParams struct {
	ConversationID string `json:"conversation_id"`
}

type rewrapParams struct {
	OldVersion int                   `json:"old_version"`
	NewVersion int                   `json:"new_version"`
	Keys       []models.RewrappedKey `json:"keys"`
}

type rewrapResult struct {
	Updated int `json:"updated"`
}

type metadataTypeParams struct {
	Type string `json:"type"`
}

type versionParams struct {
	Version int `json:"version"`
}

type deletedResult struct {
	Deleted int `json:"deleted"`
}

type backupIDParams struct {
	ID string `json:"id,omitempty"`
}

type okResult struct {
	OK bool `json:"ok"`
}

// decodeParams accepts a single object; absent params decode to the zero value.
func decodeParams(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errInvalidParams
	}
	return nil
}
