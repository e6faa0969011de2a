package domain

import (
	"context"
	"time"
)

// DeviceKeysResponse is the result of a device-key query: for every queried
// user, the devices the server currently knows about.
type DeviceKeysResponse struct {
	Devices map[string][]DeviceKeys
}

// KeysClient issues device-key queries. Retry and backoff belong to the
// implementation; this module treats a failure as "not refreshed yet".
type KeysClient interface {
	QueryDeviceKeys(ctx context.Context, users []string) (DeviceKeysResponse, error)
}

// ToDeviceSender delivers a payload to one device of one user.
type ToDeviceSender interface {
	SendToDevice(ctx context.Context, userID, deviceID string, payload EncryptedToDevice) error
}

// KeyUploader publishes identity and one-time keys to the server.
type KeyUploader interface {
	UploadKeys(ctx context.Context, identity IdentityKeys, oneTimeKeys []OneTimeKey) error
}

// KeyStore is durable, encrypted-at-rest storage for all key material.
// Mutations are atomic with respect to process crash and serialized within
// the process; readers may proceed concurrently with each other.
type KeyStore interface {
	// Account
	SaveAccount(ctx context.Context, a Account) error
	LoadAccount(ctx context.Context) (Account, error)

	// Pairwise sessions, keyed by the remote device's curve key.
	SavePairwiseSession(ctx context.Context, s PairwiseSession) error
	LoadPairwiseSessions(ctx context.Context, remoteCurve X25519Public) ([]PairwiseSession, error)
	DeletePairwiseSessions(ctx context.Context, remoteCurve X25519Public) error

	// Group sessions.
	SaveOutboundGroupSession(ctx context.Context, s GroupOutbound) error
	LoadOutboundGroupSession(ctx context.Context, roomID string) (GroupOutbound, bool, error)
	SaveInboundGroupSession(ctx context.Context, s GroupInbound) error
	LoadInboundGroupSession(ctx context.Context, roomID, sessionID string) (GroupInbound, bool, error)

	// Replay log. RecordMessageIndex returns the already-recorded event id if
	// the (session, index) slot is taken, so callers can detect mismatch.
	RecordMessageIndex(ctx context.Context, sessionID string, index uint32, eventID string, at time.Time) (existing string, taken bool, err error)
	HighestRecordedIndex(ctx context.Context, sessionID string) (index uint32, any bool, err error)

	// Room-key share bookkeeping, keyed by (room, session).
	DevicesWithoutKey(ctx context.Context, roomID, sessionID string, candidates []DeviceRef) ([]DeviceRef, error)
	MarkDevicesReceivedKey(ctx context.Context, roomID, sessionID string, devices []DeviceRef, index uint32) error

	// Trust flags, keyed by the device's signing key.
	SetDeviceTrust(ctx context.Context, signingKey Ed25519Public, state TrustState) error
	DeviceTrust(ctx context.Context, signingKey Ed25519Public) (TrustState, error)

	// ClearRoomData drops all sessions, replay records and share bookkeeping
	// for a room, for use when leaving it.
	ClearRoomData(ctx context.Context, roomID string) error
}
