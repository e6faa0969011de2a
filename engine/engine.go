// Package engine is the single entry point the rest of a client calls:
// encrypt an outgoing room message, decrypt an incoming payload, keep
// device keys current, and run verification flows. It composes the
// directory, session managers, and verification coordinator over one
// key store.
package engine

import (
	"context"
	"errors"
	"fmt"

	"roomcrypt/crypto"
	"roomcrypt/domain"
	"roomcrypt/logging"
	"roomcrypt/services/directory"
	"roomcrypt/services/group"
	"roomcrypt/services/pairwise"
	"roomcrypt/services/verification"
)

// DecryptedEvent is a successfully decrypted room event.
type DecryptedEvent struct {
	RoomID    string
	EventID   string
	Plaintext []byte
}

// Engine is the encryption facade.
type Engine struct {
	Store        domain.KeyStore
	Directory    *directory.Service
	Pairwise     *pairwise.Service
	Group        *group.Service
	Verification *verification.Coordinator

	uploader  domain.KeyUploader
	cfg       Config
	log       logging.Logger
	pending   *pendingQueue
	uploading bool
}

// New wires the dependency graph over the given store and collaborators.
func New(store domain.KeyStore, keys domain.KeysClient, sender domain.ToDeviceSender, uploader domain.KeyUploader, cfg Config) *Engine {
	cfg = cfg.withDefaults()

	dir := directory.New(keys, cfg.Logger)
	pw := pairwise.New(store, dir, cfg.Logger)
	dir.SetInvalidator(pw)
	grp := group.New(store, pw, sender, cfg.Logger)
	ver := verification.New(store, cfg.VerificationTimeout, cfg.Logger)

	return &Engine{
		Store:        store,
		Directory:    dir,
		Pairwise:     pw,
		Group:        grp,
		Verification: ver,
		uploader:     uploader,
		cfg:          cfg,
		log:          cfg.Logger,
		pending:      newPendingQueue(cfg.PendingLimit),
	}
}

// EnsureAccount loads this device's account, creating and publishing a
// fresh identity on first use.
func (e *Engine) EnsureAccount(ctx context.Context, userID, deviceID string) (domain.Account, error) {
	account, err := e.Store.LoadAccount(ctx)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, err
	}

	curvePriv, curvePub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Account{}, err
	}
	signPriv, signPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.Account{}, err
	}
	account = domain.Account{
		UserID:      userID,
		DeviceID:    deviceID,
		CurveKey:    curvePub,
		CurvePriv:   curvePriv,
		SigningKey:  signPub,
		SigningPriv: signPriv,
	}
	if err := e.Store.SaveAccount(ctx, account); err != nil {
		return domain.Account{}, err
	}
	e.log.Info(ctx, "created device identity", "user_id", userID, "device_id", deviceID)

	if err := e.uploader.UploadKeys(ctx, identityKeys(account), nil); err != nil {
		// The identity is durable; publication is retried on the next
		// ReplenishOneTimeKeys call.
		e.log.Warn(ctx, "identity key upload failed", "err", err)
	}
	return account, nil
}

// ReplenishOneTimeKeys tops the published one-time key pool back up to the
// configured target. Calls while an upload is in flight are no-ops.
func (e *Engine) ReplenishOneTimeKeys(ctx context.Context) error {
	if e.uploading {
		return nil
	}
	account, err := e.Store.LoadAccount(ctx)
	if err != nil {
		return err
	}
	missing := e.cfg.OneTimeKeyTarget - len(account.OneTimeKeys)
	if missing <= 0 {
		return nil
	}

	fresh := make([]domain.OneTimeKey, 0, missing)
	for i := 0; i < missing; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return err
		}
		pair := domain.OneTimeKeyPair{ID: newKeyID(pub), Pub: pub, Priv: priv}
		account.OneTimeKeys = append(account.OneTimeKeys, pair)
		fresh = append(fresh, domain.OneTimeKey{ID: pair.ID, Pub: pair.Pub})
	}
	if err := e.Store.SaveAccount(ctx, account); err != nil {
		return err
	}

	e.uploading = true
	defer func() { e.uploading = false }()
	if err := e.uploader.UploadKeys(ctx, identityKeys(account), fresh); err != nil {
		return fmt.Errorf("upload one-time keys: %w", err)
	}
	account.PublishedCount += len(fresh)
	return e.Store.SaveAccount(ctx, account)
}

// EncryptRoomEvent encrypts plaintext for a room whose current members are
// the given users: it rotates the outbound session if due, shares its key
// with every member device that lacks it, then seals the payload. Key-share
// failures leave those devices pending for the next send.
func (e *Engine) EncryptRoomEvent(ctx context.Context, roomID string, users []string, plaintext []byte) (domain.EncryptedRoomMessage, error) {
	account, err := e.Store.LoadAccount(ctx)
	if err != nil {
		return domain.EncryptedRoomMessage{}, err
	}

	e.Directory.TrackUsers(users)
	if e.Directory.HasOutdated() {
		if err := e.Directory.Refresh(ctx); err != nil {
			// Stale caches only delay key shares; sending proceeds.
			e.log.Warn(ctx, "device list refresh failed", "err", err)
		}
	}

	candidates, err := e.candidateDevices(ctx, account, users)
	if err != nil {
		return domain.EncryptedRoomMessage{}, err
	}

	if _, err := e.Group.EnsureOutbound(ctx, roomID, e.cfg.Rotation); err != nil {
		return domain.EncryptedRoomMessage{}, err
	}
	need, err := e.Group.DevicesNeedingKey(ctx, roomID, candidates)
	if err != nil {
		return domain.EncryptedRoomMessage{}, err
	}
	if len(need) > 0 {
		if err := e.Group.ShareKeyWithDevices(ctx, roomID, need); err != nil {
			return domain.EncryptedRoomMessage{}, err
		}
	}

	cipher, sessionID, _, err := e.Group.EncryptRoomMessage(ctx, roomID, plaintext)
	if err != nil {
		return domain.EncryptedRoomMessage{}, err
	}
	return domain.EncryptedRoomMessage{
		RoomID:    roomID,
		SessionID: sessionID,
		SenderKey: account.CurveKey,
		Cipher:    cipher,
	}, nil
}

// ReceivePayload routes one incoming payload: to-device ciphertext, room
// ciphertext, room key share, or verification message. It returns any room
// events that became readable, including queued ones drained by a new key.
func (e *Engine) ReceivePayload(ctx context.Context, payload domain.InboundPayload) ([]DecryptedEvent, error) {
	switch p := payload.(type) {
	case domain.EncryptedToDevice:
		plaintext, _, err := e.Pairwise.Decrypt(ctx, p.SenderKey, p.Message)
		if err != nil {
			return nil, err
		}
		inner, err := domain.DecodeToDevicePayload(plaintext)
		if err != nil {
			return nil, err
		}
		return e.ReceivePayload(ctx, inner)

	case domain.RoomKeyShare:
		if err := e.Group.ImportInbound(ctx, p.Export); err != nil {
			return nil, err
		}
		return e.drainPending(ctx, p.Export.RoomID, p.Export.SessionID), nil

	case domain.EncryptedRoomMessage:
		plaintext, err := e.Group.DecryptRoomMessage(ctx, p.RoomID, p.SessionID, p.Cipher, p.EventID)
		if errors.Is(err, domain.ErrUnknownSession) {
			e.pending.add(p)
			e.log.Debug(ctx, "queued event awaiting room key",
				"room_id", p.RoomID, "session_id", p.SessionID, "queued", e.pending.len())
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []DecryptedEvent{{RoomID: p.RoomID, EventID: p.EventID, Plaintext: plaintext}}, nil

	case domain.VerificationMessage:
		return nil, e.Verification.HandleMessage(ctx, p)

	default:
		return nil, fmt.Errorf("unhandled payload type %T", payload)
	}
}

// HandleDeviceListUpdate marks users whose device lists changed server-side
// as needing a refresh.
func (e *Engine) HandleDeviceListUpdate(users []string) {
	e.Directory.MarkOutdated(users)
}

// LeaveRoom discards all encryption state for a room.
func (e *Engine) LeaveRoom(ctx context.Context, roomID string) error {
	return e.Group.ClearRoom(ctx, roomID)
}

// drainPending retries queued events now that a key for (room, session)
// arrived. Events that still fail stay failed; replays stay rejected.
func (e *Engine) drainPending(ctx context.Context, roomID, sessionID string) []DecryptedEvent {
	var out []DecryptedEvent
	for _, ev := range e.pending.take(roomID, sessionID) {
		plaintext, err := e.Group.DecryptRoomMessage(ctx, ev.RoomID, ev.SessionID, ev.Cipher, ev.EventID)
		if err != nil {
			e.log.Warn(ctx, "queued event still undecryptable",
				"room_id", ev.RoomID, "event_id", ev.EventID, "err", err)
			continue
		}
		out = append(out, DecryptedEvent{RoomID: ev.RoomID, EventID: ev.EventID, Plaintext: plaintext})
	}
	return out
}

// candidateDevices collects every member device eligible for the room key:
// everyone's devices except our own and any the user has blacklisted.
func (e *Engine) candidateDevices(ctx context.Context, account domain.Account, users []string) ([]domain.DeviceRef, error) {
	var out []domain.DeviceRef
	for _, userID := range users {
		for _, dev := range e.Directory.Devices(userID) {
			if dev.UserID == account.UserID && dev.DeviceID == account.DeviceID {
				continue
			}
			trust, err := e.Store.DeviceTrust(ctx, dev.SigningKey)
			if err != nil {
				return nil, err
			}
			if trust == domain.TrustBlacklisted {
				continue
			}
			out = append(out, dev.Ref())
		}
	}
	return out, nil
}

func identityKeys(a domain.Account) domain.IdentityKeys {
	return domain.IdentityKeys{
		UserID:     a.UserID,
		DeviceID:   a.DeviceID,
		CurveKey:   a.CurveKey,
		SigningKey: a.SigningKey,
	}
}

// newKeyID derives a short stable identifier for a published key.
func newKeyID(pub domain.X25519Public) string {
	return crypto.Fingerprint(pub.Slice())[:16]
}
