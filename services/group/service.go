// Package group manages per-room group sessions: rotating the outbound
// session, sharing its key with authorized devices over pairwise channels,
// and decrypting inbound sessions under replay protection.
package group

import (
	"context"
	"fmt"
	"time"

	"roomcrypt/domain"
	"roomcrypt/logging"
	protocol "roomcrypt/protocol/group"
)

// PairwiseManager is the slice of the pairwise session manager used for
// key sharing.
type PairwiseManager interface {
	HasSession(ctx context.Context, userID, deviceID string) (bool, error)
	CreateOutbound(ctx context.Context, userID, deviceID string) error
	Encrypt(ctx context.Context, userID, deviceID string, plaintext []byte) (domain.PairwiseMessage, error)
}

// Service is the group session manager.
type Service struct {
	store    domain.KeyStore
	pairwise PairwiseManager
	sender   domain.ToDeviceSender
	log      logging.Logger
	now      func() time.Time
}

// New constructs the manager.
func New(store domain.KeyStore, pw PairwiseManager, sender domain.ToDeviceSender, log logging.Logger) *Service {
	return &Service{store: store, pairwise: pw, sender: sender, log: log, now: time.Now}
}

// EnsureOutbound returns the room's current outbound session, rotating it
// if none exists or the policy is exceeded. A rotated session starts at
// index zero with an empty recipient set and a fresh session id.
func (s *Service) EnsureOutbound(ctx context.Context, roomID string, policy domain.RotationPolicy) (domain.GroupOutbound, error) {
	current, ok, err := s.store.LoadOutboundGroupSession(ctx, roomID)
	if err != nil {
		return domain.GroupOutbound{}, err
	}
	if ok && !policy.Exceeded(current, s.now()) {
		return current, nil
	}

	fresh, err := protocol.NewOutbound(roomID, s.now())
	if err != nil {
		return domain.GroupOutbound{}, err
	}
	if err := s.store.SaveOutboundGroupSession(ctx, fresh); err != nil {
		return domain.GroupOutbound{}, err
	}
	if ok {
		s.log.Info(ctx, "rotated outbound group session",
			"room_id", roomID, "old_session_id", current.ID, "new_session_id", fresh.ID)
	}
	return fresh, nil
}

// EncryptRoomMessage seals plaintext with the room's current outbound
// session and persists the advanced ratchet before returning.
func (s *Service) EncryptRoomMessage(ctx context.Context, roomID string, plaintext []byte) (cipher []byte, sessionID string, index uint32, err error) {
	session, ok, err := s.store.LoadOutboundGroupSession(ctx, roomID)
	if err != nil {
		return nil, "", 0, err
	}
	if !ok {
		return nil, "", 0, fmt.Errorf("%w: no outbound group session for room %s", domain.ErrNoSession, roomID)
	}

	cipher, index, err = protocol.EncryptMessage(&session, groupAD(roomID, session.ID), plaintext)
	if err != nil {
		return nil, "", 0, err
	}
	if err := s.store.SaveOutboundGroupSession(ctx, session); err != nil {
		return nil, "", 0, err
	}
	return cipher, session.ID, index, nil
}

// DevicesNeedingKey returns the candidates that have not yet received the
// current session key for the room.
func (s *Service) DevicesNeedingKey(ctx context.Context, roomID string, candidates []domain.DeviceRef) ([]domain.DeviceRef, error) {
	session, ok, err := s.store.LoadOutboundGroupSession(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return append([]domain.DeviceRef(nil), candidates...), nil
	}
	return s.store.DevicesWithoutKey(ctx, roomID, session.ID, candidates)
}

// ShareKeyWithDevices delivers the current session key to each device over
// its pairwise channel, creating pairwise sessions as needed. Per-device
// failures are logged and left for the next send; they never abort sharing
// with the remaining devices.
func (s *Service) ShareKeyWithDevices(ctx context.Context, roomID string, devices []domain.DeviceRef) error {
	session, ok, err := s.store.LoadOutboundGroupSession(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no outbound group session for room %s", domain.ErrNoSession, roomID)
	}
	export := protocol.Export(session)
	payload, err := domain.EncodeRoomKeyShare(export)
	if err != nil {
		return err
	}
	account, err := s.store.LoadAccount(ctx)
	if err != nil {
		return err
	}

	var delivered []domain.DeviceRef
	for _, ref := range devices {
		if err := s.shareWithDevice(ctx, account, ref, payload); err != nil {
			s.log.Warn(ctx, "room key share failed",
				"room_id", roomID, "user_id", ref.UserID, "device_id", ref.DeviceID, "err", err)
			continue
		}
		delivered = append(delivered, ref)
	}
	if len(delivered) == 0 {
		return nil
	}
	return s.store.MarkDevicesReceivedKey(ctx, roomID, session.ID, delivered, export.FirstKnownIndex)
}

func (s *Service) shareWithDevice(ctx context.Context, account domain.Account, ref domain.DeviceRef, payload []byte) error {
	has, err := s.pairwise.HasSession(ctx, ref.UserID, ref.DeviceID)
	if err != nil {
		return err
	}
	if !has {
		if err := s.pairwise.CreateOutbound(ctx, ref.UserID, ref.DeviceID); err != nil {
			return err
		}
	}
	msg, err := s.pairwise.Encrypt(ctx, ref.UserID, ref.DeviceID, payload)
	if err != nil {
		return err
	}
	envelope := domain.EncryptedToDevice{
		SenderKey: account.CurveKey,
		DeviceID:  account.DeviceID,
		Message:   msg,
	}
	if err := s.sender.SendToDevice(ctx, ref.UserID, ref.DeviceID, envelope); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrKeyExchange, err)
	}
	return nil
}

// ImportInbound creates or overwrites the inbound session named by the
// export. An export claiming an earlier starting index than decrypts
// already recorded against that session id is rejected as a downgrade and
// the existing session kept.
func (s *Service) ImportInbound(ctx context.Context, export domain.SessionKeyExport) error {
	highest, any, err := s.store.HighestRecordedIndex(ctx, export.SessionID)
	if err != nil {
		return err
	}
	if any && export.FirstKnownIndex < highest {
		s.log.Warn(ctx, "rejected downgraded session key export",
			"room_id", export.RoomID, "session_id", export.SessionID,
			"claimed_index", export.FirstKnownIndex, "recorded_index", highest)
		return fmt.Errorf("%w: export starts at %d, decrypts recorded up to %d",
			domain.ErrSessionDowngrade, export.FirstKnownIndex, highest)
	}
	return s.store.SaveInboundGroupSession(ctx, protocol.ImportInbound(export))
}

// DecryptRoomMessage opens a room ciphertext and enforces the replay
// invariant: a (session, index) slot belongs to the first event id that
// claims it. A second event presenting the same index is rejected even
// though decryption cryptographically succeeded.
func (s *Service) DecryptRoomMessage(ctx context.Context, roomID, sessionID string, cipher []byte, eventID string) ([]byte, error) {
	session, ok, err := s.store.LoadInboundGroupSession(ctx, roomID, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s in room %s", domain.ErrUnknownSession, sessionID, roomID)
	}

	plaintext, index, err := protocol.DecryptMessage(session, groupAD(roomID, sessionID), cipher)
	if err != nil {
		return nil, err
	}

	existing, taken, err := s.store.RecordMessageIndex(ctx, sessionID, index, eventID, s.now())
	if err != nil {
		return nil, err
	}
	if taken && existing != eventID {
		s.log.Warn(ctx, "replay detected",
			"room_id", roomID, "session_id", sessionID, "index", index,
			"event_id", eventID, "recorded_event_id", existing)
		return nil, fmt.Errorf("%w: index %d already claimed by %s",
			domain.ErrReplayDetected, index, existing)
	}
	return plaintext, nil
}

// ClearRoom drops all group-session state for a room, for use on leave.
func (s *Service) ClearRoom(ctx context.Context, roomID string) error {
	return s.store.ClearRoomData(ctx, roomID)
}

func groupAD(roomID, sessionID string) []byte {
	return []byte(roomID + "|" + sessionID)
}
