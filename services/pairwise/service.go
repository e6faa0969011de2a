// Package pairwise manages the 1:1 sessions used to bootstrap group
// encryption: creating sessions from claimed one-time keys, selecting the
// right session on decrypt, and persisting every ratchet step.
package pairwise

import (
	"context"
	"fmt"
	"time"

	"roomcrypt/crypto"
	"roomcrypt/domain"
	"roomcrypt/logging"
	protocol "roomcrypt/protocol/pairwise"
)

// Directory is the slice of the device directory this manager needs.
type Directory interface {
	Device(userID, deviceID string) (domain.DeviceKeys, bool)
	ClaimOneTimeKey(userID, deviceID string) (domain.OneTimeKey, bool)
}

// Service is the pairwise session manager.
type Service struct {
	store     domain.KeyStore
	directory Directory
	log       logging.Logger
	now       func() time.Time
}

// New constructs the manager.
func New(store domain.KeyStore, dir Directory, log logging.Logger) *Service {
	return &Service{store: store, directory: dir, log: log, now: time.Now}
}

// HasSession reports whether any session exists with the given device.
func (s *Service) HasSession(ctx context.Context, userID, deviceID string) (bool, error) {
	device, ok := s.directory.Device(userID, deviceID)
	if !ok {
		return false, nil
	}
	sessions, err := s.store.LoadPairwiseSessions(ctx, device.CurveKey)
	if err != nil {
		return false, err
	}
	return len(sessions) > 0, nil
}

// CreateOutbound builds a fresh session with a device by claiming one of its
// cached one-time keys. Fails with ErrKeyExchange when no key is available;
// the caller must first have the server hand out more.
func (s *Service) CreateOutbound(ctx context.Context, userID, deviceID string) error {
	device, ok := s.directory.Device(userID, deviceID)
	if !ok {
		return fmt.Errorf("%w: unknown device %s/%s", domain.ErrKeyExchange, userID, deviceID)
	}
	otk, ok := s.directory.ClaimOneTimeKey(userID, deviceID)
	if !ok {
		return fmt.Errorf("%w: no one-time key cached for %s/%s", domain.ErrKeyExchange, userID, deviceID)
	}

	account, err := s.store.LoadAccount(ctx)
	if err != nil {
		return err
	}
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	root, err := protocol.InitiatorRoot(account.CurvePriv, ephPriv, device.CurveKey, otk.Pub)
	if err != nil {
		return err
	}
	state, err := protocol.InitAsInitiator(root, device.CurveKey)
	if err != nil {
		return err
	}

	session := domain.PairwiseSession{
		ID:           protocol.SessionID(account.CurveKey, ephPub, otk.Pub),
		RemoteCurve:  device.CurveKey,
		State:        state,
		LastReceived: s.now(),
		PendingPreKey: &domain.PreKeyPayload{
			IdentityKey:  account.CurveKey,
			EphemeralKey: ephPub,
			OneTimeKeyID: otk.ID,
		},
	}
	if err := s.store.SavePairwiseSession(ctx, session); err != nil {
		return err
	}
	s.log.Debug(ctx, "created outbound pairwise session",
		"user_id", userID, "device_id", deviceID, "session_id", session.ID)
	return nil
}

// Encrypt seals plaintext for a device using the most recently active
// session, persisting the advanced ratchet before returning.
func (s *Service) Encrypt(ctx context.Context, userID, deviceID string, plaintext []byte) (domain.PairwiseMessage, error) {
	device, ok := s.directory.Device(userID, deviceID)
	if !ok {
		return domain.PairwiseMessage{}, fmt.Errorf("%w: unknown device %s/%s", domain.ErrNoSession, userID, deviceID)
	}
	sessions, err := s.store.LoadPairwiseSessions(ctx, device.CurveKey)
	if err != nil {
		return domain.PairwiseMessage{}, err
	}
	if len(sessions) == 0 {
		return domain.PairwiseMessage{}, fmt.Errorf("%w: %s/%s", domain.ErrNoSession, userID, deviceID)
	}

	session := sessions[0]
	header, ct, err := protocol.Encrypt(&session.State, nil, plaintext)
	if err != nil {
		return domain.PairwiseMessage{}, err
	}
	if err := s.store.SavePairwiseSession(ctx, session); err != nil {
		return domain.PairwiseMessage{}, err
	}

	msg := domain.PairwiseMessage{Type: domain.MessageNormal, Header: header, Cipher: ct}
	if session.PendingPreKey != nil {
		msg.Type = domain.MessagePreKey
		msg.PreKey = session.PendingPreKey
	}
	return msg, nil
}

// Decrypt opens a pairwise ciphertext from the device owning senderCurve. It
// tries every known session in recency order; a pre-key message that no
// session accepts creates a new inbound session from the embedded material.
func (s *Service) Decrypt(ctx context.Context, senderCurve domain.X25519Public, msg domain.PairwiseMessage) (plaintext []byte, sessionID string, err error) {
	sessions, err := s.store.LoadPairwiseSessions(ctx, senderCurve)
	if err != nil {
		return nil, "", err
	}

	for _, session := range sessions {
		trial := session
		trial.State = session.State.Clone()
		pt, derr := protocol.Decrypt(&trial.State, nil, msg.Header, msg.Cipher)
		if derr != nil {
			continue
		}
		trial.LastReceived = s.now()
		trial.PendingPreKey = nil
		if err := s.store.SavePairwiseSession(ctx, trial); err != nil {
			return nil, "", err
		}
		return pt, trial.ID, nil
	}

	if msg.Type == domain.MessagePreKey && msg.PreKey != nil {
		return s.decryptPreKey(ctx, senderCurve, msg)
	}
	return nil, "", fmt.Errorf("%w: no pairwise session accepted the ciphertext", domain.ErrDecryption)
}

// decryptPreKey bootstraps an inbound session from a pre-key message. The
// claimed one-time key is consumed from the account only once the first
// ciphertext actually opens, so garbage cannot burn keys.
func (s *Service) decryptPreKey(ctx context.Context, senderCurve domain.X25519Public, msg domain.PairwiseMessage) ([]byte, string, error) {
	account, err := s.store.LoadAccount(ctx)
	if err != nil {
		return nil, "", err
	}
	otk, ok := account.ConsumeOneTimeKey(msg.PreKey.OneTimeKeyID)
	if !ok {
		return nil, "", fmt.Errorf("%w: one-time key %q unknown or already used",
			domain.ErrDecryption, msg.PreKey.OneTimeKeyID)
	}

	root, err := protocol.ResponderRoot(account.CurvePriv, otk.Priv, msg.PreKey.IdentityKey, msg.PreKey.EphemeralKey)
	if err != nil {
		return nil, "", err
	}
	if len(msg.Header.DHPub) != 32 {
		return nil, "", fmt.Errorf("%w: malformed pre-key header", domain.ErrDecryption)
	}
	state, err := protocol.InitAsResponder(root, account.CurvePriv, domain.MustX25519Public(msg.Header.DHPub))
	if err != nil {
		return nil, "", err
	}

	pt, err := protocol.Decrypt(&state, nil, msg.Header, msg.Cipher)
	if err != nil {
		return nil, "", err
	}

	session := domain.PairwiseSession{
		ID:           protocol.SessionID(msg.PreKey.IdentityKey, msg.PreKey.EphemeralKey, otk.Pub),
		RemoteCurve:  senderCurve,
		State:        state,
		LastReceived: s.now(),
	}
	if err := s.store.SavePairwiseSession(ctx, session); err != nil {
		return nil, "", err
	}
	if err := s.store.SaveAccount(ctx, account); err != nil {
		return nil, "", err
	}
	s.log.Debug(ctx, "created inbound pairwise session", "session_id", session.ID)
	return pt, session.ID, nil
}

// InvalidateSessions drops every session tied to a curve key. Called by the
// directory when the owning device disappears from its user's device list.
func (s *Service) InvalidateSessions(ctx context.Context, remoteCurve domain.X25519Public) error {
	return s.store.DeletePairwiseSessions(ctx, remoteCurve)
}
