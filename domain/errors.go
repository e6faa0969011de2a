package domain

import "errors"

// Sentinel errors for the failure modes callers must be able to tell apart.
// Match with errors.Is; wrapping with %w is fine, widening into a generic
// error is not. "Could not decrypt" and "decrypted but rejected as replay"
// get different user-facing and security-log treatment.
var (
	// ErrNoSession means no pairwise session exists for the target device.
	// Recoverable: trigger a key exchange or queue the send for later.
	ErrNoSession = errors.New("no pairwise session")

	// ErrDecryption means the ciphertext was rejected cryptographically
	// (bad MAC, unknown format). Not retried with the same inputs.
	ErrDecryption = errors.New("decryption failed")

	// ErrUnknownSession means no inbound group session is known for the
	// (room, session id) pair. The caller should queue the event and retry
	// once a key share arrives.
	ErrUnknownSession = errors.New("unknown inbound group session")

	// ErrReplayDetected means decryption succeeded but the message index was
	// already claimed by a different event. Security-relevant; the plaintext
	// is withheld and the rejection is never silently retried.
	ErrReplayDetected = errors.New("replay detected")

	// ErrSessionDowngrade means a key import claimed an earlier starting
	// index than decrypts already recorded against that session. The import
	// is rejected and the existing session kept.
	ErrSessionDowngrade = errors.New("session key downgrade rejected")

	// ErrKeyExchange is a per-device key-share failure. Non-fatal to the
	// overall share operation; the device is retried on the next send.
	ErrKeyExchange = errors.New("key exchange failed")

	// ErrStoreCorrupt is fatal at startup: the key store is corrupted or at
	// a schema version newer than this build knows. Refusing to operate
	// beats silently dropping key material.
	ErrStoreCorrupt = errors.New("key store corrupted or unusable")

	// ErrNotFound is the generic store-level miss for lookups that callers
	// expect may be absent.
	ErrNotFound = errors.New("not found")
)
