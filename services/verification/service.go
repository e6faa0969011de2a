// Package verification runs the transaction-scoped device-verification
// state machine. Each transaction walks
// Requested → Ready → Accepted → KeysExchanged → Confirmed,
// with Cancelled and TimedOut reachable from any non-terminal state. Only a
// Confirmed outcome touches trust state.
package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomcrypt/domain"
	"roomcrypt/logging"
)

// State is a verification transaction's position in the flow.
type State string

const (
	StateRequested     State = "requested"
	StateReady         State = "ready"
	StateAccepted      State = "accepted"
	StateKeysExchanged State = "keys_exchanged"
	StateConfirmed     State = "confirmed"
	StateCancelled     State = "cancelled"
	StateTimedOut      State = "timed_out"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateCancelled || s == StateTimedOut
}

// Session is one verification transaction with one remote device.
type Session struct {
	TransactionID string
	Device        domain.DeviceRef
	SigningKey    domain.Ed25519Public
	State         State
	LastActivity  time.Time
}

var (
	// ErrUnknownTransaction means no active session has the given id.
	ErrUnknownTransaction = errors.New("unknown verification transaction")

	// ErrTransactionActive means the device pair already has an active
	// session; the older transaction wins and the new one is refused.
	ErrTransactionActive = errors.New("verification already active for device")

	// ErrInvalidTransition means the message does not fit the session state.
	ErrInvalidTransition = errors.New("invalid verification transition")
)

// Coordinator owns all active verification sessions.
type Coordinator struct {
	store   domain.KeyStore
	log     logging.Logger
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	byPair   map[domain.DeviceRef]string
}

// New constructs a coordinator. timeout is the inactivity deadline after
// which a transaction times out.
func New(store domain.KeyStore, timeout time.Duration, log logging.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		log:      log,
		timeout:  timeout,
		now:      time.Now,
		sessions: make(map[string]*Session),
		byPair:   make(map[domain.DeviceRef]string),
	}
}

// Start begins a verification with a remote device on the local user's
// initiative, returning the new transaction id.
func (c *Coordinator) Start(ctx context.Context, device domain.DeviceRef, signingKey domain.Ed25519Public) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.byPair[device]; busy {
		return "", fmt.Errorf("%w: %s/%s", ErrTransactionActive, device.UserID, device.DeviceID)
	}
	txn := uuid.NewString()
	c.sessions[txn] = &Session{
		TransactionID: txn,
		Device:        device,
		SigningKey:    signingKey,
		State:         StateRequested,
		LastActivity:  c.now(),
	}
	c.byPair[device] = txn
	return txn, nil
}

// HandleMessage advances the matching transaction with an inbound
// verification-protocol message. An incoming request for a device pair that
// already has an active transaction is refused: oldest wins, so request
// races cannot corrupt trust state.
func (c *Coordinator) HandleMessage(ctx context.Context, msg domain.VerificationMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Kind == domain.VerificationRequest {
		if _, busy := c.byPair[msg.From]; busy {
			c.log.Info(ctx, "refused concurrent verification request",
				"transaction_id", msg.TransactionID, "user_id", msg.From.UserID)
			return fmt.Errorf("%w: %s/%s", ErrTransactionActive, msg.From.UserID, msg.From.DeviceID)
		}
		c.sessions[msg.TransactionID] = &Session{
			TransactionID: msg.TransactionID,
			Device:        msg.From,
			SigningKey:    msg.SigningKey,
			State:         StateRequested,
			LastActivity:  c.now(),
		}
		c.byPair[msg.From] = msg.TransactionID
		return nil
	}

	sess, ok := c.sessions[msg.TransactionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, msg.TransactionID)
	}
	if c.expireLocked(ctx, sess) {
		return fmt.Errorf("%w: %s timed out", ErrUnknownTransaction, msg.TransactionID)
	}

	switch msg.Kind {
	case domain.VerificationReady:
		return c.advanceLocked(sess, StateRequested, StateReady)
	case domain.VerificationAccept:
		return c.advanceLocked(sess, StateReady, StateAccepted)
	case domain.VerificationKey:
		return c.advanceLocked(sess, StateAccepted, StateKeysExchanged)
	case domain.VerificationDone:
		return c.confirmLocked(ctx, sess)
	case domain.VerificationCancel:
		c.finishLocked(sess, StateCancelled)
		return nil
	default:
		return fmt.Errorf("%w: unexpected message kind %q", ErrInvalidTransition, msg.Kind)
	}
}

// Confirm records the local user's confirmation that the short codes match.
func (c *Coordinator) Confirm(ctx context.Context, transactionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[transactionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
	}
	if c.expireLocked(ctx, sess) {
		return fmt.Errorf("%w: %s timed out", ErrUnknownTransaction, transactionID)
	}
	return c.confirmLocked(ctx, sess)
}

// Cancel aborts a transaction from any non-terminal state and releases its
// device-pair slot synchronously.
func (c *Coordinator) Cancel(ctx context.Context, transactionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[transactionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionID)
	}
	c.finishLocked(sess, StateCancelled)
	return nil
}

// ExpireStale times out every transaction past the inactivity deadline.
func (c *Coordinator) ExpireStale(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sess := range c.sessions {
		c.expireLocked(ctx, sess)
	}
}

// Lookup returns a snapshot of an active transaction.
func (c *Coordinator) Lookup(transactionID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[transactionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// confirmLocked completes a transaction and marks the remote signing key
// verified. The trust write happens only here; every other terminal state
// leaves trust unchanged.
func (c *Coordinator) confirmLocked(ctx context.Context, sess *Session) error {
	if sess.State != StateKeysExchanged {
		return fmt.Errorf("%w: confirm from %q", ErrInvalidTransition, sess.State)
	}
	if err := c.store.SetDeviceTrust(ctx, sess.SigningKey, domain.TrustVerified); err != nil {
		return err
	}
	c.finishLocked(sess, StateConfirmed)
	c.log.Info(ctx, "device verified",
		"transaction_id", sess.TransactionID, "user_id", sess.Device.UserID, "device_id", sess.Device.DeviceID)
	return nil
}

func (c *Coordinator) advanceLocked(sess *Session, from, to State) error {
	if sess.State != from {
		return fmt.Errorf("%w: %q -> %q while in %q", ErrInvalidTransition, from, to, sess.State)
	}
	sess.State = to
	sess.LastActivity = c.now()
	return nil
}

// expireLocked times out a session past its inactivity deadline and reports
// whether it did.
func (c *Coordinator) expireLocked(ctx context.Context, sess *Session) bool {
	if sess.State.Terminal() || c.timeout <= 0 {
		return false
	}
	if c.now().Sub(sess.LastActivity) < c.timeout {
		return false
	}
	c.finishLocked(sess, StateTimedOut)
	c.log.Info(ctx, "verification timed out", "transaction_id", sess.TransactionID)
	return true
}

// finishLocked moves a session to a terminal state and frees its slot.
func (c *Coordinator) finishLocked(sess *Session, terminal State) {
	sess.State = terminal
	delete(c.sessions, sess.TransactionID)
	delete(c.byPair, sess.Device)
}
