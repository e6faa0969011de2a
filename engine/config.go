package engine

import (
	"time"

	"roomcrypt/domain"
	"roomcrypt/logging"
)

// Config holds runtime wiring options for building the engine.
type Config struct {
	// Rotation bounds the lifetime of outbound group sessions.
	Rotation domain.RotationPolicy

	// PendingLimit caps the queue of encrypted events awaiting keys.
	PendingLimit int

	// OneTimeKeyTarget is the pool size ReplenishOneTimeKeys tops up to.
	OneTimeKeyTarget int

	// VerificationTimeout is the inactivity deadline for verification
	// transactions.
	VerificationTimeout time.Duration

	// Logger defaults to a no-op logger.
	Logger logging.Logger
}

func (c Config) withDefaults() Config {
	if c.Rotation.MaxMessages == 0 {
		c.Rotation.MaxMessages = 100
	}
	if c.Rotation.MaxAge == 0 {
		c.Rotation.MaxAge = 7 * 24 * time.Hour
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 64
	}
	if c.OneTimeKeyTarget == 0 {
		c.OneTimeKeyTarget = 50
	}
	if c.VerificationTimeout == 0 {
		c.VerificationTimeout = 10 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	return c
}
