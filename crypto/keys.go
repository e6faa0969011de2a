package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/curve25519"

	"roomcrypt/domain"
)

// GenerateX25519 returns a fresh clamped Curve25519 key pair.
func GenerateX25519() (domain.X25519Private, domain.X25519Public, error) {
	var priv domain.X25519Private
	if _, err := rand.Read(priv[:]); err != nil {
		return domain.X25519Private{}, domain.X25519Public{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubBytes, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return domain.X25519Private{}, domain.X25519Public{}, err
	}
	var pub domain.X25519Public
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// GenerateEd25519 returns a fresh signing key pair.
func GenerateEd25519() (domain.Ed25519Private, domain.Ed25519Public, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return domain.Ed25519Private{}, domain.Ed25519Public{}, err
	}
	return domain.MustEd25519Private(priv), domain.MustEd25519Public(pub), nil
}

// DH computes the shared secret between priv and pub.
func DH(priv domain.X25519Private, pub domain.X25519Public) ([32]byte, error) {
	res, err := curve25519.X25519(priv.Slice(), pub.Slice())
	var out [32]byte
	if err != nil {
		return out, err
	}
	copy(out[:], res)
	return out, nil
}

// Fingerprint returns a SHA-256 hex digest of a public key, for display and
// for deriving stable identifiers from key material.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Zero overwrites b with zeroes. Best effort; Go gives no guarantee the
// memory was not already copied.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
