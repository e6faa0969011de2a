package domain

import (
	"encoding/base64"
	"fmt"
)

// ------------- X25519 -------------

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

func (k X25519Private) Slice() []byte { return k[:] }
func (k X25519Public) Slice() []byte  { return k[:] }

// Base64 renders the key the way it appears in wire payloads and store rows.
func (k X25519Public) Base64() string {
	return base64.RawStdEncoding.EncodeToString(k[:])
}

func MustX25519Private(b []byte) X25519Private {
	if len(b) != 32 {
		panic(fmt.Errorf("X25519 private: want 32 bytes, got %d", len(b)))
	}
	var out X25519Private
	copy(out[:], b)
	return out
}

func MustX25519Public(b []byte) X25519Public {
	if len(b) != 32 {
		panic(fmt.Errorf("X25519 public: want 32 bytes, got %d", len(b)))
	}
	var out X25519Public
	copy(out[:], b)
	return out
}

// ------------- Ed25519 -------------

// Ed25519Private is a signing private key (ed25519.PrivateKey layout).
type Ed25519Private [64]byte

// Ed25519Public is a signing public key.
type Ed25519Public [32]byte

func (k Ed25519Private) Slice() []byte { return k[:] }
func (k Ed25519Public) Slice() []byte  { return k[:] }

// Base64 renders the key the way it appears in trust records.
func (k Ed25519Public) Base64() string {
	return base64.RawStdEncoding.EncodeToString(k[:])
}

func MustEd25519Private(b []byte) Ed25519Private {
	if len(b) != 64 {
		panic(fmt.Errorf("Ed25519 private: want 64 bytes, got %d", len(b)))
	}
	var out Ed25519Private
	copy(out[:], b)
	return out
}

func MustEd25519Public(b []byte) Ed25519Public {
	if len(b) != 32 {
		panic(fmt.Errorf("Ed25519 public: want 32 bytes, got %d", len(b)))
	}
	var out Ed25519Public
	copy(out[:], b)
	return out
}

// OneTimeKey is a published one-time curve key (public half) with an ID.
type OneTimeKey struct {
	ID  string       `json:"id"`
	Pub X25519Public `json:"pub"`
}

// OneTimeKeyPair is the locally held pair behind a published one-time key.
type OneTimeKeyPair struct {
	ID   string        `json:"id"`
	Pub  X25519Public  `json:"pub"`
	Priv X25519Private `json:"priv"`
}
