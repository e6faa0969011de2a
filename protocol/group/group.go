package group

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"roomcrypt/crypto"
	"roomcrypt/domain"
)

const (
	aeadKeySize = 32
	nonceSize   = chacha20poly1305.NonceSize

	// Each ciphertext is prefixed with the big-endian message index.
	indexPrefixLen = 4

	// maxIndexSkip bounds how far past the first known index a claimed
	// index may be. The prefix is unauthenticated until the AEAD check
	// passes and every step of the gap costs one chain derivation, so an
	// unbounded gap lets a forged prefix buy unbounded CPU. Sessions
	// rotate orders of magnitude earlier than this.
	maxIndexSkip = 1 << 12
)

// NewOutbound creates a fresh outbound session for a room with a random
// chain key, index zero, and a new session id.
func NewOutbound(roomID string, now time.Time) (domain.GroupOutbound, error) {
	chain := make([]byte, aeadKeySize)
	if _, err := rand.Read(chain); err != nil {
		return domain.GroupOutbound{}, err
	}
	return domain.GroupOutbound{
		RoomID:    roomID,
		ID:        uuid.NewString(),
		ChainKey:  chain,
		Index:     0,
		CreatedAt: now,
	}, nil
}

// Export captures the session key at the current ratchet position. A
// recipient importing it can decrypt from this index onward, never earlier.
func Export(s domain.GroupOutbound) domain.SessionKeyExport {
	return domain.SessionKeyExport{
		RoomID:          s.RoomID,
		SessionID:       s.ID,
		FirstKnownIndex: s.Index,
		ChainKey:        append([]byte(nil), s.ChainKey...),
	}
}

// ImportInbound builds the receiving side from a key export.
func ImportInbound(export domain.SessionKeyExport) domain.GroupInbound {
	return domain.GroupInbound{
		RoomID:          export.RoomID,
		ID:              export.SessionID,
		FirstKnownIndex: export.FirstKnownIndex,
		ChainKey:        append([]byte(nil), export.ChainKey...),
	}
}

// EncryptMessage seals plaintext at the current index and advances the
// chain. The returned index identifies the message for replay accounting.
func EncryptMessage(s *domain.GroupOutbound, ad, plaintext []byte) (cipher []byte, index uint32, err error) {
	index = s.Index
	mk := messageKey(s.ChainKey)
	defer crypto.Zero(mk)

	ct, err := seal(mk, index, ad, plaintext)
	if err != nil {
		return nil, 0, err
	}
	s.ChainKey = advance(s.ChainKey)
	s.Index++

	out := make([]byte, indexPrefixLen+len(ct))
	binary.BigEndian.PutUint32(out, index)
	copy(out[indexPrefixLen:], ct)
	return out, index, nil
}

// DecryptMessage opens a ciphertext against an inbound session, returning
// the plaintext and the ratchet index the message was sealed at. Messages
// before the session's first known index are undecryptable by construction.
func DecryptMessage(s domain.GroupInbound, ad, msg []byte) (plaintext []byte, index uint32, err error) {
	if len(msg) < indexPrefixLen {
		return nil, 0, fmt.Errorf("%w: truncated group ciphertext", domain.ErrDecryption)
	}
	index = binary.BigEndian.Uint32(msg)
	if index < s.FirstKnownIndex {
		return nil, 0, fmt.Errorf("%w: index %d precedes first known index %d",
			domain.ErrDecryption, index, s.FirstKnownIndex)
	}
	if index-s.FirstKnownIndex > maxIndexSkip {
		return nil, 0, fmt.Errorf("%w: index %d is implausibly far past first known index %d",
			domain.ErrDecryption, index, s.FirstKnownIndex)
	}

	ck := append([]byte(nil), s.ChainKey...)
	for i := s.FirstKnownIndex; i < index; i++ {
		ck = advance(ck)
	}
	mk := messageKey(ck)
	crypto.Zero(ck)
	defer crypto.Zero(mk)

	pt, err := open(mk, index, ad, msg[indexPrefixLen:])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return pt, index, nil
}

// --- helpers ---

func seal(mk []byte, index uint32, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], index)
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

func open(mk []byte, index uint32, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], index)
	return aead.Open(nil, nonce, ciphertext, ad)
}

// HKDF-based KDFs with labels, one for stepping the chain and one for
// deriving the per-message key so neither can stand in for the other.
func advance(ck []byte) []byte {
	r := hkdf.New(sha256.New, ck, nil, []byte("MG|ck"))
	next := make([]byte, 32)
	_, _ = io.ReadFull(r, next)
	return next
}

func messageKey(ck []byte) []byte {
	r := hkdf.New(sha256.New, ck, nil, []byte("MG|mk"))
	mk := make([]byte, 32)
	_, _ = io.ReadFull(r, mk)
	return mk
}
