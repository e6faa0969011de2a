package pairwise

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"roomcrypt/crypto"
	"roomcrypt/domain"
)

const (
	aeadKeySize  = 32
	nonceSize    = chacha20poly1305.NonceSize
	maxSkippedMK = 1000
)

var errChainUninitialised = errors.New("ratchet chain key is uninitialised")

// InitAsInitiator seeds the sending chain from root using a fresh ratchet
// key and the peer's identity key as the opening remote ratchet key.
func InitAsInitiator(root []byte, peerIdentity domain.X25519Public) (domain.PairwiseState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.PairwiseState{}, err
	}
	dh, err := crypto.DH(priv, peerIdentity)
	if err != nil {
		return domain.PairwiseState{}, err
	}
	newRK, sendCK := kdfRK(root, dh[:])
	crypto.Zero(dh[:])

	return domain.PairwiseState{
		RootKey:   newRK,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: peerIdentity, // placeholder until the first remote ratchet pub arrives
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// InitAsResponder seeds the receiving chain from root using our identity key
// and the sender's opening ratchet pub (taken from the first header).
func InitAsResponder(root []byte, ourIdentityPriv domain.X25519Private, senderRatchetPub domain.X25519Public) (domain.PairwiseState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.PairwiseState{}, err
	}
	dh, err := crypto.DH(ourIdentityPriv, senderRatchetPub)
	if err != nil {
		return domain.PairwiseState{}, err
	}
	newRK, recvCK := kdfRK(root, dh[:])
	crypto.Zero(dh[:])

	return domain.PairwiseState{
		RootKey:   newRK,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: senderRatchetPub,
		RecvCK:    recvCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// Encrypt produces a header and ciphertext, auto-stepping the DH ratchet on
// the first send after responding.
func Encrypt(st *domain.PairwiseState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	if len(st.SendCK) == 0 {
		// Responder's first send: perform a DH ratchet step.
		st.PN = st.Ns
		st.Ns = 0

		newPriv, newPub, err := crypto.GenerateX25519()
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		dh, err := crypto.DH(newPriv, st.PeerDHPub)
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		rk2, sendCK := kdfRK(st.RootKey, dh[:])
		crypto.Zero(dh[:])

		st.RootKey = rk2
		st.DHPriv, st.DHPub = newPriv, newPub
		st.SendCK = sendCK
	}

	mk, err := kdfCKSend(st)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	h := domain.RatchetHeader{DHPub: st.DHPub.Slice(), PN: st.PN, N: st.Ns}

	ct, err := seal(mk, h, ad, plaintext)
	crypto.Zero(mk)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	st.Ns++
	return h, ct, nil
}

// Decrypt handles skipped keys, performs a DH ratchet step on new remote
// pubs, then opens the message. Cryptographic rejection surfaces as
// domain.ErrDecryption.
func Decrypt(st *domain.PairwiseState, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	if len(header.DHPub) != 32 {
		return nil, fmt.Errorf("%w: malformed ratchet header", domain.ErrDecryption)
	}

	// Same remote ratchet pub: the message may use a skipped key.
	if equal32(st.PeerDHPub[:], header.DHPub) {
		if err := skipUntil(st, header.N); err != nil {
			return nil, err
		}
		keyID := skippedKeyID(st.PeerDHPub, header.N)
		if mk, ok := st.Skipped[keyID]; ok {
			delete(st.Skipped, keyID)
			pt, err := open(mk, header, ad, ciphertext)
			crypto.Zero(mk)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
			}
			return pt, nil
		}
	}

	// New remote ratchet pub: advance receiving and sending chains.
	if !equal32(st.PeerDHPub[:], header.DHPub) {
		if err := skipUntil(st, header.PN); err != nil {
			return nil, err
		}

		var newPeer domain.X25519Public
		copy(newPeer[:], header.DHPub)

		dh, err := crypto.DH(st.DHPriv, newPeer)
		if err != nil {
			return nil, err
		}
		rk2, recvCK := kdfRK(st.RootKey, dh[:])
		crypto.Zero(dh[:])

		newPriv, newPub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		dh2, err := crypto.DH(newPriv, newPeer)
		if err != nil {
			return nil, err
		}
		rk3, sendCK := kdfRK(rk2, dh2[:])
		crypto.Zero(dh2[:])

		st.PN = st.Ns
		st.Ns, st.Nr = 0, 0
		st.RootKey = rk3
		st.DHPriv, st.DHPub = newPriv, newPub
		st.PeerDHPub = newPeer
		st.SendCK, st.RecvCK = sendCK, recvCK
	}

	mk, err := kdfCKRecv(st)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, header, ad, ciphertext)
	crypto.Zero(mk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	st.Nr++
	return pt, nil
}

// --- helpers ---

func seal(mk []byte, header domain.RatchetHeader, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], header.N)
	return aead.Seal(nil, nonce, plaintext, append(ad, headerBytes(header)...)), nil
}

func open(mk []byte, header domain.RatchetHeader, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], header.N)
	return aead.Open(nil, nonce, ciphertext, append(ad, headerBytes(header)...))
}

func headerBytes(h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(h.DHPub)+8)
	out = append(out, h.DHPub...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.N)
	out = append(out, b[:]...)
	return out
}

// HKDF-based KDFs with labels.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dh, rk, []byte("DR|rk"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("DR|ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func kdfCKSend(st *domain.PairwiseState) ([]byte, error) {
	if len(st.SendCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.SendCK)
	st.SendCK = nextCK
	return mk, nil
}

func kdfCKRecv(st *domain.PairwiseState) ([]byte, error) {
	if len(st.RecvCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.RecvCK)
	st.RecvCK = nextCK
	return mk, nil
}

func skippedKeyID(peer domain.X25519Public, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return string(b)
}

// skipUntil derives and stores message keys up to pn. The header counters
// are attacker-controlled until the AEAD check passes, so a gap wider than
// the skipped-key cap is rejected before any derivation work.
func skipUntil(st *domain.PairwiseState, pn uint32) error {
	if pn > st.Nr && pn-st.Nr > maxSkippedMK {
		return fmt.Errorf("%w: header skips %d message keys, cap is %d",
			domain.ErrDecryption, pn-st.Nr, maxSkippedMK)
	}
	for st.Nr < pn {
		mk, err := kdfCKRecv(st)
		if err != nil {
			return nil
		}
		if len(st.Skipped) >= maxSkippedMK {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
	return nil
}

func equal32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	var v byte
	for i := 0; i < 32; i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
