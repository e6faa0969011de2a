package pairwise

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"roomcrypt/crypto"
	"roomcrypt/domain"
)

var hkdfInfoRoot = []byte("roomcrypt-pairwise-root")

// InitiatorRoot derives the shared root key on the initiating side from our
// identity, a fresh ephemeral key, and the responder's identity plus a
// claimed one-time key.
func InitiatorRoot(
	ourIdentityPriv domain.X25519Private,
	ourEphemeralPriv domain.X25519Private,
	peerIdentity domain.X25519Public,
	peerOneTime domain.X25519Public,
) ([]byte, error) {
	dh1, err := crypto.DH(ourIdentityPriv, peerOneTime) // DH(IK_A, OTK_B)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourEphemeralPriv, peerIdentity) // DH(EK_A, IK_B)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(ourEphemeralPriv, peerOneTime) // DH(EK_A, OTK_B)
	if err != nil {
		return nil, err
	}
	return rootFromShares(dh1, dh2, dh3), nil
}

// ResponderRoot mirrors InitiatorRoot on the accepting side.
func ResponderRoot(
	ourIdentityPriv domain.X25519Private,
	ourOneTimePriv domain.X25519Private,
	peerIdentity domain.X25519Public,
	peerEphemeral domain.X25519Public,
) ([]byte, error) {
	dh1, err := crypto.DH(ourOneTimePriv, peerIdentity) // DH(OTK_B, IK_A)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourIdentityPriv, peerEphemeral) // DH(IK_B, EK_A)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(ourOneTimePriv, peerEphemeral) // DH(OTK_B, EK_A)
	if err != nil {
		return nil, err
	}
	return rootFromShares(dh1, dh2, dh3), nil
}

// SessionID derives the session identifier both ends agree on, from the key
// material visible to both in the pre-key message.
func SessionID(
	initiatorIdentity domain.X25519Public,
	initiatorEphemeral domain.X25519Public,
	responderOneTime domain.X25519Public,
) string {
	material := make([]byte, 0, 96)
	material = append(material, initiatorIdentity.Slice()...)
	material = append(material, initiatorEphemeral.Slice()...)
	material = append(material, responderOneTime.Slice()...)
	return crypto.Fingerprint(material)[:32]
}

func rootFromShares(shares ...[32]byte) []byte {
	ikm := make([]byte, 0, 32*len(shares))
	for i := range shares {
		ikm = append(ikm, shares[i][:]...)
	}
	r := hkdf.New(sha256.New, ikm, nil, hkdfInfoRoot)
	root := make([]byte, 32)
	_, _ = io.ReadFull(r, root)
	crypto.Zero(ikm)
	return root
}
