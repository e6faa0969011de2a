package domain

import "time"

// RatchetHeader accompanies each pairwise ciphertext.
type RatchetHeader struct {
	DHPub []byte `json:"dh_pub"` // 32 bytes
	PN    uint32 `json:"pn"`
	N     uint32 `json:"n"`
}

// PairwiseState holds Double Ratchet state for one pairwise session.
type PairwiseState struct {
	RootKey []byte        `json:"root_key"`
	DHPriv  X25519Private `json:"dh_priv"`
	DHPub   X25519Public  `json:"dh_pub"`

	PeerDHPub X25519Public `json:"peer_dh_pub"`

	SendCK []byte `json:"send_ck,omitempty"`
	RecvCK []byte `json:"recv_ck,omitempty"`

	Ns uint32 `json:"ns"`
	Nr uint32 `json:"nr"`
	PN uint32 `json:"pn"`

	Skipped map[string][]byte `json:"skipped"`
}

// Clone returns a deep copy, so a trial decrypt against one candidate
// session cannot disturb the persisted state of another.
func (s PairwiseState) Clone() PairwiseState {
	out := s
	out.RootKey = append([]byte(nil), s.RootKey...)
	out.SendCK = append([]byte(nil), s.SendCK...)
	out.RecvCK = append([]byte(nil), s.RecvCK...)
	out.Skipped = make(map[string][]byte, len(s.Skipped))
	for k, v := range s.Skipped {
		out.Skipped[k] = append([]byte(nil), v...)
	}
	return out
}

// PairwiseSession is a 1:1 ratcheting channel with one remote device,
// identified by (remote curve key, session id). A device may accumulate
// several sessions over time; the most recently active one is used for
// sending, all are retained for decrypting older in-flight ciphertext.
type PairwiseSession struct {
	ID           string        `json:"id"`
	RemoteCurve  X25519Public  `json:"remote_curve"`
	State        PairwiseState `json:"state"`
	LastReceived time.Time     `json:"last_received"`

	// PendingPreKey is attached to outgoing messages until the remote side
	// demonstrably holds the session, so a lost first message does not
	// strand the conversation.
	PendingPreKey *PreKeyPayload `json:"pending_pre_key,omitempty"`
}

// GroupOutbound is the per-room sending side of a group session. Replaced
// wholesale on rotation; the recipient-set bookkeeping lives in the store,
// keyed by session id, so a fresh session starts unshared by construction.
type GroupOutbound struct {
	RoomID    string    `json:"room_id"`
	ID        string    `json:"id"`
	ChainKey  []byte    `json:"chain_key"`
	Index     uint32    `json:"index"`
	CreatedAt time.Time `json:"created_at"`
}

// GroupInbound is the receiving side, identified by (room id, session id).
// Immutable after import: decryption re-derives message keys from the first
// known chain position, and only the replay log advances.
type GroupInbound struct {
	RoomID          string `json:"room_id"`
	ID              string `json:"id"`
	FirstKnownIndex uint32 `json:"first_known_index"`
	ChainKey        []byte `json:"chain_key"` // chain key at FirstKnownIndex
}

// SessionKeyExport is the portable form of a group session key, carried in
// key-share payloads. Exported at the sender's current ratchet position so
// recipients cannot read messages sent before they were authorized.
type SessionKeyExport struct {
	RoomID          string `json:"room_id"`
	SessionID       string `json:"session_id"`
	FirstKnownIndex uint32 `json:"first_known_index"`
	ChainKey        []byte `json:"chain_key"`
}

// DeviceRef names one device of one user.
type DeviceRef struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// RotationPolicy bounds the lifetime of an outbound group session. A session
// is rotated once it has encrypted MaxMessages events or is older than
// MaxAge, whichever comes first.
type RotationPolicy struct {
	MaxMessages uint32
	MaxAge      time.Duration
}

// Exceeded reports whether s is past the policy limits at time now.
func (p RotationPolicy) Exceeded(s GroupOutbound, now time.Time) bool {
	if p.MaxMessages > 0 && s.Index >= p.MaxMessages {
		return true
	}
	if p.MaxAge > 0 && now.Sub(s.CreatedAt) >= p.MaxAge {
		return true
	}
	return false
}
