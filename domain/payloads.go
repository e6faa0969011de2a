package domain

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the two pairwise ciphertext forms.
type MessageType int

const (
	// MessagePreKey carries the key material needed to bootstrap a session.
	MessagePreKey MessageType = 0
	// MessageNormal is an ordinary ratchet message on an existing session.
	MessageNormal MessageType = 1
)

// PreKeyPayload is attached to the first message of a pairwise conversation
// so the receiver can derive the shared root and build an inbound session.
type PreKeyPayload struct {
	IdentityKey  X25519Public `json:"identity_key"`
	EphemeralKey X25519Public `json:"ephemeral_key"`
	OneTimeKeyID string       `json:"one_time_key_id"`
}

// PairwiseMessage is one pairwise ciphertext plus its ratchet header.
type PairwiseMessage struct {
	Type   MessageType    `json:"type"`
	PreKey *PreKeyPayload `json:"pre_key,omitempty"`
	Header RatchetHeader  `json:"header"`
	Cipher []byte         `json:"cipher"`
}

// VerificationKind names the steps of the verification protocol.
type VerificationKind string

const (
	VerificationRequest VerificationKind = "request"
	VerificationReady   VerificationKind = "ready"
	VerificationAccept  VerificationKind = "accept"
	VerificationKey     VerificationKind = "key"
	VerificationDone    VerificationKind = "done"
	VerificationCancel  VerificationKind = "cancel"
)

// InboundPayload is the closed set of payload shapes the engine consumes.
// The surrounding system's open event registry stays outside this module;
// payloads are classified by explicit discriminant, not dynamic dispatch.
type InboundPayload interface {
	isInboundPayload()
}

// EncryptedToDevice is a pairwise-encrypted direct payload from one device.
type EncryptedToDevice struct {
	SenderKey X25519Public    `json:"sender_key"`
	DeviceID  string          `json:"device_id"`
	Message   PairwiseMessage `json:"message"`
}

// EncryptedRoomMessage is a group-encrypted room event.
type EncryptedRoomMessage struct {
	RoomID    string       `json:"room_id"`
	SessionID string       `json:"session_id"`
	EventID   string       `json:"event_id"`
	SenderKey X25519Public `json:"sender_key"`
	Cipher    []byte       `json:"cipher"`
}

// RoomKeyShare authorizes the holder to decrypt a group session. It arrives
// inside a decrypted to-device message, or from a stored export.
type RoomKeyShare struct {
	Export SessionKeyExport `json:"export"`
}

// VerificationMessage is one step of a device-verification transaction.
type VerificationMessage struct {
	TransactionID string           `json:"transaction_id"`
	Kind          VerificationKind `json:"kind"`
	From          DeviceRef        `json:"from"`
	SigningKey    Ed25519Public    `json:"signing_key,omitempty"`
}

func (EncryptedToDevice) isInboundPayload()    {}
func (EncryptedRoomMessage) isInboundPayload() {}
func (RoomKeyShare) isInboundPayload()         {}
func (VerificationMessage) isInboundPayload()  {}

// toDeviceEnvelope is the small tagged wrapper used inside pairwise
// plaintext and on the unencrypted to-device channel.
type toDeviceEnvelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

const (
	payloadTypeRoomKey      = "room_key"
	payloadTypeVerification = "verification"
)

// EncodeRoomKeyShare wraps a session key export for the to-device channel.
func EncodeRoomKeyShare(export SessionKeyExport) ([]byte, error) {
	content, err := json.Marshal(RoomKeyShare{Export: export})
	if err != nil {
		return nil, err
	}
	return json.Marshal(toDeviceEnvelope{Type: payloadTypeRoomKey, Content: content})
}

// EncodeVerificationMessage wraps a verification step for the to-device channel.
func EncodeVerificationMessage(msg VerificationMessage) ([]byte, error) {
	content, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(toDeviceEnvelope{Type: payloadTypeVerification, Content: content})
}

// DecodeToDevicePayload resolves a to-device plaintext into one of the
// closed payload variants.
func DecodeToDevicePayload(raw []byte) (InboundPayload, error) {
	var env toDeviceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode to-device envelope: %w", err)
	}
	switch env.Type {
	case payloadTypeRoomKey:
		var share RoomKeyShare
		if err := json.Unmarshal(env.Content, &share); err != nil {
			return nil, fmt.Errorf("decode room key share: %w", err)
		}
		return share, nil
	case payloadTypeVerification:
		var msg VerificationMessage
		if err := json.Unmarshal(env.Content, &msg); err != nil {
			return nil, fmt.Errorf("decode verification message: %w", err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unrecognised to-device payload type %q", env.Type)
	}
}
