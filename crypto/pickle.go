package crypto

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"roomcrypt/domain"
)

// The current supported version of the pickle blob format.
const pickleFormatVersion = 1

// PickleKey encrypts session and identity state before it reaches storage.
type PickleKey [32]byte

// DerivePickleKey derives a pickle key from a passphrase and salt.
func DerivePickleKey(passphrase string, salt []byte) (PickleKey, error) {
	raw, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, chacha20poly1305.KeySize)
	if err != nil {
		return PickleKey{}, err
	}
	var k PickleKey
	copy(k[:], raw)
	Zero(raw)
	return k, nil
}

// pickleBlob is the serialized envelope around a pickled value.
type pickleBlob struct {
	V      int    `json:"v"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// Pickle seals v into an opaque self-encrypted blob.
func Pickle(key PickleKey, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, raw, nil)
	Zero(raw)
	return json.Marshal(pickleBlob{V: pickleFormatVersion, Nonce: nonce, Cipher: ct})
}

// Unpickle opens a blob produced by Pickle into v. A wrong key, a mangled
// blob, or an unknown future format version all fail with ErrStoreCorrupt.
func Unpickle(key PickleKey, blob []byte, v any) error {
	var b pickleBlob
	if err := json.Unmarshal(blob, &b); err != nil {
		return fmt.Errorf("%w: undecodable pickle", domain.ErrStoreCorrupt)
	}
	if b.V > pickleFormatVersion {
		return fmt.Errorf("%w: pickle version %d is newer than supported %d",
			domain.ErrStoreCorrupt, b.V, pickleFormatVersion)
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return err
	}
	raw, err := aead.Open(nil, b.Nonce, b.Cipher, nil)
	if err != nil {
		return fmt.Errorf("%w: pickle rejected", domain.ErrStoreCorrupt)
	}
	defer Zero(raw)
	return json.Unmarshal(raw, v)
}
