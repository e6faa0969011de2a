package domain

// Account is this device's long-term identity plus its pool of unclaimed
// one-time keys. Created once per device install; the pool shrinks as remote
// devices claim keys and is replenished by uploading fresh ones.
type Account struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`

	CurveKey    X25519Public   `json:"curve_key"`
	CurvePriv   X25519Private  `json:"curve_priv"`
	SigningKey  Ed25519Public  `json:"signing_key"`
	SigningPriv Ed25519Private `json:"signing_priv"`

	// OneTimeKeys is the locally held private pool. PublishedCount tracks how
	// many of these the server currently advertises on our behalf.
	OneTimeKeys    []OneTimeKeyPair `json:"one_time_keys"`
	PublishedCount int              `json:"published_count"`
}

// ConsumeOneTimeKey removes and returns the pair with the given id.
func (a *Account) ConsumeOneTimeKey(id string) (OneTimeKeyPair, bool) {
	for i, p := range a.OneTimeKeys {
		if p.ID == id {
			a.OneTimeKeys = append(a.OneTimeKeys[:i], a.OneTimeKeys[i+1:]...)
			return p, true
		}
	}
	return OneTimeKeyPair{}, false
}

// IdentityKeys is the public half of an account, as uploaded to the server.
type IdentityKeys struct {
	UserID     string        `json:"user_id"`
	DeviceID   string        `json:"device_id"`
	CurveKey   X25519Public  `json:"curve_key"`
	SigningKey Ed25519Public `json:"signing_key"`
}
