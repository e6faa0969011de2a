package domain

// TrustState is a device's verification status as judged by the local user.
type TrustState string

const (
	TrustUnverified  TrustState = "unverified"
	TrustVerified    TrustState = "verified"
	TrustBlacklisted TrustState = "blacklisted"
	TrustIgnored     TrustState = "ignored"
)

// DeviceKeys is the cached public key material for one remote device, as
// returned by a device-key query. One-time keys are claimed from this cache
// when bootstrapping a pairwise session.
type DeviceKeys struct {
	UserID     string        `json:"user_id"`
	DeviceID   string        `json:"device_id"`
	CurveKey   X25519Public  `json:"curve_key"`
	SigningKey Ed25519Public `json:"signing_key"`

	OneTimeKeys []OneTimeKey `json:"one_time_keys,omitempty"`
}

// Ref returns the (user, device) pair naming this device.
func (d DeviceKeys) Ref() DeviceRef {
	return DeviceRef{UserID: d.UserID, DeviceID: d.DeviceID}
}
