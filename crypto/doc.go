// Package crypto wraps the primitive operations the rest of the module
// builds on: key generation, Diffie-Hellman, fingerprints, and the pickle
// envelope used for encrypted-at-rest serialization.
package crypto
