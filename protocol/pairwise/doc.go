// Package pairwise implements the 1:1 ratcheting channel between two
// devices: a triple Diffie-Hellman bootstrap over identity and one-time
// keys, and a double ratchet for the message stream. Callers own state
// persistence; every function here advances a state value in place.
package pairwise
