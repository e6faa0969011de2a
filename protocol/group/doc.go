// Package group implements the one-to-many room ratchet: the outbound side
// advances a hash chain once per message, the inbound side re-derives
// message keys from its first known chain position. An inbound session is
// therefore immutable after import, which keeps replay accounting the only
// mutable state on the receive path.
package group
