// Package store implements the durable key store on SQLite. All session and
// identity material is pickled (self-encrypted) before it is written; rows
// additionally carry the small amount of metadata needed for lookup. Writers
// are serialized within the process, and the schema evolves through
// forward-only embedded migrations.
package store
