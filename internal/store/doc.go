// Package store defines the state store contract shared by the identity pool,
// the lock manager and the scheduler. Implementations live in
// internal/storage; this package must not import database drivers or
// concrete clients.
package store
