// Package store provides the persistent storage backends for device
// credentials, ratchet sessions, and prekeys.
//
// All durable state flows through the Store interface, a flat key-value
// abstraction with namespaced keys ("credentials/self",
// "session/<peer>", "prekey/onetime/<id>"). Three backends are
// provided: an in-memory map for tests, a single-file JSON store, and a
// SQLite database. An encryption wrapper can protect any backend with a
// passphrase-derived key.
package store

import "errors"

var (
	// ErrKeyNotFound indicates the requested key has no stored value.
	ErrKeyNotFound = errors.New("key not found")
	// ErrStoreClosed indicates an operation on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Store is a flat key-value persistence backend. Implementations must
// be safe for concurrent use. Get returns ErrKeyNotFound for missing
// keys; Delete of a missing key is not an error.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	Close() error
}
