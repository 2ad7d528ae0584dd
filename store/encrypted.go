package store

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltKey        = "_meta/salt"
	kdfIterations  = 100000
	encryptionSize = 32
)

// EncryptedStore wraps another Store and encrypts every value at rest
// with a key derived from a passphrase. Keys (names) remain in the
// clear; only values are protected. The PBKDF2 salt is stored in the
// underlying backend under a reserved key.
type EncryptedStore struct {
	backend Store
	aeadKey []byte
}

// NewEncryptedStore derives the encryption key from passphrase and
// wraps backend. Opening an existing store with the wrong passphrase
// succeeds, but every Get fails to decrypt.
func NewEncryptedStore(backend Store, passphrase string) (*EncryptedStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}

	salt, err := backend.Get(saltKey)
	if err == ErrKeyNotFound {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := backend.Put(saltKey, salt); err != nil {
			return nil, fmt.Errorf("failed to store salt: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	key := pbkdf2.Key([]byte(passphrase), salt, kdfIterations, encryptionSize, sha256.New)
	return &EncryptedStore{backend: backend, aeadKey: key}, nil
}

// Get retrieves and decrypts the value stored under key.
func (e *EncryptedStore) Get(key string) ([]byte, error) {
	sealed, err := e.backend.Get(key)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(e.aeadKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("stored value too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt stored value: %w", err)
	}
	return plain, nil
}

// Put encrypts value and stores it under key. The key name is bound as
// associated data so values cannot be swapped between keys.
func (e *EncryptedStore) Put(key string, value []byte) error {
	aead, err := chacha20poly1305.New(e.aeadKey)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, value, []byte(key))
	return e.backend.Put(key, sealed)
}

// Delete removes key from the underlying backend.
func (e *EncryptedStore) Delete(key string) error {
	return e.backend.Delete(key)
}

// Keys lists keys from the underlying backend, hiding reserved
// metadata keys.
func (e *EncryptedStore) Keys(prefix string) ([]string, error) {
	keys, err := e.backend.Keys(prefix)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, key := range keys {
		if key == saltKey {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

// Close closes the underlying backend.
func (e *EncryptedStore) Close() error {
	return e.backend.Close()
}
