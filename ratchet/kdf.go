package ratchet

import (
	"fmt"

	"github.com/w33ladalah/whatsandra/crypto"
)

// KDF labels domain-separate the two ratchet derivations.
var (
	labelRootChain   = []byte("dr-root-chain")
	labelMessageKeys = []byte("dr-message-keys")
)

// kdfRK advances the root key with fresh DH output, yielding the next
// root key and a new chain key.
func kdfRK(rootKey, dhOut []byte) (newRoot, chainKey []byte, err error) {
	okm, err := crypto.HKDF(dhOut, rootKey, labelRootChain, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to advance root key: %w", err)
	}
	return okm[:32], okm[32:], nil
}

// kdfCK advances a chain key one step, yielding the next chain key and
// the message key for the current counter.
func kdfCK(chainKey []byte) (nextChain, messageKey []byte, err error) {
	okm, err := crypto.HKDF(chainKey, nil, labelMessageKeys, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to advance chain key: %w", err)
	}
	return okm[:32], okm[32:], nil
}
