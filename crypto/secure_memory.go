package crypto

import "errors"

// ZeroBytes overwrites a byte slice with zeros to remove sensitive key
// material from memory.
func ZeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// WipeKeyPair securely clears both halves of a key pair.
func WipeKeyPair(pair *KeyPair) error {
	if pair == nil {
		return errors.New("cannot wipe nil key pair")
	}
	ZeroBytes(pair.Private[:])
	ZeroBytes(pair.Public[:])
	return nil
}
