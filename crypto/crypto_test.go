package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	pair, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, isZeroKey(pair.Public), "public key should not be all zeros")
	assert.False(t, isZeroKey(pair.Private), "private key should not be all zeros")

	// Clamping bits must be applied.
	assert.Equal(t, byte(0), pair.Private[0]&7)
	assert.Equal(t, byte(64), pair.Private[31]&64)
}

func TestFromSecretKeyDerivesSamePublic(t *testing.T) {
	pair, err := GenerateKeyPair()
	require.NoError(t, err)

	rebuilt, err := FromSecretKey(pair.Private)
	require.NoError(t, err)
	assert.Equal(t, pair.Public, rebuilt.Public)
}

func TestFromSecretKeyRejectsZeroKey(t *testing.T) {
	var zero [32]byte
	_, err := FromSecretKey(zero)
	assert.Error(t, err)
}

func TestDeriveSharedSecretAgreement(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := DeriveSharedSecret(bob.Public, alice.Private)
	require.NoError(t, err)
	ba, err := DeriveSharedSecret(alice.Public, bob.Private)
	require.NoError(t, err)

	assert.Equal(t, ab, ba, "both sides must derive the same secret")
	assert.False(t, isZeroKey(ab))
}

func TestSignAndVerify(t *testing.T) {
	signer, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	data := []byte("signed prekey public bytes")
	sig := signer.Sign(data)

	assert.True(t, VerifySignature(signer.Public, data, sig))
	assert.False(t, VerifySignature(signer.Public, []byte("tampered"), sig))

	other, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	assert.False(t, VerifySignature(other.Public, data, sig))
}

func TestSigningKeyFromSeed(t *testing.T) {
	signer, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	rebuilt, err := SigningKeyFromSeed(signer.Private.Seed())
	require.NoError(t, err)
	assert.Equal(t, signer.Public, rebuilt.Public)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	nonce := make([]byte, AEADNonceSize)
	plaintext := []byte("hello whatsandra")
	ad := []byte("header bytes")

	ciphertext, err := Seal(key, nonce, plaintext, ad)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := Open(key, nonce, ciphertext, ad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	// Wrong associated data must fail authentication.
	_, err = Open(key, nonce, ciphertext, []byte("other"))
	assert.Error(t, err)

	// Tampered ciphertext must fail authentication.
	ciphertext[0] ^= 0xff
	_, err = Open(key, nonce, ciphertext, ad)
	assert.Error(t, err)
}

func TestSealRejectsEmptyAndOversized(t *testing.T) {
	key := make([]byte, 32)
	nonce := make([]byte, AEADNonceSize)

	_, err := Seal(key, nonce, nil, nil)
	assert.Error(t, err)

	big := make([]byte, MaxMessageSize+1)
	_, err = Seal(key, nonce, big, nil)
	assert.Error(t, err)
}

func TestHKDFDeterministic(t *testing.T) {
	ikm := bytes.Repeat([]byte{0x11}, 32)

	a, err := HKDF(ikm, nil, []byte("label"), 64)
	require.NoError(t, err)
	b, err := HKDF(ikm, nil, []byte("label"), 64)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := HKDF(ikm, nil, []byte("other"), 64)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestZeroBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	ZeroBytes(data)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
}

func TestWipeKeyPair(t *testing.T) {
	pair, err := GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, WipeKeyPair(pair))
	assert.True(t, isZeroKey(pair.Private))
	assert.Error(t, WipeKeyPair(nil))
}
