package prekey

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w33ladalah/whatsandra/crypto"
	"github.com/w33ladalah/whatsandra/identity"
)

func testBundle(t *testing.T, dev identity.DeviceIdentity) (Bundle, []*OneTimePreKey) {
	t.Helper()

	signing, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	ident, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	spk, err := GenerateSignedPreKey(signing, 1)
	require.NoError(t, err)
	oneTime, err := GenerateOneTimePreKeys(1, 3)
	require.NoError(t, err)

	return Bundle{
		Identity:       dev,
		IdentityKey:    ident.Public,
		SigningKey:     signing.Public,
		SignedPreKeyID: spk.ID,
		SignedPreKey:   spk.KeyPair.Public,
		Signature:      spk.Signature,
	}, oneTime
}

func TestSignedPreKeyVerifies(t *testing.T) {
	dev := identity.New("15550001111", 1, identity.ServerUser)
	bundle, _ := testBundle(t, dev)
	assert.NoError(t, bundle.Verify())
}

func TestTamperedBundleFailsVerification(t *testing.T) {
	dev := identity.New("15550001111", 1, identity.ServerUser)
	bundle, _ := testBundle(t, dev)

	bundle.SignedPreKey[0] ^= 0xFF
	assert.ErrorIs(t, bundle.Verify(), ErrInvalidSignature)
}

func TestForeignSigningKeyFailsVerification(t *testing.T) {
	dev := identity.New("15550001111", 1, identity.ServerUser)
	bundle, _ := testBundle(t, dev)

	other, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	bundle.SigningKey = other.Public
	assert.ErrorIs(t, bundle.Verify(), ErrInvalidSignature)
}

func TestGenerateOneTimePreKeysSequentialIDs(t *testing.T) {
	keys, err := GenerateOneTimePreKeys(10, 5)
	require.NoError(t, err)
	require.Len(t, keys, 5)

	for i, key := range keys {
		assert.Equal(t, uint32(10+i), key.ID)
		assert.NoError(t, crypto.ValidatePublicKey(key.KeyPair.Public[:]))
	}
}

func TestGenerateRejectsInvalidArguments(t *testing.T) {
	signing, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	_, err = GenerateSignedPreKey(nil, 1)
	assert.Error(t, err)
	_, err = GenerateSignedPreKey(signing, 0)
	assert.Error(t, err)
	_, err = GenerateOneTimePreKeys(0, 5)
	assert.Error(t, err)
	_, err = GenerateOneTimePreKeys(1, 0)
	assert.Error(t, err)
}

func TestStaticDirectoryConsumesOneTimeKeys(t *testing.T) {
	dev := identity.New("15550001111", 1, identity.ServerUser)
	bundle, oneTime := testBundle(t, dev)

	dir := NewStaticDirectory()
	dir.Register(bundle, oneTime)

	ctx := context.Background()
	seen := make(map[uint32]bool)
	for i := 0; i < 3; i++ {
		fetched, err := dir.FetchPreKeyBundle(ctx, dev)
		require.NoError(t, err)
		require.True(t, fetched.HasOneTimePreKey())
		assert.False(t, seen[fetched.OneTimePreKeyID], "one-time prekey served twice")
		seen[fetched.OneTimePreKeyID] = true
	}
	assert.Equal(t, 0, dir.Remaining(dev))

	// Exhausted entries still serve bundles without a one-time prekey.
	fetched, err := dir.FetchPreKeyBundle(ctx, dev)
	require.NoError(t, err)
	assert.False(t, fetched.HasOneTimePreKey())
	assert.NoError(t, fetched.Verify())
}

func TestStaticDirectoryUnknownPeer(t *testing.T) {
	dir := NewStaticDirectory()
	_, err := dir.FetchPreKeyBundle(context.Background(), identity.New("nobody", 1, identity.ServerUser))
	assert.ErrorIs(t, err, ErrBundleNotFound)
}
