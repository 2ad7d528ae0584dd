package ratchet

import (
	"fmt"

	"github.com/w33ladalah/whatsandra/crypto"
	"github.com/w33ladalah/whatsandra/prekey"
)

var labelSessionRoot = []byte("x3dh-session-root")

// InitiatorRoot derives the initial root key from our identity and
// ephemeral base keys against the peer's published bundle:
//
//	DH(IKa, SPKb) || DH(EKa, IKb) || DH(EKa, SPKb) [|| DH(EKa, OPKb)]
//
// fed through HKDF. The caller must have verified the bundle signature
// first.
func InitiatorRoot(identityPriv, basePriv [32]byte, bundle *prekey.Bundle) ([]byte, error) {
	dh1, err := crypto.DeriveSharedSecret(bundle.SignedPreKey, identityPriv)
	if err != nil {
		return nil, fmt.Errorf("failed DH(IK, SPK): %w", err)
	}
	dh2, err := crypto.DeriveSharedSecret(bundle.IdentityKey, basePriv)
	if err != nil {
		return nil, fmt.Errorf("failed DH(EK, IK): %w", err)
	}
	dh3, err := crypto.DeriveSharedSecret(bundle.SignedPreKey, basePriv)
	if err != nil {
		return nil, fmt.Errorf("failed DH(EK, SPK): %w", err)
	}

	concat := make([]byte, 0, 128)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if bundle.HasOneTimePreKey() {
		dh4, err := crypto.DeriveSharedSecret(bundle.OneTimePreKey, basePriv)
		if err != nil {
			return nil, fmt.Errorf("failed DH(EK, OPK): %w", err)
		}
		concat = append(concat, dh4[:]...)
		crypto.ZeroBytes(dh4[:])
	}

	root, err := crypto.HKDF(concat, nil, labelSessionRoot, 32)
	crypto.ZeroBytes(concat)
	crypto.ZeroBytes(dh1[:])
	crypto.ZeroBytes(dh2[:])
	crypto.ZeroBytes(dh3[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive session root: %w", err)
	}
	return root, nil
}

// ResponderRoot mirrors InitiatorRoot on the receiving device using the
// private halves of the prekeys the initiator selected. oneTimePriv is
// nil when the envelope carried no one-time prekey ID.
func ResponderRoot(identityPriv, signedPreKeyPriv [32]byte, oneTimePriv *[32]byte, peerIdentityKey, peerBaseKey [32]byte) ([]byte, error) {
	dh1, err := crypto.DeriveSharedSecret(peerIdentityKey, signedPreKeyPriv)
	if err != nil {
		return nil, fmt.Errorf("failed DH(SPK, IK): %w", err)
	}
	dh2, err := crypto.DeriveSharedSecret(peerBaseKey, identityPriv)
	if err != nil {
		return nil, fmt.Errorf("failed DH(IK, EK): %w", err)
	}
	dh3, err := crypto.DeriveSharedSecret(peerBaseKey, signedPreKeyPriv)
	if err != nil {
		return nil, fmt.Errorf("failed DH(SPK, EK): %w", err)
	}

	concat := make([]byte, 0, 128)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if oneTimePriv != nil {
		dh4, err := crypto.DeriveSharedSecret(peerBaseKey, *oneTimePriv)
		if err != nil {
			return nil, fmt.Errorf("failed DH(OPK, EK): %w", err)
		}
		concat = append(concat, dh4[:]...)
		crypto.ZeroBytes(dh4[:])
	}

	root, err := crypto.HKDF(concat, nil, labelSessionRoot, 32)
	crypto.ZeroBytes(concat)
	crypto.ZeroBytes(dh1[:])
	crypto.ZeroBytes(dh2[:])
	crypto.ZeroBytes(dh3[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive session root: %w", err)
	}
	return root, nil
}
