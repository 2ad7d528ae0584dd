package ratchet

import (
	"encoding/binary"
	"fmt"

	"github.com/w33ladalah/whatsandra/crypto"
)

// Header is the ratchet metadata attached to every encrypted message:
// the sender's current ratchet public key, the length of the previous
// sending chain, and the counter within the current chain.
type Header struct {
	RatchetPub [32]byte
	PrevCount  uint32
	Count      uint32
}

// bytes returns the canonical header encoding bound into the AEAD as
// associated data.
func (h *Header) bytes() []byte {
	out := make([]byte, 40)
	copy(out, h.RatchetPub[:])
	binary.BigEndian.PutUint32(out[32:], h.PrevCount)
	binary.BigEndian.PutUint32(out[36:], h.Count)
	return out
}

// InitInitiator creates the session state for the side that fetched the
// peer's bundle. The peer's signed prekey doubles as its initial
// ratchet key, so the first DH ratchet is seeded immediately and the
// sending chain is ready.
func InitInitiator(rootKey []byte, peerSignedPreKey [32]byte) (*State, error) {
	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ratchet key: %w", err)
	}

	dh, err := crypto.DeriveSharedSecret(peerSignedPreKey, pair.Private)
	if err != nil {
		return nil, fmt.Errorf("failed initial ratchet DH: %w", err)
	}
	newRoot, sendCK, err := kdfRK(rootKey, dh[:])
	crypto.ZeroBytes(dh[:])
	if err != nil {
		return nil, err
	}

	return &State{
		RootKey:   newRoot,
		DHPriv:    pair.Private,
		DHPub:     pair.Public,
		PeerDHPub: peerSignedPreKey,
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// InitResponder creates the session state on the device whose bundle
// was consumed. Its signed prekey pair is the initial ratchet key; the
// receiving chain is established by the DH ratchet step triggered by
// the first inbound message.
func InitResponder(rootKey []byte, signedPreKeyPair crypto.KeyPair) *State {
	return &State{
		RootKey: append([]byte(nil), rootKey...),
		DHPriv:  signedPreKeyPair.Private,
		DHPub:   signedPreKeyPair.Public,
		Skipped: make(map[string][]byte),
	}
}

// Encrypt advances the sending chain one step and seals plaintext. The
// state is mutated; callers pass a Clone and persist it only after the
// envelope is accepted for delivery.
func Encrypt(st *State, associatedData, plaintext []byte) (*Header, []byte, error) {
	if len(st.SendCK) == 0 {
		return nil, nil, ErrChainUninitialized
	}

	nextCK, mk, err := kdfCK(st.SendCK)
	if err != nil {
		return nil, nil, err
	}
	st.SendCK = nextCK

	header := &Header{
		RatchetPub: st.DHPub,
		PrevCount:  st.PN,
		Count:      st.Ns,
	}

	ciphertext, err := seal(mk, header, associatedData, plaintext)
	crypto.ZeroBytes(mk)
	if err != nil {
		return nil, nil, err
	}
	st.Ns++
	return header, ciphertext, nil
}

// Decrypt opens a message, performing a DH ratchet step when the header
// carries a new remote ratchet key and consulting the skipped-key cache
// for out-of-order arrivals. Replays and messages beyond the skip
// window fail without mutating st beyond the failed attempt's clone.
func Decrypt(st *State, associatedData []byte, header *Header, ciphertext []byte) ([]byte, error) {
	// Out-of-order message from the current (or an earlier) chain whose
	// key was already derived and cached.
	if mk, ok := st.Skipped[skippedKeyID(header.RatchetPub, header.Count)]; ok {
		plaintext, err := open(mk, header, associatedData, ciphertext)
		if err != nil {
			return nil, err
		}
		delete(st.Skipped, skippedKeyID(header.RatchetPub, header.Count))
		crypto.ZeroBytes(mk)
		return plaintext, nil
	}

	if header.RatchetPub != st.PeerDHPub {
		// Remote ratchet key rotated: close out the old receiving chain,
		// then advance both chains with fresh DH output.
		if err := skipMessageKeys(st, header.PrevCount); err != nil {
			return nil, err
		}
		if err := dhRatchetStep(st, header.RatchetPub); err != nil {
			return nil, err
		}
	}

	if header.Count < st.Nr {
		// Counter behind the chain position with no cached key: this
		// message key was already consumed.
		return nil, fmt.Errorf("message key %d already consumed (chain at %d)", header.Count, st.Nr)
	}
	if err := skipMessageKeys(st, header.Count); err != nil {
		return nil, err
	}

	if len(st.RecvCK) == 0 {
		return nil, ErrChainUninitialized
	}
	nextCK, mk, err := kdfCK(st.RecvCK)
	if err != nil {
		return nil, err
	}

	plaintext, err := open(mk, header, associatedData, ciphertext)
	crypto.ZeroBytes(mk)
	if err != nil {
		return nil, err
	}

	st.RecvCK = nextCK
	st.Nr++
	// First successful inbound message confirms the peer holds the
	// session; stop attaching bootstrap material.
	st.Pending = nil
	return plaintext, nil
}

// dhRatchetStep rotates to the peer's new ratchet key: derive the new
// receiving chain, generate a fresh local ratchet pair, derive the new
// sending chain.
func dhRatchetStep(st *State, newPeerPub [32]byte) error {
	st.PN = st.Ns
	st.Ns = 0
	st.Nr = 0
	st.PeerDHPub = newPeerPub

	dh, err := crypto.DeriveSharedSecret(newPeerPub, st.DHPriv)
	if err != nil {
		return fmt.Errorf("failed receiving ratchet DH: %w", err)
	}
	newRoot, recvCK, err := kdfRK(st.RootKey, dh[:])
	crypto.ZeroBytes(dh[:])
	if err != nil {
		return err
	}

	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate ratchet key: %w", err)
	}
	dh2, err := crypto.DeriveSharedSecret(newPeerPub, pair.Private)
	if err != nil {
		return fmt.Errorf("failed sending ratchet DH: %w", err)
	}
	finalRoot, sendCK, err := kdfRK(newRoot, dh2[:])
	crypto.ZeroBytes(dh2[:])
	if err != nil {
		return err
	}

	st.RootKey = finalRoot
	st.DHPriv = pair.Private
	st.DHPub = pair.Public
	st.RecvCK = recvCK
	st.SendCK = sendCK
	return nil
}

// skipMessageKeys derives and caches message keys up to (but not
// including) until, enforcing the skip window.
func skipMessageKeys(st *State, until uint32) error {
	if st.Nr >= until {
		return nil
	}
	if len(st.RecvCK) == 0 {
		// No receiving chain yet (responder before first inbound): there
		// is nothing to skip.
		if until == 0 {
			return nil
		}
		return ErrChainUninitialized
	}
	if until-st.Nr > MaxSkip {
		return fmt.Errorf("message skips %d keys, window is %d", until-st.Nr, MaxSkip)
	}
	for st.Nr < until {
		if len(st.Skipped) >= maxSkippedKeys {
			return fmt.Errorf("skipped-key cache full (%d keys)", maxSkippedKeys)
		}
		nextCK, mk, err := kdfCK(st.RecvCK)
		if err != nil {
			return err
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.RecvCK = nextCK
		st.Nr++
	}
	return nil
}

func seal(mk []byte, header *Header, associatedData, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, crypto.AEADNonceSize)
	binary.BigEndian.PutUint32(nonce[crypto.AEADNonceSize-4:], header.Count)
	return crypto.Seal(mk, nonce, plaintext, append(append([]byte(nil), associatedData...), header.bytes()...))
}

func open(mk []byte, header *Header, associatedData, ciphertext []byte) ([]byte, error) {
	nonce := make([]byte, crypto.AEADNonceSize)
	binary.BigEndian.PutUint32(nonce[crypto.AEADNonceSize-4:], header.Count)
	return crypto.Open(mk, nonce, ciphertext, append(append([]byte(nil), associatedData...), header.bytes()...))
}
