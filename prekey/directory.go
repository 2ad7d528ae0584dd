package prekey

import (
	"context"
	"sync"

	"github.com/w33ladalah/whatsandra/identity"
)

// Directory fetches prekey bundles for remote devices. The production
// implementation asks the relay server; tests use StaticDirectory.
type Directory interface {
	FetchPreKeyBundle(ctx context.Context, peer identity.DeviceIdentity) (*Bundle, error)
}

// StaticDirectory is an in-memory Directory. Each registered device
// holds a signed prekey and a queue of one-time prekeys; fetching a
// bundle consumes one one-time prekey, mirroring server behavior.
type StaticDirectory struct {
	mu      sync.Mutex
	entries map[string]*directoryEntry
}

type directoryEntry struct {
	template Bundle
	oneTime  []*OneTimePreKey
}

// NewStaticDirectory creates an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{entries: make(map[string]*directoryEntry)}
}

// Register publishes a device's prekey material. The one-time prekey
// slice is consumed front to back by subsequent fetches.
func (d *StaticDirectory) Register(bundle Bundle, oneTime []*OneTimePreKey) {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue := make([]*OneTimePreKey, len(oneTime))
	copy(queue, oneTime)
	d.entries[bundle.Identity.String()] = &directoryEntry{
		template: bundle,
		oneTime:  queue,
	}
}

// FetchPreKeyBundle returns a bundle for peer, consuming one one-time
// prekey if any remain. An exhausted entry still serves bundles, just
// without a one-time prekey.
func (d *StaticDirectory) FetchPreKeyBundle(_ context.Context, peer identity.DeviceIdentity) (*Bundle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[peer.String()]
	if !ok {
		return nil, ErrBundleNotFound
	}

	bundle := entry.template
	bundle.OneTimePreKeyID = 0
	bundle.OneTimePreKey = [32]byte{}
	if len(entry.oneTime) > 0 {
		next := entry.oneTime[0]
		entry.oneTime = entry.oneTime[1:]
		bundle.OneTimePreKeyID = next.ID
		bundle.OneTimePreKey = next.KeyPair.Public
	}
	return &bundle, nil
}

// Remaining reports how many one-time prekeys are left for peer.
func (d *StaticDirectory) Remaining(peer identity.DeviceIdentity) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[peer.String()]
	if !ok {
		return 0
	}
	return len(entry.oneTime)
}
