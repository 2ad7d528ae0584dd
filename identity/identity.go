// Package identity defines device addressing for the multi-device
// protocol. A DeviceIdentity names one logical connection
// endpoint: an account (user), a device index within that account, and
// the server domain the account lives on.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// ServerUser is the domain for individual user accounts.
	ServerUser = "s.whatsapp.net"
	// ServerGroup is the domain for group chats.
	ServerGroup = "g.us"
)

var (
	// ErrInvalidIdentity indicates a malformed identity string.
	ErrInvalidIdentity = errors.New("invalid device identity")
)

// DeviceIdentity uniquely addresses one logical endpoint.
// It is immutable once issued by pairing.
type DeviceIdentity struct {
	User   string `json:"user"`
	Device uint16 `json:"device"`
	Server string `json:"server"`
}

// New creates a DeviceIdentity from its parts.
func New(user string, device uint16, server string) DeviceIdentity {
	return DeviceIdentity{User: user, Device: device, Server: server}
}

// IsUser reports whether the identity addresses an individual account.
func (d DeviceIdentity) IsUser() bool {
	return d.Server == ServerUser
}

// IsGroup reports whether the identity addresses a group chat.
func (d DeviceIdentity) IsGroup() bool {
	return d.Server == ServerGroup
}

// IsZero reports whether the identity is unset.
func (d DeviceIdentity) IsZero() bool {
	return d.User == "" && d.Server == ""
}

// String formats the identity as user@server, or user.device@server when
// a non-zero device index is present.
func (d DeviceIdentity) String() string {
	if d.Device != 0 {
		return fmt.Sprintf("%s.%d@%s", d.User, d.Device, d.Server)
	}
	return fmt.Sprintf("%s@%s", d.User, d.Server)
}

// Parse converts a formatted identity string back into a DeviceIdentity.
// It accepts both user@server and user.device@server forms.
func Parse(s string) (DeviceIdentity, error) {
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return DeviceIdentity{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, s)
	}

	local, server := s[:at], s[at+1:]

	var device uint16
	if dot := strings.LastIndex(local, "."); dot > 0 {
		parsed, err := strconv.ParseUint(local[dot+1:], 10, 16)
		if err == nil {
			device = uint16(parsed)
			local = local[:dot]
		}
	}

	if local == "" {
		return DeviceIdentity{}, fmt.Errorf("%w: empty user in %q", ErrInvalidIdentity, s)
	}

	return DeviceIdentity{User: local, Device: device, Server: server}, nil
}
