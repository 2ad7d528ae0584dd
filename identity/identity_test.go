package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringFormatting(t *testing.T) {
	d := New("15551234567", 0, ServerUser)
	assert.Equal(t, "15551234567@s.whatsapp.net", d.String())

	d = New("15551234567", 3, ServerUser)
	assert.Equal(t, "15551234567.3@s.whatsapp.net", d.String())
}

func TestParseRoundTrip(t *testing.T) {
	cases := []DeviceIdentity{
		New("15551234567", 0, ServerUser),
		New("15551234567", 9, ServerUser),
		New("groupid123", 0, ServerGroup),
	}

	for _, want := range cases {
		got, err := Parse(want.String())
		require.NoError(t, err, want.String())
		assert.Equal(t, want, got)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "@", "user@", "@server", "noseparator"} {
		_, err := Parse(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestServerClassification(t *testing.T) {
	assert.True(t, New("u", 0, ServerUser).IsUser())
	assert.False(t, New("u", 0, ServerUser).IsGroup())
	assert.True(t, New("g", 0, ServerGroup).IsGroup())
	assert.False(t, New("g", 0, ServerGroup).IsUser())
}

func TestIsZero(t *testing.T) {
	assert.True(t, DeviceIdentity{}.IsZero())
	assert.False(t, New("u", 0, ServerUser).IsZero())
}
