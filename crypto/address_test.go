package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid lowercase", strings.Repeat("ab", AddressSize), false},
		{"valid uppercase", strings.Repeat("AA", AddressSize), false},
		{"bracketed", "<" + strings.Repeat("01", AddressSize) + ">", false},
		{"too short", "abcd", true},
		{"too long", strings.Repeat("ab", AddressSize+1), true},
		{"not hex", strings.Repeat("zz", AddressSize), true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseAddress(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.False(t, addr.IsZero())
		})
	}
}

func TestAddressStringRoundTrip(t *testing.T) {
	addr, err := ParseAddress(strings.Repeat("AA", AddressSize))
	require.NoError(t, err)

	assert.Equal(t, strings.Repeat("aa", AddressSize), addr.String())
	assert.Equal(t, "<"+addr.String()+">", addr.Pretty())

	again, err := ParseAddress(addr.String())
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}

func TestAddressFromBytes(t *testing.T) {
	_, err := AddressFromBytes(make([]byte, AddressSize-1))
	assert.ErrorIs(t, err, ErrInvalidAddress)

	addr, err := AddressFromBytes(make([]byte, AddressSize))
	require.NoError(t, err)
	assert.True(t, addr.IsZero())
}

func TestDestinationAddressDependsOnNameAndIdentity(t *testing.T) {
	a, err := NewIdentity()
	require.NoError(t, err)
	b, err := NewIdentity()
	require.NoError(t, err)

	service := a.Public().Address("bridge", "bridge_service")
	assert.Equal(t, service, a.Public().Address("bridge", "bridge_service"))
	assert.NotEqual(t, service, a.Public().Address("bridge", "other_service"))
	assert.NotEqual(t, service, b.Public().Address("bridge", "bridge_service"))
	assert.NotEqual(t, NameHash("bridge", "x"), NameHash("bridgex"))
}
