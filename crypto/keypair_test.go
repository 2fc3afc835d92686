package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSecretKeyDerivesPublicKey(t *testing.T) {
	generated, err := GenerateKeyPair()
	require.NoError(t, err)

	derived, err := FromSecretKey(generated.Private)
	require.NoError(t, err)

	assert.Equal(t, generated.Public, derived.Public)
}

func TestFromSecretKeyRejectsZeroKey(t *testing.T) {
	_, err := FromSecretKey([32]byte{})
	assert.Error(t, err)
}

func TestWipeKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, WipeKeyPair(kp))
	assert.Equal(t, [32]byte{}, kp.Private)
	assert.Error(t, WipeKeyPair(nil))
}

func TestSignAndVerify(t *testing.T) {
	var seed [32]byte
	seed[0] = 9
	pub := signingPublicKey(seed)

	sig, err := Sign([]byte("announce"), seed)
	require.NoError(t, err)

	ok, err := Verify([]byte("announce"), sig, pub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify([]byte("tampered"), sig, pub)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Sign(nil, seed)
	assert.Error(t, err)
}
