package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	B []byte `cbor:"2,keyasint"`
	A int    `cbor:"1,keyasint"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	first, err := Marshal(sample{A: 7, B: []byte("x")})
	require.NoError(t, err)

	second, err := Marshal(&sample{B: []byte("x"), A: 7})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestUnmarshalRejectsDuplicateKeys(t *testing.T) {
	// map(2) {1: 1, 1: 2}
	data := []byte{0xa2, 0x01, 0x01, 0x01, 0x02}

	var out sample
	assert.Error(t, Unmarshal(data, &out))
}

func TestUnmarshalIntoStruct(t *testing.T) {
	data, err := Marshal(sample{A: 42, B: []byte{1, 2, 3}})
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, 42, out.A)
	assert.Equal(t, []byte{1, 2, 3}, out.B)
}
