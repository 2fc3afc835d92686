// Package codec provides the CBOR encoding shared by announces and
// identity files.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2) so the bytes
// covered by an announce signature are the same on every node.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

// decMode rejects duplicate map keys and caps nesting, since announces
// arrive from untrusted neighbours.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  8,
		MaxArrayElements: 1024,
		MaxMapPairs:      64,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
