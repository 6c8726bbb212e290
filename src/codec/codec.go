// Package codec holds the CBOR configuration shared by the graph model and the
// wire protocol.
package codec

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 section 4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. Node hashes are
// computed over its output so it must never change for the same input.
var encMode cbor.EncMode

// decMode rejects duplicate map keys and bounds nesting and collection sizes so
// that a hostile peer cannot make the decoder allocate without limit.
var decMode cbor.DecMode

const (
	// MaxArrayElements bounds any array or byte string decoded from a peer.
	MaxArrayElements = 1 << 20
	// MaxNestedLevels bounds the nesting depth of decoded items.
	MaxNestedLevels = 16
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// nil and empty slices must encode identically, otherwise a decoded node
	// would not re-encode to the bytes its hash was computed over.
	encOptions.NilContainers = cbor.NilContainerAsEmpty
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  MaxNestedLevels,
		MaxArrayElements: MaxArrayElements,
		MaxMapPairs:      MaxArrayElements,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder returns a deterministic CBOR stream encoder writing to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR stream decoder reading from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
