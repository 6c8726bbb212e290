package dag

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/mosaicnetworks/murmur/src/codec"
	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/crypto/keys"
)

// Kind distinguishes administrative from content nodes.
type Kind uint8

const (
	// KindContent nodes are symmetrically encrypted and authenticated.
	KindContent Kind = iota
	// KindAdmin nodes are signed and carry a cleartext payload.
	KindAdmin
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "Content"
	case KindAdmin:
		return "Admin"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// NodeBody is the hashed part of a GraphNode.
type NodeBody struct {
	Parents []Hash   `cbor:"1,keyasint"`
	Author  AuthorID `cbor:"2,keyasint"`
	Device  DeviceID `cbor:"3,keyasint"`
	// Seq is the per-device sequence number.
	Seq uint64 `cbor:"4,keyasint"`
	// Rank is 1 + the highest parent rank. The genesis node has rank 0.
	Rank uint64 `cbor:"5,keyasint"`
	// Timestamp is the consensus time of creation in unix milliseconds.
	Timestamp int64 `cbor:"6,keyasint"`
	Kind      Kind  `cbor:"7,keyasint"`
	// KeyGeneration is the generation a content node was sealed with. It is
	// a hint: readers also try the current and previous generations.
	KeyGeneration uint64 `cbor:"8,keyasint"`
	// Payload is the CBOR encoded Payload for administrative nodes, and its
	// XChaCha20-Poly1305 ciphertext for content nodes.
	Payload  []byte `cbor:"9,keyasint"`
	Metadata []byte `cbor:"10,keyasint,omitempty"`
}

// Marshal returns the canonical encoding of the body.
func (b *NodeBody) Marshal() ([]byte, error) {
	return codec.Marshal(b)
}

// Hash returns the BLAKE3 hash of the canonical encoding of the body.
func (b *NodeBody) Hash() (Hash, error) {
	raw, err := b.Marshal()
	if err != nil {
		return ZeroHash, err
	}
	return Hash(crypto.Hash256(raw)), nil
}

// GraphNode is the unit of replicated history. It is immutable once
// authenticated.
type GraphNode struct {
	Body NodeBody `cbor:"1,keyasint"`
	// Authenticator is a signature over the hash for administrative nodes
	// and a keyed MAC over the hash for content nodes.
	Authenticator []byte `cbor:"2,keyasint"`
	// Padding is wire-only filler. It is not covered by the hash.
	Padding []byte `cbor:"3,keyasint,omitempty"`

	hash Hash
}

var errNotAdmin = errors.New("not an administrative node")

// NewNode returns an unauthenticated node with the given body.
func NewNode(body NodeBody) *GraphNode {
	return &GraphNode{Body: body}
}

// Hash returns the content address of the node.
func (n *GraphNode) Hash() (Hash, error) {
	if n.hash.IsZero() {
		h, err := n.Body.Hash()
		if err != nil {
			return ZeroHash, err
		}
		n.hash = h
	}
	return n.hash, nil
}

// IsAdmin reports whether the node is administrative.
func (n *GraphNode) IsAdmin() bool {
	return n.Body.Kind == KindAdmin
}

// IsGenesis reports whether the node has no parents.
func (n *GraphNode) IsGenesis() bool {
	return len(n.Body.Parents) == 0
}

// Marshal returns the wire encoding of the node.
func (n *GraphNode) Marshal() ([]byte, error) {
	return codec.Marshal(n)
}

// UnmarshalNode decodes the wire encoding of a node.
func UnmarshalNode(data []byte) (*GraphNode, error) {
	n := new(GraphNode)
	if err := codec.Unmarshal(data, n); err != nil {
		return nil, err
	}
	return n, nil
}

// SetAdminPayload stores a cleartext payload in an administrative node.
func (n *GraphNode) SetAdminPayload(p *Payload) error {
	raw, err := p.Marshal()
	if err != nil {
		return err
	}
	n.Body.Kind = KindAdmin
	n.Body.Payload = raw
	n.hash = ZeroHash
	return nil
}

// AdminPayload decodes the cleartext payload of an administrative node.
func (n *GraphNode) AdminPayload() (*Payload, error) {
	if !n.IsAdmin() {
		return nil, errNotAdmin
	}
	return UnmarshalPayload(n.Body.Payload)
}

// SealContent encrypts a payload into a content node under generation g.
func (n *GraphNode) SealContent(g crypto.Generation, p *Payload) error {
	raw, err := p.Marshal()
	if err != nil {
		return err
	}
	ct, err := g.Seal(raw, []byte(n.Body.Device))
	if err != nil {
		return err
	}
	n.Body.Kind = KindContent
	n.Body.KeyGeneration = g.Number
	n.Body.Payload = ct
	n.hash = ZeroHash
	return nil
}

// OpenContent decrypts the payload of a content node with generation g.
func (n *GraphNode) OpenContent(g crypto.Generation) (*Payload, error) {
	raw, err := g.Open(n.Body.Payload, []byte(n.Body.Device))
	if err != nil {
		return nil, err
	}
	return UnmarshalPayload(raw)
}

// Sign sets the authenticator of an administrative node.
func (n *GraphNode) Sign(priv *ecdsa.PrivateKey) error {
	h, err := n.Hash()
	if err != nil {
		return err
	}
	sig, err := keys.Sign(priv, h[:])
	if err != nil {
		return err
	}
	n.Authenticator = sig
	return nil
}

// Authenticate sets the MAC of a content node under generation g.
func (n *GraphNode) Authenticate(g crypto.Generation) error {
	h, err := n.Hash()
	if err != nil {
		return err
	}
	n.Authenticator = g.MAC(h[:])
	return nil
}

// VerifySignature checks the signature of an administrative node against its
// device key.
func (n *GraphNode) VerifySignature() error {
	h, err := n.Hash()
	if err != nil {
		return err
	}
	return keys.VerifyDevice(string(n.Body.Device), h[:], n.Authenticator)
}
