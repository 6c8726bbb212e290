package net

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/mosaicnetworks/murmur/src/codec"
	"github.com/mosaicnetworks/murmur/src/crypto"
	"github.com/mosaicnetworks/murmur/src/crypto/keys"
	"github.com/mosaicnetworks/murmur/src/dag"
	"github.com/mosaicnetworks/murmur/src/reconcile"
)

// MessageType is the tag byte that precedes every encoded message.
type MessageType uint8

const (
	// typeNone marks an empty reply. It never travels as a request.
	typeNone MessageType = 0

	TypeAnnounce       MessageType = 1
	TypeFetchRequest   MessageType = 2
	TypeFetchResponse  MessageType = 3
	TypeSketchExchange MessageType = 4
	TypeDecodeFailure  MessageType = 5
	TypePoWChallenge   MessageType = 6
	TypePoWSolution    MessageType = 7
	TypeAdminGossip    MessageType = 8
	TypeSketchResult   MessageType = 9

	// typeError carries a remote error string in a reply.
	typeError MessageType = 0xFF
)

func (t MessageType) String() string {
	switch t {
	case TypeAnnounce:
		return "Announce"
	case TypeFetchRequest:
		return "FetchRequest"
	case TypeFetchResponse:
		return "FetchResponse"
	case TypeSketchExchange:
		return "SketchExchange"
	case TypeDecodeFailure:
		return "DecodeFailure"
	case TypePoWChallenge:
		return "PoWChallenge"
	case TypePoWSolution:
		return "PoWSolution"
	case TypeAdminGossip:
		return "AdminGossip"
	case TypeSketchResult:
		return "SketchResult"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Purpose says what a proof of work unlocks.
type Purpose uint8

const (
	// PurposeJoin gates deep-history fetches by a new joiner.
	PurposeJoin Purpose = iota + 1
	// PurposeSketch gates large reconciliation tiers.
	PurposeSketch
)

var (
	// ErrEmptyMessage is returned when decoding a buffer with no tag byte.
	ErrEmptyMessage = errors.New("empty message")
	// ErrUnknownMessage is returned for an unrecognised tag byte.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrUnsigned is returned when verifying an Announce without a device.
	ErrUnsigned = errors.New("unsigned announce")
)

// Message is implemented by every protocol message.
type Message interface {
	Type() MessageType
}

// Tip is one head of the sender's graph.
type Tip struct {
	_    struct{} `cbor:",toarray"`
	Hash dag.Hash
	Rank uint64
}

// Announce advertises the sender's heads for a conversation and the earliest
// verified admin node it holds. It is answered with the receiver's own
// Announce, making every exchange pull-push. A signed Announce vouches for
// its tips on behalf of Device.
type Announce struct {
	Conversation dag.Hash     `cbor:"1,keyasint"`
	Tips         []Tip        `cbor:"2,keyasint"`
	AdminAnchor  dag.Hash     `cbor:"3,keyasint"`
	HasContent   bool         `cbor:"4,keyasint"`
	Device       dag.DeviceID `cbor:"5,keyasint,omitempty"`
	Signature    []byte       `cbor:"6,keyasint,omitempty"`
}

// Digest returns the hash covered by the signature.
func (a *Announce) Digest() (dag.Hash, error) {
	unsigned := *a
	unsigned.Signature = nil
	raw, err := codec.Marshal(&unsigned)
	if err != nil {
		return dag.ZeroHash, err
	}
	return dag.Hash(crypto.Hash256(raw)), nil
}

// Sign sets Device and Signature from the device key priv.
func (a *Announce) Sign(priv *ecdsa.PrivateKey) error {
	a.Device = dag.DeviceID(keys.DeviceID(&priv.PublicKey))
	d, err := a.Digest()
	if err != nil {
		return err
	}
	sig, err := keys.Sign(priv, d[:])
	if err != nil {
		return err
	}
	a.Signature = sig
	return nil
}

// Verify checks the signature against the device key.
func (a *Announce) Verify() error {
	if a.Device == "" {
		return ErrUnsigned
	}
	d, err := a.Digest()
	if err != nil {
		return err
	}
	return keys.VerifyDevice(string(a.Device), d[:], a.Signature)
}

// FetchRequest asks for nodes by hash. Deep requests reach below the hot
// window and require a completed join proof.
type FetchRequest struct {
	Conversation dag.Hash   `cbor:"1,keyasint"`
	Hashes       []dag.Hash `cbor:"2,keyasint"`
	Deep         bool       `cbor:"3,keyasint"`
}

// FetchResponse carries the requested nodes the responder holds, in rank
// order.
type FetchResponse struct {
	Conversation dag.Hash         `cbor:"1,keyasint"`
	Nodes        []*dag.GraphNode `cbor:"2,keyasint"`
}

// SketchExchange sends the sender's sketch of a rank range. Solution is the
// nonce for the sketch challenge when the tier requires a proof.
type SketchExchange struct {
	Conversation dag.Hash         `cbor:"1,keyasint"`
	Range        reconcile.Range  `cbor:"2,keyasint"`
	Tier         int              `cbor:"3,keyasint"`
	Cells        []reconcile.Cell `cbor:"4,keyasint"`
	Solution     uint64           `cbor:"5,keyasint"`
}

// SketchResult answers a SketchExchange that peeled. Nodes are the ones the
// requester lacks, Want the hashes the responder lacks.
type SketchResult struct {
	Conversation dag.Hash         `cbor:"1,keyasint"`
	Range        reconcile.Range  `cbor:"2,keyasint"`
	Nodes        []*dag.GraphNode `cbor:"3,keyasint"`
	Want         []dag.Hash       `cbor:"4,keyasint"`
}

// DecodeFailure answers a SketchExchange whose difference did not peel.
type DecodeFailure struct {
	Conversation dag.Hash        `cbor:"1,keyasint"`
	Range        reconcile.Range `cbor:"2,keyasint"`
	Tier         int             `cbor:"3,keyasint"`
}

// PoWChallenge requests (with an empty Challenge) or issues a challenge.
// Range and Tier identify the sketch a PurposeSketch challenge is bound to.
type PoWChallenge struct {
	Conversation dag.Hash        `cbor:"1,keyasint"`
	Purpose      Purpose         `cbor:"2,keyasint"`
	Stage        uint8           `cbor:"3,keyasint"`
	Challenge    []byte          `cbor:"4,keyasint,omitempty"`
	Difficulty   uint8           `cbor:"5,keyasint"`
	Range        reconcile.Range `cbor:"6,keyasint"`
	Tier         int             `cbor:"7,keyasint"`
}

// PoWSolution submits a nonce for a join challenge. It is answered with the
// next PoWChallenge, whose Stage is reconcile.StageGranted once admission is
// complete.
type PoWSolution struct {
	Conversation dag.Hash `cbor:"1,keyasint"`
	Purpose      Purpose  `cbor:"2,keyasint"`
	Stage        uint8    `cbor:"3,keyasint"`
	Challenge    []byte   `cbor:"4,keyasint"`
	Nonce        uint64   `cbor:"5,keyasint"`
}

// AdminGossip pushes the hash of a newly accepted admin node. It has no
// reply.
type AdminGossip struct {
	Conversation dag.Hash `cbor:"1,keyasint"`
	Hash         dag.Hash `cbor:"2,keyasint"`
	Rank         uint64   `cbor:"3,keyasint"`
}

func (*Announce) Type() MessageType       { return TypeAnnounce }
func (*FetchRequest) Type() MessageType   { return TypeFetchRequest }
func (*FetchResponse) Type() MessageType  { return TypeFetchResponse }
func (*SketchExchange) Type() MessageType { return TypeSketchExchange }
func (*SketchResult) Type() MessageType   { return TypeSketchResult }
func (*DecodeFailure) Type() MessageType  { return TypeDecodeFailure }
func (*PoWChallenge) Type() MessageType   { return TypePoWChallenge }
func (*PoWSolution) Type() MessageType    { return TypePoWSolution }
func (*AdminGossip) Type() MessageType    { return TypeAdminGossip }

func newMessage(t MessageType) (Message, error) {
	switch t {
	case TypeAnnounce:
		return &Announce{}, nil
	case TypeFetchRequest:
		return &FetchRequest{}, nil
	case TypeFetchResponse:
		return &FetchResponse{}, nil
	case TypeSketchExchange:
		return &SketchExchange{}, nil
	case TypeSketchResult:
		return &SketchResult{}, nil
	case TypeDecodeFailure:
		return &DecodeFailure{}, nil
	case TypePoWChallenge:
		return &PoWChallenge{}, nil
	case TypePoWSolution:
		return &PoWSolution{}, nil
	case TypeAdminGossip:
		return &AdminGossip{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, uint8(t))
	}
}

// Encode returns the tag byte of m followed by its deterministic CBOR
// encoding.
func Encode(m Message) ([]byte, error) {
	body, err := codec.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(m.Type()))
	return append(out, body...), nil
}

// Decode parses a buffer produced by Encode.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	m, err := newMessage(MessageType(data[0]))
	if err != nil {
		return nil, err
	}
	if err := codec.Unmarshal(data[1:], m); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", MessageType(data[0]), err)
	}
	return m, nil
}
