package dag

import (
	"fmt"

	"github.com/mosaicnetworks/murmur/src/codec"
)

// PayloadType tags the variant held by a Payload.
type PayloadType uint8

const (
	// PayloadText is a plain text message.
	PayloadText PayloadType = iota + 1
	// PayloadBlob references a blob transferred out of band.
	PayloadBlob
	// PayloadReaction reacts to another node.
	PayloadReaction
	// PayloadRedaction hides another node from display.
	PayloadRedaction
	// PayloadControl carries a membership or policy action.
	PayloadControl
	// PayloadKeyDistribution carries the secret of a new key generation.
	PayloadKeyDistribution
)

func (t PayloadType) String() string {
	switch t {
	case PayloadText:
		return "Text"
	case PayloadBlob:
		return "Blob"
	case PayloadReaction:
		return "Reaction"
	case PayloadRedaction:
		return "Redaction"
	case PayloadControl:
		return "Control"
	case PayloadKeyDistribution:
		return "KeyDistribution"
	default:
		return fmt.Sprintf("PayloadType(%d)", uint8(t))
	}
}

// Administrative reports whether the payload type must travel in a signed
// administrative node.
func (t PayloadType) Administrative() bool {
	return t == PayloadControl || t == PayloadKeyDistribution
}

// ControlAction is the action carried by a Control payload.
type ControlAction uint8

const (
	// ActionGenesis creates the conversation. Its author is the root
	// identity.
	ActionGenesis ControlAction = iota + 1
	// ActionAuthorize delegates permissions to a device.
	ActionAuthorize
	// ActionRevoke revokes every delegation held by a device.
	ActionRevoke
	// ActionReAnchor is an administrative checkpoint with no other effect.
	// It bounds the reach of structural vouching.
	ActionReAnchor
	// ActionRecommendDifficulty publishes the author's proof-of-work
	// difficulty recommendation.
	ActionRecommendDifficulty
)

func (a ControlAction) String() string {
	switch a {
	case ActionGenesis:
		return "Genesis"
	case ActionAuthorize:
		return "Authorize"
	case ActionRevoke:
		return "Revoke"
	case ActionReAnchor:
		return "ReAnchor"
	case ActionRecommendDifficulty:
		return "RecommendDifficulty"
	default:
		return fmt.Sprintf("ControlAction(%d)", uint8(a))
	}
}

// BlobRef points to a blob by its root hash.
type BlobRef struct {
	Root Hash   `cbor:"1,keyasint"`
	Size uint64 `cbor:"2,keyasint"`
	Mime string `cbor:"3,keyasint,omitempty"`
}

// Reaction reacts to the Target node.
type Reaction struct {
	Target Hash   `cbor:"1,keyasint"`
	Emoji  string `cbor:"2,keyasint"`
}

// Redaction hides the Target node from display. It never affects the graph
// structure.
type Redaction struct {
	Target Hash `cbor:"1,keyasint"`
}

// Control is a membership or policy action.
type Control struct {
	Action ControlAction `cbor:"1,keyasint"`
	// Subject is the device targeted by Authorize and Revoke.
	Subject DeviceID `cbor:"2,keyasint,omitempty"`
	// SubjectAuthor is the logical author the subject device acts for.
	SubjectAuthor AuthorID `cbor:"3,keyasint,omitempty"`
	// Permissions is the bitmask claimed by an Authorize.
	Permissions uint32 `cbor:"4,keyasint,omitempty"`
	// Expiry of an Authorize in unix milliseconds. Zero never expires.
	Expiry int64 `cbor:"5,keyasint,omitempty"`
	// Difficulty carried by RecommendDifficulty, in leading zero bits.
	Difficulty uint8 `cbor:"6,keyasint,omitempty"`
	// Title of the conversation, set on Genesis.
	Title string `cbor:"7,keyasint,omitempty"`
}

// KeyDistribution carries the secret of a key generation, wrapped under the
// previous generation.
type KeyDistribution struct {
	Generation uint64 `cbor:"1,keyasint"`
	Wrapped    []byte `cbor:"2,keyasint"`
}

// Payload is a tagged union. Exactly the field matching Type is set.
type Payload struct {
	Type            PayloadType      `cbor:"1,keyasint"`
	Text            string           `cbor:"2,keyasint,omitempty"`
	Blob            *BlobRef         `cbor:"3,keyasint,omitempty"`
	Reaction        *Reaction        `cbor:"4,keyasint,omitempty"`
	Redaction       *Redaction       `cbor:"5,keyasint,omitempty"`
	Control         *Control         `cbor:"6,keyasint,omitempty"`
	KeyDistribution *KeyDistribution `cbor:"7,keyasint,omitempty"`
}

// TextPayload ...
func TextPayload(text string) *Payload {
	return &Payload{Type: PayloadText, Text: text}
}

// ControlPayload ...
func ControlPayload(c Control) *Payload {
	return &Payload{Type: PayloadControl, Control: &c}
}

// Marshal returns the deterministic CBOR encoding of the payload.
func (p *Payload) Marshal() ([]byte, error) {
	return codec.Marshal(p)
}

// UnmarshalPayload decodes and checks a payload.
func UnmarshalPayload(data []byte) (*Payload, error) {
	p := new(Payload)
	if err := codec.Unmarshal(data, p); err != nil {
		return nil, err
	}
	if err := p.Check(); err != nil {
		return nil, err
	}
	return p, nil
}

// Check verifies that exactly the variant named by Type is set.
func (p *Payload) Check() error {
	set := 0
	if p.Text != "" {
		set++
	}
	for _, v := range []bool{
		p.Blob != nil,
		p.Reaction != nil,
		p.Redaction != nil,
		p.Control != nil,
		p.KeyDistribution != nil,
	} {
		if v {
			set++
		}
	}

	var ok bool
	switch p.Type {
	case PayloadText:
		ok = set <= 1 && p.Blob == nil && p.Reaction == nil && p.Redaction == nil &&
			p.Control == nil && p.KeyDistribution == nil
	case PayloadBlob:
		ok = set == 1 && p.Blob != nil
	case PayloadReaction:
		ok = set == 1 && p.Reaction != nil
	case PayloadRedaction:
		ok = set == 1 && p.Redaction != nil
	case PayloadControl:
		ok = set == 1 && p.Control != nil
	case PayloadKeyDistribution:
		ok = set == 1 && p.KeyDistribution != nil
	}
	if !ok {
		return fmt.Errorf("malformed %s payload", p.Type)
	}
	return nil
}
