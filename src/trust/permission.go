package trust

import (
	"strings"

	"github.com/mosaicnetworks/murmur/src/dag"
)

// Permission is a bitmask of capabilities.
type Permission uint32

const (
	// PermSend allows text and blob messages.
	PermSend Permission = 1 << iota
	// PermReact allows reactions.
	PermReact
	// PermRedact allows redactions.
	PermRedact
	// PermDistributeKeys allows key-distribution nodes.
	PermDistributeKeys
	// PermAdmin allows Authorize, Revoke and ReAnchor.
	PermAdmin
	// PermRecommend allows difficulty recommendations.
	PermRecommend
)

// PermNone is the empty mask.
const PermNone Permission = 0

// PermAll is every permission. It is held by the root identity.
const PermAll = PermSend | PermReact | PermRedact | PermDistributeKeys | PermAdmin | PermRecommend

// permUnknown is required by payloads nobody may author.
const permUnknown Permission = 1 << 31

var permNames = []struct {
	p    Permission
	name string
}{
	{PermSend, "Send"},
	{PermReact, "React"},
	{PermRedact, "Redact"},
	{PermDistributeKeys, "DistributeKeys"},
	{PermAdmin, "Admin"},
	{PermRecommend, "Recommend"},
}

// Has reports whether p includes every bit of q.
func (p Permission) Has(q Permission) bool {
	return p&q == q
}

func (p Permission) String() string {
	if p == PermNone {
		return "None"
	}
	names := []string{}
	for _, pn := range permNames {
		if p&pn.p != 0 {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, "|")
}

// Required returns the permission needed to author a node carrying payload.
// The genesis node requires nothing; it defines the root.
func Required(p *dag.Payload) Permission {
	switch p.Type {
	case dag.PayloadText, dag.PayloadBlob:
		return PermSend
	case dag.PayloadReaction:
		return PermReact
	case dag.PayloadRedaction:
		return PermRedact
	case dag.PayloadKeyDistribution:
		return PermDistributeKeys
	case dag.PayloadControl:
		switch p.Control.Action {
		case dag.ActionGenesis:
			return PermNone
		case dag.ActionRecommendDifficulty:
			return PermRecommend
		default:
			return PermAdmin
		}
	}
	return permUnknown
}
