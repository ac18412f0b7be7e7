package assignment

import "strings"

// RefKind discriminates how a reference string was interpreted.
type RefKind string

const (
	// RefBead references assignments by bead ID (e.g. "breq-a1b2").
	RefBead RefKind = "bead"
	// RefAncillary references assignments by ancillary ID (e.g. "Toren One").
	RefAncillary RefKind = "ancillary"
)

// Ref is a disambiguated reference to one or more assignments.
type Ref struct {
	Kind  RefKind
	Value string
}

// ParseRef parses a reference string against the current segment.
//
// Rules:
//   - contains a hyphen: bead ID (beads use hyphenated ids)
//   - contains whitespace: full ancillary ID
//   - otherwise: a number word or numeric-suffix form names an ancillary
//     within the segment; anything else is a bead ID
func ParseRef(s, segment string) Ref {
	switch {
	case strings.Contains(s, "-"):
		return Ref{Kind: RefBead, Value: s}
	case strings.Contains(s, " "):
		return Ref{Kind: RefAncillary, Value: s}
	default:
		if _, ok := WordToNumber(s); ok {
			return Ref{Kind: RefAncillary, Value: capitalize(segment) + " " + capitalize(s)}
		}
		return Ref{Kind: RefBead, Value: s}
	}
}
