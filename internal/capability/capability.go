// Package capability implements the mesh capability token grammar and its
// subsumption partial order.
//
// A token has the form "action:resource" or "action:resource:qualifier".
// Each segment is either the wildcard "*" or a name matching
// [a-z_][a-z_0-9]*. Subsumption follows two rules: "*" matches any single
// segment value, and a shorter token subsumes any longer token sharing its
// prefix ("a:b" subsumes "a:b:c"). Delegation narrowing, credential scoping,
// and handshake intersection are all defined over this order.
package capability

import (
	"fmt"
	"strings"
)

const (
	// Wildcard matches any single segment value.
	Wildcard = "*"

	minSegments = 2
	maxSegments = 3
	maxTokenLen = 255
)

// Token is a single capability token, e.g. "read:data" or "invoke:tool:*".
type Token string

// Set is an ordered collection of capability tokens. Order is preserved from
// the grantor; duplicates are removed by Normalize.
type Set []Token

// Validate checks the token against the grammar. Segments must each be "*"
// or match [a-z_][a-z_0-9]*; tokens carry two or three segments.
func (t Token) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("capability must not be empty")
	}
	if len(t) > maxTokenLen {
		return fmt.Errorf("capability must be at most %d characters", maxTokenLen)
	}
	segs := strings.Split(string(t), ":")
	if len(segs) < minSegments || len(segs) > maxSegments {
		return fmt.Errorf("capability %q must have %d or %d segments, got %d", t, minSegments, maxSegments, len(segs))
	}
	for si, seg := range segs {
		if err := validateSegment(seg); err != nil {
			return fmt.Errorf("capability %q segment %d: %w", t, si, err)
		}
	}
	return nil
}

func validateSegment(seg string) error {
	if seg == Wildcard {
		return nil
	}
	if len(seg) == 0 {
		return fmt.Errorf("segment must not be empty")
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if i == 0 {
			if (c < 'a' || c > 'z') && c != '_' {
				return fmt.Errorf("must start with a lowercase letter or underscore, got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return fmt.Errorf("invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// Segments splits the token into its parts. No validation is performed.
func (t Token) Segments() []string {
	return strings.Split(string(t), ":")
}

// Action returns the first segment.
func (t Token) Action() string {
	s := string(t)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

// Subsumes reports whether t grants everything other grants. t subsumes
// other when t has at most as many segments and every segment of t either
// equals the corresponding segment of other or is the wildcard.
func (t Token) Subsumes(other Token) bool {
	ts := t.Segments()
	os := other.Segments()
	if len(ts) > len(os) {
		return false
	}
	for i, seg := range ts {
		if seg == Wildcard {
			continue
		}
		if seg != os[i] {
			return false
		}
	}
	return true
}

// Parse validates raw and returns it as a Token.
func Parse(raw string) (Token, error) {
	t := Token(raw)
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

// ParseSet validates every element of raw, preserving order and dropping
// duplicates.
func ParseSet(raw []string) (Set, error) {
	out := make(Set, 0, len(raw))
	for _, r := range raw {
		t, err := Parse(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out.Normalize(), nil
}

// Validate checks every token in the set.
func (s Set) Validate() error {
	for _, t := range s {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Normalize removes duplicate tokens, keeping first-seen order.
func (s Set) Normalize() Set {
	seen := make(map[Token]struct{}, len(s))
	out := make(Set, 0, len(s))
	for _, t := range s {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Strings converts the set to a plain string slice.
func (s Set) Strings() []string {
	out := make([]string, len(s))
	for i, t := range s {
		out[i] = string(t)
	}
	return out
}

// Grants reports whether the set grants the requested token: some member
// subsumes it.
func (s Set) Grants(req Token) bool {
	for _, t := range s {
		if t.Subsumes(req) {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every token in s is granted by parent. This is
// the narrowing relation: a delegatee set must be a subset of the delegator
// set, and a credential scope must be a subset of the agent's capabilities.
func (s Set) SubsetOf(parent Set) bool {
	for _, t := range s {
		if !parent.Grants(t) {
			return false
		}
	}
	return true
}

// Intersect returns the tokens granted by both sets: for each cross pair the
// narrower token survives when one subsumes the other. The result preserves
// the order of s and is deduplicated.
func (s Set) Intersect(other Set) Set {
	out := make(Set, 0, len(s))
	for _, a := range s {
		for _, b := range other {
			switch {
			case b.Subsumes(a):
				out = append(out, a)
			case a.Subsumes(b):
				out = append(out, b)
			}
		}
	}
	return out.Normalize()
}

// Equal reports whether two sets contain the same tokens in the same order.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}
