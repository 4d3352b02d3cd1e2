package model

import (
	"errors"
	"strings"
)

// ErrNotFound is returned by sources when a principal or role definition no
// longer exists upstream. Callers treat it as recoverable and keep the
// corresponding field empty.
var ErrNotFound = errors.New("not found")

// PrincipalType enumerates the principal kinds the sync understands. Azure
// reports more kinds (service principals, managed identities); anything
// outside this enumeration is dropped at resolve time.
type PrincipalType string

const (
	PrincipalTypeUser  PrincipalType = "User"
	PrincipalTypeGroup PrincipalType = "Group"
)

// ParsePrincipalType resolves a raw type tag from the assignment source.
// Matching is case-insensitive and exact. The second return is false for
// unrecognized tags, and the caller must drop the record rather than fail.
func ParsePrincipalType(tag string) (PrincipalType, bool) {
	switch {
	case strings.EqualFold(tag, string(PrincipalTypeUser)):
		return PrincipalTypeUser, true
	case strings.EqualFold(tag, string(PrincipalTypeGroup)):
		return PrincipalTypeGroup, true
	default:
		return "", false
	}
}

// Label returns the graph node label for the principal type. Labels come from
// this closed enum and are never taken from source data.
func (t PrincipalType) Label() string {
	return string(t)
}

// Principal is an identity that can be granted a role. Name may be empty
// until enrichment fills it in; no other field ever changes.
type Principal struct {
	Type PrincipalType
	ID   string
	Name string
}

// Key identifies the principal for dedup purposes. Two principals are the
// same entity iff their (type, id) pairs match.
func (p Principal) Key() string {
	return string(p.Type) + ":" + p.ID
}

// Membership is a directed member-of relation discovered during group
// expansion. It carries no properties beyond its endpoints.
type Membership struct {
	Member Principal
	Group  Principal
}
