package model

// AssignmentRecord is a role assignment exactly as the source reports it,
// before the principal type tag has been resolved. PrincipalType is the raw
// tag and may name kinds the sync does not handle.
type AssignmentRecord struct {
	ID               string
	SubscriptionID   string
	RoleDefinitionID string
	PrincipalID      string
	PrincipalType    string
}

// Assignment is a resolved grant of a role to a principal at subscription
// scope. The edge written for it is keyed by (ID, RoleDefinitionID): the
// source reuses assignment ids across role changes, and each (id, role) pair
// must survive as its own edge. RoleName is filled late and may stay empty if
// the role definition was deleted.
type Assignment struct {
	ID               string
	SubscriptionID   string
	RoleDefinitionID string
	PrincipalID      string
	PrincipalType    PrincipalType
	RoleName         string
}

// Principal returns the assignment's principal reference. Name starts empty
// and is populated by enrichment.
func (a Assignment) Principal() Principal {
	return Principal{Type: a.PrincipalType, ID: a.PrincipalID}
}

// Resolve classifies a raw record into a typed assignment. The second return
// is false when the principal type tag is unrecognized; such records are
// dropped by the caller.
func Resolve(r AssignmentRecord) (Assignment, bool) {
	t, ok := ParsePrincipalType(r.PrincipalType)
	if !ok {
		return Assignment{}, false
	}
	return Assignment{
		ID:               r.ID,
		SubscriptionID:   r.SubscriptionID,
		RoleDefinitionID: r.RoleDefinitionID,
		PrincipalID:      r.PrincipalID,
		PrincipalType:    t,
	}, true
}
