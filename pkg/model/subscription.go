package model

// Subscription is the root scope for role assignments. Name may be empty if
// the listing omits a display name.
type Subscription struct {
	ID   string
	Name string
}
