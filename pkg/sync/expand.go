package sync

import (
	"context"
	"fmt"
	"iter"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/azgraph/azgraph/pkg/model"
)

// ExpansionError reports a directory failure while expanding one group. The
// subtree under that group is abandoned; sibling expansions continue.
type ExpansionError struct {
	Group model.Principal
	Err   error
}

func (e *ExpansionError) Error() string {
	return fmt.Sprintf("expand group %s: %s", e.Group.ID, e.Err)
}

func (e *ExpansionError) Unwrap() error {
	return e.Err
}

// ExpandMembers lazily yields the transitive memberships reachable from
// group, depth-first. The visited set is owned by one call tree and a
// group's key is added before its members are fetched, so every group
// expands at most once per tree no matter how many cycles or diamond paths
// the membership graph contains. Recursion depth is bounded by the number of
// distinct groups, not by path length.
func ExpandMembers(
	ctx context.Context,
	directory Directory,
	group model.Principal,
	visited mapset.Set[string],
) iter.Seq2[model.Membership, error] {
	return func(yield func(model.Membership, error) bool) {
		expandMembers(ctx, directory, group, visited, yield)
	}
}

func expandMembers(
	ctx context.Context,
	directory Directory,
	group model.Principal,
	visited mapset.Set[string],
	yield func(model.Membership, error) bool,
) bool {
	if !visited.Add(group.Key()) {
		// Already expanded on this tree: a cycle or a diamond path.
		return true
	}

	members, err := directory.ListGroupMembers(ctx, group.ID)
	if err != nil {
		return yield(model.Membership{Group: group}, &ExpansionError{Group: group, Err: err})
	}

	for _, member := range members {
		if !yield(model.Membership{Member: member, Group: group}, nil) {
			return false
		}
		if member.Type == model.PrincipalTypeGroup {
			if !expandMembers(ctx, directory, member, visited, yield) {
				return false
			}
		}
	}
	return true
}
