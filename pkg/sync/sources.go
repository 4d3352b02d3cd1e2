package sync

import (
	"context"
	"time"

	"github.com/azgraph/azgraph/pkg/model"
)

// SubscriptionSource lists the subscriptions in scope for the run.
type SubscriptionSource interface {
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
}

// AssignmentSource lists role assignments per subscription and resolves role
// definition names. GetRoleName returns an error wrapping model.ErrNotFound
// when the role definition has been deleted.
type AssignmentSource interface {
	ListAssignments(ctx context.Context, subscriptionID string) ([]model.AssignmentRecord, error)
	GetRoleName(ctx context.Context, subscriptionID string, roleDefinitionID string) (string, error)
}

// Directory resolves principal display names and group members. Lookups for
// principals deleted upstream return an error wrapping model.ErrNotFound.
type Directory interface {
	GetDisplayName(ctx context.Context, t model.PrincipalType, id string) (string, error)
	ListGroupMembers(ctx context.Context, groupID string) ([]model.Principal, error)
}

// GraphWriter is the sink for every mutation the sync produces. All
// operations are idempotent merge-by-key writes; the syncer may call any of
// them more than once with identical arguments.
type GraphWriter interface {
	EnsureConstraints(ctx context.Context) error
	UpsertSubscription(ctx context.Context, s model.Subscription) error
	UpsertPrincipal(ctx context.Context, p model.Principal) error
	UpdateName(ctx context.Context, p model.Principal) error
	UpsertAssignmentEdge(ctx context.Context, a model.Assignment) error
	SetRoleName(ctx context.Context, a model.Assignment) error
	UpsertMembershipEdge(ctx context.Context, member, group model.Principal) error
}

// Counts summarizes what a run touched. Skipped and failed units are counted
// separately from successes so a partial outage is visible in the totals.
type Counts struct {
	Subscriptions       int
	FailedSubscriptions int
	Assignments         int
	SkippedAssignments  int
	Principals          int
	Memberships         int
	FailedGroups        int
	FailedWrites        int
	NamesResolved       int
	RoleNamesResolved   int
}

// RunRecorder persists run history. Recording failures never fail the run.
type RunRecorder interface {
	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	FinishRun(ctx context.Context, runID string, counts Counts, endedAt time.Time) error
}
