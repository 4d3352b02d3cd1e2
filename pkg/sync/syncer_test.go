package sync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/azgraph/azgraph/pkg/model"
)

type fakeSubscriptionSource struct {
	subscriptions []model.Subscription
	err           error
}

func (f *fakeSubscriptionSource) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	return f.subscriptions, f.err
}

type fakeAssignmentSource struct {
	mu        sync.Mutex
	records   map[string][]model.AssignmentRecord
	listErrs  map[string]error
	roleNames map[string]string
}

func (f *fakeAssignmentSource) ListAssignments(ctx context.Context, subscriptionID string) ([]model.AssignmentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.listErrs[subscriptionID]; ok {
		return nil, err
	}
	return f.records[subscriptionID], nil
}

func (f *fakeAssignmentSource) GetRoleName(ctx context.Context, subscriptionID string, roleDefinitionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.roleNames[roleDefinitionID]
	if !ok {
		return "", model.ErrNotFound
	}
	return name, nil
}

type edge struct {
	SubscriptionID string
	AssignmentID   string
	RoleID         string
	RoleName       string
	Principal      string
}

// memGraph is an in-memory GraphWriter with merge-by-key semantics matching
// the real store: repeating a write with the same key leaves one node or edge.
type memGraph struct {
	mu            sync.Mutex
	constraints   int
	subscriptions map[string]string
	nodes         map[string]string
	assignments   map[string]edge
	memberships   map[string]bool
	failUpserts   bool
}

func newMemGraph() *memGraph {
	return &memGraph{
		subscriptions: make(map[string]string),
		nodes:         make(map[string]string),
		assignments:   make(map[string]edge),
		memberships:   make(map[string]bool),
	}
}

func (g *memGraph) EnsureConstraints(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.constraints++
	return nil
}

func (g *memGraph) UpsertSubscription(ctx context.Context, s model.Subscription) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscriptions[s.ID] = s.Name
	return nil
}

func (g *memGraph) UpsertPrincipal(ctx context.Context, p model.Principal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failUpserts {
		return errors.New("node write refused")
	}
	if existing, ok := g.nodes[p.Key()]; ok {
		if existing == "" && p.Name != "" {
			g.nodes[p.Key()] = p.Name
		}
		return nil
	}
	g.nodes[p.Key()] = p.Name
	return nil
}

func (g *memGraph) UpdateName(ctx context.Context, p model.Principal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[p.Key()]; ok {
		g.nodes[p.Key()] = p.Name
	}
	return nil
}

func (g *memGraph) UpsertAssignmentEdge(ctx context.Context, a model.Assignment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := a.ID + "|" + a.RoleDefinitionID
	if _, ok := g.assignments[key]; ok {
		return nil
	}
	g.assignments[key] = edge{
		SubscriptionID: a.SubscriptionID,
		AssignmentID:   a.ID,
		RoleID:         a.RoleDefinitionID,
		Principal:      a.Principal().Key(),
	}
	return nil
}

func (g *memGraph) SetRoleName(ctx context.Context, a model.Assignment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := a.ID + "|" + a.RoleDefinitionID
	e, ok := g.assignments[key]
	if !ok {
		return nil
	}
	e.RoleName = a.RoleName
	g.assignments[key] = e
	return nil
}

func (g *memGraph) UpsertMembershipEdge(ctx context.Context, member, group model.Principal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.memberships[member.Key()+"->"+group.Key()] = true
	return nil
}

type graphSnapshot struct {
	Subscriptions map[string]string
	Nodes         map[string]string
	Assignments   map[string]edge
	Memberships   map[string]bool
}

func (g *memGraph) snapshot() graphSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := graphSnapshot{
		Subscriptions: make(map[string]string, len(g.subscriptions)),
		Nodes:         make(map[string]string, len(g.nodes)),
		Assignments:   make(map[string]edge, len(g.assignments)),
		Memberships:   make(map[string]bool, len(g.memberships)),
	}
	for k, v := range g.subscriptions {
		snap.Subscriptions[k] = v
	}
	for k, v := range g.nodes {
		snap.Nodes[k] = v
	}
	for k, v := range g.assignments {
		snap.Assignments[k] = v
	}
	for k, v := range g.memberships {
		snap.Memberships[k] = v
	}
	return snap
}

func record(id, subID, roleID, principalID, principalType string) model.AssignmentRecord {
	return model.AssignmentRecord{
		ID:               id,
		SubscriptionID:   subID,
		RoleDefinitionID: roleID,
		PrincipalID:      principalID,
		PrincipalType:    principalType,
	}
}

func TestSyncBuildsFullGraph(t *testing.T) {
	ctx := context.Background()

	subs := &fakeSubscriptionSource{subscriptions: []model.Subscription{{ID: "sub1", Name: "Prod"}}}
	assignments := &fakeAssignmentSource{
		records: map[string][]model.AssignmentRecord{
			"sub1": {record("a1", "sub1", "r1", "g1", "Group")},
		},
		roleNames: map[string]string{"r1": "Owner"},
	}
	dir := &fakeDirectory{
		names: map[string]string{"Group:g1": "Admins"},
		members: map[string][]model.Principal{
			"g1": {user("u1", "Alice")},
		},
	}
	g := newMemGraph()

	s := New(subs, assignments, dir, g)
	require.NoError(t, s.Sync(ctx))

	snap := g.snapshot()
	require.Equal(t, map[string]string{"sub1": "Prod"}, snap.Subscriptions)
	require.Equal(t, "Admins", snap.Nodes["Group:g1"])
	require.Equal(t, "Alice", snap.Nodes["User:u1"])
	require.Equal(t, edge{
		SubscriptionID: "sub1",
		AssignmentID:   "a1",
		RoleID:         "r1",
		RoleName:       "Owner",
		Principal:      "Group:g1",
	}, snap.Assignments["a1|r1"])
	require.True(t, snap.Memberships["User:u1->Group:g1"])

	counts := s.Counts()
	require.Equal(t, 1, counts.Subscriptions)
	require.Equal(t, 1, counts.Assignments)
	require.Equal(t, 2, counts.Principals)
	require.Equal(t, 1, counts.Memberships)
	require.Equal(t, 1, counts.NamesResolved)
	require.Equal(t, 1, counts.RoleNamesResolved)
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()

	subs := &fakeSubscriptionSource{subscriptions: []model.Subscription{{ID: "sub1", Name: "Prod"}}}
	newAssignments := func() *fakeAssignmentSource {
		return &fakeAssignmentSource{
			records: map[string][]model.AssignmentRecord{
				"sub1": {
					record("a1", "sub1", "r1", "g1", "Group"),
					record("a2", "sub1", "r2", "u1", "User"),
				},
			},
			roleNames: map[string]string{"r1": "Owner", "r2": "Reader"},
		}
	}
	newDir := func() *fakeDirectory {
		return &fakeDirectory{
			names: map[string]string{"Group:g1": "Admins", "User:u1": "Alice"},
			members: map[string][]model.Principal{
				"g1": {user("u1", "Alice"), group("g2", "Nested")},
				"g2": {user("u2", "Bob")},
			},
		}
	}

	g := newMemGraph()
	require.NoError(t, New(subs, newAssignments(), newDir(), g).Sync(ctx))
	first := g.snapshot()

	require.NoError(t, New(subs, newAssignments(), newDir(), g).Sync(ctx))
	second := g.snapshot()

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("second run changed the graph (-first +second):\n%s", diff)
	}
}

func TestSyncDedupesPrincipalsAcrossSubscriptions(t *testing.T) {
	ctx := context.Background()

	subs := &fakeSubscriptionSource{subscriptions: []model.Subscription{
		{ID: "sub1", Name: "Prod"},
		{ID: "sub2", Name: "Dev"},
	}}
	assignments := &fakeAssignmentSource{
		records: map[string][]model.AssignmentRecord{
			"sub1": {record("a1", "sub1", "r1", "u1", "User")},
			"sub2": {record("a2", "sub2", "r1", "u1", "User")},
		},
		roleNames: map[string]string{"r1": "Reader"},
	}
	dir := &fakeDirectory{names: map[string]string{"User:u1": "Alice"}}
	g := newMemGraph()

	s := New(subs, assignments, dir, g)
	require.NoError(t, s.Sync(ctx))

	snap := g.snapshot()
	require.Len(t, snap.Nodes, 1)
	require.Len(t, snap.Assignments, 2)
	require.Equal(t, 1, s.Counts().Principals)
}

func TestSyncKeepsAssignmentsDistinctByRoleDefinition(t *testing.T) {
	ctx := context.Background()

	// The provider reuses assignment ids across scopes, so two records can
	// share an id while naming different role definitions. Both edges stay.
	subs := &fakeSubscriptionSource{subscriptions: []model.Subscription{{ID: "sub1", Name: "Prod"}}}
	assignments := &fakeAssignmentSource{
		records: map[string][]model.AssignmentRecord{
			"sub1": {
				record("a1", "sub1", "r1", "u1", "User"),
				record("a1", "sub1", "r2", "u1", "User"),
			},
		},
		roleNames: map[string]string{"r1": "Owner", "r2": "Reader"},
	}
	dir := &fakeDirectory{names: map[string]string{"User:u1": "Alice"}}
	g := newMemGraph()

	require.NoError(t, New(subs, assignments, dir, g).Sync(ctx))

	snap := g.snapshot()
	require.Len(t, snap.Assignments, 2)
	require.Equal(t, "Owner", snap.Assignments["a1|r1"].RoleName)
	require.Equal(t, "Reader", snap.Assignments["a1|r2"].RoleName)
}

func TestSyncDropsUnrecognizedPrincipalTypes(t *testing.T) {
	ctx := context.Background()

	subs := &fakeSubscriptionSource{subscriptions: []model.Subscription{{ID: "sub1", Name: "Prod"}}}
	assignments := &fakeAssignmentSource{
		records: map[string][]model.AssignmentRecord{
			"sub1": {
				record("a1", "sub1", "r1", "sp1", "ServicePrincipal"),
				record("a2", "sub1", "r1", "u1", "User"),
			},
		},
		roleNames: map[string]string{"r1": "Reader"},
	}
	dir := &fakeDirectory{names: map[string]string{"User:u1": "Alice"}}
	g := newMemGraph()

	s := New(subs, assignments, dir, g)
	require.NoError(t, s.Sync(ctx))

	snap := g.snapshot()
	require.Len(t, snap.Assignments, 1)
	require.NotContains(t, snap.Nodes, "ServicePrincipal:sp1")
	require.Equal(t, 1, s.Counts().SkippedAssignments)
}

func TestSyncContainsSubscriptionListFailures(t *testing.T) {
	ctx := context.Background()

	subs := &fakeSubscriptionSource{subscriptions: []model.Subscription{
		{ID: "sub1", Name: "Prod"},
		{ID: "sub2", Name: "Dev"},
	}}
	assignments := &fakeAssignmentSource{
		records: map[string][]model.AssignmentRecord{
			"sub2": {record("a2", "sub2", "r1", "u1", "User")},
		},
		listErrs:  map[string]error{"sub1": errors.New("authorization throttled")},
		roleNames: map[string]string{"r1": "Reader"},
	}
	dir := &fakeDirectory{names: map[string]string{"User:u1": "Alice"}}
	g := newMemGraph()

	s := New(subs, assignments, dir, g)
	require.NoError(t, s.Sync(ctx))

	snap := g.snapshot()
	require.Len(t, snap.Assignments, 1)
	require.Contains(t, snap.Assignments, "a2|r1")

	counts := s.Counts()
	require.Equal(t, 1, counts.FailedSubscriptions)
	require.Equal(t, 1, counts.Assignments)
}

func TestSyncFailsWhenSubscriptionRootListingFails(t *testing.T) {
	ctx := context.Background()

	subs := &fakeSubscriptionSource{err: errors.New("credential rejected")}
	g := newMemGraph()

	err := New(subs, &fakeAssignmentSource{}, &fakeDirectory{}, g).Sync(ctx)
	require.Error(t, err)
	require.Empty(t, g.snapshot().Subscriptions)
}

func TestSyncSkipsFailedPrincipalWrites(t *testing.T) {
	ctx := context.Background()

	// A node write that fails even after the writer's retry is a per-unit
	// skip, not a run failure.
	subs := &fakeSubscriptionSource{subscriptions: []model.Subscription{{ID: "sub1", Name: "Prod"}}}
	assignments := &fakeAssignmentSource{
		records: map[string][]model.AssignmentRecord{
			"sub1": {record("a1", "sub1", "r1", "u1", "User")},
		},
		roleNames: map[string]string{"r1": "Reader"},
	}
	g := newMemGraph()
	g.failUpserts = true

	s := New(subs, assignments, &fakeDirectory{}, g)
	require.NoError(t, s.Sync(ctx))

	require.Empty(t, g.snapshot().Nodes)
	require.Equal(t, 1, s.Counts().FailedWrites)
}

func TestSyncerIsReusableAcrossRuns(t *testing.T) {
	ctx := context.Background()

	subs := &fakeSubscriptionSource{subscriptions: []model.Subscription{{ID: "sub1", Name: "Prod"}}}
	assignments := &fakeAssignmentSource{
		records: map[string][]model.AssignmentRecord{
			"sub1": {record("a1", "sub1", "r1", "g1", "Group")},
		},
		roleNames: map[string]string{"r1": "Owner"},
	}
	dir := &fakeDirectory{
		names: map[string]string{"Group:g1": "Admins"},
		members: map[string][]model.Principal{
			"g1": {user("u1", "Alice")},
		},
	}
	g := newMemGraph()

	s := New(subs, assignments, dir, g)
	require.NoError(t, s.Sync(ctx))
	first := s.Counts()
	firstSnap := g.snapshot()

	require.NoError(t, s.Sync(ctx))
	second := s.Counts()
	secondSnap := g.snapshot()

	// The second run starts from clean accumulators: same totals, same graph.
	require.Equal(t, first, second)
	if diff := cmp.Diff(firstSnap, secondSnap); diff != "" {
		t.Fatalf("second run changed the graph (-first +second):\n%s", diff)
	}
}

func TestSyncMemberNamesComeFromListing(t *testing.T) {
	ctx := context.Background()

	// Members arrive named from the group listing, so enrichment only has to
	// fetch the groups discovered from assignments.
	subs := &fakeSubscriptionSource{subscriptions: []model.Subscription{{ID: "sub1", Name: "Prod"}}}
	assignments := &fakeAssignmentSource{
		records: map[string][]model.AssignmentRecord{
			"sub1": {record("a1", "sub1", "r1", "g1", "Group")},
		},
		roleNames: map[string]string{"r1": "Owner"},
	}
	dir := &fakeDirectory{
		names: map[string]string{"Group:g1": "Admins"},
		members: map[string][]model.Principal{
			"g1": {user("u1", "Alice")},
		},
	}
	g := newMemGraph()

	require.NoError(t, New(subs, assignments, dir, g).Sync(ctx))

	require.Equal(t, "Alice", g.snapshot().Nodes["User:u1"])
	require.Equal(t, 0, dir.nameLookups("User:u1"))
}

func TestSyncKeepsEmptyNameForDeletedPrincipals(t *testing.T) {
	ctx := context.Background()

	subs := &fakeSubscriptionSource{subscriptions: []model.Subscription{{ID: "sub1", Name: "Prod"}}}
	assignments := &fakeAssignmentSource{
		records: map[string][]model.AssignmentRecord{
			"sub1": {record("a1", "sub1", "r1", "u1", "User")},
		},
		roleNames: map[string]string{"r1": "Reader"},
	}
	// u1 has been deleted from the directory.
	dir := &fakeDirectory{}
	g := newMemGraph()

	s := New(subs, assignments, dir, g)
	require.NoError(t, s.Sync(ctx))

	snap := g.snapshot()
	require.Contains(t, snap.Nodes, "User:u1")
	require.Equal(t, "", snap.Nodes["User:u1"])
	require.Equal(t, 0, s.Counts().NamesResolved)
}
