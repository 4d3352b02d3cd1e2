package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/azgraph/azgraph/pkg/model"
)

var tracer = otel.Tracer("azgraph/sync")

const defaultWorkerCount = 4

// Syncer drives one batch run: list subscriptions, list assignments, resolve
// principals, write nodes, write assignment edges, expand group memberships,
// enrich names, and resolve role names. Each stage is a barrier — all work of
// the prior stage completes (successes and contained failures both count)
// before the next stage starts, because later stages assume earlier nodes
// exist. Only a graph connectivity failure aborts a run; per-subscription,
// per-principal, and per-group failures are logged, counted, and skipped.
type Syncer struct {
	subscriptionSource SubscriptionSource
	assignmentSource   AssignmentSource
	directory          Directory
	graph              GraphWriter
	recorder           RunRecorder
	workers            int

	state *state

	mu            sync.Mutex
	subscriptions []model.Subscription
	records       []model.AssignmentRecord
	assignments   []model.Assignment
	principals    map[string]model.Principal
	counts        Counts
}

type Option func(*Syncer)

// WithWorkerCount bounds the fan-out for assignment listing and name
// enrichment. Values below 1 keep the default.
func WithWorkerCount(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithRunRecorder persists run history through the given recorder.
func WithRunRecorder(r RunRecorder) Option {
	return func(s *Syncer) {
		s.recorder = r
	}
}

func New(
	subscriptions SubscriptionSource,
	assignments AssignmentSource,
	directory Directory,
	graph GraphWriter,
	opts ...Option,
) *Syncer {
	s := &Syncer{
		subscriptionSource: subscriptions,
		assignmentSource:   assignments,
		directory:          directory,
		graph:              graph,
		workers:            defaultWorkerCount,
		principals:         make(map[string]model.Principal),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync runs the pipeline to completion. The stage stack is seeded by InitOp;
// the loop pops and dispatches until the stack drains.
func (s *Syncer) Sync(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Syncer.Sync")
	defer span.End()

	runID := ksuid.New().String()
	l := ctxzap.Extract(ctx).With(zap.String("sync_id", runID))
	ctx = ctxzap.ToContext(ctx, l)

	s.mu.Lock()
	s.subscriptions = nil
	s.records = nil
	s.assignments = nil
	s.principals = make(map[string]model.Principal)
	s.counts = Counts{}
	s.mu.Unlock()

	startedAt := time.Now()
	if s.recorder != nil {
		if err := s.recorder.StartRun(ctx, runID, startedAt); err != nil {
			l.Warn("failed to record run start", zap.Error(err))
		}
	}

	s.state = &state{}
	s.state.PushAction(ctx, Action{Op: InitOp})

	for s.state.Current() != nil {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		default:
		}

		var err error
		stateAction := s.state.Current()

		switch stateAction.Op {
		case InitOp:
			s.state.FinishAction(ctx)
			// Pushed in reverse: the stack pops constraints first and
			// role names last.
			s.state.PushAction(ctx, Action{Op: ResolveRoleNamesOp})
			s.state.PushAction(ctx, Action{Op: EnrichNamesOp})
			s.state.PushAction(ctx, Action{Op: ExpandMembershipsOp})
			s.state.PushAction(ctx, Action{Op: WriteAssignmentsOp})
			s.state.PushAction(ctx, Action{Op: WritePrincipalsOp})
			s.state.PushAction(ctx, Action{Op: ResolvePrincipalsOp})
			s.state.PushAction(ctx, Action{Op: SyncAssignmentsOp})
			s.state.PushAction(ctx, Action{Op: SyncSubscriptionsOp})
			s.state.PushAction(ctx, Action{Op: ApplyConstraintsOp})
			continue

		case ApplyConstraintsOp:
			err = s.ApplyConstraints(ctx)
		case SyncSubscriptionsOp:
			err = s.SyncSubscriptions(ctx)
		case SyncAssignmentsOp:
			err = s.SyncAssignments(ctx)
		case ResolvePrincipalsOp:
			err = s.ResolvePrincipals(ctx)
		case WritePrincipalsOp:
			err = s.WritePrincipals(ctx)
		case WriteAssignmentsOp:
			err = s.WriteAssignments(ctx)
		case ExpandMembershipsOp:
			err = s.ExpandMemberships(ctx)
		case EnrichNamesOp:
			err = s.EnrichNames(ctx)
		case ResolveRoleNamesOp:
			err = s.ResolveRoleNames(ctx)
		default:
			return fmt.Errorf("unexpected sync step %s", stateAction.Op)
		}

		if err != nil {
			return err
		}
		s.state.FinishAction(ctx)
	}

	l.Info("Sync complete.",
		zap.Int("subscriptions", s.counts.Subscriptions),
		zap.Int("failed_subscriptions", s.counts.FailedSubscriptions),
		zap.Int("assignments", s.counts.Assignments),
		zap.Int("skipped_assignments", s.counts.SkippedAssignments),
		zap.Int("principals", s.counts.Principals),
		zap.Int("memberships", s.counts.Memberships),
		zap.Int("failed_groups", s.counts.FailedGroups),
		zap.Int("failed_writes", s.counts.FailedWrites),
		zap.Int("names_resolved", s.counts.NamesResolved),
		zap.Int("role_names_resolved", s.counts.RoleNamesResolved),
	)

	if s.recorder != nil {
		if err := s.recorder.FinishRun(ctx, runID, s.counts, time.Now()); err != nil {
			l.Warn("failed to record run end", zap.Error(err))
		}
	}

	return nil
}

// Counts reports the totals accumulated so far. Only stable once Sync has
// returned.
func (s *Syncer) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

// ApplyConstraints makes sure the uniqueness constraints behind merge-by-key
// writes are in place before anything is written.
func (s *Syncer) ApplyConstraints(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Syncer.ApplyConstraints")
	defer span.End()

	ctxzap.Extract(ctx).Info("Applying constraints...")
	return s.graph.EnsureConstraints(ctx)
}

// SyncSubscriptions lists the subscriptions and merges their nodes. The
// subscription listing is the root of the run, so a failure here is fatal.
func (s *Syncer) SyncSubscriptions(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Syncer.SyncSubscriptions")
	defer span.End()

	l := ctxzap.Extract(ctx)
	l.Info("Listing subscriptions...")

	subscriptions, err := s.subscriptionSource.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	s.subscriptions = subscriptions

	for _, sub := range subscriptions {
		if err := s.graph.UpsertSubscription(ctx, sub); err != nil {
			l.Warn("failed to record subscription, skipping",
				zap.String("subscription_id", sub.ID),
				zap.Error(err),
			)
			s.counts.FailedWrites++
		}
	}

	s.counts.Subscriptions = len(subscriptions)
	l.Info("Recorded subscriptions", zap.Int("count", len(subscriptions)))
	return nil
}

// SyncAssignments fans out one listing per subscription with a bounded
// worker pool. A failed subscription is logged and its assignments omitted;
// the run continues.
func (s *Syncer) SyncAssignments(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Syncer.SyncAssignments")
	defer span.End()

	l := ctxzap.Extract(ctx)
	l.Info("Listing role assignments...")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, sub := range s.subscriptions {
		g.Go(func() error {
			records, err := s.assignmentSource.ListAssignments(gctx, sub.ID)

			s.mu.Lock()
			defer s.mu.Unlock()
			if err != nil {
				l.Warn("failed to list assignments for subscription, skipping",
					zap.String("subscription_id", sub.ID),
					zap.Error(err),
				)
				s.counts.FailedSubscriptions++
				return nil
			}
			s.records = append(s.records, records...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	l.Info("Listed role assignments", zap.Int("count", len(s.records)))
	return nil
}

// ResolvePrincipals classifies raw assignment records into typed assignments
// and discovers the unique principals they reference. Records with an
// unrecognized principal type are dropped without error.
func (s *Syncer) ResolvePrincipals(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Syncer.ResolvePrincipals")
	defer span.End()

	l := ctxzap.Extract(ctx)
	for _, record := range s.records {
		assignment, ok := model.Resolve(record)
		if !ok {
			l.Debug("dropping assignment with unrecognized principal type",
				zap.String("assignment_id", record.ID),
				zap.String("principal_type", record.PrincipalType),
			)
			s.counts.SkippedAssignments++
			continue
		}
		s.assignments = append(s.assignments, assignment)
		s.addPrincipal(assignment.Principal())
	}

	s.counts.Assignments = len(s.assignments)
	l.Info("Resolved principals",
		zap.Int("assignments", len(s.assignments)),
		zap.Int("principals", len(s.principals)),
		zap.Int("skipped", s.counts.SkippedAssignments),
	)
	return nil
}

// WritePrincipals merges one node per unique (type, id) principal. Nodes must
// exist before any edge that references them. A failed write is logged and
// skipped; edges naming the missing node fall out as no-op matches.
func (s *Syncer) WritePrincipals(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Syncer.WritePrincipals")
	defer span.End()

	l := ctxzap.Extract(ctx)
	l.Info("Recording principals...")
	for _, principal := range s.principals {
		if err := s.graph.UpsertPrincipal(ctx, principal); err != nil {
			l.Warn("failed to record principal, skipping",
				zap.String("principal", principal.Key()),
				zap.Error(err),
			)
			s.counts.FailedWrites++
		}
	}
	s.counts.Principals = len(s.principals)
	return nil
}

// WriteAssignments merges one edge per (assignment id, role definition id).
// A failed write is logged and skipped; the writer has already retried
// transient conflicts.
func (s *Syncer) WriteAssignments(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Syncer.WriteAssignments")
	defer span.End()

	l := ctxzap.Extract(ctx)
	l.Info("Recording role assignments...")
	for _, assignment := range s.assignments {
		if err := s.graph.UpsertAssignmentEdge(ctx, assignment); err != nil {
			l.Warn("failed to record assignment, skipping",
				zap.String("assignment_id", assignment.ID),
				zap.String("role_definition_id", assignment.RoleDefinitionID),
				zap.Error(err),
			)
			s.counts.FailedWrites++
		}
	}
	return nil
}

// ExpandMemberships walks group membership transitively for every group
// discovered from assignments, one bounded worker per root group. Each call
// tree owns its visited set; graph writes are serialized under the syncer
// mutex so edges sharing a target node never race.
func (s *Syncer) ExpandMemberships(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Syncer.ExpandMemberships")
	defer span.End()

	l := ctxzap.Extract(ctx)
	l.Info("Getting group members...")

	var groups []model.Principal
	for _, principal := range s.principals {
		if principal.Type == model.PrincipalTypeGroup {
			groups = append(groups, principal)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, group := range groups {
		g.Go(func() error {
			s.expandGroup(gctx, group)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Expansion is the last stage that discovers principals, so the total is
	// only final here.
	s.counts.Principals = len(s.principals)

	l.Info("Recorded group memberships",
		zap.Int("memberships", s.counts.Memberships),
		zap.Int("failed_groups", s.counts.FailedGroups),
	)
	return nil
}

func (s *Syncer) expandGroup(ctx context.Context, group model.Principal) {
	l := ctxzap.Extract(ctx)
	l.Debug("expanding group", zap.String("group_id", group.ID))

	visited := mapset.NewSet[string]()
	for membership, err := range ExpandMembers(ctx, s.directory, group, visited) {
		if err != nil {
			var ee *ExpansionError
			if errors.As(err, &ee) {
				l.Warn("failed to expand group, skipping subtree",
					zap.String("group_id", ee.Group.ID),
					zap.Error(ee.Err),
				)
			} else {
				l.Warn("failed to expand group, skipping subtree", zap.Error(err))
			}
			s.mu.Lock()
			s.counts.FailedGroups++
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		s.addPrincipal(membership.Member)
		err = s.graph.UpsertPrincipal(ctx, membership.Member)
		if err == nil {
			err = s.graph.UpsertMembershipEdge(ctx, membership.Member, membership.Group)
		}
		if err == nil {
			s.counts.Memberships++
		} else {
			s.counts.FailedWrites++
		}
		s.mu.Unlock()

		if err != nil {
			l.Warn("failed to record membership, skipping",
				zap.String("member", membership.Member.Key()),
				zap.String("group_id", membership.Group.ID),
				zap.Error(err),
			)
		}
	}
}

// addPrincipal records a discovered principal, keeping the first non-empty
// name seen for its (type, id) key. Callers hold the mutex when running
// concurrently.
func (s *Syncer) addPrincipal(p model.Principal) {
	existing, ok := s.principals[p.Key()]
	if !ok {
		s.principals[p.Key()] = p
		return
	}
	if existing.Name == "" && p.Name != "" {
		existing.Name = p.Name
		s.principals[p.Key()] = existing
	}
}
