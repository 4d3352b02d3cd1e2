package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel"

	"github.com/azgraph/azgraph/pkg/model"
	"github.com/azgraph/azgraph/pkg/retry"
)

var tracer = otel.Tracer("azgraph/graph")

// Writer owns every mutation against the graph store. All statements are
// merge-by-key and parameterized: values always travel as $params, and node
// labels come from the closed PrincipalType enum, never from source data.
// Each statement runs in its own transaction, so every operation is safe to
// repeat with identical arguments. Transient write conflicts are retried once
// before the error surfaces.
type Writer struct {
	session   Session
	retryable func(error) bool
}

type WriterOption func(*Writer)

// WithRetryableFunc overrides transient-error detection. Tests use this to
// simulate write conflicts.
func WithRetryableFunc(f func(error) bool) WriterOption {
	return func(w *Writer) {
		w.retryable = f
	}
}

func NewWriter(session Session, opts ...WriterOption) *Writer {
	w := &Writer{
		session:   session,
		retryable: neo4j.IsRetryable,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) run(ctx context.Context, query string, params map[string]any) error {
	r := retry.NewRetryer(retry.Config{
		MaxAttempts:  1,
		InitialDelay: 250 * time.Millisecond,
		Retryable:    w.retryable,
	})
	for {
		err := w.session.Run(ctx, query, params)
		if err == nil {
			return nil
		}
		if !r.ShouldWaitAndRetry(ctx, err) {
			return err
		}
	}
}

// UpsertSubscription merges the subscription node by id.
func (w *Writer) UpsertSubscription(ctx context.Context, s model.Subscription) error {
	ctx, span := tracer.Start(ctx, "Writer.UpsertSubscription")
	defer span.End()

	return w.run(ctx,
		"MERGE (s:Subscription {id: $id}) SET s.name = $name",
		map[string]any{"id": s.ID, "name": s.Name},
	)
}

// UpsertPrincipal merges the principal node by (type, id). The name is only
// ever filled in, never blanked: a node created without a name keeps the
// first non-empty name it is offered.
func (w *Writer) UpsertPrincipal(ctx context.Context, p model.Principal) error {
	ctx, span := tracer.Start(ctx, "Writer.UpsertPrincipal")
	defer span.End()

	query := fmt.Sprintf(
		"MERGE (n:%s {id: $id}) "+
			"ON CREATE SET n.name = $name "+
			"ON MATCH SET n.name = CASE WHEN coalesce(n.name, '') = '' THEN $name ELSE n.name END",
		p.Type.Label(),
	)
	return w.run(ctx, query, map[string]any{"id": p.ID, "name": p.Name})
}

// UpdateName sets the name on an existing principal node. A missing node is a
// no-op; callers upsert principals earlier in the same run.
func (w *Writer) UpdateName(ctx context.Context, p model.Principal) error {
	ctx, span := tracer.Start(ctx, "Writer.UpdateName")
	defer span.End()

	query := fmt.Sprintf("MATCH (n:%s {id: $id}) SET n.name = $name", p.Type.Label())
	return w.run(ctx, query, map[string]any{"id": p.ID, "name": p.Name})
}

// UpsertAssignmentEdge merges the assignment edge keyed by (assignment id,
// role definition id). Both endpoint nodes must already exist; a role change
// that reuses the assignment id produces a second edge rather than an
// overwrite.
func (w *Writer) UpsertAssignmentEdge(ctx context.Context, a model.Assignment) error {
	ctx, span := tracer.Start(ctx, "Writer.UpsertAssignmentEdge")
	defer span.End()

	query := fmt.Sprintf(
		"MATCH (s:Subscription {id: $subscription_id}) "+
			"MATCH (p:%s {id: $principal_id}) "+
			"MERGE (s)-[:ASSIGNMENT {id: $assignment_id, role_id: $role_definition_id}]->(p)",
		a.PrincipalType.Label(),
	)
	return w.run(ctx, query, map[string]any{
		"subscription_id":    a.SubscriptionID,
		"principal_id":       a.PrincipalID,
		"assignment_id":      a.ID,
		"role_definition_id": a.RoleDefinitionID,
	})
}

// SetRoleName locates the assignment edge by its (id, role_id) key and sets
// the resolved role name on it.
func (w *Writer) SetRoleName(ctx context.Context, a model.Assignment) error {
	ctx, span := tracer.Start(ctx, "Writer.SetRoleName")
	defer span.End()

	query := fmt.Sprintf(
		"MATCH (:Subscription {id: $subscription_id})"+
			"-[r:ASSIGNMENT {id: $assignment_id, role_id: $role_definition_id}]->"+
			"(:%s {id: $principal_id}) "+
			"SET r.role_name = $role_name",
		a.PrincipalType.Label(),
	)
	return w.run(ctx, query, map[string]any{
		"subscription_id":    a.SubscriptionID,
		"principal_id":       a.PrincipalID,
		"assignment_id":      a.ID,
		"role_definition_id": a.RoleDefinitionID,
		"role_name":          a.RoleName,
	})
}

// UpsertMembershipEdge merges the member-of edge between two existing
// principal nodes. Repeat calls for the same endpoint pair are no-ops.
func (w *Writer) UpsertMembershipEdge(ctx context.Context, member, group model.Principal) error {
	ctx, span := tracer.Start(ctx, "Writer.UpsertMembershipEdge")
	defer span.End()

	query := fmt.Sprintf(
		"MATCH (g:Group {id: $group_id}) "+
			"MATCH (m:%s {id: $member_id}) "+
			"MERGE (m)-[:MEMBER_OF]->(g)",
		member.Type.Label(),
	)
	return w.run(ctx, query, map[string]any{
		"group_id":  group.ID,
		"member_id": member.ID,
	})
}
