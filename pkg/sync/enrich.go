package sync

import (
	"context"
	"errors"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/azgraph/azgraph/pkg/model"
)

// EnrichNames looks up display names for every principal still missing one,
// with a bounded worker pool, then writes the names sequentially. A principal
// deleted from the directory keeps its empty name; any other lookup failure
// is logged and skipped. Fetches are independent and unordered; each worker
// writes only its own result slot, so the fan-in needs no lock.
func (s *Syncer) EnrichNames(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Syncer.EnrichNames")
	defer span.End()

	l := ctxzap.Extract(ctx)
	l.Info("Getting principal names...")

	var pending []model.Principal
	for _, principal := range s.principals {
		if principal.Name == "" {
			pending = append(pending, principal)
		}
	}

	names := make([]string, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, principal := range pending {
		g.Go(func() error {
			name, err := s.directory.GetDisplayName(gctx, principal.Type, principal.ID)
			if err != nil {
				if errors.Is(err, model.ErrNotFound) {
					l.Debug("principal no longer in directory, keeping empty name",
						zap.String("principal", principal.Key()),
					)
				} else {
					l.Warn("failed to fetch principal name, skipping",
						zap.String("principal", principal.Key()),
						zap.Error(err),
					)
				}
				return nil
			}
			names[i] = name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	l.Info("Updating principal names...")
	for i, principal := range pending {
		if names[i] == "" {
			continue
		}
		principal.Name = names[i]
		if err := s.graph.UpdateName(ctx, principal); err != nil {
			l.Warn("failed to update principal name, skipping",
				zap.String("principal", principal.Key()),
				zap.Error(err),
			)
			continue
		}
		s.principals[principal.Key()] = principal
		s.counts.NamesResolved++
	}
	return nil
}

// ResolveRoleNames resolves each assignment's role definition to its display
// name and annotates the assignment edge. Deleted role definitions leave the
// edge unannotated. The source caches role definitions, so the sequential
// loop costs one lookup per distinct role.
func (s *Syncer) ResolveRoleNames(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Syncer.ResolveRoleNames")
	defer span.End()

	l := ctxzap.Extract(ctx)
	l.Info("Getting role names...")

	for i := range s.assignments {
		assignment := &s.assignments[i]
		name, err := s.assignmentSource.GetRoleName(ctx, assignment.SubscriptionID, assignment.RoleDefinitionID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				l.Debug("role definition deleted, leaving role name empty",
					zap.String("role_definition_id", assignment.RoleDefinitionID),
				)
			} else {
				l.Warn("failed to fetch role name, skipping",
					zap.String("role_definition_id", assignment.RoleDefinitionID),
					zap.Error(err),
				)
			}
			continue
		}
		if name == "" {
			continue
		}

		assignment.RoleName = name
		if err := s.graph.SetRoleName(ctx, *assignment); err != nil {
			l.Warn("failed to set role name, skipping",
				zap.String("assignment_id", assignment.ID),
				zap.String("role_definition_id", assignment.RoleDefinitionID),
				zap.Error(err),
			)
			continue
		}
		s.counts.RoleNamesResolved++
	}
	return nil
}
