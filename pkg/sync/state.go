package sync

import (
	"context"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

// ActionOp represents a sync stage.
type ActionOp uint8

const (
	UnknownOp ActionOp = iota
	InitOp
	ApplyConstraintsOp
	SyncSubscriptionsOp
	SyncAssignmentsOp
	ResolvePrincipalsOp
	WritePrincipalsOp
	WriteAssignmentsOp
	ExpandMembershipsOp
	EnrichNamesOp
	ResolveRoleNamesOp
)

func (s ActionOp) String() string {
	switch s {
	case InitOp:
		return "init"
	case ApplyConstraintsOp:
		return "apply-constraints"
	case SyncSubscriptionsOp:
		return "sync-subscriptions"
	case SyncAssignmentsOp:
		return "sync-assignments"
	case ResolvePrincipalsOp:
		return "resolve-principals"
	case WritePrincipalsOp:
		return "write-principals"
	case WriteAssignmentsOp:
		return "write-assignments"
	case ExpandMembershipsOp:
		return "expand-memberships"
	case EnrichNamesOp:
		return "enrich-names"
	case ResolveRoleNamesOp:
		return "resolve-role-names"
	default:
		return "unknown"
	}
}

// Action is one entry on the stage stack.
type Action struct {
	Op ActionOp
}

// state tracks the remaining stages of a run. It operates like a stack: Init
// pushes the stages in reverse, and the run loop pops one barrier at a time.
type state struct {
	mtx     sync.Mutex
	actions []Action
}

func (s *state) Current() *Action {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(s.actions) == 0 {
		return nil
	}
	current := s.actions[len(s.actions)-1]
	return &current
}

func (s *state) PushAction(ctx context.Context, action Action) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.actions = append(s.actions, action)
}

func (s *state) FinishAction(ctx context.Context) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(s.actions) == 0 {
		return
	}
	finished := s.actions[len(s.actions)-1]
	s.actions = s.actions[:len(s.actions)-1]
	ctxzap.Extract(ctx).Debug("finished action", zap.Stringer("operation", finished.Op))
}
