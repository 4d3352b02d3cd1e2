package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

var uniqueConstraints = []struct {
	name  string
	label string
}{
	{name: "subscription_id_unique", label: "Subscription"},
	{name: "user_id_unique", label: "User"},
	{name: "group_id_unique", label: "Group"},
}

// EnsureConstraints applies the id-uniqueness constraints the merge-by-key
// writes depend on. Constraints that already exist count as success; older
// servers without IF NOT EXISTS report an equivalent-rule error, which is
// tolerated the same way.
func (w *Writer) EnsureConstraints(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Writer.EnsureConstraints")
	defer span.End()

	l := ctxzap.Extract(ctx)
	for _, c := range uniqueConstraints {
		query := fmt.Sprintf(
			"CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE",
			c.name, c.label,
		)
		err := w.run(ctx, query, nil)
		if err != nil {
			if constraintExists(err) {
				l.Debug("constraint already applied", zap.String("constraint", c.name))
				continue
			}
			return fmt.Errorf("graph: apply constraint %s: %w", c.name, err)
		}
	}
	return nil
}

func constraintExists(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "AlreadyExists") || strings.Contains(msg, "already exists")
}
