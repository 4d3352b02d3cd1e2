package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v2"
	"github.com/maypok86/otter"

	"github.com/azgraph/azgraph/pkg/model"
)

const roleNameCacheSize = 4096

// AssignmentSource lists role assignments per subscription and resolves role
// definition names. Role definitions repeat heavily across assignments, so
// resolved names are cached for the life of the process.
type AssignmentSource struct {
	cred      azcore.TokenCredential
	roleDefs  *armauthorization.RoleDefinitionsClient
	roleNames otter.Cache[string, string]
}

func NewAssignmentSource(cred azcore.TokenCredential) (*AssignmentSource, error) {
	roleDefs, err := armauthorization.NewRoleDefinitionsClient(cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: create role definitions client: %w", err)
	}
	cache, err := otter.MustBuilder[string, string](roleNameCacheSize).Build()
	if err != nil {
		return nil, fmt.Errorf("azure: build role name cache: %w", err)
	}
	return &AssignmentSource{
		cred:      cred,
		roleDefs:  roleDefs,
		roleNames: cache,
	}, nil
}

// ListAssignments returns every role assignment scoped to the subscription,
// with the principal type left as the raw tag the API reported. Type
// resolution and dropping of unrecognized tags happens in the sync engine.
func (s *AssignmentSource) ListAssignments(ctx context.Context, subscriptionID string) ([]model.AssignmentRecord, error) {
	client, err := armauthorization.NewRoleAssignmentsClient(subscriptionID, s.cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: create role assignments client: %w", err)
	}

	var out []model.AssignmentRecord
	pager := client.NewListForSubscriptionPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure: list role assignments for %s: %w", subscriptionID, err)
		}
		for _, ra := range page.Value {
			if ra == nil || ra.Properties == nil {
				continue
			}
			props := ra.Properties
			rawType := ""
			if props.PrincipalType != nil {
				rawType = string(*props.PrincipalType)
			}
			out = append(out, model.AssignmentRecord{
				ID:               deref(ra.ID),
				SubscriptionID:   subscriptionID,
				RoleDefinitionID: deref(props.RoleDefinitionID),
				PrincipalID:      deref(props.PrincipalID),
				PrincipalType:    rawType,
			})
		}
	}
	return out, nil
}

// GetRoleName resolves a role definition id to its display name. Deleted role
// definitions return model.ErrNotFound.
func (s *AssignmentSource) GetRoleName(ctx context.Context, subscriptionID string, roleDefinitionID string) (string, error) {
	if name, ok := s.roleNames.Get(roleDefinitionID); ok {
		return name, nil
	}

	resp, err := s.roleDefs.GetByID(ctx, roleDefinitionID, nil)
	if err != nil {
		if notFound(err) {
			return "", fmt.Errorf("azure: role definition %s: %w", roleDefinitionID, model.ErrNotFound)
		}
		return "", fmt.Errorf("azure: get role definition %s: %w", roleDefinitionID, err)
	}

	name := ""
	if resp.Properties != nil {
		name = deref(resp.Properties.RoleName)
	}
	s.roleNames.Set(roleDefinitionID, name)
	return name, nil
}
