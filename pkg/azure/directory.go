package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"go.uber.org/ratelimit"

	"github.com/azgraph/azgraph/pkg/model"
)

var graphScopes = []string{"https://graph.microsoft.com/.default"}

// Directory resolves display names and group members through Microsoft
// Graph. All calls share one rate limiter so concurrent enrichment stays
// inside the service's request budget.
type Directory struct {
	client  *msgraphsdk.GraphServiceClient
	limiter ratelimit.Limiter
}

func NewDirectory(cred azcore.TokenCredential, requestsPerSecond int) (*Directory, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, graphScopes)
	if err != nil {
		return nil, fmt.Errorf("azure: create graph client: %w", err)
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	return &Directory{
		client:  client,
		limiter: ratelimit.New(requestsPerSecond),
	}, nil
}

// GetDisplayName fetches the display name for a user or group id. Principals
// deleted since the assignment was made return model.ErrNotFound.
func (d *Directory) GetDisplayName(ctx context.Context, t model.PrincipalType, id string) (string, error) {
	d.limiter.Take()

	switch t {
	case model.PrincipalTypeUser:
		user, err := d.client.Users().ByUserId(id).Get(ctx, nil)
		if err != nil {
			return "", translateGraphError(fmt.Sprintf("user %s", id), err)
		}
		return deref(user.GetDisplayName()), nil
	case model.PrincipalTypeGroup:
		group, err := d.client.Groups().ByGroupId(id).Get(ctx, nil)
		if err != nil {
			return "", translateGraphError(fmt.Sprintf("group %s", id), err)
		}
		return deref(group.GetDisplayName()), nil
	default:
		return "", fmt.Errorf("azure: unsupported principal type %q", t)
	}
}

// ListGroupMembers returns the direct members of a group. Members that are
// neither users nor groups are skipped. Display names come back with the
// listing, so member principals usually arrive already named.
func (d *Directory) ListGroupMembers(ctx context.Context, groupID string) ([]model.Principal, error) {
	d.limiter.Take()

	resp, err := d.client.Groups().ByGroupId(groupID).Members().Get(ctx, nil)
	if err != nil {
		return nil, translateGraphError(fmt.Sprintf("members of group %s", groupID), err)
	}

	iterator, err := msgraphcore.NewPageIterator[graphmodels.DirectoryObjectable](
		resp,
		d.client.GetAdapter(),
		graphmodels.CreateDirectoryObjectCollectionResponseFromDiscriminatorValue,
	)
	if err != nil {
		return nil, fmt.Errorf("azure: page members of group %s: %w", groupID, err)
	}

	var out []model.Principal
	err = iterator.Iterate(ctx, func(obj graphmodels.DirectoryObjectable) bool {
		switch member := obj.(type) {
		case *graphmodels.User:
			out = append(out, model.Principal{
				Type: model.PrincipalTypeUser,
				ID:   deref(member.GetId()),
				Name: deref(member.GetDisplayName()),
			})
		case *graphmodels.Group:
			out = append(out, model.Principal{
				Type: model.PrincipalTypeGroup,
				ID:   deref(member.GetId()),
				Name: deref(member.GetDisplayName()),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("azure: page members of group %s: %w", groupID, err)
	}
	return out, nil
}

func translateGraphError(what string, err error) error {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) && oerr.ResponseStatusCode == http.StatusNotFound {
		return fmt.Errorf("azure: %s: %w", what, model.ErrNotFound)
	}
	return fmt.Errorf("azure: %s: %w", what, err)
}
