package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armsubscriptions"

	"github.com/azgraph/azgraph/pkg/model"
)

// SubscriptionSource lists the subscriptions visible to the credential.
type SubscriptionSource struct {
	client *armsubscriptions.Client
}

func NewSubscriptionSource(cred azcore.TokenCredential) (*SubscriptionSource, error) {
	client, err := armsubscriptions.NewClient(cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: create subscriptions client: %w", err)
	}
	return &SubscriptionSource{client: client}, nil
}

func (s *SubscriptionSource) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	var out []model.Subscription
	pager := s.client.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure: list subscriptions: %w", err)
		}
		for _, sub := range page.Value {
			if sub == nil || sub.SubscriptionID == nil {
				continue
			}
			out = append(out, model.Subscription{
				ID:   *sub.SubscriptionID,
				Name: deref(sub.DisplayName),
			})
		}
	}
	return out, nil
}
