// Package azure adapts the Azure management and Microsoft Graph APIs to the
// narrow source contracts the sync engine consumes. The adapters hold no sync
// logic: they list, translate field names, and map provider errors onto the
// model sentinels.
package azure

import (
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// notFound translates a management-plane 404 into model.ErrNotFound so
// callers can branch on the sentinel instead of the SDK error type.
func notFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
