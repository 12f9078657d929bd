package testutil

import (
	"net/http"

	id "chenu/pkg/domain"
	"chenu/pkg/requestcontext"
)

// WithIdentity attaches identity the way the auth middleware does for
// authenticated requests.
func WithIdentity(req *http.Request, identity id.IdentityID) *http.Request {
	return req.WithContext(requestcontext.WithIdentity(req.Context(), identity))
}
