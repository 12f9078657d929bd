package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
	"chenu/pkg/platform/httputil"
	"chenu/pkg/requestcontext"
)

// HeaderAdminToken carries the operator token for budget administration.
const HeaderAdminToken = "X-Admin-Token"

// OperatorActor is the identity audit entries carry for admin calls made
// without a bearer token.
const OperatorActor id.IdentityID = "operator"

// RequireAdminToken guards operator endpoints. An empty expected token
// disables them entirely.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(HeaderAdminToken)
			// Constant-time comparison so the token cannot be guessed byte by byte.
			if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "admin token required"))
				return
			}

			ctx := r.Context()
			if requestcontext.Identity(ctx).IsNil() {
				ctx = requestcontext.WithIdentity(ctx, OperatorActor)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
