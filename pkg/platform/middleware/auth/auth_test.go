package auth

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	id "chenu/pkg/domain"
	"chenu/pkg/requestcontext"
)

type stubValidator struct{}

func (stubValidator) ValidateToken(token string) (*JWTClaims, error) {
	if token != "good" {
		return nil, errors.New("bad token")
	}
	return &JWTClaims{Identity: "user-a", JTI: "jti-1"}, nil
}

func TestRequireAuth(t *testing.T) {
	var seen id.IdentityID
	handler := RequireAuth(stubValidator{}, slog.New(slog.NewTextHandler(io.Discard, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = requestcontext.Identity(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}),
	)

	tests := []struct {
		name       string
		header     string
		upgrade    bool
		query      string
		wantStatus int
		wantID     id.IdentityID
	}{
		{name: "valid bearer token", header: "Bearer good", wantStatus: http.StatusNoContent, wantID: "user-a"},
		{name: "invalid token", header: "Bearer bad", wantStatus: http.StatusUnauthorized},
		{name: "missing header", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic good", wantStatus: http.StatusUnauthorized},
		{name: "query token on upgrade", upgrade: true, query: "good", wantStatus: http.StatusNoContent, wantID: "user-a"},
		{name: "query token without upgrade", query: "good", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			target := "/"
			if tt.query != "" {
				target += "?" + QueryTokenParam + "=" + tt.query
			}
			r := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if tt.upgrade {
				r.Header.Set("Upgrade", "websocket")
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantID, seen)
		})
	}
}
