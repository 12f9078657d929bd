// Package request assigns every request an ID that follows it through logs
// and audit entries.
package request

import (
	"net/http"

	"github.com/google/uuid"

	"chenu/pkg/requestcontext"
)

// HeaderRequestID is read from callers and echoed on responses.
const HeaderRequestID = "X-Request-ID"

const maxRequestIDLength = 128

// RequestID reuses a caller-supplied ID when it is short enough, otherwise it
// generates one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(requestcontext.WithRequestID(r.Context(), requestID)))
	})
}
