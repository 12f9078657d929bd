package metadata

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"chenu/pkg/requestcontext"
)

// ClientMetadata extracts client IP address and User-Agent from the request
// and adds them, with the parsed agent summary, to the context.
// This middleware should be applied early in the chain.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIPFromRequest(r)
		rawUA := r.Header.Get("User-Agent")

		ctx := requestcontext.WithClientMetadata(r.Context(), ip, rawUA, ParseClient(rawUA))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ParseClient summarises a User-Agent header.
func ParseClient(rawUA string) requestcontext.Client {
	if rawUA == "" {
		return requestcontext.Client{}
	}
	ua := useragent.New(rawUA)
	browser, _ := ua.Browser()
	return requestcontext.Client{
		Browser: browser,
		OS:      ua.OS(),
		Mobile:  ua.Mobile(),
		Bot:     ua.Bot(),
	}
}

// ClientIPFromRequest extracts the real client IP from the request, handling proxies and load balancers.
func ClientIPFromRequest(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs (client, proxy1, proxy2, ...);
	// the first is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// RemoteAddr is "ip:port", or "[::1]:port" for IPv6.
	if addr := r.RemoteAddr; addr != "" {
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return strings.Trim(addr[:idx], "[]")
		}
		return addr
	}

	return "unknown"
}
