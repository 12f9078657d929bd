package metadata

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chenu/pkg/requestcontext"
)

func TestClientIPFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded chain", headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, want: "203.0.113.7"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": " 198.51.100.2 "}, want: "198.51.100.2"},
		{name: "ipv4 remote", remote: "192.0.2.1:5555", want: "192.0.2.1"},
		{name: "ipv6 remote", remote: "[::1]:5555", want: "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIPFromRequest(r))
		})
	}
}

func TestClientMetadataParsesUserAgent(t *testing.T) {
	const firefox = "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0"

	var (
		client requestcontext.Client
		ok     bool
		rawUA  string
	)
	handler := ClientMetadata(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, ok = requestcontext.ClientInfo(r.Context())
		rawUA = requestcontext.UserAgent(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("User-Agent", firefox)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	require.True(t, ok)
	assert.Equal(t, firefox, rawUA)
	assert.Equal(t, "Firefox", client.Browser)
	assert.False(t, client.Mobile)
	assert.False(t, client.Bot)
}
