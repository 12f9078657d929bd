// Package e2e drives a running chenu server through its public HTTP API
// with godog scenarios.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	jwttoken "chenu/internal/jwt_token"
	id "chenu/pkg/domain"
	adminmw "chenu/pkg/platform/middleware/admin"
)

// TestContext holds per-scenario state. Steps talk to it through the small
// interfaces declared in each steps package.
type TestContext struct {
	baseURL    string
	adminToken string
	client     *http.Client
	jwt        *jwttoken.JWTService

	accessToken  string
	scopeID      string
	checkpointID string

	lastStatus int
	lastBody   []byte
}

// NewTestContext reads E2E_BASE_URL, E2E_JWT_SIGNING_KEY, E2E_JWT_ISSUER,
// E2E_JWT_AUDIENCE and E2E_ADMIN_TOKEN.
func NewTestContext() *TestContext {
	return &TestContext{
		baseURL:    strings.TrimSuffix(os.Getenv("E2E_BASE_URL"), "/"),
		adminToken: os.Getenv("E2E_ADMIN_TOKEN"),
		client:     &http.Client{Timeout: 10 * time.Second},
		jwt: jwttoken.NewJWTService(
			envOr("E2E_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			envOr("E2E_JWT_ISSUER", "chenu"),
			envOr("E2E_JWT_AUDIENCE", "chenu-api"),
		),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Reset clears scenario state and assigns a fresh scope so scenarios never
// share a budget.
func (tc *TestContext) Reset() {
	tc.accessToken = ""
	tc.checkpointID = ""
	tc.lastStatus = 0
	tc.lastBody = nil
	tc.scopeID = "e2e-" + uuid.NewString()
}

func (tc *TestContext) BaseURL() string { return tc.baseURL }

func (tc *TestContext) ScopeID() string { return tc.scopeID }

func (tc *TestContext) CheckpointID() string { return tc.checkpointID }

func (tc *TestContext) SetCheckpointID(checkpointID string) { tc.checkpointID = checkpointID }

// AuthenticateAs mints a short-lived access token for identity.
func (tc *TestContext) AuthenticateAs(identity string) error {
	token, err := tc.jwt.GenerateAccessToken(id.IdentityID(identity), 10*time.Minute)
	if err != nil {
		return fmt.Errorf("mint token for %s: %w", identity, err)
	}
	tc.accessToken = token
	return nil
}

func (tc *TestContext) ClearAuthentication() { tc.accessToken = "" }

func (tc *TestContext) GET(path string) error {
	return tc.do(http.MethodGet, path, nil, false)
}

func (tc *TestContext) POST(path string, body any) error {
	return tc.do(http.MethodPost, path, body, false)
}

// AdminPUT and AdminPOST send the operator token instead of a bearer token.
func (tc *TestContext) AdminPUT(path string, body any) error {
	return tc.do(http.MethodPut, path, body, true)
}

func (tc *TestContext) AdminPOST(path string, body any) error {
	return tc.do(http.MethodPost, path, body, true)
}

func (tc *TestContext) AdminGET(path string) error {
	return tc.do(http.MethodGet, path, nil, true)
}

func (tc *TestContext) do(method, path string, body any, admin bool) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, tc.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set(adminmw.HeaderAdminToken, tc.adminToken)
	} else if tc.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+tc.accessToken)
	}

	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	tc.lastStatus = resp.StatusCode
	tc.lastBody, err = io.ReadAll(resp.Body)
	return err
}

func (tc *TestContext) GetLastResponseStatus() int { return tc.lastStatus }

func (tc *TestContext) GetLastResponseBody() []byte { return tc.lastBody }

// GetResponseField returns a top-level field of the last JSON response.
func (tc *TestContext) GetResponseField(field string) (any, error) {
	var body map[string]any
	if err := json.Unmarshal(tc.lastBody, &body); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}
	value, ok := body[field]
	if !ok {
		return nil, fmt.Errorf("field %q not found in response: %s", field, tc.lastBody)
	}
	return value, nil
}
