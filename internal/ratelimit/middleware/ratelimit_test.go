package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"chenu/internal/ratelimit/models"
	id "chenu/pkg/domain"
	"chenu/pkg/platform/circuit"
	"chenu/pkg/requestcontext"
)

type limiterFunc func(ctx context.Context, class models.EndpointClass, identity id.IdentityID, ip string) (*models.RateLimitResult, error)

func (f limiterFunc) Check(ctx context.Context, class models.EndpointClass, identity id.IdentityID, ip string) (*models.RateLimitResult, error) {
	return f(ctx, class, identity, ip)
}

var resetAt = time.Date(2026, 6, 1, 12, 1, 0, 0, time.UTC)

func allowed(remaining int) *models.RateLimitResult {
	return &models.RateLimitResult{Allowed: true, Limit: 10, Remaining: remaining, ResetAt: resetAt}
}

type RateLimitMiddlewareSuite struct {
	suite.Suite
	logger *slog.Logger
}

func TestRateLimitMiddlewareSuite(t *testing.T) {
	suite.Run(t, new(RateLimitMiddlewareSuite))
}

func (s *RateLimitMiddlewareSuite) SetupTest() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *RateLimitMiddlewareSuite) serve(m *Middleware, method string) *httptest.ResponseRecorder {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	req := httptest.NewRequest(method, "/v1/checkpoints", nil)
	ctx := requestcontext.WithIdentity(req.Context(), "user-a")
	rec := httptest.NewRecorder()
	m.ByMethod()(next).ServeHTTP(rec, req.WithContext(ctx))
	return rec
}

func (s *RateLimitMiddlewareSuite) TestClassifiesByMethod() {
	var seen []models.EndpointClass
	m := New(limiterFunc(func(_ context.Context, class models.EndpointClass, identity id.IdentityID, _ string) (*models.RateLimitResult, error) {
		s.Equal(id.IdentityID("user-a"), identity)
		seen = append(seen, class)
		return allowed(9), nil
	}), s.logger)

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete} {
		s.Equal(http.StatusNoContent, s.serve(m, method).Code)
	}
	s.Equal([]models.EndpointClass{
		models.ClassRead, models.ClassRead, models.ClassWrite, models.ClassWrite, models.ClassWrite,
	}, seen)
}

func (s *RateLimitMiddlewareSuite) TestAllowedSetsHeaders() {
	m := New(limiterFunc(func(context.Context, models.EndpointClass, id.IdentityID, string) (*models.RateLimitResult, error) {
		return allowed(7), nil
	}), s.logger)

	rec := s.serve(m, http.MethodGet)
	s.Equal(http.StatusNoContent, rec.Code)
	s.Equal("10", rec.Header().Get("X-RateLimit-Limit"))
	s.Equal("7", rec.Header().Get("X-RateLimit-Remaining"))
	s.Equal("1780315260", rec.Header().Get("X-RateLimit-Reset"))
	s.Empty(rec.Header().Get("X-RateLimit-Status"))
}

func (s *RateLimitMiddlewareSuite) TestExceededReturns429() {
	m := New(limiterFunc(func(context.Context, models.EndpointClass, id.IdentityID, string) (*models.RateLimitResult, error) {
		return &models.RateLimitResult{Allowed: false, Limit: 10, ResetAt: resetAt, RetryAfter: 42}, nil
	}), s.logger)

	rec := s.serve(m, http.MethodPost)
	s.Equal(http.StatusTooManyRequests, rec.Code)
	s.Equal("42", rec.Header().Get("Retry-After"))
	s.Equal("0", rec.Header().Get("X-RateLimit-Remaining"))

	var body models.RateLimitExceededResponse
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(&body))
	s.Equal("rate_limit_exceeded", body.Error)
	s.Equal(42, body.RetryAfter)
}

func (s *RateLimitMiddlewareSuite) TestDisabledSkipsLimiter() {
	m := New(limiterFunc(func(context.Context, models.EndpointClass, id.IdentityID, string) (*models.RateLimitResult, error) {
		s.Fail("limiter must not be called")
		return nil, nil
	}), s.logger, WithDisabled(true))

	rec := s.serve(m, http.MethodPost)
	s.Equal(http.StatusNoContent, rec.Code)
	s.Empty(rec.Header().Get("X-RateLimit-Limit"))
}

func (s *RateLimitMiddlewareSuite) TestStoreErrorFailsOpen() {
	m := New(limiterFunc(func(context.Context, models.EndpointClass, id.IdentityID, string) (*models.RateLimitResult, error) {
		return nil, errors.New("redis: connection refused")
	}), s.logger)

	rec := s.serve(m, http.MethodPost)
	s.Equal(http.StatusNoContent, rec.Code)
	s.Empty(rec.Header().Get("X-RateLimit-Limit"))
}

func (s *RateLimitMiddlewareSuite) TestOpenCircuitUsesFallback() {
	primaryUp := false
	primary := limiterFunc(func(context.Context, models.EndpointClass, id.IdentityID, string) (*models.RateLimitResult, error) {
		if !primaryUp {
			return nil, errors.New("redis: connection refused")
		}
		return allowed(9), nil
	})
	fallback := limiterFunc(func(context.Context, models.EndpointClass, id.IdentityID, string) (*models.RateLimitResult, error) {
		return allowed(3), nil
	})
	breaker := circuit.New("test", circuit.WithFailureThreshold(2), circuit.WithSuccessThreshold(2))
	m := New(primary, s.logger, WithFallback(fallback), WithBreaker(breaker))

	rec := s.serve(m, http.MethodGet)
	s.Empty(rec.Header().Get("X-RateLimit-Limit"), "below the threshold requests pass unchecked")

	rec = s.serve(m, http.MethodGet)
	s.True(breaker.IsOpen())
	s.Equal("degraded", rec.Header().Get("X-RateLimit-Status"))
	s.Equal("3", rec.Header().Get("X-RateLimit-Remaining"))

	primaryUp = true
	rec = s.serve(m, http.MethodGet)
	s.Equal("degraded", rec.Header().Get("X-RateLimit-Status"), "one success does not close the circuit")

	rec = s.serve(m, http.MethodGet)
	s.False(breaker.IsOpen())
	s.Empty(rec.Header().Get("X-RateLimit-Status"))
	s.Equal("9", rec.Header().Get("X-RateLimit-Remaining"))
}
