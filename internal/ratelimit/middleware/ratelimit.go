package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"chenu/internal/ratelimit/models"
	id "chenu/pkg/domain"
	"chenu/pkg/platform/circuit"
	"chenu/pkg/platform/httputil"
	"chenu/pkg/requestcontext"
)

// Limiter consumes one request from the caller's allowance for class.
type Limiter interface {
	Check(ctx context.Context, class models.EndpointClass, identity id.IdentityID, clientIP string) (*models.RateLimitResult, error)
}

// Middleware enforces per-identity request limits. Store failures open a
// circuit breaker; while it is open, checks go to the fallback limiter if
// one is configured and requests pass unchecked otherwise.
type Middleware struct {
	limiter  Limiter
	fallback Limiter
	breaker  *circuit.Breaker
	logger   *slog.Logger
	disabled bool
}

type Option func(*Middleware)

// WithDisabled disables rate limiting entirely.
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

// WithFallback sets the limiter used while the primary store is failing.
func WithFallback(fallback Limiter) Option {
	return func(m *Middleware) {
		m.fallback = fallback
	}
}

func WithBreaker(breaker *circuit.Breaker) Option {
	return func(m *Middleware) {
		if breaker != nil {
			m.breaker = breaker
		}
	}
}

func New(limiter Limiter, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		limiter: limiter,
		logger:  logger,
		breaker: circuit.New("ratelimit"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

// ByMethod classifies GET and HEAD as reads and everything else as writes.
func (m *Middleware) ByMethod() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class := models.ClassWrite
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				class = models.ClassRead
			}
			m.serve(w, r, next, class)
		})
	}
}

// RateLimit applies the allowance of a fixed class.
func (m *Middleware) RateLimit(class models.EndpointClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.serve(w, r, next, class)
		})
	}
}

func (m *Middleware) serve(w http.ResponseWriter, r *http.Request, next http.Handler, class models.EndpointClass) {
	if m.disabled {
		next.ServeHTTP(w, r)
		return
	}

	ctx := r.Context()
	result, degraded := m.check(ctx, class, requestcontext.Identity(ctx), requestcontext.ClientIP(ctx))
	if result == nil {
		next.ServeHTTP(w, r)
		return
	}
	if degraded {
		w.Header().Set("X-RateLimit-Status", "degraded")
	}
	addRateLimitHeaders(w, result)

	if !result.Allowed {
		writeRateLimitExceeded(w, result)
		return
	}
	next.ServeHTTP(w, r)
}

// check returns a nil result when no limiter could answer.
func (m *Middleware) check(ctx context.Context, class models.EndpointClass, identity id.IdentityID, ip string) (*models.RateLimitResult, bool) {
	result, err := m.limiter.Check(ctx, class, identity, ip)
	if err == nil {
		usePrimary, change := m.breaker.RecordSuccess()
		if change.Closed {
			m.logger.InfoContext(ctx, "rate limit store recovered", "breaker", m.breaker.Name())
		}
		if usePrimary || m.fallback == nil {
			return result, false
		}
		return m.checkFallback(ctx, class, identity, ip)
	}

	useFallback, change := m.breaker.RecordFailure()
	if change.Opened {
		m.logger.WarnContext(ctx, "rate limit store failing, circuit opened", "breaker", m.breaker.Name())
	}
	m.logger.ErrorContext(ctx, "failed to check rate limit",
		"error", err,
		"endpoint_class", class.String(),
		"identity_id", identity.String(),
	)
	if !useFallback || m.fallback == nil {
		return nil, false
	}
	return m.checkFallback(ctx, class, identity, ip)
}

func (m *Middleware) checkFallback(ctx context.Context, class models.EndpointClass, identity id.IdentityID, ip string) (*models.RateLimitResult, bool) {
	result, err := m.fallback.Check(ctx, class, identity, ip)
	if err != nil {
		m.logger.ErrorContext(ctx, "fallback rate limit check failed", "error", err)
		return nil, true
	}
	return result, true
}

func addRateLimitHeaders(w http.ResponseWriter, result *models.RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func writeRateLimitExceeded(w http.ResponseWriter, result *models.RateLimitResult) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.RateLimitExceededResponse{
		Error:            "rate_limit_exceeded",
		ErrorDescription: "Too many requests. Please try again later.",
		RetryAfter:       result.RetryAfter,
	})
}
