package requestlimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chenu/internal/platform/metrics"
	"chenu/internal/ratelimit/models"
	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
	"chenu/pkg/requestcontext"
)

// BucketStore counts requests per key over a sliding window.
type BucketStore interface {
	AllowN(ctx context.Context, key string, cost int, limit int, window time.Duration) (*models.RateLimitResult, error)
}

// Service applies per-class limits to the caller's identity, or to the
// client IP when the request carries none.
type Service struct {
	buckets BucketStore
	limits  map[models.EndpointClass]models.Limit
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLimit sets the allowance for class.
func WithLimit(class models.EndpointClass, limit models.Limit) Option {
	return func(s *Service) {
		s.limits[class] = limit
	}
}

// DefaultLimits are used for classes no option overrides.
func DefaultLimits() map[models.EndpointClass]models.Limit {
	return map[models.EndpointClass]models.Limit{
		models.ClassRead:  {Requests: 300, Window: time.Minute},
		models.ClassWrite: {Requests: 60, Window: time.Minute},
	}
}

func New(buckets BucketStore, opts ...Option) (*Service, error) {
	if buckets == nil {
		return nil, errors.New("buckets store is required")
	}
	s := &Service{
		buckets: buckets,
		limits:  DefaultLimits(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Check consumes one request from the caller's bucket for class. A class
// with no configured limit is refused.
func (s *Service) Check(ctx context.Context, class models.EndpointClass, identity id.IdentityID, clientIP string) (*models.RateLimitResult, error) {
	limit, ok := s.limits[class]
	if !ok || limit.Requests <= 0 {
		s.logger.WarnContext(ctx, "rate limit not configured for endpoint class", "endpoint_class", class.String())
		return &models.RateLimitResult{
			Allowed:    false,
			ResetAt:    requestcontext.Now(ctx),
			RetryAfter: 60,
		}, nil
	}

	prefix, identifier := models.KeyPrefixIdentity, identity.String()
	if identity.IsNil() {
		prefix, identifier = models.KeyPrefixIP, clientIP
	}

	result, err := s.buckets.AllowN(ctx, models.BucketKey(prefix, class, identifier), 1, limit.Requests, limit.Window)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check rate limit")
	}
	if !result.Allowed {
		s.metrics.IncrementRateLimited(class.String())
		s.logger.InfoContext(ctx, "rate limit exceeded",
			"endpoint_class", class.String(),
			"limit_type", string(prefix),
			"identity_id", identity.String(),
			"retry_after", result.RetryAfter,
		)
	}
	return result, nil
}
