package requestlimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"chenu/internal/platform/metrics"
	"chenu/internal/ratelimit/models"
	"chenu/internal/ratelimit/store/bucket"
	dErrors "chenu/pkg/domain-errors"
)

type failingStore struct{}

func (failingStore) AllowN(context.Context, string, int, int, time.Duration) (*models.RateLimitResult, error) {
	return nil, errors.New("connection refused")
}

type RequestLimitSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	metrics *metrics.Metrics
	service *Service
}

func TestRequestLimitSuite(t *testing.T) {
	suite.Run(t, new(RequestLimitSuite))
}

func (s *RequestLimitSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s.metrics = metrics.New(prometheus.NewRegistry())

	store := bucket.NewInMemoryBucketStore(bucket.WithClock(func() time.Time { return s.now }))
	svc, err := New(store,
		WithLimit(models.ClassRead, models.Limit{Requests: 3, Window: time.Minute}),
		WithLimit(models.ClassWrite, models.Limit{Requests: 1, Window: time.Minute}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(s.metrics),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *RequestLimitSuite) TestNewRequiresStore() {
	_, err := New(nil)
	s.Error(err)
}

func (s *RequestLimitSuite) TestIdentityBucketsAreIndependent() {
	for range 3 {
		result, err := s.service.Check(s.ctx, models.ClassRead, "user-a", "10.0.0.1")
		s.Require().NoError(err)
		s.True(result.Allowed)
	}

	result, err := s.service.Check(s.ctx, models.ClassRead, "user-a", "10.0.0.1")
	s.Require().NoError(err)
	s.False(result.Allowed)
	s.Equal(60, result.RetryAfter)

	result, err = s.service.Check(s.ctx, models.ClassRead, "user-b", "10.0.0.1")
	s.Require().NoError(err)
	s.True(result.Allowed, "a different identity behind the same IP has its own bucket")

	s.Equal(float64(1), testutil.ToFloat64(s.metrics.RateLimitRejections.WithLabelValues("read")))
}

func (s *RequestLimitSuite) TestClassesAreIndependent() {
	result, err := s.service.Check(s.ctx, models.ClassWrite, "user-a", "")
	s.Require().NoError(err)
	s.True(result.Allowed)

	result, err = s.service.Check(s.ctx, models.ClassWrite, "user-a", "")
	s.Require().NoError(err)
	s.False(result.Allowed)

	result, err = s.service.Check(s.ctx, models.ClassRead, "user-a", "")
	s.Require().NoError(err)
	s.True(result.Allowed)
}

func (s *RequestLimitSuite) TestAnonymousFallsBackToClientIP() {
	result, err := s.service.Check(s.ctx, models.ClassWrite, "", "10.0.0.1")
	s.Require().NoError(err)
	s.True(result.Allowed)

	result, err = s.service.Check(s.ctx, models.ClassWrite, "", "10.0.0.1")
	s.Require().NoError(err)
	s.False(result.Allowed)

	result, err = s.service.Check(s.ctx, models.ClassWrite, "", "10.0.0.2")
	s.Require().NoError(err)
	s.True(result.Allowed)
}

func (s *RequestLimitSuite) TestWindowSlides() {
	_, err := s.service.Check(s.ctx, models.ClassWrite, "user-a", "")
	s.Require().NoError(err)

	s.now = s.now.Add(time.Minute + time.Second)
	result, err := s.service.Check(s.ctx, models.ClassWrite, "user-a", "")
	s.Require().NoError(err)
	s.True(result.Allowed)
}

func (s *RequestLimitSuite) TestUnconfiguredClassIsRefused() {
	result, err := s.service.Check(s.ctx, models.EndpointClass("bulk"), "user-a", "")
	s.Require().NoError(err)
	s.False(result.Allowed)
	s.Positive(result.RetryAfter)
}

func (s *RequestLimitSuite) TestStoreFailureIsInternal() {
	svc, err := New(failingStore{}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)

	_, err = svc.Check(s.ctx, models.ClassRead, "user-a", "")
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}
