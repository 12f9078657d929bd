package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	auditmodels "chenu/internal/audit/models"
	"chenu/internal/audit/observability"
	"chenu/internal/budget/models"
	"chenu/internal/platform/metrics"
	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
	"chenu/pkg/platform/sentinel"
	"chenu/pkg/requestcontext"
)

// Store persists budgets. Execute must run validate and mutate as one atomic
// step per scope and must write nothing when validate fails.
type Store interface {
	Get(ctx context.Context, scopeID id.ScopeID) (*models.TokenBudget, error)
	Create(ctx context.Context, b *models.TokenBudget) error
	Put(ctx context.Context, b *models.TokenBudget) error
	Delete(ctx context.Context, scopeID id.ScopeID) error
	List(ctx context.Context) ([]*models.TokenBudget, error)
	Execute(ctx context.Context, scopeID id.ScopeID, validate func(*models.TokenBudget) error, mutate func(*models.TokenBudget)) (*models.TokenBudget, error)
}

// Service owns every budget mutation. Provision, Refund, Resize, Reset and
// Delete append their own audit entries; Use is audited by its caller.
type Service struct {
	store   Store
	auditor observability.Auditor
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	defaultTotal  int64
	defaultPeriod models.Period
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditor(auditor observability.Auditor) Option {
	return func(s *Service) {
		s.auditor = auditor
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithDefaultBudget provisions scopes on first use instead of failing with
// CodeBudgetNotFound.
func WithDefaultBudget(total int64, period models.Period) Option {
	return func(s *Service) {
		if total > 0 && period.IsValid() {
			s.defaultTotal = total
			s.defaultPeriod = period
		}
	}
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("budget store is required")
	}
	svc := &Service{
		store:  store,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// Provision creates the scope's budget, or resizes it and switches its
// period when it already exists. Existing usage is kept.
func (s *Service) Provision(ctx context.Context, scopeID id.ScopeID, total int64, period models.Period) (*models.TokenBudget, error) {
	b, err := models.NewTokenBudget(scopeID, total, period, s.now())
	if err != nil {
		return nil, err
	}

	outcome := "created"
	err = s.store.Create(ctx, b)
	if errors.Is(err, sentinel.ErrConflict) {
		outcome = "resized"
		b, err = s.store.Execute(ctx, scopeID,
			func(*models.TokenBudget) error { return nil },
			func(existing *models.TokenBudget) {
				_ = existing.Resize(total, s.now())
				existing.Period = period
			},
		)
	}
	if err != nil {
		return nil, s.translate(err, "failed to provision budget")
	}

	s.audit(ctx, auditmodels.ActionBudgetProvision, map[string]any{
		auditmodels.DetailOutcome:   outcome,
		auditmodels.DetailScopeID:   scopeID.String(),
		auditmodels.DetailTotal:     total,
		auditmodels.DetailPeriod:    period.String(),
		auditmodels.DetailRemaining: b.Remaining(),
	})
	return b, nil
}

func (s *Service) Get(ctx context.Context, scopeID id.ScopeID) (*models.TokenBudget, error) {
	b, err := s.store.Get(ctx, scopeID)
	if err != nil {
		return nil, s.translate(err, "failed to get budget")
	}
	return b, nil
}

// Remaining returns the scope's unconsumed allocation.
func (s *Service) Remaining(ctx context.Context, scopeID id.ScopeID) (int64, error) {
	b, err := s.Get(ctx, scopeID)
	if err != nil {
		return 0, err
	}
	return b.Remaining(), nil
}

// Use atomically consumes amount tokens. It returns false, leaving the
// budget untouched, when fewer than amount remain.
func (s *Service) Use(ctx context.Context, scopeID id.ScopeID, amount int64) (bool, error) {
	if amount < 0 {
		return false, dErrors.New(dErrors.CodeInvalidAmount, fmt.Sprintf("amount must be non-negative, got %d", amount))
	}

	b, err := s.use(ctx, scopeID, amount)
	if errors.Is(err, sentinel.ErrNotFound) && s.defaultTotal > 0 {
		if err = s.provisionDefault(ctx, scopeID); err == nil {
			b, err = s.use(ctx, scopeID, amount)
		}
	}
	if dErrors.HasCode(err, dErrors.CodeBudgetExhausted) {
		return false, nil
	}
	if err != nil {
		return false, s.translate(err, "failed to use budget")
	}

	s.metrics.AddConsumed(amount)
	s.logger.DebugContext(ctx, "budget consumed",
		"scope_id", scopeID.String(),
		"amount", amount,
		"remaining", b.Remaining(),
	)
	return true, nil
}

func (s *Service) use(ctx context.Context, scopeID id.ScopeID, amount int64) (*models.TokenBudget, error) {
	return s.store.Execute(ctx, scopeID,
		func(b *models.TokenBudget) error { return b.CanUse(amount) },
		func(b *models.TokenBudget) { b.ApplyUse(amount, s.now()) },
	)
}

func (s *Service) provisionDefault(ctx context.Context, scopeID id.ScopeID) error {
	b, err := models.NewTokenBudget(scopeID, s.defaultTotal, s.defaultPeriod, s.now())
	if err != nil {
		return err
	}
	err = s.store.Create(ctx, b)
	if errors.Is(err, sentinel.ErrConflict) {
		// Another request provisioned it first.
		return nil
	}
	if err != nil {
		return err
	}
	s.audit(ctx, auditmodels.ActionBudgetProvision, map[string]any{
		auditmodels.DetailOutcome: "auto_provisioned",
		auditmodels.DetailScopeID: scopeID.String(),
		auditmodels.DetailTotal:   s.defaultTotal,
		auditmodels.DetailPeriod:  s.defaultPeriod.String(),
	})
	return nil
}

// Refund returns min(amount, used) tokens and reports whether anything was
// refunded.
func (s *Service) Refund(ctx context.Context, scopeID id.ScopeID, amount int64) (bool, error) {
	if amount < 0 {
		return false, dErrors.New(dErrors.CodeInvalidAmount, fmt.Sprintf("amount must be non-negative, got %d", amount))
	}

	var refunded int64
	b, err := s.store.Execute(ctx, scopeID,
		func(*models.TokenBudget) error { return nil },
		func(b *models.TokenBudget) { refunded, _ = b.Refund(amount, s.now()) },
	)
	if err != nil {
		return false, s.translate(err, "failed to refund budget")
	}

	outcome := "refunded"
	if refunded == 0 {
		outcome = "nothing_to_refund"
	}
	s.metrics.AddRefunded(refunded)
	s.audit(ctx, auditmodels.ActionBudgetRefund, map[string]any{
		auditmodels.DetailOutcome:   outcome,
		auditmodels.DetailScopeID:   scopeID.String(),
		auditmodels.DetailAmount:    refunded,
		auditmodels.DetailRemaining: b.Remaining(),
	})
	return refunded > 0, nil
}

// Resize sets a new allocation. Usage above the new total is clamped.
func (s *Service) Resize(ctx context.Context, scopeID id.ScopeID, newTotal int64) (*models.TokenBudget, error) {
	if newTotal < 0 {
		return nil, dErrors.New(dErrors.CodeInvalidAmount, fmt.Sprintf("total must be non-negative, got %d", newTotal))
	}

	b, err := s.store.Execute(ctx, scopeID,
		func(*models.TokenBudget) error { return nil },
		func(b *models.TokenBudget) { _ = b.Resize(newTotal, s.now()) },
	)
	if err != nil {
		return nil, s.translate(err, "failed to resize budget")
	}

	s.audit(ctx, auditmodels.ActionBudgetResize, map[string]any{
		auditmodels.DetailOutcome:   "resized",
		auditmodels.DetailScopeID:   scopeID.String(),
		auditmodels.DetailTotal:     newTotal,
		auditmodels.DetailRemaining: b.Remaining(),
	})
	return b, nil
}

// Reset starts a new period for the scope with nothing consumed.
func (s *Service) Reset(ctx context.Context, scopeID id.ScopeID) (*models.TokenBudget, error) {
	b, err := s.store.Execute(ctx, scopeID,
		func(*models.TokenBudget) error { return nil },
		func(b *models.TokenBudget) { b.Reset(s.now()) },
	)
	if err != nil {
		return nil, s.translate(err, "failed to reset budget")
	}
	s.auditReset(ctx, b, "reset")
	return b, nil
}

var errPeriodOpen = errors.New("budget period still open")

// ResetElapsed resets every budget whose period closed before now and
// returns the affected scopes.
func (s *Service) ResetElapsed(ctx context.Context) ([]id.ScopeID, error) {
	budgets, err := s.store.List(ctx)
	if err != nil {
		return nil, s.translate(err, "failed to list budgets")
	}

	var reset []id.ScopeID
	for _, candidate := range budgets {
		if !candidate.IsPeriodElapsed(s.now()) {
			continue
		}
		b, err := s.store.Execute(ctx, candidate.ScopeID,
			func(b *models.TokenBudget) error {
				if !b.IsPeriodElapsed(s.now()) {
					return errPeriodOpen
				}
				return nil
			},
			func(b *models.TokenBudget) { b.Reset(s.now()) },
		)
		if errors.Is(err, errPeriodOpen) || errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return reset, s.translate(err, "failed to reset budget")
		}
		s.auditReset(ctx, b, "period_elapsed")
		reset = append(reset, b.ScopeID)
	}
	return reset, nil
}

func (s *Service) auditReset(ctx context.Context, b *models.TokenBudget, reason string) {
	s.audit(ctx, auditmodels.ActionBudgetReset, map[string]any{
		auditmodels.DetailOutcome:   "reset",
		auditmodels.DetailReason:    reason,
		auditmodels.DetailScopeID:   b.ScopeID.String(),
		auditmodels.DetailRemaining: b.Remaining(),
	})
}

// Delete removes the scope's budget. Deleting a missing scope is a no-op.
func (s *Service) Delete(ctx context.Context, scopeID id.ScopeID) error {
	if err := s.store.Delete(ctx, scopeID); err != nil {
		return s.translate(err, "failed to delete budget")
	}
	s.audit(ctx, auditmodels.ActionBudgetDelete, map[string]any{
		auditmodels.DetailOutcome: "deleted",
		auditmodels.DetailScopeID: scopeID.String(),
	})
	return nil
}

func (s *Service) List(ctx context.Context) ([]*models.TokenBudget, error) {
	budgets, err := s.store.List(ctx)
	if err != nil {
		return nil, s.translate(err, "failed to list budgets")
	}
	return budgets, nil
}

func (s *Service) audit(ctx context.Context, action auditmodels.Action, details map[string]any) {
	_ = observability.Record(ctx, s.logger, s.auditor, requestcontext.Identity(ctx), action, details)
}

// translate maps store facts onto domain codes. Coded errors pass through.
func (s *Service) translate(err error, msg string) error {
	var coded *dErrors.Error
	switch {
	case errors.As(err, &coded):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeBudgetNotFound, "budget not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "budget was modified concurrently")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
