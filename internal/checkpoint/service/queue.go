package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	auditmodels "chenu/internal/audit/models"
	"chenu/internal/audit/observability"
	"chenu/internal/checkpoint/models"
	"chenu/internal/notify"
	"chenu/internal/platform/metrics"
	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
	"chenu/pkg/platform/sentinel"
	txcontext "chenu/pkg/platform/tx"
)

const (
	// DefaultTTL is how long a checkpoint waits for a decision.
	DefaultTTL = 15 * time.Minute

	tracerName = "chenu/internal/checkpoint"
)

// Store persists checkpoints. Execute must hold a per-checkpoint lock for
// validate and mutate and must write nothing when validate fails. validate
// receives the context of the store's transaction, if any, so work it does
// commits or rolls back with the checkpoint.
type Store interface {
	Create(ctx context.Context, cp *models.Checkpoint) error
	Get(ctx context.Context, checkpointID id.CheckpointID) (*models.Checkpoint, error)
	List(ctx context.Context, filter models.Filter) ([]*models.Checkpoint, error)
	Delete(ctx context.Context, checkpointID id.CheckpointID) error
	Execute(ctx context.Context, checkpointID id.CheckpointID, validate func(context.Context, *models.Checkpoint) error, mutate func(*models.Checkpoint)) (*models.Checkpoint, error)
}

// Resolver settles an approval against the budget. Settle reports
// insufficient budget as CodeBudgetExhausted. Release undoes a settlement
// whose approval could not be stored.
type Resolver interface {
	Settle(ctx context.Context, cp *models.Checkpoint) error
	Release(ctx context.Context, cp *models.Checkpoint)
}

// Notifier delivers events to an identity's live channels.
type Notifier interface {
	Notify(ctx context.Context, identity id.IdentityID, event notify.Event) int
}

// Queue holds checkpoints awaiting a human decision. Every transition out
// of pending happens inside the store's per-checkpoint critical section, so
// concurrent approve, reject and expire calls resolve a checkpoint once.
type Queue struct {
	store    Store
	resolver Resolver
	notifier Notifier
	auditor  observability.Auditor
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	clock    func() time.Time
	ttl      time.Duration
}

type Option func(*Queue)

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

func WithAuditor(auditor observability.Auditor) Option {
	return func(q *Queue) {
		q.auditor = auditor
	}
}

func WithNotifier(notifier Notifier) Option {
	return func(q *Queue) {
		q.notifier = notifier
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(q *Queue) {
		if tracer != nil {
			q.tracer = tracer
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

func New(store Store, opts ...Option) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	q := &Queue{
		store:  store,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		clock:  time.Now,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// SetResolver binds the approval resolution path. The gate and the queue
// reference each other, so this is wired after both exist.
func (q *Queue) SetResolver(resolver Resolver) {
	q.resolver = resolver
}

func (q *Queue) now() time.Time {
	return q.clock().UTC()
}

// Enqueue stores cp as pending and returns its new ID. ID, status and
// timestamps supplied by the caller are overwritten.
func (q *Queue) Enqueue(ctx context.Context, cp *models.Checkpoint) (id.CheckpointID, error) {
	if cp == nil {
		return id.CheckpointID{}, dErrors.New(dErrors.CodeBadRequest, "checkpoint is required")
	}
	if cp.RequestedBy.IsNil() {
		return id.CheckpointID{}, dErrors.New(dErrors.CodeBadRequest, "requested_by is required")
	}
	if cp.EstimatedCost < 0 {
		return id.CheckpointID{}, dErrors.New(dErrors.CodeInvalidAmount, "estimated_cost must be non-negative")
	}

	now := q.now()
	cp.ID = id.NewCheckpointID()
	cp.Status = models.StatusPending
	cp.Reason = ""
	cp.ResolvedBy = ""
	cp.ResolvedAt = nil
	cp.RequestedAt = now
	cp.ExpiresAt = now.Add(q.ttl)

	if err := q.store.Create(ctx, cp); err != nil {
		return id.CheckpointID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to enqueue checkpoint")
	}
	q.logger.InfoContext(ctx, "checkpoint enqueued",
		"checkpoint_id", cp.ID.String(),
		"action_type", cp.ActionType.String(),
		"requested_by", cp.RequestedBy.String(),
		"expires_at", cp.ExpiresAt,
	)
	return cp.ID, nil
}

// Get returns the checkpoint if identity owns it. Foreign checkpoints are
// reported as not found.
func (q *Queue) Get(ctx context.Context, checkpointID id.CheckpointID, identity id.IdentityID) (*models.Checkpoint, error) {
	cp, err := q.store.Get(ctx, checkpointID)
	if err != nil {
		return nil, translate(err, "failed to get checkpoint")
	}
	if !cp.IsOwnedBy(identity) {
		return nil, notFound(checkpointID)
	}
	return cp, nil
}

// ListPending returns identity's pending checkpoints, oldest first.
func (q *Queue) ListPending(ctx context.Context, identity id.IdentityID) ([]*models.Checkpoint, error) {
	if identity.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "identity is required")
	}
	list, err := q.store.List(ctx, models.Filter{RequestedBy: identity, Status: models.StatusPending})
	if err != nil {
		return nil, translate(err, "failed to list checkpoints")
	}
	return list, nil
}

// Approve settles the checkpoint's cost and marks it approved. When the
// budget can no longer cover the cost the checkpoint is rejected with
// reason budget_exhausted instead. Exactly one audit entry is appended.
func (q *Queue) Approve(ctx context.Context, checkpointID id.CheckpointID, approverID id.IdentityID) (*models.Checkpoint, error) {
	ctx, span := q.tracer.Start(ctx, "checkpoint.Approve", trace.WithAttributes(
		attribute.String("chenu.checkpoint_id", checkpointID.String()),
	))
	defer span.End()

	cp, err := q.approve(ctx, checkpointID, approverID)
	q.finish(ctx, span, auditmodels.ActionApprove, checkpointID, approverID, cp, err)
	return cp, err
}

func (q *Queue) approve(ctx context.Context, checkpointID id.CheckpointID, approverID id.IdentityID) (*models.Checkpoint, error) {
	if q.resolver == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "checkpoint resolver is not configured")
	}

	var (
		settled   *models.Checkpoint
		settleErr error
		// Settled inside the checkpoint's transaction: a failed write rolls
		// the budget back too, so there is nothing to release.
		settledInTx bool
	)
	cp, err := q.store.Execute(ctx, checkpointID,
		func(txCtx context.Context, cp *models.Checkpoint) error {
			if err := q.checkResolvable(cp, approverID, models.StatusApproved); err != nil {
				return err
			}
			settleErr = q.resolver.Settle(txCtx, cp)
			if settleErr != nil && !dErrors.HasCode(settleErr, dErrors.CodeBudgetExhausted) {
				return settleErr
			}
			if settleErr == nil {
				snapshot := *cp
				settled = &snapshot
				settledInTx = txcontext.Joined(txCtx)
			}
			return nil
		},
		func(cp *models.Checkpoint) {
			if settleErr != nil {
				cp.ApplyResolution(models.StatusRejected, approverID, models.ReasonBudgetExhausted, q.now())
				return
			}
			cp.ApplyResolution(models.StatusApproved, approverID, "", q.now())
		},
	)
	if err != nil {
		if settled != nil && !settledInTx {
			q.resolver.Release(ctx, settled)
		}
		return nil, q.resolutionError(checkpointID, err)
	}
	return cp, nil
}

// Reject marks the checkpoint rejected without touching the budget.
func (q *Queue) Reject(ctx context.Context, checkpointID id.CheckpointID, approverID id.IdentityID, reason string) (*models.Checkpoint, error) {
	ctx, span := q.tracer.Start(ctx, "checkpoint.Reject", trace.WithAttributes(
		attribute.String("chenu.checkpoint_id", checkpointID.String()),
	))
	defer span.End()

	cp, err := q.store.Execute(ctx, checkpointID,
		func(_ context.Context, cp *models.Checkpoint) error {
			return q.checkResolvable(cp, approverID, models.StatusRejected)
		},
		func(cp *models.Checkpoint) {
			cp.ApplyResolution(models.StatusRejected, approverID, reason, q.now())
		},
	)
	if err != nil {
		err = q.resolutionError(checkpointID, err)
		cp = nil
	}
	q.finish(ctx, span, auditmodels.ActionReject, checkpointID, approverID, cp, err)
	return cp, err
}

// ExpireOverdue moves every pending checkpoint whose TTL elapsed at now to
// expired and returns their IDs. Checkpoints resolved concurrently are
// skipped, so repeated calls never expire a checkpoint twice.
func (q *Queue) ExpireOverdue(ctx context.Context, now time.Time) ([]id.CheckpointID, error) {
	candidates, err := q.store.List(ctx, models.Filter{Status: models.StatusPending, ExpiresBefore: now})
	if err != nil {
		return nil, translate(err, "failed to list overdue checkpoints")
	}

	expired := []id.CheckpointID{}
	for _, candidate := range candidates {
		cp, err := q.store.Execute(ctx, candidate.ID,
			func(_ context.Context, cp *models.Checkpoint) error {
				if !cp.IsOverdue(now) {
					return errNotOverdue
				}
				return nil
			},
			func(cp *models.Checkpoint) {
				cp.ApplyResolution(models.StatusExpired, observability.SystemActor, models.ReasonTTLElapsed, now)
			},
		)
		if errors.Is(err, errNotOverdue) || errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return expired, translate(err, "failed to expire checkpoint")
		}

		expired = append(expired, cp.ID)
		q.metrics.IncrementResolution(cp.Status.String())
		q.audit(ctx, auditmodels.ActionExpire, observability.SystemActor, cp.ID, cp, nil)
		q.notifyOwner(ctx, cp)
	}

	if len(expired) > 0 {
		q.metrics.AddExpired(len(expired))
		q.logger.InfoContext(ctx, "expired overdue checkpoints", "count", len(expired))
	}
	return expired, nil
}

var errNotOverdue = errors.New("checkpoint not overdue")

// checkResolvable enforces ownership, then the state machine. Only the
// requesting identity may resolve its checkpoint.
func (q *Queue) checkResolvable(cp *models.Checkpoint, approverID id.IdentityID, next models.Status) error {
	if approverID.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "approver identity is required")
	}
	if !cp.IsOwnedBy(approverID) {
		return notFound(cp.ID)
	}
	return cp.CanTransitionTo(next)
}

// resolutionError surfaces model-level invalid transitions as
// AlreadyResolved, which is what a losing concurrent caller observed.
func (q *Queue) resolutionError(checkpointID id.CheckpointID, err error) error {
	if dErrors.HasCode(err, dErrors.CodeInvalidTransition) {
		return dErrors.Wrap(err, dErrors.CodeAlreadyResolved,
			fmt.Sprintf("checkpoint %s is already resolved", checkpointID))
	}
	return translate(err, "failed to resolve checkpoint")
}

func (q *Queue) finish(ctx context.Context, span trace.Span, action auditmodels.Action, checkpointID id.CheckpointID, actor id.IdentityID, cp *models.Checkpoint, err error) {
	q.audit(ctx, action, actor, checkpointID, cp, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return
	}
	span.SetAttributes(attribute.String("chenu.status", cp.Status.String()))
	q.metrics.IncrementResolution(cp.Status.String())
	q.notifyOwner(ctx, cp)
}

func (q *Queue) audit(ctx context.Context, action auditmodels.Action, actor id.IdentityID, checkpointID id.CheckpointID, cp *models.Checkpoint, err error) {
	details := map[string]any{
		auditmodels.DetailCheckpointID: checkpointID.String(),
	}
	if err != nil {
		details[auditmodels.DetailOutcome] = "failed"
		details[auditmodels.DetailReason] = string(dErrors.CodeOf(err))
		details[auditmodels.DetailError] = err.Error()
	} else {
		details[auditmodels.DetailOutcome] = cp.Status.String()
		details[auditmodels.DetailActionType] = cp.ActionType.String()
		details[auditmodels.DetailScopeID] = cp.ScopeID.String()
		details[auditmodels.DetailEstimatedCost] = cp.EstimatedCost
		if cp.Reason != "" {
			details[auditmodels.DetailReason] = cp.Reason
		}
	}
	_ = observability.Record(ctx, q.logger, q.auditor, actor, action, details)
}

func (q *Queue) notifyOwner(ctx context.Context, cp *models.Checkpoint) {
	if q.notifier == nil {
		return
	}
	q.notifier.Notify(ctx, cp.RequestedBy, notify.Event{
		Type:          eventFor(cp.Status),
		CheckpointID:  cp.ID,
		ActionType:    cp.ActionType,
		ScopeID:       cp.ScopeID,
		EstimatedCost: cp.EstimatedCost,
		Status:        cp.Status.String(),
		Reason:        cp.Reason,
		OccurredAt:    q.now(),
	})
}

func eventFor(status models.Status) notify.EventType {
	switch status {
	case models.StatusApproved:
		return notify.EventCheckpointApproved
	case models.StatusRejected:
		return notify.EventCheckpointRejected
	case models.StatusExpired:
		return notify.EventCheckpointExpired
	default:
		return notify.EventCheckpointRequested
	}
}

func notFound(checkpointID id.CheckpointID) error {
	return dErrors.New(dErrors.CodeCheckpointNotFound, fmt.Sprintf("checkpoint %s not found", checkpointID))
}

// translate maps store facts onto domain codes. Coded errors pass through.
func translate(err error, msg string) error {
	var coded *dErrors.Error
	switch {
	case errors.As(err, &coded):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeCheckpointNotFound, "checkpoint not found")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
