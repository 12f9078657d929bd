package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	auditmodels "chenu/internal/audit/models"
	"chenu/internal/audit/observability"
	cpmodels "chenu/internal/checkpoint/models"
	"chenu/internal/governance/models"
	"chenu/internal/notify"
	"chenu/internal/platform/metrics"
	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
	"chenu/pkg/requestcontext"
)

const tracerName = "chenu/internal/governance"

// Budget is the slice of the budget service the gate needs.
type Budget interface {
	Use(ctx context.Context, scopeID id.ScopeID, amount int64) (bool, error)
	Refund(ctx context.Context, scopeID id.ScopeID, amount int64) (bool, error)
}

// Queue parks requests that need a human decision.
type Queue interface {
	Enqueue(ctx context.Context, cp *cpmodels.Checkpoint) (id.CheckpointID, error)
}

// Notifier delivers events to an identity's live channels.
type Notifier interface {
	Notify(ctx context.Context, identity id.IdentityID, event notify.Event) int
}

// Gate evaluates governed actions against a fixed PolicySet and the scope's
// budget. It is also the resolution path the checkpoint queue calls on
// approval.
type Gate struct {
	policies *models.PolicySet
	budget   Budget
	queue    Queue
	notifier Notifier
	auditor  observability.Auditor
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	clock    func() time.Time
}

type Option func(*Gate)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

func WithAuditor(auditor observability.Auditor) Option {
	return func(g *Gate) {
		g.auditor = auditor
	}
}

func WithNotifier(notifier Notifier) Option {
	return func(g *Gate) {
		g.notifier = notifier
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(g *Gate) {
		if tracer != nil {
			g.tracer = tracer
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

func New(policies *models.PolicySet, budget Budget, queue Queue, opts ...Option) (*Gate, error) {
	if policies == nil {
		return nil, fmt.Errorf("policy set is required")
	}
	if budget == nil {
		return nil, fmt.Errorf("budget service is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("checkpoint queue is required")
	}
	g := &Gate{
		policies: policies,
		budget:   budget,
		queue:    queue,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Evaluate decides whether req may run. Denials are decisions, not errors.
// Errors are returned for malformed requests, unknown action types and
// infrastructure failures. Every call appends exactly one audit entry.
func (g *Gate) Evaluate(ctx context.Context, req models.EvaluateRequest) (*models.Decision, error) {
	ctx, span := g.tracer.Start(ctx, "governance.Evaluate", trace.WithAttributes(
		attribute.String("chenu.action_type", req.ActionType.String()),
		attribute.String("chenu.scope_id", req.ScopeID.String()),
		attribute.Int64("chenu.estimated_cost", req.EstimatedCost),
	))
	defer span.End()

	decision, err := g.evaluate(ctx, req)
	g.auditEvaluation(ctx, req, decision, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		g.metrics.IncrementDecision("error")
		return nil, err
	}
	span.SetAttributes(attribute.String("chenu.decision", decision.Kind.String()))
	g.metrics.IncrementDecision(decision.Kind.String())
	return decision, nil
}

func (g *Gate) evaluate(ctx context.Context, req models.EvaluateRequest) (*models.Decision, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	policy, ok := g.policies.Lookup(req.ActionType)
	if !ok {
		return nil, dErrors.New(dErrors.CodeUnknownActionType,
			fmt.Sprintf("no governance policy for action type %q", req.ActionType))
	}

	decision := &models.Decision{
		ActionType: req.ActionType,
		ScopeID:    req.ScopeID,
		Cost:       req.EstimatedCost,
	}

	switch {
	case policy.Deny:
		return deny(decision, models.ReasonPolicyDenied), nil

	case !policy.RequiresApproval && req.EstimatedCost > policy.MaxAutoApproveCost:
		// Requests outside the auto-approve envelope are refused, never queued.
		return deny(decision, models.ReasonExceedsAutoApproveLimit), nil

	case !policy.RequiresApproval:
		used, err := g.budget.Use(ctx, req.ScopeID, req.EstimatedCost)
		if dErrors.HasCode(err, dErrors.CodeBudgetNotFound) {
			return deny(decision, models.ReasonNoBudget), nil
		}
		if err != nil {
			return nil, err
		}
		if !used {
			return deny(decision, models.ReasonInsufficientBudget), nil
		}
		decision.Kind = models.DecisionAutoApproved
		return decision, nil

	default:
		cp := &cpmodels.Checkpoint{
			ActionType:    req.ActionType,
			ResourceRef:   req.ResourceRef,
			ScopeID:       req.ScopeID,
			EstimatedCost: req.EstimatedCost,
			RequestedBy:   req.RequestedBy,
		}
		checkpointID, err := g.queue.Enqueue(ctx, cp)
		if err != nil {
			return nil, err
		}
		g.notifyOwner(ctx, cp, checkpointID)

		decision.Kind = models.DecisionCheckpointRequired
		decision.CheckpointID = &checkpointID
		return decision, nil
	}
}

func deny(d *models.Decision, reason string) *models.Decision {
	d.Kind = models.DecisionDenied
	d.Reason = reason
	return d
}

func (g *Gate) notifyOwner(ctx context.Context, cp *cpmodels.Checkpoint, checkpointID id.CheckpointID) {
	if g.notifier == nil {
		return
	}
	g.notifier.Notify(ctx, cp.RequestedBy, notify.Event{
		Type:          notify.EventCheckpointRequested,
		CheckpointID:  checkpointID,
		ActionType:    cp.ActionType,
		ScopeID:       cp.ScopeID,
		EstimatedCost: cp.EstimatedCost,
		Status:        cpmodels.StatusPending.String(),
		OccurredAt:    g.clock().UTC(),
	})
}

func (g *Gate) auditEvaluation(ctx context.Context, req models.EvaluateRequest, decision *models.Decision, evalErr error) {
	details := map[string]any{
		auditmodels.DetailActionType:    req.ActionType.String(),
		auditmodels.DetailScopeID:       req.ScopeID.String(),
		auditmodels.DetailEstimatedCost: req.EstimatedCost,
		auditmodels.DetailPolicyDigest:  g.policies.Digest(),
	}
	if ip := requestcontext.ClientIP(ctx); ip != "" {
		details[auditmodels.DetailClientIP] = ip
	}
	if ua := requestcontext.UserAgent(ctx); ua != "" {
		details[auditmodels.DetailUserAgent] = ua
	}

	if evalErr != nil {
		details[auditmodels.DetailOutcome] = "failed"
		details[auditmodels.DetailReason] = string(dErrors.CodeOf(evalErr))
		details[auditmodels.DetailError] = evalErr.Error()
	} else {
		details[auditmodels.DetailOutcome] = decision.Kind.String()
		if decision.Reason != "" {
			details[auditmodels.DetailReason] = decision.Reason
		}
		if decision.CheckpointID != nil {
			details[auditmodels.DetailCheckpointID] = decision.CheckpointID.String()
		}
	}
	_ = observability.Record(ctx, g.logger, g.auditor, req.RequestedBy, auditmodels.ActionEvaluate, details)
}

// Settle consumes the checkpoint's estimated cost. Insufficient or missing
// budget is reported as CodeBudgetExhausted; other failures pass through.
func (g *Gate) Settle(ctx context.Context, cp *cpmodels.Checkpoint) error {
	used, err := g.budget.Use(ctx, cp.ScopeID, cp.EstimatedCost)
	if dErrors.HasCode(err, dErrors.CodeBudgetNotFound) {
		return dErrors.Wrap(err, dErrors.CodeBudgetExhausted, "no budget provisioned for scope")
	}
	if err != nil {
		return err
	}
	if !used {
		return dErrors.New(dErrors.CodeBudgetExhausted,
			fmt.Sprintf("insufficient budget for checkpoint %s", cp.ID))
	}
	return nil
}

// Release refunds a settlement whose approval could not be persisted.
func (g *Gate) Release(ctx context.Context, cp *cpmodels.Checkpoint) {
	if _, err := g.budget.Refund(ctx, cp.ScopeID, cp.EstimatedCost); err != nil {
		g.logger.ErrorContext(ctx, "failed to release checkpoint settlement",
			"checkpoint_id", cp.ID.String(),
			"scope_id", cp.ScopeID.String(),
			"amount", cp.EstimatedCost,
			"error", err,
		)
	}
}

// Policies exposes the bound policy set for read-only listing.
func (g *Gate) Policies() *models.PolicySet {
	return g.policies
}
