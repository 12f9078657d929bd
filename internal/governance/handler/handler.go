package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chenu/internal/governance/models"
	dErrors "chenu/pkg/domain-errors"
	"chenu/pkg/platform/httputil"
	"chenu/pkg/requestcontext"
)

// Service defines the interface for governance operations.
type Service interface {
	Evaluate(ctx context.Context, req models.EvaluateRequest) (*models.Decision, error)
	Policies() *models.PolicySet
}

// Handler wires governance endpoints to the gate.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a governance handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Register mounts governance endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/actions/evaluate", h.HandleEvaluate)
	r.Get("/policies", h.HandleListPolicies)
}

// HandleEvaluate handles POST /actions/evaluate. Denials are 200 responses
// carrying decision "denied"; only malformed requests and failures are errors.
func (h *Handler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	identity := requestcontext.Identity(ctx)
	if identity.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}

	req, ok := httputil.DecodeAndPrepare[EvaluateRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	decision, err := h.service.Evaluate(ctx, req.ToDomain(identity))
	if err != nil {
		h.logger.WarnContext(ctx, "action evaluation failed",
			"request_id", requestID,
			"identity_id", identity.String(),
			"action_type", req.ActionType,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "action evaluated",
		"request_id", requestID,
		"identity_id", identity.String(),
		"action_type", req.ActionType,
		"decision", decision.Kind.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, FromDecision(decision))
}

// HandleListPolicies handles GET /policies.
func (h *Handler) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, FromPolicySet(h.service.Policies()))
}
