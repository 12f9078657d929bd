package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chenu/internal/budget/models"
	id "chenu/pkg/domain"
	"chenu/pkg/platform/httputil"
	"chenu/pkg/requestcontext"
)

// Service defines the interface for budget operations.
type Service interface {
	Provision(ctx context.Context, scopeID id.ScopeID, total int64, period models.Period) (*models.TokenBudget, error)
	Get(ctx context.Context, scopeID id.ScopeID) (*models.TokenBudget, error)
	Refund(ctx context.Context, scopeID id.ScopeID, amount int64) (bool, error)
	Resize(ctx context.Context, scopeID id.ScopeID, newTotal int64) (*models.TokenBudget, error)
	Reset(ctx context.Context, scopeID id.ScopeID) (*models.TokenBudget, error)
	Delete(ctx context.Context, scopeID id.ScopeID) error
	List(ctx context.Context) ([]*models.TokenBudget, error)
}

// Handler exposes budget reads to callers and budget administration to
// operators.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a budget handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Register mounts the read endpoint.
func (h *Handler) Register(r chi.Router) {
	r.Get("/budgets/{scope_id}", h.HandleGet)
}

// RegisterAdmin mounts budget administration. The caller guards the router.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/budgets", h.HandleList)
	r.Put("/budgets/{scope_id}", h.HandleProvision)
	r.Delete("/budgets/{scope_id}", h.HandleDelete)
	r.Post("/budgets/{scope_id}/resize", h.HandleResize)
	r.Post("/budgets/{scope_id}/reset", h.HandleReset)
	r.Post("/budgets/{scope_id}/refund", h.HandleRefund)
}

// HandleGet handles GET /budgets/{scope_id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	scopeID, ok := parseScopeID(w, r)
	if !ok {
		return
	}
	b, err := h.service.Get(r.Context(), scopeID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromBudget(b))
}

// HandleList handles GET /budgets.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	budgets, err := h.service.List(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list budgets",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromBudgets(budgets))
}

// HandleProvision handles PUT /budgets/{scope_id}.
func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	scopeID, ok := parseScopeID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[ProvisionRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	b, err := h.service.Provision(ctx, scopeID, req.Total, req.parsedPeriod)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to provision budget",
			"request_id", requestID,
			"scope_id", scopeID.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "budget provisioned",
		"request_id", requestID,
		"scope_id", scopeID.String(),
		"total", req.Total,
		"period", req.parsedPeriod.String(),
	)
	httputil.WriteJSON(w, http.StatusOK, FromBudget(b))
}

// HandleResize handles POST /budgets/{scope_id}/resize.
func (h *Handler) HandleResize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scopeID, ok := parseScopeID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[ResizeRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	b, err := h.service.Resize(ctx, scopeID, req.Total)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromBudget(b))
}

// HandleReset handles POST /budgets/{scope_id}/reset.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	scopeID, ok := parseScopeID(w, r)
	if !ok {
		return
	}
	b, err := h.service.Reset(r.Context(), scopeID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromBudget(b))
}

// HandleRefund handles POST /budgets/{scope_id}/refund.
func (h *Handler) HandleRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scopeID, ok := parseScopeID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[RefundRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	refunded, err := h.service.Refund(ctx, scopeID, req.Amount)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	b, err := h.service.Get(ctx, scopeID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, RefundResponse{
		Refunded: refunded,
		Budget:   FromBudget(b),
	})
}

// HandleDelete handles DELETE /budgets/{scope_id}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scopeID, ok := parseScopeID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(ctx, scopeID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "budget deleted",
		"request_id", requestcontext.RequestID(ctx),
		"scope_id", scopeID.String(),
	)
	w.WriteHeader(http.StatusNoContent)
}

func parseScopeID(w http.ResponseWriter, r *http.Request) (id.ScopeID, bool) {
	scopeID, err := id.ParseScopeID(chi.URLParam(r, "scope_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return "", false
	}
	return scopeID, true
}
