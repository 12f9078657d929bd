package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chenu/internal/audit/models"
	auditservice "chenu/internal/audit/service"
	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
	"chenu/pkg/platform/httputil"
	"chenu/pkg/requestcontext"
)

// Service defines the read side of the audit log.
type Service interface {
	Query(ctx context.Context, opts ...auditservice.QueryOption) ([]models.Entry, error)
	Verify(ctx context.Context) error
}

// Handler serves audit history. Callers see their own entries; operators
// see everything.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs an audit handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Register mounts the caller-scoped history endpoint.
func (h *Handler) Register(r chi.Router) {
	r.Get("/me/audit", h.HandleListOwn)
}

// RegisterAdmin mounts the unrestricted query and chain verification. The
// caller guards the router.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/audit", h.HandleList)
	r.Get("/audit/verify", h.HandleVerify)
}

// HandleListOwn handles GET /me/audit.
func (h *Handler) HandleListOwn(w http.ResponseWriter, r *http.Request) {
	identity := requestcontext.Identity(r.Context())
	if identity.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	q.actor = identity
	h.list(w, r, q)
}

// HandleList handles GET /audit.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.list(w, r, q)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, q query) {
	ctx := r.Context()
	entries, err := h.service.Query(ctx, q.options()...)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to query audit log",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromEntries(entries))
}

// HandleVerify handles GET /audit/verify. A broken chain is reported in the
// body with a 200; only read failures are errors.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	err := h.service.Verify(ctx)
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusOK, VerifyResponse{Valid: true})
	case dErrors.HasCode(err, dErrors.CodeInvariantViolation):
		h.logger.ErrorContext(ctx, "audit chain verification failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteJSON(w, http.StatusOK, VerifyResponse{Valid: false, Error: err.Error()})
	default:
		httputil.WriteError(w, err)
	}
}

type query struct {
	actor   id.IdentityID
	filter  models.Filter
	actions []models.Action
}

func (q query) options() []auditservice.QueryOption {
	opts := []auditservice.QueryOption{auditservice.WithLimit(q.filter.Limit)}
	if !q.actor.IsNil() {
		opts = append(opts, auditservice.WithActor(q.actor))
	}
	if !q.filter.Since.IsZero() {
		opts = append(opts, auditservice.WithSince(q.filter.Since))
	}
	if !q.filter.Until.IsZero() {
		opts = append(opts, auditservice.WithUntil(q.filter.Until))
	}
	if len(q.actions) > 0 {
		opts = append(opts, auditservice.WithActions(q.actions...))
	}
	return opts
}
