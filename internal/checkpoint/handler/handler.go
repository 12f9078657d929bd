package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chenu/internal/checkpoint/models"
	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
	"chenu/pkg/platform/httputil"
	"chenu/pkg/requestcontext"
)

// Service defines the interface for checkpoint queue operations.
type Service interface {
	Get(ctx context.Context, checkpointID id.CheckpointID, identity id.IdentityID) (*models.Checkpoint, error)
	ListPending(ctx context.Context, identity id.IdentityID) ([]*models.Checkpoint, error)
	Approve(ctx context.Context, checkpointID id.CheckpointID, approverID id.IdentityID) (*models.Checkpoint, error)
	Reject(ctx context.Context, checkpointID id.CheckpointID, approverID id.IdentityID, reason string) (*models.Checkpoint, error)
}

// Handler exposes the checkpoint queue to the identity that owns it.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a checkpoint handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Register mounts checkpoint endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/checkpoints", h.HandleListPending)
	r.Get("/checkpoints/{checkpoint_id}", h.HandleGet)
	r.Post("/checkpoints/{checkpoint_id}/approve", h.HandleApprove)
	r.Post("/checkpoints/{checkpoint_id}/reject", h.HandleReject)
}

// HandleListPending handles GET /checkpoints.
func (h *Handler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	pending, err := h.service.ListPending(ctx, identity)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list pending checkpoints",
			"request_id", requestcontext.RequestID(ctx),
			"identity_id", identity.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromCheckpoints(pending))
}

// HandleGet handles GET /checkpoints/{checkpoint_id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	checkpointID, ok := parseCheckpointID(w, r)
	if !ok {
		return
	}

	cp, err := h.service.Get(ctx, checkpointID, identity)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromCheckpoint(cp))
}

// HandleApprove handles POST /checkpoints/{checkpoint_id}/approve. A
// checkpoint whose budget ran out meanwhile resolves as rejected with a 200.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	checkpointID, ok := parseCheckpointID(w, r)
	if !ok {
		return
	}

	cp, err := h.service.Approve(ctx, checkpointID, identity)
	if err != nil {
		h.logResolutionFailure(ctx, "approve", checkpointID, identity, err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromCheckpoint(cp))
}

// HandleReject handles POST /checkpoints/{checkpoint_id}/reject. The body
// is optional.
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	checkpointID, ok := parseCheckpointID(w, r)
	if !ok {
		return
	}

	var reason string
	if r.ContentLength != 0 {
		req, ok := httputil.DecodeAndPrepare[RejectRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
		if !ok {
			return
		}
		reason = req.Reason
	}

	cp, err := h.service.Reject(ctx, checkpointID, identity, reason)
	if err != nil {
		h.logResolutionFailure(ctx, "reject", checkpointID, identity, err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromCheckpoint(cp))
}

func (h *Handler) requireIdentity(w http.ResponseWriter, r *http.Request) (id.IdentityID, bool) {
	identity := requestcontext.Identity(r.Context())
	if identity.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return "", false
	}
	return identity, true
}

func (h *Handler) logResolutionFailure(ctx context.Context, op string, checkpointID id.CheckpointID, identity id.IdentityID, err error) {
	level := slog.LevelWarn
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, "checkpoint resolution failed",
		"request_id", requestcontext.RequestID(ctx),
		"operation", op,
		"checkpoint_id", checkpointID.String(),
		"identity_id", identity.String(),
		"error", err,
	)
}

func parseCheckpointID(w http.ResponseWriter, r *http.Request) (id.CheckpointID, bool) {
	checkpointID, err := id.ParseCheckpointID(chi.URLParam(r, "checkpoint_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.CheckpointID{}, false
	}
	return checkpointID, true
}
