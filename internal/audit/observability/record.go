// Package observability records governance events to the structured logger
// and the audit log in one call.
package observability

import (
	"context"
	"log/slog"

	"chenu/internal/audit/models"
	"chenu/pkg/attrs"
	id "chenu/pkg/domain"
	"chenu/pkg/requestcontext"
)

// SystemActor attributes entries produced without a caller identity, such
// as expiry sweeps.
const SystemActor id.IdentityID = "system"

// Auditor appends entries to the audit log.
type Auditor interface {
	Append(ctx context.Context, entry models.Entry) (id.AuditEntryID, error)
}

// Record logs the event with log_type=audit and appends one entry. A failed
// append is logged at error level and returned.
func Record(ctx context.Context, logger *slog.Logger, auditor Auditor, actor id.IdentityID, action models.Action, details map[string]any) error {
	if actor.IsNil() {
		actor = SystemActor
	}
	if details == nil {
		details = map[string]any{}
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		details[models.DetailRequestID] = requestID
	}

	if logger != nil {
		args := append(attrs.FromMap(details), "actor_id", actor.String(), "log_type", "audit")
		logger.InfoContext(ctx, string(action), args...)
	}

	if auditor == nil {
		return nil
	}
	if _, err := auditor.Append(ctx, models.Entry{ActorID: actor, Action: action, Details: details}); err != nil {
		if logger != nil {
			logger.ErrorContext(ctx, "failed to append audit entry",
				"action", action,
				"actor_id", actor.String(),
				"outcome", attrs.ExtractString(attrs.FromMap(details), models.DetailOutcome),
				"error", err,
			)
		}
		return err
	}
	return nil
}
