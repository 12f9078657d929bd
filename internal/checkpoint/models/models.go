package models

import (
	"fmt"
	"time"

	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
)

// Status is the checkpoint lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// IsValid checks if the status is one of the supported enum values.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// CanTransitionTo allows only pending -> {approved, rejected, expired}.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusPending && next.IsTerminal()
}

func (s Status) String() string { return string(s) }

// Resolution reasons recorded on terminal checkpoints.
const (
	ReasonBudgetExhausted = "budget_exhausted"
	ReasonTTLElapsed      = "ttl_elapsed"
)

// Checkpoint is a request waiting for a human decision.
//
// Invariants:
//   - Status leaves pending at most once; terminal states are immutable
//   - ResolvedBy and ResolvedAt are set exactly when Status is terminal
//   - Only RequestedBy may see the checkpoint
type Checkpoint struct {
	ID            id.CheckpointID `json:"id"`
	ActionType    id.ActionType   `json:"action_type"`
	ResourceRef   string          `json:"resource_ref,omitempty"`
	ScopeID       id.ScopeID      `json:"scope_id"`
	EstimatedCost int64           `json:"estimated_cost"`
	Status        Status          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	RequestedBy   id.IdentityID   `json:"requested_by"`
	RequestedAt   time.Time       `json:"requested_at"`
	ResolvedBy    id.IdentityID   `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// IsOwnedBy reports whether identity requested the checkpoint.
func (c *Checkpoint) IsOwnedBy(identity id.IdentityID) bool {
	return c.RequestedBy == identity
}

// IsOverdue reports whether a pending checkpoint's TTL elapsed at now.
func (c *Checkpoint) IsOverdue(now time.Time) bool {
	return c.Status == StatusPending && !now.Before(c.ExpiresAt)
}

// CanTransitionTo returns CodeInvalidTransition unless the checkpoint is
// pending. Use with ApplyResolution in Execute callbacks.
func (c *Checkpoint) CanTransitionTo(next Status) error {
	if !c.Status.CanTransitionTo(next) {
		return dErrors.New(dErrors.CodeInvalidTransition,
			fmt.Sprintf("checkpoint %s cannot move from %s to %s", c.ID, c.Status, next))
	}
	return nil
}

// ApplyResolution moves the checkpoint to a terminal state. Call
// CanTransitionTo first.
func (c *Checkpoint) ApplyResolution(status Status, by id.IdentityID, reason string, now time.Time) {
	c.Status = status
	c.ResolvedBy = by
	c.Reason = reason
	resolvedAt := now
	c.ResolvedAt = &resolvedAt
}

// Filter selects checkpoints for List. Zero values mean "no constraint".
type Filter struct {
	RequestedBy   id.IdentityID
	Status        Status
	ExpiresBefore time.Time
}

// Matches reports whether c satisfies every set constraint.
func (f Filter) Matches(c *Checkpoint) bool {
	if f.RequestedBy != "" && c.RequestedBy != f.RequestedBy {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if !f.ExpiresBefore.IsZero() && c.ExpiresAt.After(f.ExpiresBefore) {
		return false
	}
	return true
}
