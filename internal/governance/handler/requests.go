package handler

import (
	"strings"

	"chenu/internal/governance/models"
	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
)

const maxResourceRefLength = 512

// EvaluateRequest is the HTTP request body for POST /actions/evaluate.
type EvaluateRequest struct {
	ActionType    string `json:"action_type"`
	EstimatedCost int64  `json:"estimated_cost"`
	ScopeID       string `json:"scope_id"`
	ResourceRef   string `json:"resource_ref,omitempty"`

	parsedActionType id.ActionType
	parsedScopeID    id.ScopeID
}

func (r *EvaluateRequest) Normalize() {
	r.ActionType = strings.TrimSpace(r.ActionType)
	r.ScopeID = strings.TrimSpace(r.ScopeID)
	r.ResourceRef = strings.TrimSpace(r.ResourceRef)
}

// Validate validates and parses the request.
func (r *EvaluateRequest) Validate() error {
	if len(r.ResourceRef) > maxResourceRefLength {
		return dErrors.New(dErrors.CodeValidation, "resource_ref is too long")
	}
	if r.EstimatedCost < 0 {
		return dErrors.New(dErrors.CodeInvalidAmount, "estimated_cost must be non-negative")
	}
	actionType, err := id.ParseActionType(r.ActionType)
	if err != nil {
		return err
	}
	scopeID, err := id.ParseScopeID(r.ScopeID)
	if err != nil {
		return err
	}
	r.parsedActionType = actionType
	r.parsedScopeID = scopeID
	return nil
}

// ToDomain builds the gate request for the authenticated identity.
func (r *EvaluateRequest) ToDomain(identity id.IdentityID) models.EvaluateRequest {
	return models.EvaluateRequest{
		ActionType:    r.parsedActionType,
		EstimatedCost: r.EstimatedCost,
		ScopeID:       r.parsedScopeID,
		RequestedBy:   identity,
		ResourceRef:   r.ResourceRef,
	}
}
