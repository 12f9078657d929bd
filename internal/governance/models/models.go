package models

import (
	"fmt"
	"maps"
	"slices"

	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
)

// Policy governs one action type.
//
// Invariants:
//   - MaxAutoApproveCost >= 0
//   - Deny wins over every other field
type Policy struct {
	ActionType         id.ActionType `yaml:"action_type" json:"action_type"`
	RequiresApproval   bool          `yaml:"requires_approval" json:"requires_approval"`
	MaxAutoApproveCost int64         `yaml:"max_auto_approve_cost" json:"max_auto_approve_cost"`
	Deny               bool          `yaml:"deny" json:"deny"`
	Description        string        `yaml:"description" json:"description,omitempty"`
}

// PolicySet is an immutable lookup table built once at startup.
type PolicySet struct {
	policies map[id.ActionType]Policy
	version  string
	digest   string
}

// NewPolicySet validates policies and indexes them by action type.
// Duplicate action types are rejected rather than silently overwritten.
func NewPolicySet(version, digest string, policies ...Policy) (*PolicySet, error) {
	index := make(map[id.ActionType]Policy, len(policies))
	for i, p := range policies {
		actionType, err := id.ParseActionType(p.ActionType.String())
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("policy %d", i))
		}
		if p.MaxAutoApproveCost < 0 {
			return nil, dErrors.New(dErrors.CodeValidation,
				fmt.Sprintf("policy %q: max_auto_approve_cost must be non-negative", actionType))
		}
		if _, dup := index[actionType]; dup {
			return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("duplicate policy for action type %q", actionType))
		}
		p.ActionType = actionType
		index[actionType] = p
	}
	return &PolicySet{policies: index, version: version, digest: digest}, nil
}

// Lookup returns the policy for actionType.
func (s *PolicySet) Lookup(actionType id.ActionType) (Policy, bool) {
	p, ok := s.policies[actionType]
	return p, ok
}

// ActionTypes lists the governed action types in sorted order.
func (s *PolicySet) ActionTypes() []id.ActionType {
	return slices.Sorted(maps.Keys(s.policies))
}

func (s *PolicySet) Len() int { return len(s.policies) }

// Version is the operator-assigned policy file version.
func (s *PolicySet) Version() string { return s.version }

// Digest identifies the exact policy bytes the set was built from.
func (s *PolicySet) Digest() string { return s.digest }

// DecisionKind is the outcome of an evaluation.
type DecisionKind string

const (
	DecisionAutoApproved       DecisionKind = "auto_approved"
	DecisionCheckpointRequired DecisionKind = "checkpoint_required"
	DecisionDenied             DecisionKind = "denied"
)

func (k DecisionKind) String() string { return string(k) }

// Denial reasons.
const (
	ReasonInsufficientBudget      = "insufficient_budget"
	ReasonExceedsAutoApproveLimit = "exceeds_auto_approve_limit"
	ReasonPolicyDenied            = "policy_denied"
	ReasonNoBudget                = "no_budget"
)

// Decision is returned by Evaluate. CheckpointID is set only for
// DecisionCheckpointRequired.
type Decision struct {
	Kind         DecisionKind     `json:"decision"`
	Reason       string           `json:"reason,omitempty"`
	CheckpointID *id.CheckpointID `json:"checkpoint_id,omitempty"`
	ActionType   id.ActionType    `json:"action_type"`
	ScopeID      id.ScopeID       `json:"scope_id"`
	Cost         int64            `json:"estimated_cost"`
}

// EvaluateRequest asks whether an action may run.
type EvaluateRequest struct {
	ActionType    id.ActionType
	EstimatedCost int64
	ScopeID       id.ScopeID
	RequestedBy   id.IdentityID
	ResourceRef   string
}

// Validate checks request shape. Unknown action types are the gate's concern.
func (r EvaluateRequest) Validate() error {
	if r.ActionType == "" {
		return dErrors.New(dErrors.CodeBadRequest, "action_type is required")
	}
	if r.ScopeID.IsNil() {
		return dErrors.New(dErrors.CodeBadRequest, "scope_id is required")
	}
	if r.RequestedBy.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "requesting identity is required")
	}
	if r.EstimatedCost < 0 {
		return dErrors.New(dErrors.CodeInvalidAmount,
			fmt.Sprintf("estimated_cost must be non-negative, got %d", r.EstimatedCost))
	}
	return nil
}
