package handler

import (
	"chenu/internal/governance/models"
)

// DecisionResponse is returned by POST /actions/evaluate.
type DecisionResponse struct {
	Decision      string `json:"decision"`
	Reason        string `json:"reason,omitempty"`
	CheckpointID  string `json:"checkpoint_id,omitempty"`
	ActionType    string `json:"action_type"`
	ScopeID       string `json:"scope_id"`
	EstimatedCost int64  `json:"estimated_cost"`
}

func FromDecision(d *models.Decision) DecisionResponse {
	resp := DecisionResponse{
		Decision:      d.Kind.String(),
		Reason:        d.Reason,
		ActionType:    d.ActionType.String(),
		ScopeID:       d.ScopeID.String(),
		EstimatedCost: d.Cost,
	}
	if d.CheckpointID != nil {
		resp.CheckpointID = d.CheckpointID.String()
	}
	return resp
}

// PolicySetResponse is returned by GET /policies.
type PolicySetResponse struct {
	Version  string          `json:"version"`
	Digest   string          `json:"digest"`
	Policies []models.Policy `json:"policies"`
}

func FromPolicySet(set *models.PolicySet) PolicySetResponse {
	resp := PolicySetResponse{
		Version:  set.Version(),
		Digest:   set.Digest(),
		Policies: make([]models.Policy, 0, set.Len()),
	}
	for _, actionType := range set.ActionTypes() {
		p, _ := set.Lookup(actionType)
		resp.Policies = append(resp.Policies, p)
	}
	return resp
}
