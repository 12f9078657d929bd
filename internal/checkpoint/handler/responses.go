package handler

import (
	"time"

	"chenu/internal/checkpoint/models"
)

// CheckpointResponse is the wire form of a checkpoint.
type CheckpointResponse struct {
	ID            string     `json:"id"`
	ActionType    string     `json:"action_type"`
	ResourceRef   string     `json:"resource_ref,omitempty"`
	ScopeID       string     `json:"scope_id"`
	EstimatedCost int64      `json:"estimated_cost"`
	Status        string     `json:"status"`
	Reason        string     `json:"reason,omitempty"`
	RequestedAt   time.Time  `json:"requested_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ResolvedBy    string     `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// ListResponse wraps GET /checkpoints.
type ListResponse struct {
	Checkpoints []CheckpointResponse `json:"checkpoints"`
	Total       int                  `json:"total"`
}

func FromCheckpoint(cp *models.Checkpoint) CheckpointResponse {
	return CheckpointResponse{
		ID:            cp.ID.String(),
		ActionType:    cp.ActionType.String(),
		ResourceRef:   cp.ResourceRef,
		ScopeID:       cp.ScopeID.String(),
		EstimatedCost: cp.EstimatedCost,
		Status:        cp.Status.String(),
		Reason:        cp.Reason,
		RequestedAt:   cp.RequestedAt,
		ExpiresAt:     cp.ExpiresAt,
		ResolvedBy:    cp.ResolvedBy.String(),
		ResolvedAt:    cp.ResolvedAt,
	}
}

func FromCheckpoints(cps []*models.Checkpoint) ListResponse {
	resp := ListResponse{Checkpoints: make([]CheckpointResponse, 0, len(cps))}
	for _, cp := range cps {
		resp.Checkpoints = append(resp.Checkpoints, FromCheckpoint(cp))
	}
	resp.Total = len(resp.Checkpoints)
	return resp
}
