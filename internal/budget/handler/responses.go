package handler

import (
	"time"

	"chenu/internal/budget/models"
)

// BudgetResponse is the wire form of a token budget.
type BudgetResponse struct {
	ScopeID        string    `json:"scope_id"`
	TotalAllocated int64     `json:"total_allocated"`
	TotalUsed      int64     `json:"total_used"`
	Remaining      int64     `json:"remaining"`
	Period         string    `json:"period"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ListResponse wraps GET /budgets.
type ListResponse struct {
	Budgets []BudgetResponse `json:"budgets"`
	Total   int              `json:"total"`
}

// RefundResponse reports whether anything was returned to the budget.
type RefundResponse struct {
	Refunded bool           `json:"refunded"`
	Budget   BudgetResponse `json:"budget"`
}

func FromBudget(b *models.TokenBudget) BudgetResponse {
	return BudgetResponse{
		ScopeID:        b.ScopeID.String(),
		TotalAllocated: b.TotalAllocated,
		TotalUsed:      b.TotalUsed,
		Remaining:      b.Remaining(),
		Period:         b.Period.String(),
		PeriodStart:    b.PeriodStart,
		PeriodEnd:      b.PeriodEnd(),
		UpdatedAt:      b.UpdatedAt,
	}
}

func FromBudgets(budgets []*models.TokenBudget) ListResponse {
	resp := ListResponse{Budgets: make([]BudgetResponse, 0, len(budgets))}
	for _, b := range budgets {
		resp.Budgets = append(resp.Budgets, FromBudget(b))
	}
	resp.Total = len(resp.Budgets)
	return resp
}
