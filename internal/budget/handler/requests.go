package handler

import (
	"chenu/internal/budget/models"
	dErrors "chenu/pkg/domain-errors"
)

// ProvisionRequest is the body for PUT /budgets/{scope_id}.
type ProvisionRequest struct {
	Total  int64  `json:"total"`
	Period string `json:"period"`

	parsedPeriod models.Period
}

func (r *ProvisionRequest) Normalize() {
	if r.Period == "" {
		r.Period = models.PeriodMonthly.String()
	}
}

func (r *ProvisionRequest) Validate() error {
	if r.Total < 0 {
		return dErrors.New(dErrors.CodeInvalidAmount, "total must be non-negative")
	}
	period, err := models.ParsePeriod(r.Period)
	if err != nil {
		return err
	}
	r.parsedPeriod = period
	return nil
}

// ResizeRequest is the body for POST /budgets/{scope_id}/resize.
type ResizeRequest struct {
	Total int64 `json:"total"`
}

func (r *ResizeRequest) Validate() error {
	if r.Total < 0 {
		return dErrors.New(dErrors.CodeInvalidAmount, "total must be non-negative")
	}
	return nil
}

// RefundRequest is the body for POST /budgets/{scope_id}/refund.
type RefundRequest struct {
	Amount int64 `json:"amount"`
}

func (r *RefundRequest) Validate() error {
	if r.Amount < 0 {
		return dErrors.New(dErrors.CodeInvalidAmount, "amount must be non-negative")
	}
	return nil
}
