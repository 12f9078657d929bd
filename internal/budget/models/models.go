package models

import (
	"fmt"
	"strings"
	"time"

	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
)

// Period is the accounting window after which an external scheduler resets a budget.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// IsValid checks if the period is one of the supported enum values.
func (p Period) IsValid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

func (p Period) String() string { return string(p) }

// ParsePeriod accepts the enum values case-insensitively.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("invalid budget period %q", s))
	}
	return p, nil
}

// End returns the first instant after the window that begins at start.
func (p Period) End(start time.Time) time.Time {
	switch p {
	case PeriodDaily:
		return start.AddDate(0, 0, 1)
	case PeriodWeekly:
		return start.AddDate(0, 0, 7)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// TokenBudget tracks token consumption for a scope (user, sphere or session).
//
// Invariants:
//   - 0 <= TotalUsed <= TotalAllocated at every observable point
//   - Mutations happen only through Use, Refund, Resize and Reset
type TokenBudget struct {
	ScopeID        id.ScopeID `json:"scope_id"`
	TotalAllocated int64      `json:"total_allocated"`
	TotalUsed      int64      `json:"total_used"`
	Period         Period     `json:"period"`
	PeriodStart    time.Time  `json:"period_start"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewTokenBudget creates a TokenBudget with domain invariant validation.
func NewTokenBudget(scopeID id.ScopeID, total int64, period Period, now time.Time) (*TokenBudget, error) {
	if scopeID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "scope_id is required")
	}
	if err := checkAmount(total); err != nil {
		return nil, err
	}
	if !period.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("invalid budget period %q", period))
	}
	return &TokenBudget{
		ScopeID:        scopeID,
		TotalAllocated: total,
		Period:         period,
		PeriodStart:    now,
		UpdatedAt:      now,
	}, nil
}

// Remaining returns TotalAllocated - TotalUsed.
func (b *TokenBudget) Remaining() int64 {
	return b.TotalAllocated - b.TotalUsed
}

// PeriodEnd returns when the current accounting window closes.
func (b *TokenBudget) PeriodEnd() time.Time {
	return b.Period.End(b.PeriodStart)
}

// CanUse validates a consumption of amount tokens without applying it.
// Insufficient budget is reported as CodeBudgetExhausted.
// Use with ApplyUse in Execute callbacks.
func (b *TokenBudget) CanUse(amount int64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount > b.Remaining() {
		return dErrors.New(dErrors.CodeBudgetExhausted,
			fmt.Sprintf("insufficient budget: requested %d, remaining %d", amount, b.Remaining()))
	}
	return nil
}

// ApplyUse increments TotalUsed. Call CanUse first.
func (b *TokenBudget) ApplyUse(amount int64, now time.Time) {
	b.TotalUsed += amount
	b.UpdatedAt = now
}

// Use consumes amount tokens if enough remain. It returns false and leaves
// the budget unchanged otherwise. Negative amounts fail with CodeInvalidAmount.
func (b *TokenBudget) Use(amount int64, now time.Time) (bool, error) {
	if err := b.CanUse(amount); err != nil {
		if dErrors.HasCode(err, dErrors.CodeBudgetExhausted) {
			return false, nil
		}
		return false, err
	}
	b.ApplyUse(amount, now)
	return true, nil
}

// Refund decrements TotalUsed by min(amount, TotalUsed) and returns the
// number of tokens actually refunded.
func (b *TokenBudget) Refund(amount int64, now time.Time) (int64, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}
	refunded := min(amount, b.TotalUsed)
	if refunded == 0 {
		return 0, nil
	}
	b.TotalUsed -= refunded
	b.UpdatedAt = now
	return refunded, nil
}

// Resize sets a new allocation. When the new total is below TotalUsed the
// usage is clamped so the bounds invariant holds.
func (b *TokenBudget) Resize(newTotal int64, now time.Time) error {
	if err := checkAmount(newTotal); err != nil {
		return err
	}
	b.TotalAllocated = newTotal
	if b.TotalUsed > newTotal {
		b.TotalUsed = newTotal
	}
	b.UpdatedAt = now
	return nil
}

// Reset starts a new accounting window with nothing consumed.
func (b *TokenBudget) Reset(now time.Time) {
	b.TotalUsed = 0
	b.PeriodStart = now
	b.UpdatedAt = now
}

// IsPeriodElapsed reports whether the current window closed before now.
func (b *TokenBudget) IsPeriodElapsed(now time.Time) bool {
	return !now.Before(b.PeriodEnd())
}

func checkAmount(amount int64) error {
	if amount < 0 {
		return dErrors.New(dErrors.CodeInvalidAmount, fmt.Sprintf("amount must be non-negative, got %d", amount))
	}
	return nil
}
