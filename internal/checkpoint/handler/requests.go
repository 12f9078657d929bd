package handler

import (
	"strings"

	dErrors "chenu/pkg/domain-errors"
)

const maxReasonLength = 1024

// RejectRequest is the optional body for POST /checkpoints/{id}/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

func (r *RejectRequest) Normalize() {
	r.Reason = strings.TrimSpace(r.Reason)
}

func (r *RejectRequest) Validate() error {
	if len(r.Reason) > maxReasonLength {
		return dErrors.New(dErrors.CodeValidation, "reason is too long")
	}
	return nil
}
