package handler

import (
	"chenu/internal/audit/models"
)

// ListResponse wraps audit query results in append order.
type ListResponse struct {
	Entries []models.Entry `json:"entries"`
	Total   int            `json:"total"`
}

// VerifyResponse reports the result of walking the hash chain.
type VerifyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func FromEntries(entries []models.Entry) ListResponse {
	if entries == nil {
		entries = []models.Entry{}
	}
	return ListResponse{Entries: entries, Total: len(entries)}
}
