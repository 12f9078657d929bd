package handler

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"chenu/internal/audit/models"
	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
	platformstrings "chenu/pkg/platform/strings"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// parseQuery reads actor, since, until, action (repeatable) and limit.
// Times are RFC 3339.
func parseQuery(values url.Values) (query, error) {
	q := query{filter: models.Filter{Limit: defaultLimit}}

	if raw := values.Get("actor"); raw != "" {
		actor, err := id.ParseIdentityID(raw)
		if err != nil {
			return q, err
		}
		q.actor = actor
	}
	for _, key := range []string{"since", "until"} {
		raw := strings.TrimSpace(values.Get(key))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, dErrors.New(dErrors.CodeValidation, key+" must be an RFC 3339 timestamp")
		}
		if key == "since" {
			q.filter.Since = t
		} else {
			q.filter.Until = t
		}
	}
	if !q.filter.Since.IsZero() && !q.filter.Until.IsZero() && q.filter.Until.Before(q.filter.Since) {
		return q, dErrors.New(dErrors.CodeValidation, "until must not be before since")
	}
	q.actions = platformstrings.SplitList[models.Action](values["action"])
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return q, dErrors.New(dErrors.CodeValidation, "limit must be a positive integer")
		}
		q.filter.Limit = min(limit, maxLimit)
	}
	return q, nil
}
