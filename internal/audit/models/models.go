package models

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	id "chenu/pkg/domain"
)

// Action names the operation an entry records. The outcome (approved,
// denied, failed, ...) travels in Details under the "outcome" key.
type Action string

const (
	ActionEvaluate Action = "governance_evaluate"
	ActionApprove  Action = "checkpoint_approve"
	ActionReject   Action = "checkpoint_reject"
	ActionExpire   Action = "checkpoint_expire"

	ActionBudgetProvision Action = "budget_provision"
	ActionBudgetRefund    Action = "budget_refund"
	ActionBudgetResize    Action = "budget_resize"
	ActionBudgetReset     Action = "budget_reset"
	ActionBudgetDelete    Action = "budget_delete"
)

func (a Action) String() string { return string(a) }

// Detail keys shared by producers so queries and dashboards agree on names.
const (
	DetailOutcome       = "outcome"
	DetailReason        = "reason"
	DetailError         = "error"
	DetailScopeID       = "scope_id"
	DetailActionType    = "action_type"
	DetailEstimatedCost = "estimated_cost"
	DetailCheckpointID  = "checkpoint_id"
	DetailRemaining     = "remaining"
	DetailRequestID     = "request_id"
	DetailAmount        = "amount"
	DetailTotal         = "total_allocated"
	DetailPeriod        = "period"
	DetailApprover      = "approver_id"
	DetailClientIP      = "client_ip"
	DetailUserAgent     = "user_agent"
	DetailPolicyDigest  = "policy_digest"
)

// GenesisHash precedes the first entry of a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is an immutable audit record. Seq is assigned by the log and equals
// real-time append order.
type Entry struct {
	ID        id.AuditEntryID `json:"id"`
	Seq       uint64          `json:"seq"`
	ActorID   id.IdentityID   `json:"actor_id"`
	Action    Action          `json:"action"`
	Details   map[string]any  `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Outcome returns Details["outcome"] as a string.
func (e Entry) Outcome() string {
	if v, ok := e.Details[DetailOutcome].(string); ok {
		return v
	}
	return ""
}

// hashedFields is the canonical form covered by the chain hash.
// encoding/json sorts map keys, so Details hashes deterministically.
type hashedFields struct {
	Seq       uint64         `json:"seq"`
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	Timestamp string         `json:"timestamp"`
	PrevHash  string         `json:"prev_hash"`
}

// ComputeHash returns the BLAKE2b-256 digest linking e to its predecessor.
func (e Entry) ComputeHash() (string, error) {
	payload, err := json.Marshal(hashedFields{
		Seq:       e.Seq,
		ID:        e.ID.String(),
		ActorID:   e.ActorID.String(),
		Action:    string(e.Action),
		Details:   e.Details,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:  e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Clone returns a copy whose Details map is not shared with e.
func (e Entry) Clone() Entry {
	if e.Details != nil {
		details := make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		e.Details = details
	}
	return e
}

// Filter selects entries for Query. Zero values mean "no constraint".
type Filter struct {
	ActorID id.IdentityID
	Since   time.Time
	Until   time.Time
	Actions []Action
	Limit   int
}

// Matches reports whether e satisfies every set constraint except Limit.
func (f Filter) Matches(e Entry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if len(f.Actions) > 0 {
		for _, a := range f.Actions {
			if e.Action == a {
				return true
			}
		}
		return false
	}
	return true
}
