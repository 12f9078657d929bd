package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "chenu/pkg/domain-errors"
)

// maxOpaqueIDLength bounds caller-supplied identifiers at trust boundaries.
const maxOpaqueIDLength = 256

// Opaque identifiers. The core never resolves or authenticates them; it only
// compares them. Distinct types keep a scope from being passed where an
// identity is expected.
type (
	// ScopeID names the owner of a token budget (user, identity, or sphere).
	ScopeID string
	// IdentityID names the actor making or approving a request.
	IdentityID string
	// ChannelID is a transport-assigned handle for a live notification channel.
	ChannelID string
	// ActionType names a governed action, e.g. "send_email".
	ActionType string
)

// UUID-backed identifiers minted by the core.
type (
	CheckpointID uuid.UUID
	AuditEntryID uuid.UUID
)

func ParseScopeID(s string) (ScopeID, error) {
	v, err := parseOpaque(s, "scope_id")
	return ScopeID(v), err
}

func ParseIdentityID(s string) (IdentityID, error) {
	v, err := parseOpaque(s, "identity_id")
	return IdentityID(v), err
}

func ParseChannelID(s string) (ChannelID, error) {
	v, err := parseOpaque(s, "channel_id")
	return ChannelID(v), err
}

func ParseActionType(s string) (ActionType, error) {
	v, err := parseOpaque(s, "action_type")
	return ActionType(v), err
}

func (id ScopeID) String() string    { return string(id) }
func (id IdentityID) String() string { return string(id) }
func (id ChannelID) String() string  { return string(id) }
func (a ActionType) String() string  { return string(a) }

func (id ScopeID) IsNil() bool    { return id == "" }
func (id IdentityID) IsNil() bool { return id == "" }
func (id ChannelID) IsNil() bool  { return id == "" }

// parseOpaque accepts any printable, non-empty identifier up to maxOpaqueIDLength.
func parseOpaque(s, field string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, field+" is required")
	}
	if len(s) > maxOpaqueIDLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, field+" is too long")
	}
	if !utf8.ValidString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, field+" must be valid UTF-8")
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) || unicode.IsSpace(r) {
			return "", dErrors.New(dErrors.CodeInvalidInput, field+" contains invalid characters")
		}
	}
	return s, nil
}

func NewCheckpointID() CheckpointID { return CheckpointID(uuid.New()) }
func NewAuditEntryID() AuditEntryID { return AuditEntryID(uuid.New()) }

func ParseCheckpointID(s string) (CheckpointID, error) {
	u, err := parseUUID(s, "checkpoint_id")
	return CheckpointID(u), err
}

func ParseAuditEntryID(s string) (AuditEntryID, error) {
	u, err := parseUUID(s, "audit_entry_id")
	return AuditEntryID(u), err
}

func (id CheckpointID) String() string { return uuid.UUID(id).String() }
func (id AuditEntryID) String() string { return uuid.UUID(id).String() }

func (id CheckpointID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id AuditEntryID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// MarshalText lets UUID-backed IDs render as strings in JSON and slog output.
func (id CheckpointID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id AuditEntryID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *CheckpointID) UnmarshalText(b []byte) error {
	parsed, err := ParseCheckpointID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *AuditEntryID) UnmarshalText(b []byte) error {
	parsed, err := ParseAuditEntryID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func parseUUID(s, field string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, field+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+field)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, field+" cannot be nil")
	}
	return u, nil
}
