package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"chenu/internal/audit/models"
	id "chenu/pkg/domain"
)

// Store persists audit entries in the audit_entries table. Rows are only ever
// inserted; the table has no UPDATE or DELETE path in this codebase.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectColumns = `id, seq, actor_id, action, details, timestamp, prev_hash, hash`

func (s *Store) Append(ctx context.Context, entry models.Entry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	query := `
		INSERT INTO audit_entries (id, seq, actor_id, action, details, timestamp, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		uuid.UUID(entry.ID),
		int64(entry.Seq),
		entry.ActorID.String(),
		string(entry.Action),
		details,
		entry.Timestamp,
		entry.PrevHash,
		entry.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) Last(ctx context.Context) (*models.Entry, error) {
	query := `SELECT ` + selectColumns + ` FROM audit_entries ORDER BY seq DESC LIMIT 1`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query last audit entry: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// List returns matching entries in seq order.
func (s *Store) List(ctx context.Context, filter models.Filter) ([]models.Entry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.ActorID != "" {
		where = append(where, "actor_id = "+arg(filter.ActorID.String()))
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= "+arg(filter.Since))
	}
	if !filter.Until.IsZero() {
		where = append(where, "timestamp <= "+arg(filter.Until))
	}
	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		where = append(where, "action = ANY("+arg(pq.Array(actions))+"::text[])")
	}

	query := `SELECT ` + selectColumns + ` FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// decodeDetails keeps numbers as json.Number so they re-encode to the exact
// digits that were hashed; float64 would round integers above 2^53.
func decodeDetails(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var details map[string]any
	if err := dec.Decode(&details); err != nil {
		return nil, fmt.Errorf("unmarshal audit details: %w", err)
	}
	return details, nil
}

func scanEntries(rows *sql.Rows) ([]models.Entry, error) {
	entries := make([]models.Entry, 0)
	for rows.Next() {
		var (
			entry   models.Entry
			entryID uuid.UUID
			seq     int64
			actorID string
			action  string
			details []byte
		)
		if err := rows.Scan(&entryID, &seq, &actorID, &action, &details, &entry.Timestamp, &entry.PrevHash, &entry.Hash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(details) > 0 && string(details) != "null" {
			d, err := decodeDetails(details)
			if err != nil {
				return nil, err
			}
			entry.Details = d
		}
		entry.ID = id.AuditEntryID(entryID)
		entry.Seq = uint64(seq)
		entry.ActorID = id.IdentityID(actorID)
		entry.Action = models.Action(action)
		entry.Timestamp = entry.Timestamp.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}
