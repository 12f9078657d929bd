package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"chenu/internal/checkpoint/models"
	id "chenu/pkg/domain"
	"chenu/pkg/platform/sentinel"
	txcontext "chenu/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore persists checkpoints in the checkpoints table.
type PostgresStore struct {
	db *sql.DB
}

func New(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) conn(ctx context.Context) txcontext.Querier {
	return txcontext.Conn(ctx, s.db)
}

const selectColumns = `id, action_type, resource_ref, scope_id, estimated_cost, status, reason,
	requested_by, requested_at, resolved_by, resolved_at, expires_at`

func (s *PostgresStore) Create(ctx context.Context, cp *models.Checkpoint) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO checkpoints (id, action_type, resource_ref, scope_id, estimated_cost, status, reason,
			requested_by, requested_at, resolved_by, resolved_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, cp.ID.String(), cp.ActionType.String(), cp.ResourceRef, cp.ScopeID.String(), cp.EstimatedCost,
		string(cp.Status), cp.Reason, cp.RequestedBy.String(), cp.RequestedAt, cp.ResolvedBy.String(),
		nullTime(cp), cp.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, checkpointID id.CheckpointID) (*models.Checkpoint, error) {
	row := s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM checkpoints WHERE id = $1`, checkpointID.String())
	return scanCheckpoint(row)
}

// List returns matching checkpoints, oldest request first.
func (s *PostgresStore) List(ctx context.Context, filter models.Filter) ([]*models.Checkpoint, error) {
	var (
		where []string
		args  []any
	)
	if !filter.RequestedBy.IsNil() {
		args = append(args, filter.RequestedBy.String())
		where = append(where, fmt.Sprintf("requested_by = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.ExpiresBefore.IsZero() {
		args = append(args, filter.ExpiresBefore)
		where = append(where, fmt.Sprintf("expires_at <= $%d", len(args)))
	}

	query := `SELECT ` + selectColumns + ` FROM checkpoints`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY requested_at, id`

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []*models.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, checkpointID id.CheckpointID) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM checkpoints WHERE id = $1`, checkpointID.String()); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Execute runs validate-then-mutate on a row locked with FOR UPDATE. It joins
// a transaction already carried by ctx, otherwise it opens its own.
func (s *PostgresStore) Execute(ctx context.Context, checkpointID id.CheckpointID, validate func(context.Context, *models.Checkpoint) error, mutate func(*models.Checkpoint)) (*models.Checkpoint, error) {
	return txcontext.Run(ctx, s.db, "checkpoint", func(ctx context.Context, tx *sql.Tx) (*models.Checkpoint, error) {
		return s.execute(ctx, tx, checkpointID, validate, mutate)
	})
}

func (s *PostgresStore) execute(ctx context.Context, tx *sql.Tx, checkpointID id.CheckpointID, validate func(context.Context, *models.Checkpoint) error, mutate func(*models.Checkpoint)) (*models.Checkpoint, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM checkpoints WHERE id = $1 FOR UPDATE`, checkpointID.String())
	cp, err := scanCheckpoint(row)
	if err != nil {
		return nil, err
	}
	if err := validate(ctx, cp); err != nil {
		return nil, err
	}
	mutate(cp)

	_, err = tx.ExecContext(ctx, `
		UPDATE checkpoints
		SET status = $2, reason = $3, resolved_by = $4, resolved_at = $5
		WHERE id = $1
	`, cp.ID.String(), string(cp.Status), cp.Reason, cp.ResolvedBy.String(), nullTime(cp))
	if err != nil {
		return nil, fmt.Errorf("update checkpoint: %w", err)
	}
	return cp, nil
}

func nullTime(cp *models.Checkpoint) sql.NullTime {
	if cp.ResolvedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *cp.ResolvedAt, Valid: true}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*models.Checkpoint, error) {
	var (
		cp          models.Checkpoint
		rawID       string
		actionType  string
		scopeID     string
		status      string
		requestedBy string
		resolvedBy  string
		resolvedAt  sql.NullTime
	)
	err := row.Scan(&rawID, &actionType, &cp.ResourceRef, &scopeID, &cp.EstimatedCost, &status, &cp.Reason,
		&requestedBy, &cp.RequestedAt, &resolvedBy, &resolvedAt, &cp.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}

	checkpointID, err := id.ParseCheckpointID(rawID)
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint id: %w", err)
	}
	cp.ID = checkpointID
	cp.ActionType = id.ActionType(actionType)
	cp.ScopeID = id.ScopeID(scopeID)
	cp.Status = models.Status(status)
	cp.RequestedBy = id.IdentityID(requestedBy)
	cp.ResolvedBy = id.IdentityID(resolvedBy)
	cp.RequestedAt = cp.RequestedAt.UTC()
	cp.ExpiresAt = cp.ExpiresAt.UTC()
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		cp.ResolvedAt = &t
	}
	return &cp, nil
}
