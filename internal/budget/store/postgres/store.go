package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chenu/internal/budget/models"
	id "chenu/pkg/domain"
	"chenu/pkg/platform/sentinel"
	txcontext "chenu/pkg/platform/tx"
)

// PostgresStore persists budgets in the token_budgets table. Execute locks
// the row with SELECT ... FOR UPDATE for the duration of validate and mutate.
type PostgresStore struct {
	db *sql.DB
}

func New(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) conn(ctx context.Context) txcontext.Querier {
	return txcontext.Conn(ctx, s.db)
}

const selectColumns = `scope_id, total_allocated, total_used, period, period_start, updated_at`

func (s *PostgresStore) Get(ctx context.Context, scopeID id.ScopeID) (*models.TokenBudget, error) {
	row := s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM token_budgets WHERE scope_id = $1`, scopeID.String())
	b, err := scanBudget(row)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Create skips existing rows with ON CONFLICT DO NOTHING so a duplicate does
// not abort a transaction the call joined.
func (s *PostgresStore) Create(ctx context.Context, b *models.TokenBudget) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO token_budgets (scope_id, total_allocated, total_used, period, period_start, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope_id) DO NOTHING
	`, b.ScopeID.String(), b.TotalAllocated, b.TotalUsed, string(b.Period), b.PeriodStart, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create budget: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create budget: %w", err)
	}
	if inserted == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, b *models.TokenBudget) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO token_budgets (scope_id, total_allocated, total_used, period, period_start, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope_id) DO UPDATE SET
			total_allocated = EXCLUDED.total_allocated,
			total_used = EXCLUDED.total_used,
			period = EXCLUDED.period,
			period_start = EXCLUDED.period_start,
			updated_at = EXCLUDED.updated_at
	`, b.ScopeID.String(), b.TotalAllocated, b.TotalUsed, string(b.Period), b.PeriodStart, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put budget: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, scopeID id.ScopeID) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM token_budgets WHERE scope_id = $1`, scopeID.String()); err != nil {
		return fmt.Errorf("delete budget: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.TokenBudget, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT `+selectColumns+` FROM token_budgets ORDER BY scope_id`)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close()

	out := []*models.TokenBudget{}
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate budgets: %w", err)
	}
	return out, nil
}

// Execute runs validate-then-mutate on a locked row. It joins a transaction
// already carried by ctx, otherwise it opens its own.
func (s *PostgresStore) Execute(ctx context.Context, scopeID id.ScopeID, validate func(*models.TokenBudget) error, mutate func(*models.TokenBudget)) (*models.TokenBudget, error) {
	return txcontext.Run(ctx, s.db, "budget", func(ctx context.Context, tx *sql.Tx) (*models.TokenBudget, error) {
		return s.execute(ctx, tx, scopeID, validate, mutate)
	})
}

func (s *PostgresStore) execute(ctx context.Context, tx *sql.Tx, scopeID id.ScopeID, validate func(*models.TokenBudget) error, mutate func(*models.TokenBudget)) (*models.TokenBudget, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM token_budgets WHERE scope_id = $1 FOR UPDATE`, scopeID.String())
	b, err := scanBudget(row)
	if err != nil {
		return nil, err
	}
	if err := validate(b); err != nil {
		return nil, err
	}
	mutate(b)

	_, err = tx.ExecContext(ctx, `
		UPDATE token_budgets
		SET total_allocated = $2, total_used = $3, period = $4, period_start = $5, updated_at = $6
		WHERE scope_id = $1
	`, b.ScopeID.String(), b.TotalAllocated, b.TotalUsed, string(b.Period), b.PeriodStart, b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update budget: %w", err)
	}
	return b, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBudget(row scanner) (*models.TokenBudget, error) {
	var (
		b      models.TokenBudget
		scope  string
		period string
	)
	err := row.Scan(&scope, &b.TotalAllocated, &b.TotalUsed, &period, &b.PeriodStart, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan budget: %w", err)
	}
	b.ScopeID = id.ScopeID(scope)
	b.Period = models.Period(period)
	b.PeriodStart = b.PeriodStart.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}
