package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediagen/internal/domain"
)

// CreditLedgerPG implements domain.CreditLedger. Debits happen inside
// JobRepositoryPG.CreateWithDebit so they stay atomic with job creation; this
// type covers the remaining account operations.
type CreditLedgerPG struct {
	pool *pgxpool.Pool
}

// NewCreditLedger creates a ledger backed by the same database as the jobs.
func NewCreditLedger(pool *pgxpool.Pool) *CreditLedgerPG {
	return &CreditLedgerPG{pool: pool}
}

// Balance returns the user's current credit balance.
func (l *CreditLedgerPG) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx, `SELECT balance FROM credit_accounts WHERE user_id = $1;`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("load balance: %w", err)
	}
	return balance, nil
}

// Credit adds credits to a user's account, creating it on first use, and
// records the ledger entry.
func (l *CreditLedgerPG) Credit(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, `
INSERT INTO credit_accounts (user_id, balance)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET balance = credit_accounts.balance + $2, updated_at = NOW()
RETURNING balance;
`, userID, amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit account: %w", err)
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO credit_ledger (user_id, amount, reason)
VALUES ($1, $2, $3);
`, userID, amount, reason); err != nil {
		return 0, fmt.Errorf("record ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return balance, nil
}

var _ domain.CreditLedger = (*CreditLedgerPG)(nil)
