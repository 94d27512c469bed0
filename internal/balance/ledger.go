// Package balance owns the virtual account balance critical section.
package balance

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"position-core/internal/state"
	"position-core/pkg/db"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
)

// Ledger applies balance read-modify-write per account. Two operations on the
// same account never interleave; different accounts proceed in parallel.
type Ledger struct {
	db    *db.Database
	locks *state.KeyedMutex
}

// NewLedger creates a ledger over database.
func NewLedger(database *db.Database) *Ledger {
	return &Ledger{db: database, locks: state.NewKeyedMutex()}
}

// Apply runs fn inside the account's critical section and one transaction.
// fn may change acct.Balance; the new value is written in the same
// transaction as whatever fn writes through q. Returning an error rolls both back.
func (l *Ledger) Apply(ctx context.Context, accountID string, fn func(q *db.Queries, acct *db.Account) error) error {
	unlock := l.locks.Lock(accountID)
	defer unlock()

	return l.db.InTx(ctx, func(q *db.Queries) error {
		acct, err := q.GetAccount(ctx, accountID)
		if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrAccountIDRequired) {
			return fmt.Errorf("%w: %q", ErrAccountNotFound, accountID)
		}
		if err != nil {
			return err
		}
		before := acct.Balance
		if err := fn(q, acct); err != nil {
			return err
		}
		if acct.Balance.Equal(before) {
			return nil
		}
		return q.UpdateAccountBalance(ctx, accountID, acct.Balance)
	})
}

// Balance returns the current balance of an account.
func (l *Ledger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	acct, err := l.db.Queries().GetAccount(ctx, accountID)
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrAccountIDRequired) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// Debit subtracts amount or fails with ErrInsufficientBalance, leaving acct untouched.
func Debit(acct *db.Account, amount decimal.Decimal) error {
	if acct.Balance.LessThan(amount) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, amount, acct.Balance)
	}
	acct.Balance = acct.Balance.Sub(amount)
	return nil
}

// Credit adds amount; negative credits are clamped so a balance never goes below zero.
func Credit(acct *db.Account, amount decimal.Decimal) {
	acct.Balance = decimal.Max(acct.Balance.Add(amount), decimal.Zero)
}
