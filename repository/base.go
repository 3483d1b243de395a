package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Work is a caller-supplied unit of work. It receives the transactional
// handle and the time remaining until the unit's deadline, rounded down to
// whole seconds and clamped to at least one second, from which any
// statement-level timeout should be derived.
type Work func(tx *gorm.DB, remaining time.Duration) error

// TxRunner executes a Work against a fresh transactional connection bounded
// by an absolute deadline: it commits on normal return and rolls back on any
// error or panic. It is the sole point through which every other component
// in this repository talks to the database.
type TxRunner struct {
	DB *gorm.DB
}

// NewTxRunner wraps db for deadline-bounded transactional execution.
func NewTxRunner(db *gorm.DB) *TxRunner {
	return &TxRunner{DB: db}
}

// RunInTx runs fn inside one transaction whose deadline is the earlier of
// ctx's deadline (if any) and now+timeout. Cancellation is cooperative: the
// deadline is the sole mechanism.
func (r *TxRunner) RunInTx(ctx context.Context, timeout time.Duration, fn Work) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return r.runAt(context.Background(), deadline, fn)
}

// RunInTxNonInterruptible is the release-path variant of RunInTx: it never
// looks at an external context, so a caller's cancellation signal cannot
// abandon a release mid-flight and leak permits.
func (r *TxRunner) RunInTxNonInterruptible(timeout time.Duration, fn Work) error {
	return r.runAt(context.Background(), time.Now().Add(timeout), fn)
}

func (r *TxRunner) runAt(parent context.Context, deadline time.Time, fn Work) (err error) {
	txCtx, cancel := context.WithDeadline(parent, deadline)
	defer cancel()

	tx := r.DB.WithContext(txCtx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("begin transaction: %w", tx.Error)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	remaining := queryTimeout(deadline)
	if stmtTimeout := remaining.Milliseconds(); stmtTimeout > 0 {
		// Best-effort: bound every statement in this transaction at the
		// driver level too, not just via ctx cancellation.
		tx.Exec(fmt.Sprintf("SET LOCAL statement_timeout = %d", stmtTimeout))
	}

	if err = fn(tx, remaining); err != nil {
		tx.Rollback()
		return err
	}

	if err = tx.Commit().Error; err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// queryTimeout rounds the time remaining until deadline down to whole
// seconds, clamped to at least one second.
func queryTimeout(deadline time.Time) time.Duration {
	remaining := time.Until(deadline)
	secs := remaining / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}
