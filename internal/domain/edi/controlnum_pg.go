package edi

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/claimsedi/internal/platform/db"
)

// SequenceAllocator keeps one monotonically increasing counter per payer in
// edi_control_numbers. The counter wraps from 999999999 back to 1. All three
// envelope levels carry the allocated value. Allocation runs in a transaction
// so concurrent submitters for one payer wait at most allocLockTimeout on the
// row lock.
type SequenceAllocator struct {
	pool *pgxpool.Pool
}

func NewSequenceAllocator(pool *pgxpool.Pool) *SequenceAllocator {
	return &SequenceAllocator{pool: pool}
}

const allocLockTimeout = "5s"

const nextControlNumberSQL = `
	INSERT INTO edi_control_numbers (payer_id, last_value)
	VALUES ($1, 1)
	ON CONFLICT (payer_id) DO UPDATE SET
		last_value = CASE
			WHEN edi_control_numbers.last_value >= $2 THEN 1
			ELSE edi_control_numbers.last_value + 1
		END,
		updated_at = NOW()
	RETURNING last_value`

func (a *SequenceAllocator) Next(ctx context.Context, payerID string) (ControlNumbers, error) {
	payerID = strings.TrimSpace(payerID)
	if payerID == "" {
		return ControlNumbers{}, fmt.Errorf("allocate control number: empty payer id")
	}

	var n int64
	err := db.InTx(ctx, a.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, a.pool)
		if _, err := q.Exec(ctx, "SET LOCAL lock_timeout = '"+allocLockTimeout+"'"); err != nil {
			return err
		}
		return q.QueryRow(ctx, nextControlNumberSQL, payerID, maxControlNumber).Scan(&n)
	})
	if err != nil {
		return ControlNumbers{}, fmt.Errorf("allocate control number for payer %s: %w", payerID, err)
	}
	return ControlNumbers{Interchange: n, Group: n, Transaction: n}, nil
}
