package stock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrInsufficientStock is returned when a reservation asks for more units
// than the pack currently has.
var ErrInsufficientStock = errors.New("insufficient stock")

// DBTX is satisfied by both *sql.DB and *sql.Tx so reservations can run
// inside the caller's order transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Reserve atomically decrements a pack's stock by qty. The availability check
// and the decrement are a single conditional UPDATE executed by the database,
// so concurrent reservations against the same pack can never drive stock
// negative. Zero rows affected means the pack is missing or short on stock.
func Reserve(ctx context.Context, db DBTX, packID int64, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("invalid reservation quantity %d", qty)
	}

	result, err := db.ExecContext(ctx,
		"UPDATE spice_packs SET stock = stock - $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND stock >= $1",
		qty, packID,
	)
	if err != nil {
		return fmt.Errorf("failed to reserve stock for pack %d: %w", packID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read reservation result for pack %d: %w", packID, err)
	}
	if rows == 0 {
		return ErrInsufficientStock
	}
	return nil
}

// Release returns previously reserved units to a pack. Used when a multi-item
// reservation fails partway through and the already-reserved items must be
// handed back.
func Release(ctx context.Context, db DBTX, packID int64, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("invalid release quantity %d", qty)
	}

	result, err := db.ExecContext(ctx,
		"UPDATE spice_packs SET stock = stock + $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
		qty, packID,
	)
	if err != nil {
		return fmt.Errorf("failed to release stock for pack %d: %w", packID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read release result for pack %d: %w", packID, err)
	}
	if rows == 0 {
		return fmt.Errorf("pack %d not found during stock release", packID)
	}
	return nil
}
