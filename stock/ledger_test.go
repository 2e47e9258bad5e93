package stock

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reserveQuery = `UPDATE spice_packs SET stock = stock - \$1, updated_at = CURRENT_TIMESTAMP WHERE id = \$2 AND stock >= \$1`

func TestReserve_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(reserveQuery).
		WithArgs(3, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = Reserve(context.Background(), db, 7, 3)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserve_InsufficientStock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// The conditional update matched no row: pack short on stock.
	mock.ExpectExec(reserveQuery).
		WithArgs(5, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = Reserve(context.Background(), db, 7, 5)
	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserve_InvalidQuantity(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	assert.Error(t, Reserve(context.Background(), db, 7, 0))
	assert.Error(t, Reserve(context.Background(), db, 7, -2))
}

func TestReserve_InsideTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(reserveQuery).
		WithArgs(2, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)

	require.NoError(t, Reserve(context.Background(), tx, 9, 2))
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelease_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE spice_packs SET stock = stock \+ \$1, updated_at = CURRENT_TIMESTAMP WHERE id = \$2`).
		WithArgs(3, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = Release(context.Background(), db, 7, 3)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelease_UnknownPack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE spice_packs SET stock = stock \+ \$1`).
		WithArgs(3, int64(404)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = Release(context.Background(), db, 404, 3)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
