package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/safar/provenance-ledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := NewConnection(&config.DatabaseConfig{
		Driver: DriverSQLite,
		URL:    "file:" + filepath.Join(t.TempDir(), "tx.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE counters (name TEXT PRIMARY KEY, n INTEGER NOT NULL)`)
	require.NoError(t, err)
	return db
}

func count(t *testing.T, db *sqlx.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM counters`))
	return n
}

func TestWithTransactionRollsBack(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	err := WithTransaction(ctx, db, DefaultTxOptions(), func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(tx.Rebind(`INSERT INTO counters (name, n) VALUES (?, ?)`), "a", 1); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, count(t, db))

	err = WithTransaction(ctx, db, DefaultTxOptions(), func(tx *sqlx.Tx) error {
		_, err := tx.Exec(tx.Rebind(`INSERT INTO counters (name, n) VALUES (?, ?)`), "a", 1)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, db))
}

func TestWithRetry(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	t.Run("retries transient failures", func(t *testing.T) {
		attempts := 0
		err := WithRetry(ctx, db, DefaultTxOptions(), func(*sqlx.Tx) error {
			attempts++
			if attempts < 3 {
				return &pq.Error{Code: "40001"}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		attempts := 0
		opts := DefaultTxOptions()
		opts.MaxRetries = 1
		err := WithRetry(ctx, db, opts, func(*sqlx.Tx) error {
			attempts++
			return &pq.Error{Code: "40P01"}
		})
		assert.ErrorContains(t, err, "max retries (1) exceeded")
		assert.Equal(t, 2, attempts)
	})

	t.Run("permanent errors return at once", func(t *testing.T) {
		attempts := 0
		err := WithRetry(ctx, db, DefaultTxOptions(), func(*sqlx.Tx) error {
			attempts++
			return &pq.Error{Code: "23505"}
		})
		assert.True(t, IsUniqueViolation(err))
		assert.Equal(t, 1, attempts)
	})
}
