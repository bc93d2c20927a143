package store

import (
	"context"
	"database/sql"
	"iter"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/safar/provenance-ledger/internal/database"
)

// SQLStore persists streams, snapshots, identities and scans through sqlx.
// Queries are written with ? placeholders and rebound for the driver in use.
type SQLStore struct {
	db     *sqlx.DB
	txOpts database.TxOptions
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, txOpts: database.DefaultTxOptions()}
}

func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

// appendEvent inserts one event at position expected+1 and upserts the
// snapshot in the same transaction.
func (s *SQLStore) appendEvent(ctx context.Context, table, key, id string, expected int64, insert string, event any, upsert string, snapshot any) error {
	versionQuery := `SELECT COALESCE(MAX(seq), 0) FROM ` + table + ` WHERE ` + key + ` = ?`

	return database.WithRetry(ctx, s.db, s.txOpts, func(tx *sqlx.Tx) error {
		var current int64
		if err := tx.GetContext(ctx, &current, tx.Rebind(versionQuery), id); err != nil {
			return errors.Wrapf(err, "read %s version", table)
		}
		if current != expected {
			return database.ErrVersionConflict
		}

		if _, err := tx.NamedExecContext(ctx, insert, event); err != nil {
			if database.IsUniqueViolation(err) {
				return database.ErrVersionConflict
			}
			return errors.Wrapf(err, "insert into %s", table)
		}

		if _, err := tx.NamedExecContext(ctx, upsert, snapshot); err != nil {
			return errors.Wrapf(err, "upsert %s snapshot", table)
		}
		return nil
	})
}

// readStream runs query on every range of the returned sequence.
func readStream[E any](ctx context.Context, db *sqlx.DB, query string, id string, normalize func(*E)) iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		var zero E

		rows, err := db.QueryxContext(ctx, db.Rebind(query), id)
		if err != nil {
			yield(zero, errors.Wrap(err, "query stream"))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var event E
			if err := rows.StructScan(&event); err != nil {
				yield(zero, errors.Wrap(err, "scan event"))
				return
			}
			normalize(&event)
			if !yield(event, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(zero, errors.Wrap(err, "rows error"))
		}
	}
}

// where joins optional conditions into a WHERE clause.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return database.ErrNotFound
	}
	return err
}
