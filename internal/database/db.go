package database

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/safar/provenance-ledger/internal/config"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by name.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// NewConnection opens a pooled connection for the configured driver and pings it.
func NewConnection(cfg *config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := cfg.URL
	if cfg.Driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if cfg.Driver == DriverSQLite {
		// sqlite allows a single writer; serialize at the pool.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	return db, nil
}

func sqliteDSN(dsn string) string {
	params := []string{"_time_format=sqlite", "_pragma=busy_timeout(5000)", "_pragma=foreign_keys(1)"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range params {
		name := p[:strings.Index(p, "=")+1]
		if i := strings.Index(p, "("); i >= 0 {
			name = p[:i+1]
		}
		if strings.Contains(dsn, name) {
			continue
		}
		dsn += sep + p
		sep = "&"
	}
	return dsn
}
