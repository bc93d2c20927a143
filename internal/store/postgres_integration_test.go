//go:build integration

package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/safar/provenance-ledger/internal/config"
	"github.com/safar/provenance-ledger/internal/database"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestMain starts one postgres container for the package and adds it to the
// backends every store test runs against.
func TestMain(m *testing.M) {
	ctx := context.Background()

	db, terminate, err := startPostgres(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	newPostgresStore = func(t *testing.T) Store {
		t.Helper()
		_, err := db.ExecContext(context.Background(),
			`TRUNCATE identities, product_events, product_snapshots, order_events, order_snapshots, qr_scans`)
		require.NoError(t, err)
		return NewSQLStore(db)
	}

	code := m.Run()

	db.Close()
	terminate()
	os.Exit(code)
}

func startPostgres(ctx context.Context) (*sqlx.DB, func(), error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("start container: %w", err)
	}
	terminate := func() {
		if err := postgres.Terminate(ctx); err != nil {
			log.Printf("terminate container: %v", err)
		}
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("container host: %w", err)
	}
	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("container port: %w", err)
	}

	db, err := database.NewConnection(&config.DatabaseConfig{
		Driver:          database.DriverPostgres,
		URL:             fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		terminate()
		return nil, nil, err
	}

	if _, err := database.Migrate(db, database.Up); err != nil {
		db.Close()
		terminate()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return db, terminate, nil
}
