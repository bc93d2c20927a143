package main

import (
	"github.com/jmoiron/sqlx"
	"github.com/safar/provenance-ledger/internal/config"
	"github.com/safar/provenance-ledger/internal/database"
	"github.com/safar/provenance-ledger/internal/ledger"
	"github.com/safar/provenance-ledger/internal/models"
	"github.com/safar/provenance-ledger/internal/store"
	log "github.com/sirupsen/logrus"
)

// seedIdentities are the sample parties a fresh deployment starts with.
var seedIdentities = []models.Identity{
	{ID: "admin", Name: "Ledger Administrator", Role: models.RoleAdmin, Active: true},
	{ID: "manufacturer001", Name: "John Manufacturing Co", Email: "manufacturer@example.com", Role: models.RoleManufacturer, Company: "John Manufacturing Co", Location: "New York, USA", Active: true},
	{ID: "distributor001", Name: "Global Distribution Inc", Email: "distributor@example.com", Role: models.RoleDistributor, Company: "Global Distribution Inc", Location: "Chicago, USA", Active: true},
	{ID: "retailer001", Name: "Retail Chain Store", Email: "retailer@example.com", Role: models.RoleRetailer, Company: "Retail Chain", Location: "Los Angeles, USA", Active: true},
}

// setupLogging configures the standard logger from cfg.
func setupLogging(cfg config.LogConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}
	return nil
}

// bootstrap loads configuration and opens the database.
func bootstrap() (*config.Config, *sqlx.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return nil, nil, err
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	log.WithField("driver", cfg.Database.Driver).Info("connected to database")
	return cfg, db, nil
}

func newLedger(cfg *config.Config, db *sqlx.DB, sink ledger.Sink) *ledger.Service {
	return ledger.NewService(store.NewSQLStore(db), ledger.Options{
		MaxAttempts:  cfg.Ledger.MaxAttempts,
		RetryBackoff: cfg.Ledger.RetryBackoff,
		QRSigningKey: []byte(cfg.Ledger.QRSigningKey),
		DisableCache: !cfg.Ledger.Cache,
		Sink:         sink,
		Logger:       log.StandardLogger(),
	})
}
