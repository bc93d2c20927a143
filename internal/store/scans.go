package store

import (
	"context"

	"github.com/pkg/errors"
	"github.com/safar/provenance-ledger/internal/models"
)

const scanColumns = `id, product_id, expected_product_id, authentic, reason, scanned_at`

func (s *SQLStore) RecordScan(ctx context.Context, record models.ScanRecord) error {
	query := `
		INSERT INTO qr_scans (` + scanColumns + `)
		VALUES (:id, :product_id, :expected_product_id, :authentic, :reason, :scanned_at)`

	if _, err := s.db.NamedExecContext(ctx, query, record); err != nil {
		return errors.Wrap(err, "record scan")
	}
	return nil
}

func (s *SQLStore) ListScans(ctx context.Context, productID string, limit int) ([]models.ScanRecord, error) {
	var w where
	if productID != "" {
		w.add("product_id = ?", productID)
	}

	query := `SELECT ` + scanColumns + ` FROM qr_scans` + w.String() + ` ORDER BY scanned_at DESC, id DESC LIMIT ?`
	args := append(w.args, clampLimit(limit))

	var scans []models.ScanRecord
	if err := s.db.SelectContext(ctx, &scans, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "list scans")
	}
	for i := range scans {
		scans[i].ScannedAt = scans[i].ScannedAt.UTC()
	}
	return scans, nil
}
