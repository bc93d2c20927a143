package store

import (
	"context"
	"iter"

	"github.com/pkg/errors"
	"github.com/safar/provenance-ledger/internal/models"
)

const productEventColumns = `seq, product_id, type, actor_id, occurred_at, from_owner, to_owner,
	status, location, description, name, category, price, qr_payload, prev_hash, hash`

const productSnapshotColumns = `product_id, name, description, category, price, manufacturer, owner,
	status, location, qr_payload, created_at, updated_at, version, last_hash`

const insertProductEvent = `
	INSERT INTO product_events (` + productEventColumns + `)
	VALUES (:seq, :product_id, :type, :actor_id, :occurred_at, :from_owner, :to_owner,
		:status, :location, :description, :name, :category, :price, :qr_payload, :prev_hash, :hash)`

const upsertProductSnapshot = `
	INSERT INTO product_snapshots (` + productSnapshotColumns + `)
	VALUES (:product_id, :name, :description, :category, :price, :manufacturer, :owner,
		:status, :location, :qr_payload, :created_at, :updated_at, :version, :last_hash)
	ON CONFLICT (product_id) DO UPDATE SET
		name = excluded.name,
		description = excluded.description,
		category = excluded.category,
		price = excluded.price,
		manufacturer = excluded.manufacturer,
		owner = excluded.owner,
		status = excluded.status,
		location = excluded.location,
		qr_payload = excluded.qr_payload,
		updated_at = excluded.updated_at,
		version = excluded.version,
		last_hash = excluded.last_hash`

func (s *SQLStore) AppendProductEvent(ctx context.Context, expected int64, event models.ProductEvent, snapshot models.ProductState) (int64, error) {
	if event.EventID != expected+1 {
		return 0, errors.Errorf("event sequence %d does not follow version %d", event.EventID, expected)
	}

	err := s.appendEvent(ctx, "product_events", "product_id", event.ProductID, expected,
		insertProductEvent, event, upsertProductSnapshot, snapshot)
	if err != nil {
		return 0, err
	}
	return event.EventID, nil
}

func (s *SQLStore) ReadProductEvents(ctx context.Context, productID string) iter.Seq2[models.ProductEvent, error] {
	query := `SELECT ` + productEventColumns + ` FROM product_events WHERE product_id = ? ORDER BY seq`
	return readStream(ctx, s.db, query, productID, func(e *models.ProductEvent) {
		e.Timestamp = e.Timestamp.UTC()
	})
}

func (s *SQLStore) GetProductSnapshot(ctx context.Context, productID string) (*models.ProductState, error) {
	var state models.ProductState

	query := `SELECT ` + productSnapshotColumns + ` FROM product_snapshots WHERE product_id = ?`
	if err := s.db.GetContext(ctx, &state, s.db.Rebind(query), productID); err != nil {
		return nil, errors.Wrap(notFound(err), "get product snapshot")
	}

	normalizeProductState(&state)
	return &state, nil
}

func (s *SQLStore) ListProducts(ctx context.Context, filter ProductFilter) (*CursorPage[models.ProductState], error) {
	cursor, err := DecodeCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}
	limit := clampLimit(filter.Limit)

	var w where
	if filter.Owner != "" {
		w.add("owner = ?", filter.Owner)
	}
	if filter.Status != "" {
		w.add("status = ?", filter.Status)
	}
	if cursor != nil {
		w.add("(created_at, product_id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}

	query := `SELECT ` + productSnapshotColumns + ` FROM product_snapshots` + w.String() +
		` ORDER BY created_at DESC, product_id DESC LIMIT ?`
	args := append(w.args, limit+1)

	var rows []models.ProductState
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	for i := range rows {
		normalizeProductState(&rows[i])
	}

	return pageOf(rows, limit, func(p models.ProductState) Cursor {
		return Cursor{CreatedAt: p.CreatedAt, ID: p.ProductID}
	}), nil
}

func normalizeProductState(s *models.ProductState) {
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
}
