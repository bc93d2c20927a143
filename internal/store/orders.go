package store

import (
	"context"
	"iter"

	"github.com/pkg/errors"
	"github.com/safar/provenance-ledger/internal/models"
)

const orderEventColumns = `seq, order_id, type, actor_id, occurred_at, status, product_id,
	buyer_id, seller_id, quantity, total_price, prev_hash, hash`

const orderSnapshotColumns = `order_id, product_id, buyer_id, seller_id, quantity, total_price,
	status, tracking_id, created_at, updated_at, delivered_at, version, last_hash`

const insertOrderEvent = `
	INSERT INTO order_events (` + orderEventColumns + `)
	VALUES (:seq, :order_id, :type, :actor_id, :occurred_at, :status, :product_id,
		:buyer_id, :seller_id, :quantity, :total_price, :prev_hash, :hash)`

const upsertOrderSnapshot = `
	INSERT INTO order_snapshots (` + orderSnapshotColumns + `)
	VALUES (:order_id, :product_id, :buyer_id, :seller_id, :quantity, :total_price,
		:status, :tracking_id, :created_at, :updated_at, :delivered_at, :version, :last_hash)
	ON CONFLICT (order_id) DO UPDATE SET
		status = excluded.status,
		updated_at = excluded.updated_at,
		delivered_at = excluded.delivered_at,
		version = excluded.version,
		last_hash = excluded.last_hash`

func (s *SQLStore) AppendOrderEvent(ctx context.Context, expected int64, event models.OrderEvent, snapshot models.OrderState) (int64, error) {
	if event.EventID != expected+1 {
		return 0, errors.Errorf("event sequence %d does not follow version %d", event.EventID, expected)
	}

	err := s.appendEvent(ctx, "order_events", "order_id", event.OrderID, expected,
		insertOrderEvent, event, upsertOrderSnapshot, snapshot)
	if err != nil {
		return 0, err
	}
	return event.EventID, nil
}

func (s *SQLStore) ReadOrderEvents(ctx context.Context, orderID string) iter.Seq2[models.OrderEvent, error] {
	query := `SELECT ` + orderEventColumns + ` FROM order_events WHERE order_id = ? ORDER BY seq`
	return readStream(ctx, s.db, query, orderID, func(e *models.OrderEvent) {
		e.Timestamp = e.Timestamp.UTC()
	})
}

func (s *SQLStore) ListOrders(ctx context.Context, filter OrderFilter) ([]models.OrderState, error) {
	var w where
	if filter.BuyerID != "" {
		w.add("buyer_id = ?", filter.BuyerID)
	}
	if filter.SellerID != "" {
		w.add("seller_id = ?", filter.SellerID)
	}
	if filter.Status != "" {
		w.add("status = ?", filter.Status)
	}

	query := `SELECT ` + orderSnapshotColumns + ` FROM order_snapshots` + w.String() +
		` ORDER BY created_at DESC, order_id DESC`

	var rows []models.OrderState
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), w.args...); err != nil {
		return nil, errors.Wrap(err, "list orders")
	}

	for i := range rows {
		rows[i].CreatedAt = rows[i].CreatedAt.UTC()
		rows[i].UpdatedAt = rows[i].UpdatedAt.UTC()
		if rows[i].DeliveredAt != nil {
			t := rows[i].DeliveredAt.UTC()
			rows[i].DeliveredAt = &t
		}
	}
	return rows, nil
}
