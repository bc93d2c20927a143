// Package store holds the event log and identity registry backends.
//
// Both backends append one event per call under an expected-version check and
// keep a queryable snapshot of the folded state next to the log. Snapshots are
// an index for listings; the event streams stay the source of truth.
package store

import (
	"context"
	"iter"

	"github.com/safar/provenance-ledger/internal/models"
)

// EventStore is the append-only log for product and order streams.
//
// Append methods fail with database.ErrVersionConflict when the stream's
// current length differs from expected and return the assigned sequence
// number otherwise. Read methods return lazy sequences that may be ranged
// more than once; each range observes the stream as of its start.
type EventStore interface {
	AppendProductEvent(ctx context.Context, expected int64, event models.ProductEvent, snapshot models.ProductState) (int64, error)
	ReadProductEvents(ctx context.Context, productID string) iter.Seq2[models.ProductEvent, error]
	GetProductSnapshot(ctx context.Context, productID string) (*models.ProductState, error)
	ListProducts(ctx context.Context, filter ProductFilter) (*CursorPage[models.ProductState], error)

	AppendOrderEvent(ctx context.Context, expected int64, event models.OrderEvent, snapshot models.OrderState) (int64, error)
	ReadOrderEvents(ctx context.Context, orderID string) iter.Seq2[models.OrderEvent, error]
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.OrderState, error)
}

type IdentityStore interface {
	CreateIdentity(ctx context.Context, identity models.Identity) error
	GetIdentity(ctx context.Context, id string) (*models.Identity, error)
	ListIdentities(ctx context.Context, role models.Role) ([]models.Identity, error)
}

// ScanStore keeps the QR scan audit trail. It is informational and separate
// from the product streams.
type ScanStore interface {
	RecordScan(ctx context.Context, record models.ScanRecord) error
	ListScans(ctx context.Context, productID string, limit int) ([]models.ScanRecord, error)
}

type Store interface {
	EventStore
	IdentityStore
	ScanStore
}

type ProductFilter struct {
	Owner  string
	Status models.ProductStatus
	Cursor string
	Limit  int
}

func (f ProductFilter) matches(s *models.ProductState) bool {
	if f.Owner != "" && s.Owner != f.Owner {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// OrderFilter selects orders by party. BuyerID and SellerID are combined with AND.
type OrderFilter struct {
	BuyerID  string
	SellerID string
	Status   models.OrderStatus
}

func (f OrderFilter) matches(s *models.OrderState) bool {
	if f.BuyerID != "" && s.BuyerID != f.BuyerID {
		return false
	}
	if f.SellerID != "" && s.SellerID != f.SellerID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}
