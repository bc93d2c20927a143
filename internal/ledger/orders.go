package ledger

import (
	"context"
	"strings"

	"github.com/safar/provenance-ledger/internal/models"
	"github.com/safar/provenance-ledger/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type CreateOrderInput struct {
	// OrderID is generated when empty.
	OrderID    string
	ProductID  string
	SellerID   string
	Quantity   int
	TotalPrice decimal.Decimal
}

type UpdateOrderStatusInput struct {
	OrderID         string
	Status          models.OrderStatus
	ExpectedVersion int64
}

// OrderBook splits an actor's orders by the side they are on.
type OrderBook struct {
	Purchases []models.OrderState `json:"purchases"`
	Sales     []models.OrderState `json:"sales"`
}

// checkOrderTransition enforces the fulfilment order: statuses only move
// forward, Completed and Cancelled are final, and cancellation is allowed
// before shipping only.
func checkOrderTransition(from, to models.OrderStatus) error {
	if from.Terminal() {
		return InvalidState("order is already %s", from)
	}
	if to == models.OrderStatusCancelled {
		if !from.Cancellable() {
			return InvalidState("cannot cancel an order that is %s", from)
		}
		return nil
	}
	if !from.Precedes(to) {
		return InvalidState("cannot move order from %s to %s", from, to)
	}
	return nil
}

// CreateOrder opens a purchase order from actor to a seller for a product.
func (s *Service) CreateOrder(ctx context.Context, actor Actor, in CreateOrderInput) (*models.OrderState, error) {
	in.OrderID = strings.TrimSpace(in.OrderID)
	if in.OrderID == "" {
		in.OrderID = s.newID()
	}
	if in.Quantity < 1 {
		return nil, InvalidArgument("quantity must be positive")
	}
	if in.TotalPrice.IsNegative() {
		return nil, InvalidArgument("total price must not be negative")
	}
	if in.SellerID == actor.ID {
		return nil, InvalidArgument("buyer and seller must differ")
	}

	seller, err := s.identity(ctx, in.SellerID)
	if err != nil {
		return nil, err
	}
	if seller == nil {
		return nil, InvalidArgument("unknown seller %q", in.SellerID)
	}

	product, err := s.loadProduct(ctx, in.ProductID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, InvalidArgument("unknown product %q", in.ProductID)
	}

	var created *models.OrderState
	err = s.run(ctx, false, in.OrderID, func() error {
		state, err := s.loadOrder(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if state != nil {
			return Conflict("order %s already exists", in.OrderID)
		}

		created, err = s.appendOrder(ctx, nil, models.OrderEvent{
			OrderID:    in.OrderID,
			Type:       models.OrderCreated,
			ActorID:    actor.ID,
			Status:     models.OrderStatusPending,
			ProductID:  in.ProductID,
			BuyerID:    actor.ID,
			SellerID:   seller.ID,
			Quantity:   in.Quantity,
			TotalPrice: in.TotalPrice,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"order_id": created.OrderID, "actor_id": actor.ID, "product_id": in.ProductID}).Info("order created")
	s.publish(models.DomainEvent{
		Type:       models.EventOrderCreated,
		OrderID:    created.OrderID,
		ProductID:  created.ProductID,
		ActorID:    actor.ID,
		Recipients: []string{created.SellerID, created.BuyerID},
		Data:       map[string]string{"tracking_id": created.TrackingID, "total_price": created.TotalPrice.String()},
		Timestamp:  created.CreatedAt,
	})
	return created, nil
}

// UpdateOrderStatus moves an order forward. Only its buyer or seller may do so.
func (s *Service) UpdateOrderStatus(ctx context.Context, actor Actor, in UpdateOrderStatusInput) (*models.OrderState, error) {
	if !in.Status.Valid() {
		return nil, InvalidArgument("unknown order status %q", in.Status)
	}
	pinned := in.ExpectedVersion != 0

	var next *models.OrderState
	err := s.run(ctx, pinned, in.OrderID, func() error {
		state, err := s.partyOrder(ctx, actor, in.OrderID)
		if err != nil {
			return err
		}
		if pinned && state.Version != in.ExpectedVersion {
			return Conflict("order %s is at version %d, not %d", in.OrderID, state.Version, in.ExpectedVersion)
		}
		if err := checkOrderTransition(state.Status, in.Status); err != nil {
			return err
		}

		next, err = s.appendOrder(ctx, state, models.OrderEvent{
			OrderID: in.OrderID,
			Type:    models.OrderStatusChanged,
			ActorID: actor.ID,
			Status:  in.Status,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	eventType := models.EventOrderStatusChanged
	if next.Status == models.OrderStatusCancelled {
		eventType = models.EventOrderCancelled
	}

	s.log.WithFields(logrus.Fields{
		"order_id": next.OrderID,
		"actor_id": actor.ID,
		"event_id": next.Version,
		"status":   next.Status,
	}).Info("order status updated")
	s.publish(models.DomainEvent{
		Type:       eventType,
		OrderID:    next.OrderID,
		ProductID:  next.ProductID,
		ActorID:    actor.ID,
		Recipients: []string{next.BuyerID, next.SellerID},
		Data:       map[string]string{"status": string(next.Status)},
		Timestamp:  next.UpdatedAt,
	})
	return next, nil
}

// CancelOrder cancels a Pending or Confirmed order. expectedVersion of zero
// leaves the command unpinned.
func (s *Service) CancelOrder(ctx context.Context, actor Actor, orderID string, expectedVersion int64) (*models.OrderState, error) {
	return s.UpdateOrderStatus(ctx, actor, UpdateOrderStatusInput{
		OrderID:         orderID,
		Status:          models.OrderStatusCancelled,
		ExpectedVersion: expectedVersion,
	})
}

// partyOrder loads an order the actor is a party to.
func (s *Service) partyOrder(ctx context.Context, actor Actor, orderID string) (*models.OrderState, error) {
	state, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, NotFound("order %s not found", orderID)
	}
	if actor.ID != state.BuyerID && actor.ID != state.SellerID {
		return nil, Forbidden("order %s belongs to other parties", orderID)
	}
	return state, nil
}

func (s *Service) GetOrder(ctx context.Context, actor Actor, orderID string) (*models.OrderState, error) {
	state, err := s.partyOrder(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	out := *state
	return &out, nil
}

func (s *Service) GetOrderHistory(ctx context.Context, actor Actor, orderID string) ([]models.OrderEvent, error) {
	if _, err := s.partyOrder(ctx, actor, orderID); err != nil {
		return nil, err
	}

	var events []models.OrderEvent
	for ev, err := range s.store.ReadOrderEvents(ctx, orderID) {
		if err != nil {
			return nil, s.storageFailure(err, logrus.Fields{"order_id": orderID}, "read order history")
		}
		events = append(events, ev)
	}
	return events, nil
}

// GetOrdersFor returns the actor's purchases and sales, optionally narrowed to
// one status.
func (s *Service) GetOrdersFor(ctx context.Context, actor Actor, status models.OrderStatus) (*OrderBook, error) {
	if status != "" && !status.Valid() {
		return nil, InvalidArgument("unknown order status %q", status)
	}
	fields := logrus.Fields{"actor_id": actor.ID}

	purchases, err := s.store.ListOrders(ctx, store.OrderFilter{BuyerID: actor.ID, Status: status})
	if err != nil {
		return nil, s.storageFailure(err, fields, "list purchases")
	}
	sales, err := s.store.ListOrders(ctx, store.OrderFilter{SellerID: actor.ID, Status: status})
	if err != nil {
		return nil, s.storageFailure(err, fields, "list sales")
	}

	book := &OrderBook{Purchases: purchases, Sales: sales}
	if book.Purchases == nil {
		book.Purchases = []models.OrderState{}
	}
	if book.Sales == nil {
		book.Sales = []models.OrderState{}
	}
	return book, nil
}
