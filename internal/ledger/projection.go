package ledger

import (
	"iter"

	"github.com/safar/provenance-ledger/internal/models"
)

// ApplyProduct folds one event into state and returns the new state. state is
// nil before the first event. It never modifies its input.
//
// Any event that could not have been produced by the service (wrong position,
// broken hash chain, transfer from someone other than the owner) is an
// InvariantViolation.
func ApplyProduct(state *models.ProductState, ev models.ProductEvent) (*models.ProductState, error) {
	if err := checkLink(ev.ProductID, versionOf(state), lastHashOf(state), ev.EventID, ev.PrevHash); err != nil {
		return nil, err
	}
	if ProductEventHash(ev) != ev.Hash {
		return nil, InvariantViolation("product %s event %d: hash mismatch", ev.ProductID, ev.EventID)
	}

	var next models.ProductState
	switch ev.Type {
	case models.ProductCreated:
		if state != nil {
			return nil, InvariantViolation("product %s: created twice", ev.ProductID)
		}
		next = models.ProductState{
			ProductID:    ev.ProductID,
			Name:         ev.Name,
			Description:  ev.Description,
			Category:     ev.Category,
			Price:        ev.Price,
			Manufacturer: ev.ActorID,
			Owner:        ev.ActorID,
			Status:       models.StatusCreated,
			Location:     ev.Location,
			QRPayload:    ev.QRPayload,
			CreatedAt:    ev.Timestamp,
		}

	case models.ProductTransferred:
		if state == nil {
			return nil, InvariantViolation("product %s: transfer before creation", ev.ProductID)
		}
		if ev.FromOwner != state.Owner {
			return nil, InvariantViolation("product %s event %d: transfer from %q but owner is %q",
				ev.ProductID, ev.EventID, ev.FromOwner, state.Owner)
		}
		next = *state
		next.Owner = ev.ToOwner
		if ev.Status != "" {
			next.Status = ev.Status
		}
		if ev.Location != "" {
			next.Location = ev.Location
		}

	case models.ProductStatusChanged:
		if state == nil {
			return nil, InvariantViolation("product %s: status change before creation", ev.ProductID)
		}
		if !ev.Status.Valid() {
			return nil, InvariantViolation("product %s event %d: unknown status %q", ev.ProductID, ev.EventID, ev.Status)
		}
		next = *state
		next.Status = ev.Status
		if ev.Location != "" {
			next.Location = ev.Location
		}
		if ev.Description != "" {
			next.Description = ev.Description
		}

	default:
		return nil, InvariantViolation("product %s event %d: unknown type %q", ev.ProductID, ev.EventID, ev.Type)
	}

	next.UpdatedAt = ev.Timestamp
	next.Version = ev.EventID
	next.LastHash = ev.Hash
	return &next, nil
}

// RebuildProduct folds events from empty. It returns nil state for an empty
// stream. Storage errors from the sequence are wrapped as StorageError.
func RebuildProduct(events iter.Seq2[models.ProductEvent, error]) (*models.ProductState, error) {
	var state *models.ProductState
	for ev, err := range events {
		if err != nil {
			return nil, Storage(err, "read product events")
		}
		if state, err = ApplyProduct(state, ev); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func ApplyOrder(state *models.OrderState, ev models.OrderEvent) (*models.OrderState, error) {
	var version int64
	var last string
	if state != nil {
		version, last = state.Version, state.LastHash
	}
	if err := checkLink(ev.OrderID, version, last, ev.EventID, ev.PrevHash); err != nil {
		return nil, err
	}
	if OrderEventHash(ev) != ev.Hash {
		return nil, InvariantViolation("order %s event %d: hash mismatch", ev.OrderID, ev.EventID)
	}

	var next models.OrderState
	switch ev.Type {
	case models.OrderCreated:
		if state != nil {
			return nil, InvariantViolation("order %s: created twice", ev.OrderID)
		}
		next = models.OrderState{
			OrderID:    ev.OrderID,
			ProductID:  ev.ProductID,
			BuyerID:    ev.BuyerID,
			SellerID:   ev.SellerID,
			Quantity:   ev.Quantity,
			TotalPrice: ev.TotalPrice,
			Status:     models.OrderStatusPending,
			TrackingID: TrackingID(ev.OrderID),
			CreatedAt:  ev.Timestamp,
		}

	case models.OrderStatusChanged:
		if state == nil {
			return nil, InvariantViolation("order %s: status change before creation", ev.OrderID)
		}
		if err := checkOrderTransition(state.Status, ev.Status); err != nil {
			return nil, InvariantViolation("order %s event %d: %v", ev.OrderID, ev.EventID, err)
		}
		next = *state
		next.Status = ev.Status
		if ev.Status == models.OrderStatusDelivered {
			at := ev.Timestamp
			next.DeliveredAt = &at
		}

	default:
		return nil, InvariantViolation("order %s event %d: unknown type %q", ev.OrderID, ev.EventID, ev.Type)
	}

	next.UpdatedAt = ev.Timestamp
	next.Version = ev.EventID
	next.LastHash = ev.Hash
	return &next, nil
}

func RebuildOrder(events iter.Seq2[models.OrderEvent, error]) (*models.OrderState, error) {
	var state *models.OrderState
	for ev, err := range events {
		if err != nil {
			return nil, Storage(err, "read order events")
		}
		if state, err = ApplyOrder(state, ev); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// TrackingID derives the carrier reference shown to buyers.
func TrackingID(orderID string) string {
	return "TRK" + orderID
}

func checkLink(streamID string, version int64, lastHash string, seq int64, prevHash string) error {
	if seq != version+1 {
		return InvariantViolation("stream %s: event %d follows version %d", streamID, seq, version)
	}
	if prevHash != lastHash {
		return InvariantViolation("stream %s event %d: broken hash chain", streamID, seq)
	}
	return nil
}

func versionOf(s *models.ProductState) int64 {
	if s == nil {
		return 0
	}
	return s.Version
}

func lastHashOf(s *models.ProductState) string {
	if s == nil {
		return ""
	}
	return s.LastHash
}
