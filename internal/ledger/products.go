package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/safar/provenance-ledger/internal/database"
	"github.com/safar/provenance-ledger/internal/models"
	"github.com/safar/provenance-ledger/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type CreateProductInput struct {
	// ProductID is generated when empty.
	ProductID   string
	Name        string
	Description string
	Category    string
	Price       decimal.Decimal
}

type TransferProductInput struct {
	ProductID   string
	NewOwner    string
	Location    string
	Description string
	// ExpectedVersion, when non-zero, pins the command to that product
	// version. A stale pin fails with Conflict and is not retried.
	//
	// Left at zero, a transfer that loses a race re-reads the product and is
	// validated again, so the loser of two concurrent transfers usually ends
	// with Forbidden (it no longer owns the product) instead of Conflict.
	// Callers that need to tell a lost race apart should pin.
	ExpectedVersion int64
}

type UpdateStatusInput struct {
	ProductID       string
	Status          models.ProductStatus
	Location        string
	Description     string
	ExpectedVersion int64
}

// CreateProduct records a new product owned by its manufacturer and binds its
// QR payload.
func (s *Service) CreateProduct(ctx context.Context, actor Actor, in CreateProductInput) (*models.ProductState, error) {
	if actor.Role != models.RoleManufacturer {
		return nil, Forbidden("only manufacturers can create products")
	}

	in.ProductID = strings.TrimSpace(in.ProductID)
	if in.ProductID == "" {
		in.ProductID = s.newID()
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, InvalidArgument("product name is required")
	}
	if in.Price.IsNegative() {
		return nil, InvalidArgument("price must not be negative")
	}

	maker, err := s.identity(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	var location string
	if maker != nil {
		location = maker.Location
	}

	var created *models.ProductState
	err = s.run(ctx, false, in.ProductID, func() error {
		state, err := s.loadProduct(ctx, in.ProductID)
		if err != nil {
			return err
		}
		if state != nil {
			return Conflict("product %s already exists", in.ProductID)
		}

		at := s.now()
		payload, err := s.signer.Bind(in.ProductID, actor.ID, in.Name, at)
		if err != nil {
			return err
		}

		created, err = s.appendProduct(ctx, nil, models.ProductEvent{
			ProductID:   in.ProductID,
			Type:        models.ProductCreated,
			ActorID:     actor.ID,
			Timestamp:   at,
			Status:      models.StatusCreated,
			Location:    location,
			Description: in.Description,
			Name:        in.Name,
			Category:    in.Category,
			Price:       in.Price,
			QRPayload:   payload,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"product_id": created.ProductID, "actor_id": actor.ID}).Info("product created")
	s.publish(models.DomainEvent{
		Type:       models.EventProductCreated,
		ProductID:  created.ProductID,
		ActorID:    actor.ID,
		Recipients: []string{actor.ID},
		Data:       map[string]string{"name": created.Name},
		Timestamp:  created.CreatedAt,
	})
	return created, nil
}

// TransferProduct hands a product from its current owner to newOwner. The
// status follows the receiving party's role.
func (s *Service) TransferProduct(ctx context.Context, actor Actor, in TransferProductInput) (*models.ProductState, error) {
	pinned := in.ExpectedVersion != 0

	var (
		prev *models.ProductState
		next *models.ProductState
	)
	err := s.run(ctx, pinned, in.ProductID, func() error {
		state, err := s.loadProduct(ctx, in.ProductID)
		if err != nil {
			return err
		}
		if state == nil {
			return NotFound("product %s not found", in.ProductID)
		}
		if pinned && state.Version != in.ExpectedVersion {
			return Conflict("product %s is at version %d, not %d", in.ProductID, state.Version, in.ExpectedVersion)
		}
		if actor.ID != state.Owner {
			return Forbidden("only the current owner can transfer product %s", in.ProductID)
		}

		recipient, err := s.identity(ctx, in.NewOwner)
		if err != nil {
			return err
		}
		if recipient == nil {
			return InvalidArgument("unknown new owner %q", in.NewOwner)
		}

		prev = state
		next, err = s.appendProduct(ctx, state, models.ProductEvent{
			ProductID:   in.ProductID,
			Type:        models.ProductTransferred,
			ActorID:     actor.ID,
			FromOwner:   state.Owner,
			ToOwner:     recipient.ID,
			Status:      statusOnReceipt(recipient.Role),
			Location:    in.Location,
			Description: in.Description,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"product_id": next.ProductID,
		"actor_id":   actor.ID,
		"event_id":   next.Version,
		"to_owner":   next.Owner,
	}).Info("product transferred")
	s.publish(models.DomainEvent{
		Type:       models.EventProductTransferred,
		ProductID:  next.ProductID,
		ActorID:    actor.ID,
		Recipients: []string{next.Owner, prev.Owner},
		Data:       map[string]string{"from": prev.Owner, "to": next.Owner, "location": in.Location},
		Timestamp:  next.UpdatedAt,
	})
	return next, nil
}

// statusOnReceipt maps the receiving party's role to the product status.
func statusOnReceipt(role models.Role) models.ProductStatus {
	switch role {
	case models.RoleRetailer:
		return models.StatusDelivered
	case models.RoleConsumer:
		return models.StatusSold
	default:
		return models.StatusInTransit
	}
}

func (s *Service) UpdateStatus(ctx context.Context, actor Actor, in UpdateStatusInput) (*models.ProductState, error) {
	if !in.Status.Valid() {
		return nil, InvalidArgument("unknown product status %q", in.Status)
	}
	pinned := in.ExpectedVersion != 0

	var next *models.ProductState
	err := s.run(ctx, pinned, in.ProductID, func() error {
		state, err := s.loadProduct(ctx, in.ProductID)
		if err != nil {
			return err
		}
		if state == nil {
			return NotFound("product %s not found", in.ProductID)
		}
		if pinned && state.Version != in.ExpectedVersion {
			return Conflict("product %s is at version %d, not %d", in.ProductID, state.Version, in.ExpectedVersion)
		}
		if actor.ID != state.Owner {
			return Forbidden("only the current owner can update product %s", in.ProductID)
		}

		next, err = s.appendProduct(ctx, state, models.ProductEvent{
			ProductID:   in.ProductID,
			Type:        models.ProductStatusChanged,
			ActorID:     actor.ID,
			Status:      in.Status,
			Location:    in.Location,
			Description: in.Description,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"product_id": next.ProductID,
		"actor_id":   actor.ID,
		"event_id":   next.Version,
		"status":     next.Status,
	}).Info("product status updated")

	recipients := []string{actor.ID}
	if next.Manufacturer != actor.ID {
		recipients = append(recipients, next.Manufacturer)
	}
	s.publish(models.DomainEvent{
		Type:       models.EventProductStatusChanged,
		ProductID:  next.ProductID,
		ActorID:    actor.ID,
		Recipients: recipients,
		Data:       map[string]string{"status": string(next.Status), "location": in.Location},
		Timestamp:  next.UpdatedAt,
	})
	return next, nil
}

func (s *Service) GetState(ctx context.Context, productID string) (*models.ProductState, error) {
	state, err := s.loadProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, NotFound("product %s not found", productID)
	}
	out := *state
	return &out, nil
}

// GetHistory returns the product's events in stream order.
func (s *Service) GetHistory(ctx context.Context, productID string) ([]models.ProductEvent, error) {
	var events []models.ProductEvent
	for ev, err := range s.store.ReadProductEvents(ctx, productID) {
		if err != nil {
			return nil, s.storageFailure(err, logrus.Fields{"product_id": productID}, "read product history")
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return nil, NotFound("product %s not found", productID)
	}
	return events, nil
}

// ListProducts pages through the snapshot index, newest first.
func (s *Service) ListProducts(ctx context.Context, filter store.ProductFilter) (*store.CursorPage[models.ProductState], error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, InvalidArgument("unknown product status %q", filter.Status)
	}
	page, err := s.store.ListProducts(ctx, filter)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			return nil, InvalidArgument("malformed cursor")
		}
		return nil, s.storageFailure(err, logrus.Fields{"owner": filter.Owner}, "list products")
	}
	return page, nil
}

// Custody lists the successive owners of a product, manufacturer first.
func Custody(history []models.ProductEvent) []string {
	var owners []string
	for _, ev := range history {
		switch ev.Type {
		case models.ProductCreated:
			owners = append(owners, ev.ActorID)
		case models.ProductTransferred:
			owners = append(owners, ev.ToOwner)
		}
	}
	return owners
}

// AuditReport summarizes a verified product stream.
type AuditReport struct {
	ProductID string `json:"product_id"`
	Events    int    `json:"events"`
	HeadHash  string `json:"head_hash"`
	Owner     string `json:"owner"`
}

// AuditProduct replays a product's stream from the log, checking the hash
// chain, and compares the result with the stored snapshot and cache. Any
// difference is an InvariantViolation.
//
// The snapshot is read first and the log is folded up to its version, so
// appends that land during the audit are not mistaken for drift.
func (s *Service) AuditProduct(ctx context.Context, productID string) (*AuditReport, error) {
	fields := logrus.Fields{"product_id": productID}

	snapshot, err := s.auditSnapshot(ctx, productID, fields)
	if err != nil {
		return nil, err
	}

	var (
		state *models.ProductState
		count int
	)
	for ev, err := range s.store.ReadProductEvents(ctx, productID) {
		if err != nil {
			return nil, s.storageFailure(err, fields, "read product history")
		}
		if ev.EventID > snapshot.Version {
			break
		}
		if state, err = ApplyProduct(state, ev); err != nil {
			return nil, s.integrityFailure(err, fields)
		}
		count++
	}
	if state == nil || state.Version != snapshot.Version {
		return nil, s.integrityFailure(InvariantViolation("product %s log ends at version %d but snapshot is at %d",
			productID, versionOf(state), snapshot.Version), fields)
	}
	if !sameProductState(state, snapshot) {
		return nil, s.integrityFailure(InvariantViolation("product %s snapshot differs from replay", productID), fields)
	}

	if s.cache {
		if v, ok := s.products.Load(productID); ok {
			cached := v.(*models.ProductState)
			if cached.Version == state.Version && !sameProductState(state, cached) {
				return nil, s.integrityFailure(InvariantViolation("product %s cached state differs from replay", productID), fields)
			}
		}
	}

	return &AuditReport{ProductID: productID, Events: count, HeadHash: state.LastHash, Owner: state.Owner}, nil
}

// auditSnapshot loads the snapshot an audit is checked against. A new stream
// can be readable just before its first snapshot is stored, so a missing
// snapshot is looked up again before it counts as a violation.
func (s *Service) auditSnapshot(ctx context.Context, productID string, fields logrus.Fields) (*models.ProductState, error) {
	snapshot, err := s.store.GetProductSnapshot(ctx, productID)
	if err == nil {
		return snapshot, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, s.storageFailure(err, fields, "get product snapshot")
	}

	empty := true
	for _, err := range s.store.ReadProductEvents(ctx, productID) {
		if err != nil {
			return nil, s.storageFailure(err, fields, "read product history")
		}
		empty = false
		break
	}
	if empty {
		return nil, NotFound("product %s not found", productID)
	}

	snapshot, err = s.store.GetProductSnapshot(ctx, productID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, s.integrityFailure(InvariantViolation("product %s has events but no snapshot", productID), fields)
	}
	if err != nil {
		return nil, s.storageFailure(err, fields, "get product snapshot")
	}
	return snapshot, nil
}

// AuditAll audits every product in the snapshot index and returns the
// reports of the streams that passed and the first failure.
func (s *Service) AuditAll(ctx context.Context) ([]AuditReport, error) {
	var (
		reports []AuditReport
		cursor  string
	)
	for {
		page, err := s.ListProducts(ctx, store.ProductFilter{Cursor: cursor, Limit: store.MaxPageSize})
		if err != nil {
			return reports, err
		}
		for _, p := range page.Items {
			report, err := s.AuditProduct(ctx, p.ProductID)
			if err != nil {
				return reports, err
			}
			reports = append(reports, *report)
		}
		if !page.HasMore {
			return reports, nil
		}
		cursor = page.NextCursor
	}
}

// sameProductState compares states by value; decimals and times may differ
// in representation after a database round trip.
func sameProductState(a, b *models.ProductState) bool {
	return a.ProductID == b.ProductID &&
		a.Name == b.Name &&
		a.Description == b.Description &&
		a.Category == b.Category &&
		a.Price.Equal(b.Price) &&
		a.Manufacturer == b.Manufacturer &&
		a.Owner == b.Owner &&
		a.Status == b.Status &&
		a.Location == b.Location &&
		a.QRPayload == b.QRPayload &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.Version == b.Version &&
		a.LastHash == b.LastHash
}
