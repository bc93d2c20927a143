// Package ledger is the provenance ledger: command validation, projection of
// product and order streams, QR binding and verification.
package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/safar/provenance-ledger/internal/database"
	"github.com/safar/provenance-ledger/internal/models"
	"github.com/safar/provenance-ledger/internal/store"
	"github.com/sirupsen/logrus"
)

// Actor is an authenticated caller.
type Actor struct {
	ID   string
	Role models.Role
}

// Sink receives domain events after their append has committed. Publish must
// not block.
type Sink interface {
	Publish(event models.DomainEvent)
}

type Options struct {
	// MaxAttempts bounds how often a command is re-run after losing an append
	// race. Values below 1 mean 1.
	MaxAttempts  int
	RetryBackoff time.Duration
	QRSigningKey []byte
	// DisableCache rebuilds state from the log on every command and read.
	DisableCache bool

	Sink   Sink
	Logger logrus.FieldLogger
	Clock  func() time.Time
	NewID  func() string
}

type Service struct {
	store  store.Store
	sink   Sink
	log    logrus.FieldLogger
	clock  func() time.Time
	newID  func() string
	signer Signer

	maxAttempts int
	backoff     time.Duration
	cache       bool

	products sync.Map // product id -> *models.ProductState
	orders   sync.Map // order id -> *models.OrderState
}

func NewService(st store.Store, opts Options) *Service {
	s := &Service{
		store:       st,
		sink:        opts.Sink,
		log:         opts.Logger,
		clock:       opts.Clock,
		newID:       opts.NewID,
		signer:      NewSigner(opts.QRSigningKey),
		maxAttempts: max(opts.MaxAttempts, 1),
		backoff:     opts.RetryBackoff,
		cache:       !opts.DisableCache,
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.backoff <= 0 {
		s.backoff = 10 * time.Millisecond
	}
	return s
}

const maxRetryBackoff = time.Second

// errStale marks an append that lost the race for its stream position.
var errStale = errors.New("stream advanced since read")

// now returns the ledger clock at the precision every backend stores.
func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// stamp returns an event time that never precedes the stream's last event.
func (s *Service) stamp(last time.Time) time.Time {
	now := s.now()
	if now.Before(last) {
		return last
	}
	return now
}

// run executes cmd until it succeeds, fails for a reason other than a lost
// append race, or runs out of attempts. A pinned command has a caller-chosen
// expected version and is tried exactly once.
func (s *Service) run(ctx context.Context, pinned bool, streamID string, cmd func() error) error {
	attempts := s.maxAttempts
	if pinned {
		attempts = 1
	}

	backoff := s.backoff
	for attempt := 1; ; attempt++ {
		err := cmd()
		if !errors.Is(err, errStale) {
			return err
		}

		if attempt >= attempts {
			if pinned {
				return Conflict("%s was modified concurrently", streamID)
			}
			s.log.WithFields(logrus.Fields{"stream": streamID, "attempts": attempt}).Warn("append retries exhausted")
			return &Error{Kind: KindBusy, Message: "too many concurrent writers on " + streamID, Cause: ErrConflict}
		}

		jitter := time.Duration(rand.Int63n(int64(backoff/4) + 1))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

func (s *Service) publish(event models.DomainEvent) {
	if s.sink == nil {
		return
	}
	s.sink.Publish(event)
}

// storageFailure logs and wraps a backing store error.
func (s *Service) storageFailure(err error, fields logrus.Fields, msg string) error {
	s.log.WithFields(fields).WithError(err).Error(msg)
	return Storage(err, "%s", msg)
}

func (s *Service) integrityFailure(err error, fields logrus.Fields) error {
	s.log.WithFields(fields).WithField("kind", KindInvariantViolation).WithError(err).Error("ledger integrity check failed")
	return err
}

// cacheNewer memoizes state unless a newer version is already cached.
func cacheNewer[T any](m *sync.Map, id string, state *T, version func(*T) int64) {
	for {
		cur, loaded := m.LoadOrStore(id, state)
		if !loaded {
			return
		}
		if version(cur.(*T)) >= version(state) {
			return
		}
		if m.CompareAndSwap(id, cur, state) {
			return
		}
	}
}

func productVersion(p *models.ProductState) int64 { return p.Version }

func orderVersion(o *models.OrderState) int64 { return o.Version }

// loadProduct returns the projected state of id, or nil when the stream is empty.
func (s *Service) loadProduct(ctx context.Context, id string) (*models.ProductState, error) {
	if s.cache {
		if v, ok := s.products.Load(id); ok {
			return v.(*models.ProductState), nil
		}
	}

	state, err := RebuildProduct(s.store.ReadProductEvents(ctx, id))
	if err != nil {
		if KindOf(err) == KindInvariantViolation {
			return nil, s.integrityFailure(err, logrus.Fields{"product_id": id})
		}
		return nil, s.storageFailure(err, logrus.Fields{"product_id": id}, "rebuild product")
	}
	if state != nil && s.cache {
		cacheNewer(&s.products, id, state, productVersion)
	}
	return state, nil
}

func (s *Service) loadOrder(ctx context.Context, id string) (*models.OrderState, error) {
	if s.cache {
		if v, ok := s.orders.Load(id); ok {
			return v.(*models.OrderState), nil
		}
	}

	state, err := RebuildOrder(s.store.ReadOrderEvents(ctx, id))
	if err != nil {
		if KindOf(err) == KindInvariantViolation {
			return nil, s.integrityFailure(err, logrus.Fields{"order_id": id})
		}
		return nil, s.storageFailure(err, logrus.Fields{"order_id": id}, "rebuild order")
	}
	if state != nil && s.cache {
		cacheNewer(&s.orders, id, state, orderVersion)
	}
	return state, nil
}

// appendProduct completes ev against state, folds it, and appends it at the
// next stream position. It returns errStale when another append won.
func (s *Service) appendProduct(ctx context.Context, state *models.ProductState, ev models.ProductEvent) (*models.ProductState, error) {
	expected := versionOf(state)
	ev.EventID = expected + 1
	ev.PrevHash = lastHashOf(state)
	if ev.Timestamp.IsZero() {
		var last time.Time
		if state != nil {
			last = state.UpdatedAt
		}
		ev.Timestamp = s.stamp(last)
	}
	ev.Hash = ProductEventHash(ev)

	fields := logrus.Fields{"product_id": ev.ProductID, "actor_id": ev.ActorID, "event_id": ev.EventID}

	next, err := ApplyProduct(state, ev)
	if err != nil {
		return nil, s.integrityFailure(err, fields)
	}

	if _, err := s.store.AppendProductEvent(ctx, expected, ev, *next); err != nil {
		if errors.Is(err, database.ErrVersionConflict) {
			s.products.Delete(ev.ProductID)
			return nil, errStale
		}
		return nil, s.storageFailure(err, fields, "append product event")
	}

	if s.cache {
		cacheNewer(&s.products, ev.ProductID, next, productVersion)
	}
	return next, nil
}

func (s *Service) appendOrder(ctx context.Context, state *models.OrderState, ev models.OrderEvent) (*models.OrderState, error) {
	var (
		expected int64
		last     time.Time
	)
	if state != nil {
		expected = state.Version
		last = state.UpdatedAt
		ev.PrevHash = state.LastHash
	}
	ev.EventID = expected + 1
	ev.Timestamp = s.stamp(last)
	ev.Hash = OrderEventHash(ev)

	fields := logrus.Fields{"order_id": ev.OrderID, "actor_id": ev.ActorID, "event_id": ev.EventID}

	next, err := ApplyOrder(state, ev)
	if err != nil {
		return nil, s.integrityFailure(err, fields)
	}

	if _, err := s.store.AppendOrderEvent(ctx, expected, ev, *next); err != nil {
		if errors.Is(err, database.ErrVersionConflict) {
			s.orders.Delete(ev.OrderID)
			return nil, errStale
		}
		return nil, s.storageFailure(err, fields, "append order event")
	}

	if s.cache {
		cacheNewer(&s.orders, ev.OrderID, next, orderVersion)
	}
	return next, nil
}

// identity resolves id in the registry. A missing identity yields nil, nil.
func (s *Service) identity(ctx context.Context, id string) (*models.Identity, error) {
	ident, err := s.store.GetIdentity(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.storageFailure(err, logrus.Fields{"identity_id": id}, "get identity")
	}
	return ident, nil
}
