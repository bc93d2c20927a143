package store

import (
	"cmp"
	"context"
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/safar/provenance-ledger/internal/database"
	"github.com/safar/provenance-ledger/internal/models"
)

// stream is one append-only event sequence. Appends serialize on mu; reads
// load the published slice without locking. A published slice is never
// written below its length, so readers always see a complete prefix.
type stream[E any] struct {
	mu     sync.Mutex
	events atomic.Pointer[[]E]
}

func (s *stream[E]) load() []E {
	if p := s.events.Load(); p != nil {
		return *p
	}
	return nil
}

// append adds event when the stream holds exactly expected events. commit runs
// under the stream lock after the event is published.
func (s *stream[E]) append(expected, seq int64, event E, commit func()) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.load()
	if int64(len(current)) != expected {
		return 0, database.ErrVersionConflict
	}
	if seq != expected+1 {
		return 0, errors.Errorf("event sequence %d does not follow version %d", seq, expected)
	}

	next := append(current, event)
	s.events.Store(&next)
	if commit != nil {
		commit()
	}
	return int64(len(next)), nil
}

func (s *stream[E]) all() iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		for _, e := range s.load() {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// MemoryStore keeps everything in process. It backs tests and the dev server.
type MemoryStore struct {
	products         sync.Map // product id -> *stream[models.ProductEvent]
	productSnapshots sync.Map // product id -> models.ProductState
	orders           sync.Map // order id -> *stream[models.OrderEvent]
	orderSnapshots   sync.Map // order id -> models.OrderState

	identityMu sync.RWMutex
	identities map[string]models.Identity

	scanMu sync.Mutex
	scans  []models.ScanRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{identities: make(map[string]models.Identity)}
}

func streamFor[E any](m *sync.Map, id string) *stream[E] {
	if s, ok := m.Load(id); ok {
		return s.(*stream[E])
	}
	s, _ := m.LoadOrStore(id, &stream[E]{})
	return s.(*stream[E])
}

func lookupStream[E any](m *sync.Map, id string) (*stream[E], bool) {
	s, ok := m.Load(id)
	if !ok {
		return nil, false
	}
	return s.(*stream[E]), true
}

func emptySeq[E any]() iter.Seq2[E, error] {
	return func(func(E, error) bool) {}
}

func (m *MemoryStore) AppendProductEvent(ctx context.Context, expected int64, event models.ProductEvent, snapshot models.ProductState) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := streamFor[models.ProductEvent](&m.products, event.ProductID)
	return s.append(expected, event.EventID, event, func() {
		m.productSnapshots.Store(event.ProductID, snapshot)
	})
}

func (m *MemoryStore) ReadProductEvents(_ context.Context, productID string) iter.Seq2[models.ProductEvent, error] {
	s, ok := lookupStream[models.ProductEvent](&m.products, productID)
	if !ok {
		return emptySeq[models.ProductEvent]()
	}
	return s.all()
}

func (m *MemoryStore) GetProductSnapshot(_ context.Context, productID string) (*models.ProductState, error) {
	v, ok := m.productSnapshots.Load(productID)
	if !ok {
		return nil, database.ErrNotFound
	}
	state := v.(models.ProductState)
	return &state, nil
}

func (m *MemoryStore) ListProducts(_ context.Context, filter ProductFilter) (*CursorPage[models.ProductState], error) {
	cursor, err := DecodeCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}
	limit := clampLimit(filter.Limit)

	var rows []models.ProductState
	m.productSnapshots.Range(func(_, v any) bool {
		state := v.(models.ProductState)
		if !filter.matches(&state) {
			return true
		}
		if cursor != nil && !cursor.Before(state.CreatedAt, state.ProductID) {
			return true
		}
		rows = append(rows, state)
		return true
	})

	slices.SortFunc(rows, func(a, b models.ProductState) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ProductID, a.ProductID)
	})
	if len(rows) > limit+1 {
		rows = rows[:limit+1]
	}

	return pageOf(rows, limit, func(s models.ProductState) Cursor {
		return Cursor{CreatedAt: s.CreatedAt, ID: s.ProductID}
	}), nil
}

func (m *MemoryStore) AppendOrderEvent(ctx context.Context, expected int64, event models.OrderEvent, snapshot models.OrderState) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := streamFor[models.OrderEvent](&m.orders, event.OrderID)
	return s.append(expected, event.EventID, event, func() {
		m.orderSnapshots.Store(event.OrderID, snapshot)
	})
}

func (m *MemoryStore) ReadOrderEvents(_ context.Context, orderID string) iter.Seq2[models.OrderEvent, error] {
	s, ok := lookupStream[models.OrderEvent](&m.orders, orderID)
	if !ok {
		return emptySeq[models.OrderEvent]()
	}
	return s.all()
}

func (m *MemoryStore) ListOrders(_ context.Context, filter OrderFilter) ([]models.OrderState, error) {
	var rows []models.OrderState
	m.orderSnapshots.Range(func(_, v any) bool {
		state := v.(models.OrderState)
		if filter.matches(&state) {
			rows = append(rows, state)
		}
		return true
	})

	slices.SortFunc(rows, func(a, b models.OrderState) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.OrderID, a.OrderID)
	})
	return rows, nil
}

func (m *MemoryStore) CreateIdentity(_ context.Context, identity models.Identity) error {
	m.identityMu.Lock()
	defer m.identityMu.Unlock()

	if _, ok := m.identities[identity.ID]; ok {
		return database.ErrDuplicate
	}
	m.identities[identity.ID] = identity
	return nil
}

func (m *MemoryStore) GetIdentity(_ context.Context, id string) (*models.Identity, error) {
	m.identityMu.RLock()
	defer m.identityMu.RUnlock()

	identity, ok := m.identities[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &identity, nil
}

func (m *MemoryStore) ListIdentities(_ context.Context, role models.Role) ([]models.Identity, error) {
	m.identityMu.RLock()
	defer m.identityMu.RUnlock()

	var out []models.Identity
	for _, identity := range m.identities {
		if role == "" || identity.Role == role {
			out = append(out, identity)
		}
	}
	slices.SortFunc(out, func(a, b models.Identity) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *MemoryStore) RecordScan(_ context.Context, record models.ScanRecord) error {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	m.scans = append(m.scans, record)
	return nil
}

// ListScans returns the newest scans first.
func (m *MemoryStore) ListScans(_ context.Context, productID string, limit int) ([]models.ScanRecord, error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	limit = clampLimit(limit)
	var out []models.ScanRecord
	for i := len(m.scans) - 1; i >= 0 && len(out) < limit; i-- {
		if productID == "" || m.scans[i].ProductID == productID {
			out = append(out, m.scans[i])
		}
	}
	return out, nil
}
