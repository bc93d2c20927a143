package ledger

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/safar/provenance-ledger/internal/config"
	"github.com/safar/provenance-ledger/internal/database"
	"github.com/safar/provenance-ledger/internal/models"
	"github.com/safar/provenance-ledger/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	manu1 = Actor{ID: "manu1", Role: models.RoleManufacturer}
	manu2 = Actor{ID: "manu2", Role: models.RoleManufacturer}
	dist1 = Actor{ID: "dist1", Role: models.RoleDistributor}
	ret1  = Actor{ID: "ret1", Role: models.RoleRetailer}
	c1    = Actor{ID: "c1", Role: models.RoleConsumer}
	admin = Actor{ID: "admin", Role: models.RoleAdmin}
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.DomainEvent
}

func (r *recordingSink) Publish(e models.DomainEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) Events() []models.DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.DomainEvent(nil), r.events...)
}

type fixture struct {
	svc   *Service
	store store.Store
	sink  *recordingSink
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testOptions(sink Sink) Options {
	var n atomic.Int64
	clock := &stepClock{t: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)}
	return Options{
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		QRSigningKey: []byte("test-key"),
		Sink:         sink,
		Logger:       quietLogger(),
		Clock:        clock.Now,
		NewID:        func() string { return fmt.Sprintf("id-%d", n.Add(1)) },
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, store.NewMemoryStore(), func(*Options) {})
}

func newFixtureWith(t *testing.T, st store.Store, tweak func(*Options)) *fixture {
	t.Helper()

	sink := &recordingSink{}
	opts := testOptions(sink)
	tweak(&opts)
	svc := NewService(st, opts)

	require.NoError(t, svc.Bootstrap(context.Background(),
		models.Identity{ID: "manu1", Name: "Acme Manufacturing", Role: models.RoleManufacturer, Location: "New York, USA"},
		models.Identity{ID: "manu2", Name: "Other Maker", Role: models.RoleManufacturer},
		models.Identity{ID: "dist1", Name: "Global Distribution", Role: models.RoleDistributor, Location: "Chicago, USA"},
		models.Identity{ID: "ret1", Name: "Retail Chain", Role: models.RoleRetailer},
		models.Identity{ID: "c1", Name: "Jane Consumer", Role: models.RoleConsumer},
		models.Identity{ID: "admin", Name: "Operator", Role: models.RoleAdmin},
	))
	return &fixture{svc: svc, store: st, sink: sink}
}

func (f *fixture) create(t *testing.T, id string) *models.ProductState {
	t.Helper()
	p, err := f.svc.CreateProduct(context.Background(), manu1, CreateProductInput{
		ProductID:   id,
		Name:        "Widget " + id,
		Description: "A widget",
		Category:    "tools",
		Price:       decimal.RequireFromString("19.99"),
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) eventCount(t *testing.T, id string) int {
	t.Helper()
	n := 0
	for _, err := range f.store.ReadProductEvents(context.Background(), id) {
		require.NoError(t, err)
		n++
	}
	return n
}

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()

	db, err := database.NewConnection(&config.DatabaseConfig{
		Driver: database.DriverSQLite,
		URL:    "file:" + filepath.Join(t.TempDir(), "ledger.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = database.Migrate(db, database.Up)
	require.NoError(t, err)
	return store.NewSQLStore(db)
}

// backends runs fn against a fresh fixture per store implementation.
func backends(t *testing.T, fn func(t *testing.T, f *fixture)) {
	t.Run("memory", func(t *testing.T) { fn(t, newFixture(t)) })
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newFixtureWith(t, newSQLiteStore(t), func(*Options) {}))
	})
}

func TestProductLifecycleExample(t *testing.T) {
	backends(t, testProductLifecycle)
}

func testProductLifecycle(t *testing.T, f *fixture) {
	ctx := context.Background()

	p := f.create(t, "P1")
	assert.Equal(t, "manu1", p.Owner)
	assert.Equal(t, models.StatusCreated, p.Status)
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, "New York, USA", p.Location)
	assert.NotEmpty(t, p.QRPayload)

	p, err := f.svc.TransferProduct(ctx, manu1, TransferProductInput{ProductID: "P1", NewOwner: "dist1", Location: "Chicago", Description: "shipped"})
	require.NoError(t, err)
	assert.Equal(t, "dist1", p.Owner)
	assert.Equal(t, int64(2), p.Version)

	_, err = f.svc.TransferProduct(ctx, manu1, TransferProductInput{ProductID: "P1", NewOwner: "ret1"})
	assert.ErrorIs(t, err, ErrForbidden)
	state, err := f.svc.GetState(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Version)

	p, err = f.svc.UpdateStatus(ctx, dist1, UpdateStatusInput{ProductID: "P1", Status: models.StatusDelivered, Location: "Chicago DC", Description: "arrived"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, p.Status)
	assert.Equal(t, int64(3), p.Version)
	assert.Equal(t, "Chicago DC", p.Location)

	history, err := f.svc.GetHistory(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.ProductCreated, history[0].Type)
	assert.Equal(t, models.ProductTransferred, history[1].Type)
	assert.Equal(t, "manu1", history[1].FromOwner)
	assert.Equal(t, "dist1", history[1].ToOwner)
	assert.Equal(t, models.ProductStatusChanged, history[2].Type)
	for i, ev := range history {
		assert.Equal(t, int64(i+1), ev.EventID)
	}
	assert.Equal(t, []string{"manu1", "dist1"}, Custody(history))
}

func TestCreateProductRequiresManufacturer(t *testing.T) {
	f := newFixture(t)

	for _, actor := range []Actor{dist1, ret1, c1, admin} {
		_, err := f.svc.CreateProduct(context.Background(), actor, CreateProductInput{ProductID: "P1", Name: "Widget"})
		assert.ErrorIs(t, err, ErrForbidden, actor.ID)
	}
	assert.Zero(t, f.eventCount(t, "P1"))
	assert.Empty(t, f.sink.Events())
}

func TestCreateProductRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)
	f.create(t, "P1")

	_, err := f.svc.CreateProduct(context.Background(), manu2, CreateProductInput{ProductID: "P1", Name: "Copy"})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, f.eventCount(t, "P1"))
}

func TestCreateProductValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateProduct(ctx, manu1, CreateProductInput{ProductID: "P1", Name: "  "})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.svc.CreateProduct(ctx, manu1, CreateProductInput{ProductID: "P1", Name: "Widget", Price: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	p, err := f.svc.CreateProduct(ctx, manu1, CreateProductInput{Name: "Generated"})
	require.NoError(t, err)
	assert.Equal(t, "id-1", p.ProductID)
}

func TestTransferByNonOwnerLeavesLogUnchanged(t *testing.T) {
	f := newFixture(t)
	f.create(t, "P1")

	_, err := f.svc.TransferProduct(context.Background(), dist1, TransferProductInput{ProductID: "P1", NewOwner: "dist1"})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 1, f.eventCount(t, "P1"))
}

func TestTransferErrors(t *testing.T) {
	f := newFixture(t)
	f.create(t, "P1")
	ctx := context.Background()

	_, err := f.svc.TransferProduct(ctx, manu1, TransferProductInput{ProductID: "nope", NewOwner: "dist1"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.TransferProduct(ctx, manu1, TransferProductInput{ProductID: "P1", NewOwner: "ghost"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 1, f.eventCount(t, "P1"))
}

func TestTransferStatusFollowsRecipientRole(t *testing.T) {
	f := newFixture(t)
	f.create(t, "P1")
	ctx := context.Background()

	steps := []struct {
		from   Actor
		to     string
		status models.ProductStatus
	}{
		{manu1, "dist1", models.StatusInTransit},
		{dist1, "ret1", models.StatusDelivered},
		{ret1, "c1", models.StatusSold},
	}
	for _, step := range steps {
		p, err := f.svc.TransferProduct(ctx, step.from, TransferProductInput{ProductID: "P1", NewOwner: step.to})
		require.NoError(t, err)
		assert.Equal(t, step.to, p.Owner)
		assert.Equal(t, step.status, p.Status)
	}
}

func TestUpdateStatusValidation(t *testing.T) {
	f := newFixture(t)
	f.create(t, "P1")
	ctx := context.Background()

	_, err := f.svc.UpdateStatus(ctx, manu1, UpdateStatusInput{ProductID: "P1", Status: "Lost"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.svc.UpdateStatus(ctx, dist1, UpdateStatusInput{ProductID: "P1", Status: models.StatusSold})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.UpdateStatus(ctx, manu1, UpdateStatusInput{ProductID: "missing", Status: models.StatusSold})
	assert.ErrorIs(t, err, ErrNotFound)

	// Any enumerated status may follow any other.
	for _, s := range []models.ProductStatus{models.StatusSold, models.StatusCreated, models.StatusInTransit} {
		p, err := f.svc.UpdateStatus(ctx, manu1, UpdateStatusInput{ProductID: "P1", Status: s})
		require.NoError(t, err)
		assert.Equal(t, s, p.Status)
	}
}

func TestReadsOfUnknownProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetState(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.GetHistory(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Bind(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplayMatchesIncrementalState(t *testing.T) {
	backends(t, testReplayMatchesIncrementalState)
}

func testReplayMatchesIncrementalState(t *testing.T, f *fixture) {
	ctx := context.Background()
	f.create(t, "P1")

	owners := []Actor{manu1, dist1, ret1, c1}
	statuses := []models.ProductStatus{models.StatusInTransit, models.StatusDelivered, models.StatusSold}

	check := func() {
		t.Helper()
		incremental, err := f.svc.GetState(ctx, "P1")
		require.NoError(t, err)
		replayed, err := RebuildProduct(f.store.ReadProductEvents(ctx, "P1"))
		require.NoError(t, err)
		assert.True(t, sameProductState(incremental, replayed), "incremental %+v\nreplayed %+v", incremental, replayed)

		snapshot, err := f.store.GetProductSnapshot(ctx, "P1")
		require.NoError(t, err)
		assert.True(t, sameProductState(incremental, snapshot), "snapshot %+v", snapshot)
	}

	for i := 0; i < len(owners)-1; i++ {
		_, err := f.svc.UpdateStatus(ctx, owners[i], UpdateStatusInput{ProductID: "P1", Status: statuses[i%len(statuses)], Location: fmt.Sprintf("stop %d", i)})
		require.NoError(t, err)
		check()

		_, err = f.svc.TransferProduct(ctx, owners[i], TransferProductInput{ProductID: "P1", NewOwner: owners[i+1].ID})
		require.NoError(t, err)
		check()
	}

	history, err := f.svc.GetHistory(ctx, "P1")
	require.NoError(t, err)
	var owner string
	for _, ev := range history {
		assert.Equal(t, ev.Hash, ProductEventHash(ev), "event %d hash after storage round trip", ev.EventID)
		switch ev.Type {
		case models.ProductCreated:
			owner = ev.ActorID
		case models.ProductTransferred:
			assert.Equal(t, owner, ev.FromOwner)
			owner = ev.ToOwner
		}
	}
	state, err := f.svc.GetState(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, owner, state.Owner)
	assert.Equal(t, "c1", state.Owner)
	assert.Equal(t, int64(len(history)), state.Version)
}

func TestConcurrentPinnedTransfers(t *testing.T) {
	f := newFixture(t)
	f.create(t, "P1")

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
		start     = make(chan struct{})
	)
	for _, target := range []string{"dist1", "ret1"} {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			<-start
			_, err := f.svc.TransferProduct(context.Background(), manu1, TransferProductInput{
				ProductID:       "P1",
				NewOwner:        target,
				ExpectedVersion: 1,
			})
			if err == nil {
				successes.Add(1)
				return
			}
			if assert.ErrorIs(t, err, ErrConflict) {
				conflicts.Add(1)
			}
		}(target)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(1), conflicts.Load())
	assert.Equal(t, 2, f.eventCount(t, "P1"))
}

func TestConcurrentUnpinnedTransfersLoserIsForbidden(t *testing.T) {
	f := newFixture(t)
	f.create(t, "P1")

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		forbidden atomic.Int32
		start     = make(chan struct{})
	)
	for _, target := range []string{"dist1", "ret1"} {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			<-start
			_, err := f.svc.TransferProduct(context.Background(), manu1, TransferProductInput{ProductID: "P1", NewOwner: target})
			if err == nil {
				successes.Add(1)
				return
			}
			if assert.ErrorIs(t, err, ErrForbidden) {
				forbidden.Add(1)
			}
		}(target)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(1), forbidden.Load())
	assert.Equal(t, 2, f.eventCount(t, "P1"))
}

func TestConcurrentUnpinnedUpdatesAllLand(t *testing.T) {
	const writers = 8
	f := newFixtureWith(t, store.NewMemoryStore(), func(o *Options) { o.MaxAttempts = 2 * writers })
	f.create(t, "P1")

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.UpdateStatus(context.Background(), manu1, UpdateStatusInput{
				ProductID: "P1",
				Status:    models.StatusInTransit,
				Location:  fmt.Sprintf("dock %d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	state, err := f.svc.GetState(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(writers+1), state.Version)
	assert.Equal(t, writers+1, f.eventCount(t, "P1"))
}

func TestStaleCacheIsEvictedOnConflict(t *testing.T) {
	shared := store.NewMemoryStore()
	a := newFixtureWith(t, shared, func(*Options) {})
	b := NewService(shared, testOptions(nil))
	ctx := context.Background()

	a.create(t, "P1")
	_, err := b.GetState(ctx, "P1") // b caches version 1
	require.NoError(t, err)

	_, err = a.svc.TransferProduct(ctx, manu1, TransferProductInput{ProductID: "P1", NewOwner: "dist1"})
	require.NoError(t, err)

	// b still believes manu1 owns the product; the append conflict forces a
	// rebuild, after which manu1 is no longer the owner.
	_, err = b.UpdateStatus(ctx, manu1, UpdateStatusInput{ProductID: "P1", Status: models.StatusSold})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 2, a.eventCount(t, "P1"))

	p, err := b.UpdateStatus(ctx, dist1, UpdateStatusInput{ProductID: "P1", Status: models.StatusDelivered})
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Version)
}

func TestDisabledCacheSeesOtherWriters(t *testing.T) {
	shared := store.NewMemoryStore()
	a := newFixtureWith(t, shared, func(*Options) {})
	opts := testOptions(nil)
	opts.DisableCache = true
	b := NewService(shared, opts)
	ctx := context.Background()

	a.create(t, "P1")
	_, err := b.GetState(ctx, "P1")
	require.NoError(t, err)
	_, err = a.svc.TransferProduct(ctx, manu1, TransferProductInput{ProductID: "P1", NewOwner: "dist1"})
	require.NoError(t, err)

	state, err := b.GetState(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "dist1", state.Owner)
}

// conflictingStore loses every append race.
type conflictingStore struct {
	store.Store
	appends atomic.Int32
	err     error
}

func (c *conflictingStore) AppendProductEvent(ctx context.Context, expected int64, ev models.ProductEvent, snap models.ProductState) (int64, error) {
	if expected == 0 {
		return c.Store.AppendProductEvent(ctx, expected, ev, snap)
	}
	c.appends.Add(1)
	return 0, c.err
}

func TestRetriesAreBoundedThenBusy(t *testing.T) {
	st := &conflictingStore{Store: store.NewMemoryStore(), err: database.ErrVersionConflict}
	f := newFixtureWith(t, st, func(o *Options) { o.MaxAttempts = 4 })
	f.create(t, "P1")

	_, err := f.svc.UpdateStatus(context.Background(), manu1, UpdateStatusInput{ProductID: "P1", Status: models.StatusSold})
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, err, ErrConflict)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(4), st.appends.Load())
}

func TestPinnedCommandIsNotRetried(t *testing.T) {
	st := &conflictingStore{Store: store.NewMemoryStore(), err: database.ErrVersionConflict}
	f := newFixtureWith(t, st, func(o *Options) { o.MaxAttempts = 4 })
	f.create(t, "P1")
	ctx := context.Background()

	_, err := f.svc.UpdateStatus(ctx, manu1, UpdateStatusInput{ProductID: "P1", Status: models.StatusSold, ExpectedVersion: 1})
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, int32(1), st.appends.Load())

	_, err = f.svc.UpdateStatus(ctx, manu1, UpdateStatusInput{ProductID: "P1", Status: models.StatusSold, ExpectedVersion: 7})
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, int32(1), st.appends.Load())
}

func TestStorageFailureIsSurfacedWithoutRetry(t *testing.T) {
	st := &conflictingStore{Store: store.NewMemoryStore(), err: io.ErrUnexpectedEOF}
	f := newFixtureWith(t, st, func(o *Options) { o.MaxAttempts = 4 })
	f.create(t, "P1")

	_, err := f.svc.TransferProduct(context.Background(), manu1, TransferProductInput{ProductID: "P1", NewOwner: "dist1"})
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), st.appends.Load())

	state, err := f.svc.GetState(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, "manu1", state.Owner)
}

func TestDomainEventsFollowCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "P1")

	_, err := f.svc.TransferProduct(ctx, manu1, TransferProductInput{ProductID: "P1", NewOwner: "dist1", Location: "Chicago"})
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, dist1, UpdateStatusInput{ProductID: "P1", Status: models.StatusDelivered})
	require.NoError(t, err)
	_, err = f.svc.TransferProduct(ctx, manu1, TransferProductInput{ProductID: "P1", NewOwner: "ret1"})
	require.Error(t, err)

	events := f.sink.Events()
	require.Len(t, events, 3)
	assert.Equal(t, models.EventProductCreated, events[0].Type)

	assert.Equal(t, models.EventProductTransferred, events[1].Type)
	assert.ElementsMatch(t, []string{"manu1", "dist1"}, events[1].Recipients)
	assert.Equal(t, "Chicago", events[1].Data["location"])

	assert.Equal(t, models.EventProductStatusChanged, events[2].Type)
	assert.ElementsMatch(t, []string{"dist1", "manu1"}, events[2].Recipients)
}

func TestListProducts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.create(t, fmt.Sprintf("P%d", i))
	}
	_, err := f.svc.TransferProduct(ctx, manu1, TransferProductInput{ProductID: "P1", NewOwner: "dist1"})
	require.NoError(t, err)

	page, err := f.svc.ListProducts(ctx, store.ProductFilter{Owner: "manu1"})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "P2", page.Items[0].ProductID)

	page, err = f.svc.ListProducts(ctx, store.ProductFilter{Status: models.StatusInTransit})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "dist1", page.Items[0].Owner)

	_, err = f.svc.ListProducts(ctx, store.ProductFilter{Cursor: "!!"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.svc.ListProducts(ctx, store.ProductFilter{Status: "Lost"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
