package notify

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/safar/provenance-ledger/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type collector struct {
	mu     sync.Mutex
	events []models.DomainEvent
}

func (c *collector) Handle(e models.DomainEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	c := &collector{}
	d := NewDispatcher(16, quietLogger(), c)

	for _, id := range []string{"P1", "P2", "P3"} {
		d.Publish(models.DomainEvent{Type: models.EventProductCreated, ProductID: id})
	}
	require.NoError(t, d.Close(context.Background()))

	require.Equal(t, 3, c.len())
	assert.Equal(t, "P1", c.events[0].ProductID)
	assert.Equal(t, "P3", c.events[2].ProductID)

	published, delivered, dropped := d.Metrics()
	assert.Equal(t, uint64(3), published)
	assert.Equal(t, uint64(3), delivered)
	assert.Zero(t, dropped)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	slow := HandlerFunc(func(models.DomainEvent) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})
	d := NewDispatcher(1, quietLogger(), slow)

	require.True(t, d.TryPublish(models.DomainEvent{Type: "a"}))
	<-started // worker holds the first event
	require.True(t, d.TryPublish(models.DomainEvent{Type: "b"}))

	done := make(chan bool)
	go func() { done <- d.TryPublish(models.DomainEvent{Type: "c"}) }()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}

	close(release)
	require.NoError(t, d.Close(context.Background()))
	_, delivered, dropped := d.Metrics()
	assert.Equal(t, uint64(2), delivered)
	assert.Equal(t, uint64(1), dropped)
}

func TestDispatcherSurvivesPanickingHandler(t *testing.T) {
	c := &collector{}
	boom := HandlerFunc(func(models.DomainEvent) { panic("boom") })
	d := NewDispatcher(4, quietLogger(), boom, c)

	d.Publish(models.DomainEvent{Type: "x"})
	d.Publish(models.DomainEvent{Type: "y"})
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 2, c.len())
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	d := NewDispatcher(4, quietLogger())
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))

	assert.False(t, d.TryPublish(models.DomainEvent{Type: "late"}))
}

func TestCloseHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	d := NewDispatcher(4, quietLogger(), HandlerFunc(func(models.DomainEvent) { <-release }))
	d.Publish(models.DomainEvent{Type: "stuck"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
}
