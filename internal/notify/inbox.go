package notify

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/safar/provenance-ledger/internal/models"
)

var ErrNotFound = errors.New("notification not found")

type Notification struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	ProductID string            `json:"product_id,omitempty"`
	OrderID   string            `json:"order_id,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"created_at"`
	ReadAt    *time.Time        `json:"read_at,omitempty"`
}

// Inbox keeps the newest notifications per user in memory.
type Inbox struct {
	mu     sync.Mutex
	limit  int
	byUser map[string][]Notification // newest first
	now    func() time.Time
}

func NewInbox(limit int) *Inbox {
	if limit <= 0 {
		limit = 100
	}
	return &Inbox{limit: limit, byUser: make(map[string][]Notification), now: time.Now}
}

// Handle files event in the inbox of every distinct recipient.
func (i *Inbox) Handle(event models.DomainEvent) {
	title, message := describe(event)

	i.mu.Lock()
	defer i.mu.Unlock()

	seen := make(map[string]bool, len(event.Recipients))
	for _, user := range event.Recipients {
		if user == "" || seen[user] {
			continue
		}
		seen[user] = true

		n := Notification{
			ID:        uuid.NewString(),
			Type:      event.Type,
			Title:     title,
			Message:   message,
			ProductID: event.ProductID,
			OrderID:   event.OrderID,
			Data:      event.Data,
			CreatedAt: event.Timestamp,
		}
		list := append([]Notification{n}, i.byUser[user]...)
		if len(list) > i.limit {
			list = list[:i.limit]
		}
		i.byUser[user] = list
	}
}

func describe(e models.DomainEvent) (title, message string) {
	switch e.Type {
	case models.EventProductCreated:
		return "Product created", fmt.Sprintf("Product %s was registered", e.ProductID)
	case models.EventProductTransferred:
		return "Product transferred", fmt.Sprintf("Product %s moved from %s to %s", e.ProductID, e.Data["from"], e.Data["to"])
	case models.EventProductStatusChanged:
		return "Status updated", fmt.Sprintf("Product %s is now %s", e.ProductID, e.Data["status"])
	case models.EventOrderCreated:
		return "New order", fmt.Sprintf("Order %s was placed by %s", e.OrderID, e.ActorID)
	case models.EventOrderStatusChanged:
		return "Order updated", fmt.Sprintf("Order %s is now %s", e.OrderID, e.Data["status"])
	case models.EventOrderCancelled:
		return "Order cancelled", fmt.Sprintf("Order %s was cancelled by %s", e.OrderID, e.ActorID)
	default:
		return e.Type, ""
	}
}

// List returns a copy of the user's notifications, newest first.
func (i *Inbox) List(user string, unreadOnly bool) []Notification {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]Notification, 0, len(i.byUser[user]))
	for _, n := range i.byUser[user] {
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (i *Inbox) UnreadCount(user string) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	count := 0
	for _, n := range i.byUser[user] {
		if !n.Read {
			count++
		}
	}
	return count
}

func (i *Inbox) MarkRead(user, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	list := i.byUser[user]
	idx := slices.IndexFunc(list, func(n Notification) bool { return n.ID == id })
	if idx < 0 {
		return ErrNotFound
	}
	if !list[idx].Read {
		at := i.now().UTC()
		list[idx].Read = true
		list[idx].ReadAt = &at
	}
	return nil
}

// MarkAllRead marks every notification read and returns how many changed.
func (i *Inbox) MarkAllRead(user string) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	at := i.now().UTC()
	changed := 0
	for idx := range i.byUser[user] {
		n := &i.byUser[user][idx]
		if !n.Read {
			n.Read = true
			n.ReadAt = &at
			changed++
		}
	}
	return changed
}

func (i *Inbox) Delete(user, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	list := i.byUser[user]
	idx := slices.IndexFunc(list, func(n Notification) bool { return n.ID == id })
	if idx < 0 {
		return ErrNotFound
	}
	i.byUser[user] = slices.Delete(list, idx, idx+1)
	return nil
}

func (i *Inbox) Clear(user string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.byUser, user)
}
