package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleManufacturer Role = "Manufacturer"
	RoleDistributor  Role = "Distributor"
	RoleWholesaler   Role = "Wholesaler"
	RoleRetailer     Role = "Retailer"
	RoleConsumer     Role = "Consumer"
	RoleAdmin        Role = "Admin"
)

var roles = []Role{RoleManufacturer, RoleDistributor, RoleWholesaler, RoleRetailer, RoleConsumer, RoleAdmin}

func (r Role) Valid() bool {
	for _, known := range roles {
		if r == known {
			return true
		}
	}
	return false
}

// Identity is a registered supply-chain party. Events reference it by ID only.
type Identity struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email,omitempty" db:"email"`
	Role      Role      `json:"role" db:"role"`
	Company   string    `json:"company,omitempty" db:"company"`
	Location  string    `json:"location,omitempty" db:"location"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type ProductEventType string

const (
	ProductCreated       ProductEventType = "Created"
	ProductTransferred   ProductEventType = "Transferred"
	ProductStatusChanged ProductEventType = "StatusChanged"
)

type ProductStatus string

const (
	StatusCreated   ProductStatus = "Created"
	StatusInTransit ProductStatus = "InTransit"
	StatusDelivered ProductStatus = "Delivered"
	StatusSold      ProductStatus = "Sold"
)

func (s ProductStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusInTransit, StatusDelivered, StatusSold:
		return true
	}
	return false
}

// ProductEvent is one immutable entry of a product's stream. EventID is the
// 1-based position within the stream.
type ProductEvent struct {
	EventID     int64            `json:"event_id" db:"seq"`
	ProductID   string           `json:"product_id" db:"product_id"`
	Type        ProductEventType `json:"type" db:"type"`
	ActorID     string           `json:"actor_id" db:"actor_id"`
	Timestamp   time.Time        `json:"timestamp" db:"occurred_at"`
	FromOwner   string           `json:"from_owner,omitempty" db:"from_owner"`
	ToOwner     string           `json:"to_owner,omitempty" db:"to_owner"`
	Status      ProductStatus    `json:"status,omitempty" db:"status"`
	Location    string           `json:"location,omitempty" db:"location"`
	Description string           `json:"description,omitempty" db:"description"`

	// Set on Created only.
	Name      string          `json:"name,omitempty" db:"name"`
	Category  string          `json:"category,omitempty" db:"category"`
	Price     decimal.Decimal `json:"price" db:"price"`
	QRPayload string          `json:"qr_payload,omitempty" db:"qr_payload"`

	PrevHash string `json:"prev_hash" db:"prev_hash"`
	Hash     string `json:"hash" db:"hash"`
}

// ProductState is the projection of a product's events.
type ProductState struct {
	ProductID    string          `json:"product_id" db:"product_id"`
	Name         string          `json:"name" db:"name"`
	Description  string          `json:"description" db:"description"`
	Category     string          `json:"category" db:"category"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Manufacturer string          `json:"manufacturer" db:"manufacturer"`
	Owner        string          `json:"owner" db:"owner"`
	Status       ProductStatus   `json:"status" db:"status"`
	Location     string          `json:"location,omitempty" db:"location"`
	QRPayload    string          `json:"qr_payload" db:"qr_payload"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
	Version      int64           `json:"version" db:"version"`
	LastHash     string          `json:"last_hash" db:"last_hash"`
}

type OrderEventType string

const (
	OrderCreated       OrderEventType = "OrderCreated"
	OrderStatusChanged OrderEventType = "OrderStatusChanged"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "Pending"
	OrderStatusConfirmed OrderStatus = "Confirmed"
	OrderStatusShipped   OrderStatus = "Shipped"
	OrderStatusDelivered OrderStatus = "Delivered"
	OrderStatusCompleted OrderStatus = "Completed"
	OrderStatusCancelled OrderStatus = "Cancelled"
)

var orderProgression = map[OrderStatus]int{
	OrderStatusPending:   1,
	OrderStatusConfirmed: 2,
	OrderStatusShipped:   3,
	OrderStatusDelivered: 4,
	OrderStatusCompleted: 5,
}

func (s OrderStatus) Valid() bool {
	_, ok := orderProgression[s]
	return ok || s == OrderStatusCancelled
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusPending || s == OrderStatusConfirmed
}

// Precedes reports whether next lies strictly after s in the fulfilment order.
// Cancelled is not part of the progression.
func (s OrderStatus) Precedes(next OrderStatus) bool {
	from, ok := orderProgression[s]
	if !ok {
		return false
	}
	to, ok := orderProgression[next]
	return ok && to > from
}

type OrderEvent struct {
	EventID   int64          `json:"event_id" db:"seq"`
	OrderID   string         `json:"order_id" db:"order_id"`
	Type      OrderEventType `json:"type" db:"type"`
	ActorID   string         `json:"actor_id" db:"actor_id"`
	Timestamp time.Time      `json:"timestamp" db:"occurred_at"`
	Status    OrderStatus    `json:"status" db:"status"`

	// Set on OrderCreated only.
	ProductID  string          `json:"product_id,omitempty" db:"product_id"`
	BuyerID    string          `json:"buyer_id,omitempty" db:"buyer_id"`
	SellerID   string          `json:"seller_id,omitempty" db:"seller_id"`
	Quantity   int             `json:"quantity,omitempty" db:"quantity"`
	TotalPrice decimal.Decimal `json:"total_price" db:"total_price"`

	PrevHash string `json:"prev_hash" db:"prev_hash"`
	Hash     string `json:"hash" db:"hash"`
}

type OrderState struct {
	OrderID     string          `json:"order_id" db:"order_id"`
	ProductID   string          `json:"product_id" db:"product_id"`
	BuyerID     string          `json:"buyer_id" db:"buyer_id"`
	SellerID    string          `json:"seller_id" db:"seller_id"`
	Quantity    int             `json:"quantity" db:"quantity"`
	TotalPrice  decimal.Decimal `json:"total_price" db:"total_price"`
	Status      OrderStatus     `json:"status" db:"status"`
	TrackingID  string          `json:"tracking_id" db:"tracking_id"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
	Version     int64           `json:"version" db:"version"`
	LastHash    string          `json:"last_hash" db:"last_hash"`
}

// ScanRecord is the audit entry written for every QR verification attempt.
type ScanRecord struct {
	ID                string    `json:"id" db:"id"`
	ProductID         string    `json:"product_id" db:"product_id"`
	ExpectedProductID string    `json:"expected_product_id,omitempty" db:"expected_product_id"`
	Authentic         bool      `json:"authentic" db:"authentic"`
	Reason            string    `json:"reason,omitempty" db:"reason"`
	ScannedAt         time.Time `json:"scanned_at" db:"scanned_at"`
}

const (
	EventProductCreated       = "ProductCreated"
	EventProductTransferred   = "ProductTransferred"
	EventProductStatusChanged = "ProductStatusChanged"
	EventOrderCreated         = "OrderCreated"
	EventOrderStatusChanged   = "OrderStatusChanged"
	EventOrderCancelled       = "OrderCancelled"
)

// DomainEvent announces a committed ledger change to interested identities.
type DomainEvent struct {
	Type       string            `json:"type"`
	ProductID  string            `json:"product_id,omitempty"`
	OrderID    string            `json:"order_id,omitempty"`
	ActorID    string            `json:"actor_id"`
	Recipients []string          `json:"-"`
	Data       map[string]string `json:"data,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
