package orders

import (
	"errors"
	"time"
)

// Status captures the lifecycle state of an order aggregate.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusPaid      Status = "PAID"
	StatusShipped   Status = "SHIPPED"
	StatusCancelled Status = "CANCELLED"
)

var (
	// ErrNotFound signals an order lookup miss.
	ErrNotFound = errors.New("order not found")
	// ErrExists signals an insert with an id already in use.
	ErrExists = errors.New("order already exists")
)

// Item is a single order line.
type Item struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// StatusChange is one entry in the order's status history.
type StatusChange struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	Note string    `json:"note,omitempty"`
	At   time.Time `json:"at"`
}

// Order is the aggregate the workflow coordinates. Business fields beyond
// what the workflow needs are intentionally absent.
type Order struct {
	ID          string
	Number      string
	CustomerID  string
	Items       []Item
	Status      Status
	History     []StatusChange
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
	PaidAt      *time.Time
	ShippedAt   *time.Time
	CancelledAt *time.Time
}

// Total sums the line items.
func (o Order) Total() int64 {
	var total int64
	for _, item := range o.Items {
		total += int64(item.Quantity) * item.UnitPrice
	}
	return total
}

// Transition moves the order to the given status, appends a history entry
// and stamps the matching timestamp.
func (o *Order) Transition(to Status, note string, now time.Time) {
	o.History = append(o.History, StatusChange{
		From: o.Status,
		To:   to,
		Note: note,
		At:   now,
	})
	o.Status = to
	o.UpdatedAt = now

	switch to {
	case StatusConfirmed:
		at := now
		o.ConfirmedAt = &at
	case StatusPaid:
		at := now
		o.PaidAt = &at
	case StatusShipped:
		at := now
		o.ShippedAt = &at
	case StatusCancelled:
		at := now
		o.CancelledAt = &at
	}
}

// Clone returns a deep copy safe to hand to callers.
func (o Order) Clone() Order {
	clone := o
	clone.Items = append([]Item(nil), o.Items...)
	clone.History = append([]StatusChange(nil), o.History...)
	clone.ConfirmedAt = cloneTime(o.ConfirmedAt)
	clone.PaidAt = cloneTime(o.PaidAt)
	clone.ShippedAt = cloneTime(o.ShippedAt)
	clone.CancelledAt = cloneTime(o.CancelledAt)
	return clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	at := *t
	return &at
}
