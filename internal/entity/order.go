package entity

import (
	"fmt"
	"time"
)

// Order statuses. The server advances them along
// pending → preparing → ready → completed; cancelled is reachable from any
// non-terminal state.
const (
	OrderPending   Status = "pending"
	OrderPreparing Status = "preparing"
	OrderReady     Status = "ready"
	OrderCompleted Status = "completed"
	OrderCancelled Status = "cancelled"
)

// orderDelivered is accepted on input as a synonym for completed.
const orderDelivered Status = "delivered"

var orderNext = map[Status]Status{
	OrderPending:   OrderPreparing,
	OrderPreparing: OrderReady,
	OrderReady:     OrderCompleted,
}

// NormalizeOrderStatus maps wire spellings onto the canonical statuses.
func NormalizeOrderStatus(s Status) (Status, error) {
	switch s {
	case OrderPending, OrderPreparing, OrderReady, OrderCompleted, OrderCancelled:
		return s, nil
	case orderDelivered:
		return OrderCompleted, nil
	default:
		return "", fmt.Errorf("unknown order status %q", s)
	}
}

// OrderTerminal reports whether no further transitions are possible.
func OrderTerminal(s Status) bool {
	return s == OrderCompleted || s == OrderCancelled
}

// NextOrderStatus returns the status that follows s in the kitchen flow.
func NextOrderStatus(s Status) (Status, bool) {
	next, ok := orderNext[s]
	return next, ok
}

// CanTransition reports whether from → to is a legal order transition.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if to == OrderCancelled {
		return !OrderTerminal(from)
	}
	next, ok := orderNext[from]
	return ok && next == to
}

// Order field names.
const (
	FieldUserID        = "user_id"
	FieldLocationID    = "location_id"
	FieldItems         = "items"
	FieldTotalAmount   = "total_amount"
	FieldEstimatedTime = "estimated_time"

	// FieldCreatedAt carries the client's placement time in a create
	// payload, RFC 3339.
	FieldCreatedAt = "created_at"

	// FieldCancelRequested marks an order whose cancellation is pending.
	// Only optimistic views carry it; the server answers with a status.
	FieldCancelRequested = "cancel_requested"
)

// OrderItem is one line of an order. UnitPrice is in cents.
type OrderItem struct {
	ItemID    string `json:"item_id"`
	Qty       int64  `json:"qty"`
	UnitPrice int64  `json:"unit_price"`
}

// Order is the typed view of an order entity.
type Order struct {
	ID            string
	Version       int64
	Status        Status
	UserID        string
	LocationID    string
	Items         []OrderItem
	TotalAmount   int64
	EstimatedTime *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderTotal returns Σ qty × unit price in cents.
func OrderTotal(items []OrderItem) int64 {
	var total int64
	for _, it := range items {
		total += it.Qty * it.UnitPrice
	}
	return total
}

// ValidateItems rejects empty orders and non-positive quantities or prices.
func ValidateItems(items []OrderItem) error {
	if len(items) == 0 {
		return fmt.Errorf("order has no items")
	}
	for i, it := range items {
		if it.ItemID == "" {
			return fmt.Errorf("item %d: missing item_id", i)
		}
		if it.Qty <= 0 {
			return fmt.Errorf("item %s: quantity must be positive, got %d", it.ItemID, it.Qty)
		}
		if it.UnitPrice < 0 {
			return fmt.Errorf("item %s: negative unit price %d", it.ItemID, it.UnitPrice)
		}
	}
	return nil
}

// ItemsValue encodes order items as a field value.
func ItemsValue(items []OrderItem) List {
	out := make(List, len(items))
	for i, it := range items {
		out[i] = Object{
			"item_id":    String(it.ItemID),
			"qty":        Int(it.Qty),
			"unit_price": Int(it.UnitPrice),
		}
	}
	return out
}

// ItemsFromValue decodes order items from a field value.
func ItemsFromValue(v Value) ([]OrderItem, error) {
	if v == nil {
		return nil, nil
	}
	if _, ok := v.(Null); ok {
		return nil, nil
	}
	list, ok := v.(List)
	if !ok {
		return nil, fmt.Errorf("items: expected list, got %T", v)
	}
	items := make([]OrderItem, 0, len(list))
	for i, elem := range list {
		obj, ok := elem.(Object)
		if !ok {
			return nil, fmt.Errorf("items[%d]: expected object, got %T", i, elem)
		}
		id, _ := obj["item_id"].(String)
		qty, _ := obj["qty"].(Int)
		price, _ := obj["unit_price"].(Int)
		items = append(items, OrderItem{ItemID: string(id), Qty: int64(qty), UnitPrice: int64(price)})
	}
	return items, nil
}

// OrderFrom decodes the typed view of an order entity.
func OrderFrom(e Entity) (Order, error) {
	if e.Kind != KindOrder {
		return Order{}, fmt.Errorf("entity %s is a %s, not an order", e.ID, e.Kind)
	}
	status, err := NormalizeOrderStatus(e.Status)
	if err != nil {
		return Order{}, fmt.Errorf("order %s: %w", e.ID, err)
	}
	items, err := ItemsFromValue(e.Fields[FieldItems])
	if err != nil {
		return Order{}, fmt.Errorf("order %s: %w", e.ID, err)
	}
	o := Order{
		ID:        e.ID,
		Version:   e.Version,
		Status:    status,
		Items:     items,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
	o.UserID, _ = e.Fields.String(FieldUserID)
	o.LocationID, _ = e.Fields.String(FieldLocationID)
	o.TotalAmount, _ = e.Fields.Int(FieldTotalAmount)
	if raw, ok := e.Fields.String(FieldEstimatedTime); ok && raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Order{}, fmt.Errorf("order %s: estimated_time: %w", e.ID, err)
		}
		o.EstimatedTime = &ts
	}
	return o, nil
}

// Entity encodes the order as a generic entity.
func (o Order) Entity() Entity {
	fields := Fields{
		FieldItems:       ItemsValue(o.Items),
		FieldTotalAmount: Int(o.TotalAmount),
	}
	if o.UserID != "" {
		fields[FieldUserID] = String(o.UserID)
	}
	if o.LocationID != "" {
		fields[FieldLocationID] = String(o.LocationID)
	}
	if o.EstimatedTime != nil {
		fields[FieldEstimatedTime] = String(o.EstimatedTime.UTC().Format(time.RFC3339))
	}
	return Entity{
		Kind:      KindOrder,
		ID:        o.ID,
		Version:   o.Version,
		Status:    o.Status,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
		Fields:    fields,
	}
}
