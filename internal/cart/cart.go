// Package cart is the checkout cart as a pure state machine. Totals are
// derived from the items on every read and never stored.
package cart

import (
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/wolfpack/internal/entity"
)

// MaxQty is the largest quantity of one item line.
const MaxQty = 99

var (
	ErrEmpty        = errors.New("cart is empty")
	ErrInvalidQty   = errors.New("invalid quantity")
	ErrInvalidPrice = errors.New("invalid unit price")
	ErrUnknownItem  = errors.New("item not in cart")
	ErrInvalidPromo = errors.New("invalid promo")
)

// Item is one cart line. Prices are in cents.
type Item struct {
	ItemID    string `json:"item_id" yaml:"item_id"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	Qty       int64  `json:"qty" yaml:"qty"`
	UnitPrice int64  `json:"unit_price" yaml:"unit_price"`
}

// Promo is a discount. PercentOff applies to the subtotal before
// AmountOff is subtracted.
type Promo struct {
	Code       string `json:"code" yaml:"code"`
	PercentOff int64  `json:"percent_off,omitempty" yaml:"percent_off,omitempty"`
	AmountOff  int64  `json:"amount_off,omitempty" yaml:"amount_off,omitempty"`
}

// State is the cart contents.
type State struct {
	Items       []Item `json:"items" yaml:"items"`
	Promo       *Promo `json:"promo,omitempty" yaml:"promo,omitempty"`
	DeliveryFee int64  `json:"delivery_fee,omitempty" yaml:"delivery_fee,omitempty"`
}

// Action is a cart transition.
type Action interface {
	apply(s State) (State, error)
}

// AddItem adds qty of an item, merging with an existing line.
type AddItem struct{ Item Item }

// UpdateQuantity sets the quantity of a line. Zero removes it.
type UpdateQuantity struct {
	ItemID string
	Qty    int64
}

// RemoveItem deletes a line.
type RemoveItem struct{ ItemID string }

// ApplyPromo replaces the promo.
type ApplyPromo struct{ Promo Promo }

// ClearPromo removes the promo.
type ClearPromo struct{}

// SetDeliveryFee sets the delivery fee.
type SetDeliveryFee struct{ Fee int64 }

// Clear empties the cart.
type Clear struct{}

// Reduce applies a to s and returns the new state. s is never modified;
// on error s is returned unchanged.
func Reduce(s State, a Action) (State, error) {
	next, err := a.apply(s.clone())
	if err != nil {
		return s, err
	}
	return next, nil
}

func (a AddItem) apply(s State) (State, error) {
	it := a.Item
	if it.ItemID == "" {
		return s, fmt.Errorf("add item: missing item_id")
	}
	if it.Qty <= 0 || it.Qty > MaxQty {
		return s, fmt.Errorf("add %s: %w %d", it.ItemID, ErrInvalidQty, it.Qty)
	}
	if it.UnitPrice < 0 {
		return s, fmt.Errorf("add %s: %w %d", it.ItemID, ErrInvalidPrice, it.UnitPrice)
	}
	if i := s.index(it.ItemID); i >= 0 {
		qty := s.Items[i].Qty + it.Qty
		if qty > MaxQty {
			return s, fmt.Errorf("add %s: %w %d", it.ItemID, ErrInvalidQty, qty)
		}
		s.Items[i].Qty = qty
		s.Items[i].UnitPrice = it.UnitPrice
		return s, nil
	}
	s.Items = append(s.Items, it)
	return s, nil
}

func (a UpdateQuantity) apply(s State) (State, error) {
	i := s.index(a.ItemID)
	if i < 0 {
		return s, fmt.Errorf("update %s: %w", a.ItemID, ErrUnknownItem)
	}
	switch {
	case a.Qty == 0:
		s.Items = slices.Delete(s.Items, i, i+1)
	case a.Qty < 0 || a.Qty > MaxQty:
		return s, fmt.Errorf("update %s: %w %d", a.ItemID, ErrInvalidQty, a.Qty)
	default:
		s.Items[i].Qty = a.Qty
	}
	return s, nil
}

func (a RemoveItem) apply(s State) (State, error) {
	i := s.index(a.ItemID)
	if i < 0 {
		return s, fmt.Errorf("remove %s: %w", a.ItemID, ErrUnknownItem)
	}
	s.Items = slices.Delete(s.Items, i, i+1)
	return s, nil
}

func (a ApplyPromo) apply(s State) (State, error) {
	p := a.Promo
	if p.Code == "" || p.PercentOff < 0 || p.PercentOff > 100 || p.AmountOff < 0 {
		return s, fmt.Errorf("promo %q: %w", p.Code, ErrInvalidPromo)
	}
	s.Promo = &p
	return s, nil
}

func (ClearPromo) apply(s State) (State, error) {
	s.Promo = nil
	return s, nil
}

func (a SetDeliveryFee) apply(s State) (State, error) {
	if a.Fee < 0 {
		return s, fmt.Errorf("delivery fee %d: must not be negative", a.Fee)
	}
	s.DeliveryFee = a.Fee
	return s, nil
}

func (Clear) apply(State) (State, error) {
	return State{}, nil
}

func (s State) index(itemID string) int {
	return slices.IndexFunc(s.Items, func(it Item) bool { return it.ItemID == itemID })
}

func (s State) clone() State {
	out := s
	out.Items = slices.Clone(s.Items)
	if s.Promo != nil {
		p := *s.Promo
		out.Promo = &p
	}
	return out
}

// Count returns the number of units in the cart.
func (s State) Count() int64 {
	var n int64
	for _, it := range s.Items {
		n += it.Qty
	}
	return n
}

// Subtotal returns Σ qty × unit price.
func (s State) Subtotal() int64 {
	return entity.OrderTotal(s.OrderItems())
}

// Discount returns the promo discount, never more than the subtotal.
func (s State) Discount() int64 {
	if s.Promo == nil {
		return 0
	}
	sub := s.Subtotal()
	d := sub*s.Promo.PercentOff/100 + s.Promo.AmountOff
	return min(d, sub)
}

// GrandTotal returns subtotal - discount + delivery fee.
func (s State) GrandTotal() int64 {
	return s.Subtotal() - s.Discount() + s.DeliveryFee
}

// OrderItems converts the lines to order items.
func (s State) OrderItems() []entity.OrderItem {
	out := make([]entity.OrderItem, len(s.Items))
	for i, it := range s.Items {
		out[i] = entity.OrderItem{ItemID: it.ItemID, Qty: it.Qty, UnitPrice: it.UnitPrice}
	}
	return out
}

// Checkout builds the order creation payload.
func (s State) Checkout(userID, locationID string) (entity.Fields, error) {
	if len(s.Items) == 0 {
		return nil, ErrEmpty
	}
	items := s.OrderItems()
	if err := entity.ValidateItems(items); err != nil {
		return nil, err
	}
	payload := entity.Fields{
		entity.FieldUserID:     entity.String(userID),
		entity.FieldLocationID: entity.String(locationID),
		entity.FieldItems:      entity.ItemsValue(items),
	}
	if s.Promo != nil {
		payload["promo"] = entity.String(s.Promo.Code)
		payload["discount"] = entity.Int(s.Discount())
	}
	if s.DeliveryFee > 0 {
		payload["delivery_fee"] = entity.Int(s.DeliveryFee)
	}
	return payload, nil
}
