package data

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the payment state of an order.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusFailed:
		return true
	}
	return false
}

// Item is one cart line captured on the order at creation time.
type Item struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	Description string          `json:"description,omitempty"`
	Image       string          `json:"image,omitempty"`
}

// Subtotal is price times quantity.
func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ShippingAddress is filled from the confirmed checkout data.
type ShippingAddress struct {
	Name       string `gorm:"size:128" json:"name,omitempty"`
	Line1      string `gorm:"size:255" json:"line1,omitempty"`
	Line2      string `gorm:"size:255" json:"line2,omitempty"`
	City       string `gorm:"size:128" json:"city,omitempty"`
	State      string `gorm:"size:128" json:"state,omitempty"`
	PostalCode string `gorm:"size:32" json:"postalCode,omitempty"`
	Country    string `gorm:"size:2" json:"country,omitempty"`
}

// Order is the durable record of one checkout attempt and its payment outcome.
type Order struct {
	ID                    string          `gorm:"primaryKey;size:36" json:"id"`
	Status                Status          `gorm:"size:16;not null;index:idx_orders_pending_lookup,priority:2" json:"status"`
	Items                 []Item          `gorm:"serializer:json;type:json;not null" json:"items"`
	CustomerEmail         string          `gorm:"size:255;index:idx_orders_pending_lookup,priority:1" json:"customerEmail,omitempty"`
	CustomerName          string          `gorm:"size:128" json:"customerName,omitempty"`
	CustomerPhone         string          `gorm:"size:32" json:"customerPhone,omitempty"`
	TotalAmount           decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"totalAmount"`
	AmountPaid            decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amountPaid"`
	Currency              string          `gorm:"size:3" json:"currency,omitempty"`
	StripeSessionID       *string         `gorm:"size:255;uniqueIndex:idx_orders_stripe_session" json:"stripeSessionId,omitempty"`
	StripePaymentIntentID *string         `gorm:"size:255;index" json:"stripePaymentIntentId,omitempty"`
	Shipping              ShippingAddress `gorm:"embedded;embeddedPrefix:shipping_" json:"shipping"`
	TaxAmount             decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"taxAmount"`
	ProcessingFee         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"processingFee"`
	ErrorMessage          string          `gorm:"size:1024" json:"errorMessage,omitempty"`
	PaidAt                *time.Time      `json:"paidAt,omitempty"`
	CreatedAt             time.Time       `gorm:"index:idx_orders_pending_lookup,priority:3" json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// SessionID returns the attached Stripe session id or "".
func (o *Order) SessionID() string {
	if o.StripeSessionID == nil {
		return ""
	}
	return *o.StripeSessionID
}

// PaymentIntentID returns the attached Stripe payment intent id or "".
func (o *Order) PaymentIntentID() string {
	if o.StripePaymentIntentID == nil {
		return ""
	}
	return *o.StripePaymentIntentID
}

// Patch enumerates the fields that may change after creation. Nil fields are
// left untouched.
type Patch struct {
	CustomerEmail         *string
	CustomerName          *string
	CustomerPhone         *string
	AmountPaid            *decimal.Decimal
	Currency              *string
	StripeSessionID       *string
	StripePaymentIntentID *string
	Shipping              *ShippingAddress
	TaxAmount             *decimal.Decimal
	ProcessingFee         *decimal.Decimal
	ErrorMessage          *string
	PaidAt                *time.Time
}

// Apply merges p into o and returns the column assignments for the update.
func (p Patch) Apply(o *Order) map[string]interface{} {
	cols := map[string]interface{}{}
	if p.CustomerEmail != nil {
		o.CustomerEmail = *p.CustomerEmail
		cols["customer_email"] = o.CustomerEmail
	}
	if p.CustomerName != nil {
		o.CustomerName = *p.CustomerName
		cols["customer_name"] = o.CustomerName
	}
	if p.CustomerPhone != nil {
		o.CustomerPhone = *p.CustomerPhone
		cols["customer_phone"] = o.CustomerPhone
	}
	if p.AmountPaid != nil {
		o.AmountPaid = *p.AmountPaid
		cols["amount_paid"] = o.AmountPaid
	}
	if p.Currency != nil {
		o.Currency = *p.Currency
		cols["currency"] = o.Currency
	}
	if p.StripeSessionID != nil {
		id := *p.StripeSessionID
		o.StripeSessionID = &id
		cols["stripe_session_id"] = id
	}
	if p.StripePaymentIntentID != nil {
		id := *p.StripePaymentIntentID
		o.StripePaymentIntentID = &id
		cols["stripe_payment_intent_id"] = id
	}
	if p.Shipping != nil {
		o.Shipping = *p.Shipping
		cols["shipping_name"] = o.Shipping.Name
		cols["shipping_line1"] = o.Shipping.Line1
		cols["shipping_line2"] = o.Shipping.Line2
		cols["shipping_city"] = o.Shipping.City
		cols["shipping_state"] = o.Shipping.State
		cols["shipping_postal_code"] = o.Shipping.PostalCode
		cols["shipping_country"] = o.Shipping.Country
	}
	if p.TaxAmount != nil {
		o.TaxAmount = *p.TaxAmount
		cols["tax_amount"] = o.TaxAmount
	}
	if p.ProcessingFee != nil {
		o.ProcessingFee = *p.ProcessingFee
		cols["processing_fee"] = o.ProcessingFee
	}
	if p.ErrorMessage != nil {
		o.ErrorMessage = *p.ErrorMessage
		cols["error_message"] = o.ErrorMessage
	}
	if p.PaidAt != nil {
		t := p.PaidAt.UTC()
		o.PaidAt = &t
		cols["paid_at"] = t
	}
	return cols
}

// SameItems reports whether a and b hold the same item-id and quantity
// multiset. Prices are ignored.
func SameItems(a, b []Item) bool {
	ca, cb := itemCounts(a), itemCounts(b)
	if len(ca) != len(cb) {
		return false
	}
	for id, n := range ca {
		if cb[id] != n {
			return false
		}
	}
	return true
}

func itemCounts(items []Item) map[string]int {
	counts := make(map[string]int, len(items))
	for _, it := range items {
		counts[it.ID] += it.Quantity
	}
	return counts
}
