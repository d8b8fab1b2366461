// Package payment is the boundary to the hosted checkout provider: session
// creation and lookup, and verification of the provider's signed webhooks.
package payment

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrProvider         = errors.New("payment provider error")
	ErrSessionNotFound  = errors.New("checkout session not found")
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

// SessionStatus mirrors the provider's checkout session status.
type SessionStatus string

const (
	SessionOpen     SessionStatus = "open"
	SessionComplete SessionStatus = "complete"
	SessionExpired  SessionStatus = "expired"
)

// LineItem is one priced line shown on the hosted checkout page. UnitAmount
// is in minor currency units.
type LineItem struct {
	Name        string
	Description string
	Images      []string
	UnitAmount  int64
	Quantity    int64
}

// SessionParams describes a checkout session to create.
type SessionParams struct {
	LineItems         []LineItem
	Currency          string
	SuccessURL        string
	CancelURL         string
	CustomerEmail     string
	ClientReference   string
	Metadata          map[string]string
	ShippingCountries []string
	IdempotencyKey    string
}

// Session is the provider's view of a checkout session.
type Session struct {
	ID              string            `json:"id"`
	URL             string            `json:"url,omitempty"`
	Status          SessionStatus     `json:"status"`
	PaymentStatus   string            `json:"paymentStatus,omitempty"`
	PaymentIntentID string            `json:"paymentIntentId,omitempty"`
	AmountTotal     int64             `json:"amountTotal"`
	Currency        string            `json:"currency,omitempty"`
	CustomerEmail   string            `json:"customerEmail,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Provider creates and looks up hosted checkout sessions.
type Provider interface {
	CreateSession(ctx context.Context, p SessionParams) (*Session, error)
	RetrieveSession(ctx context.Context, id string) (*Session, error)
}

// EventVerifier authenticates a raw webhook body and decodes it.
type EventVerifier interface {
	Verify(payload []byte, signatureHeader string) (*Event, error)
}

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts a two-decimal amount to minor units.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts minor units back to a two-decimal amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
