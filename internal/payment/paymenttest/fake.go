// Package paymenttest holds a scriptable payment.Provider and helpers that
// build Stripe-signed webhook bodies for tests.
package paymenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"

	"storefront-orders/internal/payment"
)

// Provider implements payment.Provider. Unset funcs fall back to an
// in-memory session table keyed by idempotency key, the way the real
// provider deduplicates retried create requests.
type Provider struct {
	CreateFunc   func(ctx context.Context, p payment.SessionParams) (*payment.Session, error)
	RetrieveFunc func(ctx context.Context, id string) (*payment.Session, error)

	mu       sync.Mutex
	sessions map[string]*payment.Session
	byKey    map[string]string
	Created  []payment.SessionParams
}

var _ payment.Provider = (*Provider)(nil)

func NewProvider() *Provider {
	return &Provider{
		sessions: make(map[string]*payment.Session),
		byKey:    make(map[string]string),
	}
}

func (f *Provider) CreateSession(ctx context.Context, p payment.SessionParams) (*payment.Session, error) {
	f.mu.Lock()
	f.Created = append(f.Created, p)
	f.mu.Unlock()

	if f.CreateFunc != nil {
		return f.CreateFunc(ctx, p)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byKey[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		s := *f.sessions[id]
		return &s, nil
	}
	var total int64
	for _, li := range p.LineItems {
		total += li.UnitAmount * li.Quantity
	}
	id := fmt.Sprintf("cs_test_%03d", len(f.sessions)+1)
	s := &payment.Session{
		ID:            id,
		URL:           "https://checkout.example.test/pay/" + id,
		Status:        payment.SessionOpen,
		PaymentStatus: "unpaid",
		AmountTotal:   total,
		Currency:      p.Currency,
		CustomerEmail: p.CustomerEmail,
		Metadata:      p.Metadata,
	}
	f.sessions[id] = s
	f.byKey[p.IdempotencyKey] = id
	out := *s
	return &out, nil
}

func (f *Provider) RetrieveSession(ctx context.Context, id string) (*payment.Session, error) {
	if f.RetrieveFunc != nil {
		return f.RetrieveFunc(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", payment.ErrSessionNotFound, id)
	}
	out := *s
	return &out, nil
}

// SetStatus changes the status of a stored session.
func (f *Provider) SetStatus(id string, status payment.SessionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.Status = status
	}
}

// CreateCalls returns how many create requests were made.
func (f *Provider) CreateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Created)
}

// EventBody renders a Stripe event envelope around object.
func EventBody(id, eventType string, object map[string]interface{}) []byte {
	body, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": "2023-10-16",
		"created":     time.Now().Unix(),
		"livemode":    false,
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		panic(err)
	}
	return body
}

// Sign returns the Stripe-Signature header for payload under secret.
func Sign(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

// CheckoutSession builds a checkout.session data object.
func CheckoutSession(sessionID, orderID string, amountTotal int64, currency string) map[string]interface{} {
	obj := map[string]interface{}{
		"id":             sessionID,
		"object":         "checkout.session",
		"amount_total":   amountTotal,
		"currency":       currency,
		"payment_status": "paid",
		"status":         "complete",
		"metadata":       map[string]string{},
	}
	if orderID != "" {
		obj["metadata"] = map[string]string{payment.MetadataOrderID: orderID}
	}
	return obj
}

// PaymentIntent builds a payment_intent data object.
func PaymentIntent(intentID, orderID string, amount int64, failure string) map[string]interface{} {
	obj := map[string]interface{}{
		"id":              intentID,
		"object":          "payment_intent",
		"amount":          amount,
		"amount_received": 0,
		"currency":        "usd",
		"metadata":        map[string]string{},
	}
	if orderID != "" {
		obj["metadata"] = map[string]string{payment.MetadataOrderID: orderID}
	}
	if failure != "" {
		obj["last_payment_error"] = map[string]string{"message": failure, "code": "card_declined"}
	} else {
		obj["amount_received"] = amount
	}
	return obj
}
