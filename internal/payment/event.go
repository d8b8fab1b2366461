package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// EventKind classifies provider events by what they mean for an order.
type EventKind int

const (
	KindOther EventKind = iota
	// KindPaymentCompleted confirms the customer paid.
	KindPaymentCompleted
	// KindPaymentFailed reports a payment attempt that will not complete.
	KindPaymentFailed
)

func (k EventKind) String() string {
	switch k {
	case KindPaymentCompleted:
		return "payment-completed"
	case KindPaymentFailed:
		return "payment-failed"
	}
	return "other"
}

// Provider event types this service consumes.
const (
	EventCheckoutCompleted             = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventPaymentIntentSucceeded        = "payment_intent.succeeded"
	EventPaymentIntentFailed           = "payment_intent.payment_failed"
)

// MetadataOrderID is the metadata key carrying our order id on sessions and
// payment intents.
const MetadataOrderID = "orderId"

var eventKinds = map[string]EventKind{
	EventCheckoutCompleted:             KindPaymentCompleted,
	EventCheckoutAsyncPaymentSucceeded: KindPaymentCompleted,
	EventPaymentIntentSucceeded:        KindPaymentCompleted,
	EventCheckoutAsyncPaymentFailed:    KindPaymentFailed,
	EventPaymentIntentFailed:           KindPaymentFailed,
}

// Address is a postal address reported by the provider.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// Event is a verified provider event reduced to the fields that drive order
// state. Amounts are in minor units.
type Event struct {
	ID              string
	Type            string
	Kind            EventKind
	Created         time.Time
	OrderID         string
	SessionID       string
	PaymentIntentID string
	// PaymentStatus is the session's payment_status; "unpaid" on a completed
	// session means a delayed payment method has not settled yet.
	PaymentStatus   string
	AmountTotal     int64
	Currency        string
	CustomerEmail   string
	CustomerName    string
	CustomerPhone   string
	Shipping        *Address
	AmountTax       *int64
	ApplicationFee  *int64
	FailureMessage  string
}

// Settled reports whether a completion event carries settled funds.
func (e *Event) Settled() bool {
	return e.Kind == KindPaymentCompleted && e.PaymentStatus != "unpaid"
}

// StripeVerifier checks the Stripe-Signature header against the endpoint
// secret before decoding.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

var _ EventVerifier = (*StripeVerifier)(nil)

func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) (*Event, error) {
	if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, v.secret, v.tolerance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	var raw json.RawMessage
	if evt.Data != nil {
		raw = evt.Data.Raw
	}
	return DecodeEvent(evt.ID, string(evt.Type), time.Unix(evt.Created, 0).UTC(), raw)
}

// DecodeEvent extracts order-relevant fields from the event's data object.
func DecodeEvent(id, eventType string, created time.Time, object json.RawMessage) (*Event, error) {
	e := &Event{
		ID:      id,
		Type:    eventType,
		Kind:    eventKinds[eventType],
		Created: created,
	}
	if e.Kind == KindOther || len(bytes.TrimSpace(object)) == 0 {
		return e, nil
	}

	var obj struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(object, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var err error
	switch obj.Object {
	case "checkout.session":
		err = decodeCheckoutSession(e, object)
	case "payment_intent":
		err = decodePaymentIntent(e, object)
	default:
		e.Kind = KindOther
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, eventType, err)
	}
	return e, nil
}

type addressPayload struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type shippingPayload struct {
	Name    string          `json:"name"`
	Phone   string          `json:"phone"`
	Address *addressPayload `json:"address"`
}

func (s *shippingPayload) toAddress() *Address {
	if s == nil || s.Address == nil {
		return nil
	}
	return &Address{
		Name:       s.Name,
		Line1:      s.Address.Line1,
		Line2:      s.Address.Line2,
		City:       s.Address.City,
		State:      s.Address.State,
		PostalCode: s.Address.PostalCode,
		Country:    s.Address.Country,
	}
}

// expandableID accepts either an object id or the expanded object.
type expandableID string

func (x *expandableID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*x = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*x = expandableID(obj.ID)
	return nil
}

type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	PaymentIntent     expandableID      `json:"payment_intent"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   *struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Phone string `json:"phone"`
	} `json:"customer_details"`
	ShippingDetails      *shippingPayload `json:"shipping_details"`
	CollectedInformation *struct {
		ShippingDetails *shippingPayload `json:"shipping_details"`
	} `json:"collected_information"`
	TotalDetails *struct {
		AmountTax *int64 `json:"amount_tax"`
	} `json:"total_details"`
}

func decodeCheckoutSession(e *Event, raw json.RawMessage) error {
	var cs checkoutSessionPayload
	if err := json.Unmarshal(raw, &cs); err != nil {
		return err
	}
	e.SessionID = cs.ID
	e.OrderID = cs.Metadata[MetadataOrderID]
	if e.OrderID == "" {
		e.OrderID = cs.ClientReferenceID
	}
	e.PaymentIntentID = string(cs.PaymentIntent)
	e.PaymentStatus = cs.PaymentStatus
	e.AmountTotal = cs.AmountTotal
	e.Currency = cs.Currency
	e.CustomerEmail = cs.CustomerEmail
	if d := cs.CustomerDetails; d != nil {
		if d.Email != "" {
			e.CustomerEmail = d.Email
		}
		e.CustomerName = d.Name
		e.CustomerPhone = d.Phone
	}
	e.Shipping = cs.ShippingDetails.toAddress()
	if e.Shipping == nil && cs.CollectedInformation != nil {
		e.Shipping = cs.CollectedInformation.ShippingDetails.toAddress()
	}
	if cs.TotalDetails != nil {
		e.AmountTax = cs.TotalDetails.AmountTax
	}
	if e.Kind == KindPaymentFailed {
		e.FailureMessage = "asynchronous payment failed"
	}
	return nil
}

type paymentIntentPayload struct {
	ID                   string            `json:"id"`
	Metadata             map[string]string `json:"metadata"`
	Amount               int64             `json:"amount"`
	AmountReceived       int64             `json:"amount_received"`
	Currency             string            `json:"currency"`
	ReceiptEmail         string            `json:"receipt_email"`
	ApplicationFeeAmount *int64            `json:"application_fee_amount"`
	Shipping             *shippingPayload  `json:"shipping"`
	LastPaymentError     *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"last_payment_error"`
}

func decodePaymentIntent(e *Event, raw json.RawMessage) error {
	var pi paymentIntentPayload
	if err := json.Unmarshal(raw, &pi); err != nil {
		return err
	}
	e.PaymentIntentID = pi.ID
	e.OrderID = pi.Metadata[MetadataOrderID]
	e.AmountTotal = pi.AmountReceived
	if e.AmountTotal == 0 {
		e.AmountTotal = pi.Amount
	}
	e.Currency = pi.Currency
	e.CustomerEmail = pi.ReceiptEmail
	e.Shipping = pi.Shipping.toAddress()
	if pi.Shipping != nil {
		e.CustomerPhone = pi.Shipping.Phone
	}
	e.ApplicationFee = pi.ApplicationFeeAmount
	if e.Kind == KindPaymentFailed {
		e.FailureMessage = "payment failed"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Message != "" {
			e.FailureMessage = pi.LastPaymentError.Message
		}
	}
	return nil
}
