package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// Stripe implements Provider with Stripe Checkout in payment mode.
type Stripe struct {
	api    *client.API
	logger *slog.Logger
}

var _ Provider = (*Stripe)(nil)

// NewStripe builds a client with its own backends so the API key and HTTP
// timeout stay local to this instance.
func NewStripe(secretKey string, timeout time.Duration, logger *slog.Logger) *Stripe {
	if logger == nil {
		logger = slog.Default()
	}
	backends := stripe.NewBackends(&http.Client{Timeout: timeout})
	return &Stripe{
		api:    client.New(secretKey, backends),
		logger: logger,
	}
}

func (s *Stripe) CreateSession(ctx context.Context, p SessionParams) (*Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		LineItems:  make([]*stripe.CheckoutSessionLineItemParams, 0, len(p.LineItems)),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: p.Metadata,
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)

	for _, li := range p.LineItems {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(li.Name),
		}
		if li.Description != "" {
			product.Description = stripe.String(li.Description)
		}
		if len(li.Images) > 0 {
			product.Images = stripe.StringSlice(li.Images)
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(p.Currency),
				UnitAmount:  stripe.Int64(li.UnitAmount),
				ProductData: product,
			},
			Quantity: stripe.Int64(li.Quantity),
		})
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}
	if p.ClientReference != "" {
		params.ClientReferenceID = stripe.String(p.ClientReference)
	}
	if len(p.ShippingCountries) > 0 {
		params.ShippingAddressCollection = &stripe.CheckoutSessionShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice(p.ShippingCountries),
		}
	}

	start := time.Now()
	cs, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		s.logger.Error("stripe session create failed",
			"client_reference", p.ClientReference,
			"duration", time.Since(start),
			"error", err)
		return nil, fmt.Errorf("%w: create checkout session: %w", ErrProvider, err)
	}
	s.logger.Debug("stripe session created",
		"session_id", cs.ID,
		"client_reference", p.ClientReference,
		"duration", time.Since(start))
	return fromStripeSession(cs), nil
}

func (s *Stripe) RetrieveSession(ctx context.Context, id string) (*Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	cs, err := s.api.CheckoutSessions.Get(id, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("%w: retrieve checkout session %s: %w", ErrProvider, id, err)
	}
	return fromStripeSession(cs), nil
}

func fromStripeSession(cs *stripe.CheckoutSession) *Session {
	out := &Session{
		ID:            cs.ID,
		URL:           cs.URL,
		Status:        SessionStatus(cs.Status),
		PaymentStatus: string(cs.PaymentStatus),
		AmountTotal:   cs.AmountTotal,
		Currency:      string(cs.Currency),
		CustomerEmail: cs.CustomerEmail,
		Metadata:      cs.Metadata,
	}
	if cs.PaymentIntent != nil {
		out.PaymentIntentID = cs.PaymentIntent.ID
	}
	return out
}
