// Package webhook applies verified payment provider events to orders.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"storefront-orders/internal/data"
	"storefront-orders/internal/lifecycle"
	"storefront-orders/internal/payment"
)

// Reconciler verifies webhook deliveries and advances order state. Apart
// from a bad signature every delivery is acknowledged; problems are logged.
type Reconciler struct {
	orders   *lifecycle.Manager
	store    data.Store
	verifier payment.EventVerifier
	logger   *slog.Logger
}

func New(orders *lifecycle.Manager, store data.Store, verifier payment.EventVerifier, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		orders:   orders,
		store:    store,
		verifier: verifier,
		logger:   logger,
	}
}

// HandleEvent verifies payload against signatureHeader and applies it. The
// only error returned wraps payment.ErrSignatureInvalid.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) error {
	evt, err := r.verifier.Verify(payload, signatureHeader)
	if err != nil {
		if errors.Is(err, payment.ErrSignatureInvalid) {
			r.logger.Warn("webhook signature rejected", "error", err)
			return err
		}
		r.logger.Error("webhook payload could not be decoded", "error", err)
		return nil
	}

	log := r.logger.With("event_id", evt.ID, "event_type", evt.Type)
	switch evt.Kind {
	case payment.KindPaymentCompleted:
		r.completed(ctx, log, evt)
	case payment.KindPaymentFailed:
		r.failed(ctx, log, evt)
	default:
		log.Debug("webhook event ignored")
	}
	return nil
}

func (r *Reconciler) completed(ctx context.Context, log *slog.Logger, evt *payment.Event) {
	if !evt.Settled() {
		log.Info("checkout completed without settled payment; waiting for async result",
			"order_id", evt.OrderID,
			"session_id", evt.SessionID,
			"payment_status", evt.PaymentStatus)
		return
	}

	order, err := r.resolve(ctx, evt.OrderID, r.bySession(evt.SessionID), r.byIntent(evt.PaymentIntentID))
	if err != nil {
		r.unresolved(log, evt, err)
		return
	}

	_, outcome, err := r.orders.MarkPaid(ctx, order.ID, paymentFrom(evt))
	if err != nil {
		log.Error("could not mark order paid",
			"order_id", order.ID,
			"session_id", evt.SessionID,
			"error", err)
		return
	}
	log.Info("payment event reconciled",
		"order_id", order.ID,
		"outcome", outcome.String())
}

func (r *Reconciler) failed(ctx context.Context, log *slog.Logger, evt *payment.Event) {
	order, err := r.resolve(ctx, evt.OrderID, r.byIntent(evt.PaymentIntentID), r.bySession(evt.SessionID))
	if err != nil {
		r.unresolved(log, evt, err)
		return
	}
	if order.Status != data.StatusPending {
		log.Info("payment failure ignored for settled order",
			"order_id", order.ID,
			"status", order.Status)
		return
	}

	_, outcome, err := r.orders.MarkFailed(ctx, order.ID, evt.FailureMessage)
	if err != nil {
		log.Error("could not mark order failed",
			"order_id", order.ID,
			"error", err)
		return
	}
	log.Info("payment failure reconciled",
		"order_id", order.ID,
		"outcome", outcome.String())
}

type lookup struct {
	id   string
	find func(context.Context, string) (*data.Order, error)
}

func (r *Reconciler) bySession(id string) lookup { return lookup{id, r.store.FindBySessionID} }
func (r *Reconciler) byIntent(id string) lookup { return lookup{id, r.store.FindByPaymentIntentID} }

// resolve finds the order an event refers to: by metadata order id first,
// then by each provider correlation id in turn.
func (r *Reconciler) resolve(ctx context.Context, orderID string, fallbacks ...lookup) (*data.Order, error) {
	if orderID != "" {
		order, err := r.store.Get(ctx, orderID)
		if !errors.Is(err, data.ErrNotFound) {
			return order, err
		}
	}
	for _, l := range fallbacks {
		if l.id == "" {
			continue
		}
		order, err := l.find(ctx, l.id)
		if !errors.Is(err, data.ErrNotFound) {
			return order, err
		}
	}
	return nil, fmt.Errorf("%w: order %q", data.ErrNotFound, orderID)
}

func (r *Reconciler) unresolved(log *slog.Logger, evt *payment.Event, err error) {
	if errors.Is(err, data.ErrNotFound) {
		log.Error("webhook references unknown order; manual reconciliation needed",
			"order_id", evt.OrderID,
			"session_id", evt.SessionID,
			"payment_intent_id", evt.PaymentIntentID)
		return
	}
	log.Error("order lookup failed",
		"order_id", evt.OrderID,
		"session_id", evt.SessionID,
		"error", err)
}

func paymentFrom(evt *payment.Event) lifecycle.Payment {
	p := lifecycle.Payment{
		SessionID:       evt.SessionID,
		PaymentIntentID: evt.PaymentIntentID,
		AmountPaid:      payment.FromMinorUnits(evt.AmountTotal),
		Currency:        evt.Currency,
		Customer: lifecycle.Customer{
			Email: evt.CustomerEmail,
			Name:  evt.CustomerName,
			Phone: evt.CustomerPhone,
		},
		PaidAt: evt.Created,
	}
	if a := evt.Shipping; a != nil {
		p.Shipping = &data.ShippingAddress{
			Name:       a.Name,
			Line1:      a.Line1,
			Line2:      a.Line2,
			City:       a.City,
			State:      a.State,
			PostalCode: a.PostalCode,
			Country:    a.Country,
		}
	}
	p.TaxAmount = minorPtr(evt.AmountTax)
	p.ProcessingFee = minorPtr(evt.ApplicationFee)
	return p
}

func minorPtr(v *int64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := payment.FromMinorUnits(*v)
	return &d
}
