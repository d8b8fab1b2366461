// Package checkout turns a cart into a pending order plus a hosted payment
// session, reusing a still-open session when the same cart is submitted twice.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"storefront-orders/internal/data"
	"storefront-orders/internal/lifecycle"
	"storefront-orders/internal/payment"
)

const (
	localePlaceholder    = "{locale}"
	defaultAttachTimeout = 10 * time.Second
)

var localePattern = regexp.MustCompile(`^[A-Za-z]{2,3}(-[A-Za-z0-9]{2,8})?$`)

// Options configures redirect URLs and provider limits.
type Options struct {
	SiteURL           string
	SuccessPath       string
	CancelPath        string
	Currency          string
	DefaultLocale     string
	ShippingCountries []string
	ProviderTimeout   time.Duration
	AttachTimeout     time.Duration
}

// Request is a checkout submission.
type Request struct {
	Items    []data.Item
	Customer lifecycle.Customer
	Locale   string
}

// Result tells the client where to pay.
type Result struct {
	SessionID   string `json:"sessionId"`
	OrderID     string `json:"orderId"`
	RedirectURL string `json:"redirectUrl"`
	Reused      bool   `json:"-"`
}

// Orchestrator creates orders and their payment sessions.
type Orchestrator struct {
	orders   *lifecycle.Manager
	store    data.Store
	provider payment.Provider
	opts     Options
	logger   *slog.Logger

	attaches sync.WaitGroup
}

func New(orders *lifecycle.Manager, store data.Store, provider payment.Provider, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = defaultAttachTimeout
	}
	if opts.DefaultLocale == "" {
		opts.DefaultLocale = "en"
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	return &Orchestrator{
		orders:   orders,
		store:    store,
		provider: provider,
		opts:     opts,
		logger:   logger,
	}
}

// CreateCheckout validates the cart, reuses an open session for an identical
// recent submission, or creates a pending order and a new session for it. A
// provider failure marks the new order failed and is returned wrapped in
// payment.ErrProvider.
func (o *Orchestrator) CreateCheckout(ctx context.Context, req Request) (*Result, error) {
	if _, err := lifecycle.Total(req.Items); err != nil {
		return nil, err
	}

	if res := o.reusable(ctx, req); res != nil {
		return res, nil
	}

	order, err := o.orders.Create(ctx, req.Items, req.Customer)
	if err != nil {
		return nil, err
	}

	session, err := o.createSession(ctx, order, o.locale(req.Locale))
	if err != nil {
		o.logger.Error("checkout session creation failed",
			"order_id", order.ID,
			"error", err)
		if _, _, ferr := o.orders.MarkFailed(context.WithoutCancel(ctx), order.ID, err.Error()); ferr != nil {
			o.logger.Error("could not mark order failed",
				"order_id", order.ID,
				"error", ferr)
		}
		return nil, fmt.Errorf("checkout for order %s: %w", order.ID, err)
	}

	o.attachInBackground(ctx, order.ID, session)

	o.logger.Info("checkout session created",
		"order_id", order.ID,
		"session_id", session.ID)
	return &Result{
		SessionID:   session.ID,
		OrderID:     order.ID,
		RedirectURL: session.URL,
	}, nil
}

// Session returns the provider's view of a checkout session.
func (o *Orchestrator) Session(ctx context.Context, id string) (*payment.Session, error) {
	return o.provider.RetrieveSession(ctx, id)
}

// Wait blocks until background session attaches have finished.
func (o *Orchestrator) Wait() {
	o.attaches.Wait()
}

// IdempotencyKey is stable for one order so retried create requests map to a
// single provider session.
func IdempotencyKey(order *data.Order) string {
	return fmt.Sprintf("checkout-session:%s:%d", order.ID, order.CreatedAt.UnixMilli())
}

func (o *Orchestrator) reusable(ctx context.Context, req Request) *Result {
	email := strings.TrimSpace(req.Customer.Email)
	if email == "" {
		return nil
	}

	existing, err := o.store.FindPendingByItemsAndEmail(ctx, req.Items, email, data.DuplicateWindow)
	if err != nil {
		if !errors.Is(err, data.ErrNotFound) {
			o.logger.Warn("duplicate checkout lookup failed", "error", err)
		}
		return nil
	}
	if existing.SessionID() == "" {
		return nil
	}

	session, err := o.provider.RetrieveSession(ctx, existing.SessionID())
	if err != nil {
		o.logger.Warn("could not confirm existing session",
			"order_id", existing.ID,
			"session_id", existing.SessionID(),
			"error", err)
		return nil
	}
	if session.Status != payment.SessionOpen || session.URL == "" {
		return nil
	}

	o.logger.Info("reusing open checkout session",
		"order_id", existing.ID,
		"session_id", session.ID)
	return &Result{
		SessionID:   session.ID,
		OrderID:     existing.ID,
		RedirectURL: session.URL,
		Reused:      true,
	}
}

func (o *Orchestrator) createSession(ctx context.Context, order *data.Order, locale string) (*payment.Session, error) {
	if o.opts.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.ProviderTimeout)
		defer cancel()
	}

	params := payment.SessionParams{
		LineItems:         lineItems(order.Items),
		Currency:          o.opts.Currency,
		SuccessURL:        o.redirectURL(o.opts.SuccessPath, locale),
		CancelURL:         o.redirectURL(o.opts.CancelPath, locale),
		CustomerEmail:     order.CustomerEmail,
		ClientReference:   order.ID,
		Metadata:          map[string]string{payment.MetadataOrderID: order.ID},
		ShippingCountries: o.opts.ShippingCountries,
		IdempotencyKey:    IdempotencyKey(order),
	}

	session, err := o.provider.CreateSession(ctx, params)
	if err != nil {
		if !errors.Is(err, payment.ErrProvider) {
			err = fmt.Errorf("%w: %w", payment.ErrProvider, err)
		}
		return nil, err
	}
	return session, nil
}

func (o *Orchestrator) attachInBackground(ctx context.Context, orderID string, session *payment.Session) {
	o.attaches.Add(1)
	go func() {
		defer o.attaches.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.AttachTimeout)
		defer cancel()
		if _, err := o.orders.AttachSession(actx, orderID, session.ID, session.PaymentIntentID); err != nil {
			o.logger.Error("could not attach session to order",
				"order_id", orderID,
				"session_id", session.ID,
				"error", err)
		}
	}()
}

func (o *Orchestrator) locale(requested string) string {
	if localePattern.MatchString(requested) {
		return requested
	}
	return o.opts.DefaultLocale
}

func (o *Orchestrator) redirectURL(path, locale string) string {
	return o.opts.SiteURL + strings.ReplaceAll(path, localePlaceholder, url.PathEscape(locale))
}

func lineItems(items []data.Item) []payment.LineItem {
	out := make([]payment.LineItem, 0, len(items))
	for _, it := range items {
		li := payment.LineItem{
			Name:        it.Name,
			Description: it.Description,
			UnitAmount:  payment.ToMinorUnits(it.Price),
			Quantity:    int64(it.Quantity),
		}
		if strings.HasPrefix(it.Image, "https://") || strings.HasPrefix(it.Image, "http://") {
			li.Images = []string{it.Image}
		}
		out = append(out, li)
	}
	return out
}
