// Package lifecycle owns order creation and the pending -> paid/failed state
// machine on top of a data.Store.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront-orders/internal/data"
)

var (
	ErrOrderNotFound = fmt.Errorf("lifecycle: %w", data.ErrNotFound)
	ErrInvalidCart   = fmt.Errorf("invalid cart: %w", data.ErrValidation)
)

// Outcome describes what a transition request did.
type Outcome int

const (
	// Applied means the order moved to the requested state.
	Applied Outcome = iota
	// AlreadyApplied means the order was already in the requested state.
	AlreadyApplied
	// Rejected means the request conflicted with a terminal state and was logged.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already-applied"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Customer is the optional identity supplied with a checkout.
type Customer struct {
	Email string
	Name  string
	Phone string
}

// Payment is the metadata captured from a confirmed payment event.
type Payment struct {
	SessionID       string
	PaymentIntentID string
	AmountPaid      decimal.Decimal
	Currency        string
	Customer        Customer
	Shipping        *data.ShippingAddress
	TaxAmount       *decimal.Decimal
	ProcessingFee   *decimal.Decimal
	PaidAt          time.Time
}

// Manager creates orders and applies status transitions.
type Manager struct {
	store  data.Store
	logger *slog.Logger
	newID  func() string
}

// NewManager returns a manager over store. A nil logger uses slog.Default().
func NewManager(store data.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		logger: logger,
		newID:  func() string { return uuid.NewString() },
	}
}

// Total validates items and returns the sum of price times quantity rounded
// to cents.
func Total(items []data.Item) (decimal.Decimal, error) {
	if len(items) == 0 {
		return decimal.Zero, fmt.Errorf("%w: cart is empty", ErrInvalidCart)
	}
	total := decimal.Zero
	for i, it := range items {
		switch {
		case it.ID == "" || it.Name == "":
			return decimal.Zero, fmt.Errorf("%w: item %d is missing id or name", ErrInvalidCart, i)
		case !it.Price.IsPositive():
			return decimal.Zero, fmt.Errorf("%w: item %s has non-positive price", ErrInvalidCart, it.ID)
		case it.Quantity < 1:
			return decimal.Zero, fmt.Errorf("%w: item %s has quantity %d", ErrInvalidCart, it.ID, it.Quantity)
		}
		total = total.Add(it.Subtotal())
	}
	total = total.Round(2)
	if !total.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: total must be positive", ErrInvalidCart)
	}
	return total, nil
}

// Create persists a new pending order for items.
func (m *Manager) Create(ctx context.Context, items []data.Item, customer Customer) (*data.Order, error) {
	total, err := Total(items)
	if err != nil {
		return nil, err
	}

	order := &data.Order{
		ID:            m.newID(),
		Status:        data.StatusPending,
		Items:         append([]data.Item(nil), items...),
		CustomerEmail: customer.Email,
		CustomerName:  customer.Name,
		CustomerPhone: customer.Phone,
		TotalAmount:   total,
	}
	if err := m.store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	m.logger.Info("order created",
		"order_id", order.ID,
		"total", order.TotalAmount.StringFixed(2),
		"items", len(order.Items))
	return order, nil
}

// Get loads an order by id.
func (m *Manager) Get(ctx context.Context, id string) (*data.Order, error) {
	order, err := m.store.Get(ctx, id)
	if errors.Is(err, data.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return order, err
}

// ListByEmail returns a customer's orders, newest first.
func (m *Manager) ListByEmail(ctx context.Context, email string) ([]data.Order, error) {
	return m.store.ListByEmail(ctx, email)
}

// AttachSession records the provider session on a pending order. A session
// already held by another order yields data.ErrDuplicateSessionID.
func (m *Manager) AttachSession(ctx context.Context, id, sessionID, paymentIntentID string) (*data.Order, error) {
	patch := data.Patch{StripeSessionID: &sessionID}
	if paymentIntentID != "" {
		patch.StripePaymentIntentID = &paymentIntentID
	}
	order, err := m.store.Update(ctx, id, "", patch)
	switch {
	case errors.Is(err, data.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	case errors.Is(err, data.ErrInvalidTransition):
		m.logger.Warn("session attach rejected",
			"order_id", id,
			"session_id", sessionID,
			"error", err)
		return order, nil
	case err != nil:
		return nil, err
	}
	return order, nil
}

// MarkPaid moves a pending order to paid with the captured payment metadata.
// Repeating it under the same session is a no-op; an order already paid under
// a different session is left untouched and logged as a duplicate payment.
func (m *Manager) MarkPaid(ctx context.Context, id string, p Payment) (*data.Order, Outcome, error) {
	cur, err := m.Get(ctx, id)
	if err != nil {
		return nil, Rejected, err
	}

	switch cur.Status {
	case data.StatusPaid:
		return m.alreadyPaid(cur, p)
	case data.StatusFailed:
		m.logger.Warn("payment confirmed for failed order; not applied",
			"order_id", id,
			"session_id", p.SessionID,
			"error_message", cur.ErrorMessage)
		return cur, Rejected, nil
	}

	if attached := cur.SessionID(); attached != "" && p.SessionID != "" && attached != p.SessionID {
		m.logger.Warn("replacing attached checkout session",
			"order_id", id,
			"attached_session_id", attached,
			"incoming_session_id", p.SessionID)
	}

	order, err := m.store.Update(ctx, id, data.StatusPaid, paidPatch(cur, p))
	switch {
	case errors.Is(err, data.ErrAlreadyPaid):
		// Another delivery paid the order between the read above and the write.
		return m.alreadyPaid(order, p)
	case err != nil:
		return m.absorb(ctx, id, data.StatusPaid, err)
	}
	if order.Status != data.StatusPaid {
		return order, Rejected, nil
	}

	m.logger.Info("order paid",
		"order_id", id,
		"session_id", order.SessionID(),
		"amount_paid", order.AmountPaid.StringFixed(2),
		"currency", order.Currency)
	return order, Applied, nil
}

// alreadyPaid decides the outcome of a payment for an order that is paid:
// the same session is a repeat, a different one is a duplicate payment.
func (m *Manager) alreadyPaid(order *data.Order, p Payment) (*data.Order, Outcome, error) {
	if p.SessionID != "" && order.SessionID() != "" && p.SessionID != order.SessionID() {
		m.logger.Warn("duplicate payment detected",
			"order_id", order.ID,
			"recorded_session_id", order.SessionID(),
			"incoming_session_id", p.SessionID,
			"incoming_payment_intent_id", p.PaymentIntentID)
		return order, Rejected, nil
	}
	m.logger.Info("order already paid", "order_id", order.ID, "session_id", order.SessionID())
	return order, AlreadyApplied, nil
}

// MarkFailed moves a pending order to failed with reason. Orders that already
// reached a terminal state are left untouched.
func (m *Manager) MarkFailed(ctx context.Context, id, reason string) (*data.Order, Outcome, error) {
	cur, err := m.Get(ctx, id)
	if err != nil {
		return nil, Rejected, err
	}
	switch cur.Status {
	case data.StatusFailed:
		return cur, AlreadyApplied, nil
	case data.StatusPaid:
		m.logger.Warn("failure reported for paid order; not applied",
			"order_id", id,
			"reason", reason)
		return cur, Rejected, nil
	}

	order, err := m.store.Update(ctx, id, data.StatusFailed, data.Patch{ErrorMessage: &reason})
	if err != nil {
		return m.absorb(ctx, id, data.StatusFailed, err)
	}

	m.logger.Info("order failed", "order_id", id, "reason", reason)
	return order, Applied, nil
}

// absorb turns a transition refused by the store into a logged rejection.
// Store failures other than consistency guards are returned.
func (m *Manager) absorb(ctx context.Context, id string, target data.Status, err error) (*data.Order, Outcome, error) {
	if !errors.Is(err, data.ErrInvalidTransition) && !errors.Is(err, data.ErrDuplicateSessionID) {
		return nil, Rejected, fmt.Errorf("transition order %s to %s: %w", id, target, err)
	}
	m.logger.Warn("transition rejected",
		"order_id", id,
		"target", target,
		"error", err)
	cur, gerr := m.Get(ctx, id)
	if gerr != nil {
		return nil, Rejected, gerr
	}
	if cur.Status == target {
		return cur, AlreadyApplied, nil
	}
	return cur, Rejected, nil
}

func paidPatch(cur *data.Order, p Payment) data.Patch {
	amount := p.AmountPaid
	currency := p.Currency
	paidAt := p.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}
	patch := data.Patch{
		AmountPaid: &amount,
		Currency:   &currency,
		PaidAt:     &paidAt,
	}
	if p.SessionID != "" && p.SessionID != cur.SessionID() {
		patch.StripeSessionID = &p.SessionID
	}
	if p.PaymentIntentID != "" {
		patch.StripePaymentIntentID = &p.PaymentIntentID
	}
	if p.Customer.Email != "" {
		patch.CustomerEmail = &p.Customer.Email
	}
	if p.Customer.Name != "" {
		patch.CustomerName = &p.Customer.Name
	}
	if p.Customer.Phone != "" {
		patch.CustomerPhone = &p.Customer.Phone
	}
	patch.Shipping = p.Shipping
	patch.TaxAmount = p.TaxAmount
	patch.ProcessingFee = p.ProcessingFee
	return patch
}
