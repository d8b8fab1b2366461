package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DuplicateWindow bounds how far back a pending order is reused for an
// identical checkout submission.
const DuplicateWindow = 5 * time.Minute

const maxUpdateAttempts = 3

var (
	ErrNotFound           = errors.New("order not found")
	ErrDuplicateSessionID = errors.New("stripe session id already attached to another order")
	ErrValidation         = errors.New("validation failed")
	ErrInvalidTransition  = errors.New("invalid order status transition")
	ErrConcurrentUpdate   = errors.New("order changed concurrently")
	// ErrAlreadyPaid accompanies the stored order when a transition into paid
	// finds the order already paid. Nothing is written.
	ErrAlreadyPaid        = errors.New("order already paid")
)

// Store is the persistence contract for orders. Implementations must enforce
// that a non-empty Stripe session id belongs to at most one order, and Update
// into paid on a paid order must return the stored order with ErrAlreadyPaid.
type Store interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	FindBySessionID(ctx context.Context, sessionID string) (*Order, error)
	FindByPaymentIntentID(ctx context.Context, paymentIntentID string) (*Order, error)
	FindPendingByItemsAndEmail(ctx context.Context, items []Item, email string, window time.Duration) (*Order, error)
	Update(ctx context.Context, id string, status Status, patch Patch) (*Order, error)
	ListByEmail(ctx context.Context, email string) ([]Order, error)
}

// ValidateNew checks the fields required to persist a new order.
func ValidateNew(o *Order) error {
	if o.ID == "" {
		return fmt.Errorf("%w: order id is required", ErrValidation)
	}
	if !o.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, o.Status)
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: order has no items", ErrValidation)
	}
	for i, it := range o.Items {
		if it.ID == "" || it.Name == "" {
			return fmt.Errorf("%w: item %d is missing id or name", ErrValidation, i)
		}
		if it.Quantity < 1 {
			return fmt.Errorf("%w: item %s has quantity %d", ErrValidation, it.ID, it.Quantity)
		}
	}
	return nil
}

// CheckTransition reports whether moving cur to status while applying patch
// keeps the status monotonic. An empty status leaves the current one.
func CheckTransition(cur *Order, status Status, patch Patch) error {
	if status != "" && !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	if cur.Status.Terminal() && status != "" && status != cur.Status {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, status)
	}
	if cur.Status == StatusPaid && patch.StripeSessionID != nil && cur.SessionID() != "" && *patch.StripeSessionID != cur.SessionID() {
		return fmt.Errorf("%w: paid order %s already holds session %s", ErrInvalidTransition, cur.ID, cur.SessionID())
	}
	return nil
}

// GormStore persists orders through gorm.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore wraps an open gorm handle. The schema must already exist.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db: db,
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Millisecond)
		},
	}
}

// WithClock replaces the time source used for timestamps and the duplicate window.
func (s *GormStore) WithClock(now func() time.Time) *GormStore {
	s.now = now
	return s
}

func (s *GormStore) Create(ctx context.Context, order *Order) error {
	if err := ValidateNew(order); err != nil {
		return err
	}
	if sid := order.SessionID(); sid != "" {
		if err := s.ensureSessionFree(ctx, sid, order.ID); err != nil {
			return err
		}
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.now()
	}
	order.UpdatedAt = order.CreatedAt

	err := s.db.WithContext(ctx).Create(order).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		if sid := order.SessionID(); sid != "" {
			if owner, ferr := s.FindBySessionID(ctx, sid); ferr == nil && owner.ID != order.ID {
				return fmt.Errorf("%w: %s", ErrDuplicateSessionID, sid)
			}
		}
		return fmt.Errorf("%w: order %s already exists", ErrValidation, order.ID)
	}
	if err != nil {
		return fmt.Errorf("create order %s: %w", order.ID, err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*Order, error) {
	return s.take(ctx, "id = ?", id)
}

func (s *GormStore) FindBySessionID(ctx context.Context, sessionID string) (*Order, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	return s.take(ctx, "stripe_session_id = ?", sessionID)
}

func (s *GormStore) FindByPaymentIntentID(ctx context.Context, paymentIntentID string) (*Order, error) {
	if paymentIntentID == "" {
		return nil, ErrNotFound
	}
	return s.take(ctx, "stripe_payment_intent_id = ?", paymentIntentID)
}

// FindPendingByItemsAndEmail returns the newest pending order for email that
// was created within window and holds the same item ids and quantities.
func (s *GormStore) FindPendingByItemsAndEmail(ctx context.Context, items []Item, email string, window time.Duration) (*Order, error) {
	cutoff := s.now().Add(-window)
	var candidates []Order
	err := s.db.WithContext(ctx).
		Where("customer_email = ? AND status = ? AND created_at >= ?", email, StatusPending, cutoff).
		Order("created_at DESC").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("find pending orders: %w", err)
	}
	for i := range candidates {
		if SameItems(candidates[i].Items, items) {
			return &candidates[i], nil
		}
	}
	return nil, ErrNotFound
}

// Update merges patch into the order and moves it to status ("" keeps the
// current status). Repeating a transition into paid returns the stored order
// unchanged together with ErrAlreadyPaid. The write is conditional on the
// status read beforehand, so of two racing transitions only one applies and
// the other is re-evaluated.
func (s *GormStore) Update(ctx context.Context, id string, status Status, patch Patch) (*Order, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == StatusPaid && status == StatusPaid {
			return cur, ErrAlreadyPaid
		}
		if err := CheckTransition(cur, status, patch); err != nil {
			return cur, err
		}

		next := *cur
		cols := patch.Apply(&next)
		if status != "" && status != cur.Status {
			next.Status = status
			cols["status"] = status
		}
		if len(cols) == 0 {
			return cur, nil
		}
		if sid := next.SessionID(); sid != "" && sid != cur.SessionID() {
			if err := s.ensureSessionFree(ctx, sid, id); err != nil {
				return cur, err
			}
		}
		next.UpdatedAt = s.now()
		cols["updated_at"] = next.UpdatedAt

		res := s.db.WithContext(ctx).
			Model(&Order{}).
			Where("id = ? AND status = ?", id, cur.Status).
			Updates(cols)
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return cur, fmt.Errorf("%w: %s", ErrDuplicateSessionID, next.SessionID())
		}
		if res.Error != nil {
			return nil, fmt.Errorf("update order %s: %w", id, res.Error)
		}
		if res.RowsAffected > 0 {
			return &next, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrConcurrentUpdate, id)
}

// ListByEmail returns the orders of one customer, newest first.
func (s *GormStore) ListByEmail(ctx context.Context, email string) ([]Order, error) {
	var orders []Order
	err := s.db.WithContext(ctx).
		Where("customer_email = ?", email).
		Order("created_at DESC").
		Order("id DESC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list orders for %s: %w", email, err)
	}
	return orders, nil
}

func (s *GormStore) take(ctx context.Context, query string, args ...interface{}) (*Order, error) {
	var o Order
	err := s.db.WithContext(ctx).Where(query, args...).Take(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *GormStore) ensureSessionFree(ctx context.Context, sessionID, orderID string) error {
	var owners int64
	err := s.db.WithContext(ctx).
		Model(&Order{}).
		Where("stripe_session_id = ? AND id <> ?", sessionID, orderID).
		Count(&owners).Error
	if err != nil {
		return fmt.Errorf("check session %s: %w", sessionID, err)
	}
	if owners > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateSessionID, sessionID)
	}
	return nil
}
