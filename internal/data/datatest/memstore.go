// Package datatest provides an in-memory data.Store for tests of the layers
// above the order store.
package datatest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"storefront-orders/internal/data"
)

// MemStore implements data.Store over a map with the same uniqueness and
// transition rules as data.GormStore.
type MemStore struct {
	mu     sync.Mutex
	orders map[string]data.Order
	Now    func() time.Time

	// UpdateErr, when set, is consulted before every Update.
	UpdateErr func(id string, status data.Status, patch data.Patch) error
	// Updates counts applied updates by order id.
	Updates map[string]int
}

var _ data.Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		orders:  make(map[string]data.Order),
		Updates: make(map[string]int),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Put stores o as-is, bypassing validation.
func (m *MemStore) Put(o data.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

func (m *MemStore) Create(_ context.Context, order *data.Order) error {
	if err := data.ValidateNew(order); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("%w: order %s already exists", data.ErrValidation, order.ID)
	}
	if err := m.sessionFree(order.SessionID(), order.ID); err != nil {
		return err
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = m.Now()
	}
	order.UpdatedAt = order.CreatedAt
	m.orders[order.ID] = clone(*order)
	return nil
}

func (m *MemStore) Get(_ context.Context, id string) (*data.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	c := clone(o)
	return &c, nil
}

func (m *MemStore) FindBySessionID(_ context.Context, sessionID string) (*data.Order, error) {
	return m.find(func(o data.Order) bool { return sessionID != "" && o.SessionID() == sessionID })
}

func (m *MemStore) FindByPaymentIntentID(_ context.Context, paymentIntentID string) (*data.Order, error) {
	return m.find(func(o data.Order) bool { return paymentIntentID != "" && o.PaymentIntentID() == paymentIntentID })
}

func (m *MemStore) FindPendingByItemsAndEmail(_ context.Context, items []data.Item, email string, window time.Duration) (*data.Order, error) {
	cutoff := m.Now().Add(-window)
	orders := m.sorted(func(o data.Order) bool {
		return o.Status == data.StatusPending &&
			o.CustomerEmail == email &&
			!o.CreatedAt.Before(cutoff) &&
			data.SameItems(o.Items, items)
	})
	if len(orders) == 0 {
		return nil, data.ErrNotFound
	}
	return &orders[0], nil
}

func (m *MemStore) Update(_ context.Context, id string, status data.Status, patch data.Patch) (*data.Order, error) {
	if m.UpdateErr != nil {
		if err := m.UpdateErr(id, status, patch); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	if cur.Status == data.StatusPaid && status == data.StatusPaid {
		c := clone(cur)
		return &c, data.ErrAlreadyPaid
	}
	if err := data.CheckTransition(&cur, status, patch); err != nil {
		c := clone(cur)
		return &c, err
	}
	next := clone(cur)
	cols := patch.Apply(&next)
	if status != "" {
		next.Status = status
	}
	if len(cols) == 0 && next.Status == cur.Status {
		c := clone(cur)
		return &c, nil
	}
	if sid := next.SessionID(); sid != cur.SessionID() {
		if err := m.sessionFree(sid, id); err != nil {
			c := clone(cur)
			return &c, err
		}
	}
	next.UpdatedAt = m.Now()
	m.orders[id] = next
	m.Updates[id]++
	c := clone(next)
	return &c, nil
}

func (m *MemStore) ListByEmail(_ context.Context, email string) ([]data.Order, error) {
	return m.sorted(func(o data.Order) bool { return o.CustomerEmail == email }), nil
}

// UpdateCount returns how many updates were applied to id.
func (m *MemStore) UpdateCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Updates[id]
}

// Len returns the number of stored orders.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *MemStore) find(match func(data.Order) bool) (*data.Order, error) {
	orders := m.sorted(match)
	if len(orders) == 0 {
		return nil, data.ErrNotFound
	}
	return &orders[0], nil
}

func (m *MemStore) sorted(match func(data.Order) bool) []data.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []data.Order
	for _, o := range m.orders {
		if match(o) {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *MemStore) sessionFree(sessionID, orderID string) error {
	if sessionID == "" {
		return nil
	}
	for id, o := range m.orders {
		if id != orderID && o.SessionID() == sessionID {
			return fmt.Errorf("%w: %s", data.ErrDuplicateSessionID, sessionID)
		}
	}
	return nil
}

func clone(o data.Order) data.Order {
	o.Items = append([]data.Item(nil), o.Items...)
	if o.StripeSessionID != nil {
		s := *o.StripeSessionID
		o.StripeSessionID = &s
	}
	if o.StripePaymentIntentID != nil {
		s := *o.StripePaymentIntentID
		o.StripePaymentIntentID = &s
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		o.PaidAt = &t
	}
	return o
}
