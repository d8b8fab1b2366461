package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-orders/internal/data"
	"storefront-orders/internal/data/datatest"
)

func newTestManager(t *testing.T) (*Manager, *datatest.MemStore, *bytes.Buffer) {
	t.Helper()
	store := datatest.NewMemStore()
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewManager(store, logger), store, &logs
}

func item(id, price string, qty int) data.Item {
	return data.Item{ID: id, Name: "Item " + id, Price: decimal.RequireFromString(price), Quantity: qty}
}

func TestTotal(t *testing.T) {
	tests := []struct {
		name    string
		items   []data.Item
		want    string
		wantErr bool
	}{
		{"single line", []data.Item{item("c1", "49.99", 2)}, "99.98", false},
		{"many lines", []data.Item{item("a", "0.10", 3), item("b", "0.20", 1)}, "0.50", false},
		{"sub-cent prices round", []data.Item{item("a", "0.333", 3)}, "1.00", false},
		{"empty cart", nil, "", true},
		{"zero price", []data.Item{item("a", "0", 1)}, "", true},
		{"negative price", []data.Item{item("a", "-5", 1)}, "", true},
		{"zero quantity", []data.Item{item("a", "5", 0)}, "", true},
		{"missing name", []data.Item{{ID: "a", Price: decimal.NewFromInt(1), Quantity: 1}}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Total(tt.items)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCart)
				assert.ErrorIs(t, err, data.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.StringFixed(2))
		})
	}
}

func TestCreateStoresPendingOrder(t *testing.T) {
	m, store, _ := newTestManager(t)

	order, err := m.Create(context.Background(), []data.Item{item("c1", "49.99", 2)}, Customer{})
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, data.StatusPending, order.Status)
	assert.Equal(t, "99.98", order.TotalAmount.StringFixed(2))

	stored, err := store.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, data.StatusPending, stored.Status)
	assert.True(t, stored.TotalAmount.Equal(order.TotalAmount))
}

func TestCreateRejectsInvalidCart(t *testing.T) {
	m, store, _ := newTestManager(t)

	_, err := m.Create(context.Background(), []data.Item{item("c1", "0", 1)}, Customer{})
	assert.ErrorIs(t, err, ErrInvalidCart)
	assert.Zero(t, store.Len())
}

func TestMarkPaidTwiceAppliesOnce(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	order, err := m.Create(ctx, []data.Item{item("c1", "49.99", 2)}, Customer{})
	require.NoError(t, err)

	payment := Payment{
		SessionID:  "cs_A",
		AmountPaid: decimal.RequireFromString("99.98"),
		Currency:   "usd",
		Customer:   Customer{Email: "ada@example.com"},
	}
	paid, outcome, err := m.MarkPaid(ctx, order.ID, payment)
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, data.StatusPaid, paid.Status)
	assert.Equal(t, "cs_A", paid.SessionID())
	assert.Equal(t, "ada@example.com", paid.CustomerEmail)
	require.NotNil(t, paid.PaidAt)

	_, outcome, err = m.MarkPaid(ctx, order.ID, payment)
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, outcome)
	assert.Equal(t, 1, store.UpdateCount(order.ID))
}

func TestMarkPaidUnderDifferentSessionIsRejected(t *testing.T) {
	m, store, logs := newTestManager(t)
	ctx := context.Background()
	order, err := m.Create(ctx, []data.Item{item("c1", "10", 1)}, Customer{})
	require.NoError(t, err)
	_, _, err = m.MarkPaid(ctx, order.ID, Payment{SessionID: "sess_A", AmountPaid: decimal.NewFromInt(10), Currency: "usd"})
	require.NoError(t, err)

	got, outcome, err := m.MarkPaid(ctx, order.ID, Payment{SessionID: "sess_B", AmountPaid: decimal.NewFromInt(10), Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, Rejected, outcome)
	assert.Equal(t, "sess_A", got.SessionID())
	assert.Equal(t, 1, store.UpdateCount(order.ID))
	assert.Contains(t, logs.String(), "duplicate payment detected")
	assert.Contains(t, logs.String(), "incoming_session_id=sess_B")
}

func TestMarkFailedNeverOverwritesPaid(t *testing.T) {
	m, _, logs := newTestManager(t)
	ctx := context.Background()
	order, err := m.Create(ctx, []data.Item{item("c1", "10", 1)}, Customer{})
	require.NoError(t, err)
	_, _, err = m.MarkPaid(ctx, order.ID, Payment{SessionID: "cs_A", AmountPaid: decimal.NewFromInt(10)})
	require.NoError(t, err)

	got, outcome, err := m.MarkFailed(ctx, order.ID, "card declined")
	require.NoError(t, err)
	assert.Equal(t, Rejected, outcome)
	assert.Equal(t, data.StatusPaid, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Contains(t, logs.String(), "failure reported for paid order")
}

func TestMarkPaidAfterFailureIsRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	order, err := m.Create(ctx, []data.Item{item("c1", "10", 1)}, Customer{})
	require.NoError(t, err)

	failed, outcome, err := m.MarkFailed(ctx, order.ID, "provider timeout")
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, "provider timeout", failed.ErrorMessage)

	got, outcome, err := m.MarkPaid(ctx, order.ID, Payment{SessionID: "cs_A"})
	require.NoError(t, err)
	assert.Equal(t, Rejected, outcome)
	assert.Equal(t, data.StatusFailed, got.Status)

	_, outcome, err = m.MarkFailed(ctx, order.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, outcome)
}

func TestTransitionsOnUnknownOrder(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.MarkPaid(ctx, "nope", Payment{})
	assert.ErrorIs(t, err, ErrOrderNotFound)
	_, _, err = m.MarkFailed(ctx, "nope", "x")
	assert.ErrorIs(t, err, ErrOrderNotFound)
	_, err = m.AttachSession(ctx, "nope", "cs_A", "")
	assert.ErrorIs(t, err, data.ErrNotFound)
}

func TestAttachSessionConflicts(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	first, err := m.Create(ctx, []data.Item{item("c1", "10", 1)}, Customer{})
	require.NoError(t, err)
	second, err := m.Create(ctx, []data.Item{item("c1", "10", 1)}, Customer{})
	require.NoError(t, err)

	attached, err := m.AttachSession(ctx, first.ID, "cs_A", "pi_A")
	require.NoError(t, err)
	assert.Equal(t, "cs_A", attached.SessionID())
	assert.Equal(t, "pi_A", attached.PaymentIntentID())

	_, err = m.AttachSession(ctx, second.ID, "cs_A", "")
	assert.ErrorIs(t, err, data.ErrDuplicateSessionID)
}

func TestMarkPaidSurfacesStoreFailure(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	order, err := m.Create(ctx, []data.Item{item("c1", "10", 1)}, Customer{})
	require.NoError(t, err)

	boom := errors.New("connection reset")
	store.UpdateErr = func(string, data.Status, data.Patch) error { return boom }

	_, _, err = m.MarkPaid(ctx, order.ID, Payment{SessionID: "cs_A"})
	assert.ErrorIs(t, err, boom)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "applied", Applied.String())
	assert.Equal(t, "already-applied", AlreadyApplied.String())
	assert.Equal(t, "rejected", Rejected.String())
}

// racingStore runs race once, after MarkPaid has read the order and just
// before its write reaches the store.
type racingStore struct {
	*datatest.MemStore
	race func()
}

func (r *racingStore) Update(ctx context.Context, id string, status data.Status, patch data.Patch) (*data.Order, error) {
	if race := r.race; race != nil {
		r.race = nil
		race()
	}
	return r.MemStore.Update(ctx, id, status, patch)
}

func newRacingManager(t *testing.T) (*Manager, *racingStore, *bytes.Buffer) {
	t.Helper()
	store := &racingStore{MemStore: datatest.NewMemStore()}
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewManager(store, logger), store, &logs
}

func payIn(store *racingStore, id, sessionID string) func() {
	return func() {
		amount := decimal.NewFromInt(10)
		if _, err := store.MemStore.Update(context.Background(), id, data.StatusPaid, data.Patch{
			StripeSessionID: &sessionID,
			AmountPaid:      &amount,
		}); err != nil {
			panic(err)
		}
	}
}

func TestMarkPaidLosingToDifferentSessionIsRejected(t *testing.T) {
	m, store, logs := newRacingManager(t)
	ctx := context.Background()
	order, err := m.Create(ctx, []data.Item{item("c1", "10", 1)}, Customer{})
	require.NoError(t, err)
	store.race = payIn(store, order.ID, "sess_B")

	got, outcome, err := m.MarkPaid(ctx, order.ID, Payment{SessionID: "sess_A", AmountPaid: decimal.NewFromInt(10), Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, Rejected, outcome)
	assert.Equal(t, "sess_B", got.SessionID())
	assert.Equal(t, 1, store.UpdateCount(order.ID))
	assert.Contains(t, logs.String(), "duplicate payment detected")
	assert.Contains(t, logs.String(), "recorded_session_id=sess_B")
	assert.Contains(t, logs.String(), "incoming_session_id=sess_A")
	assert.NotContains(t, logs.String(), `msg="order paid"`)

	stored, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess_B", stored.SessionID())
	assert.Empty(t, stored.Currency)
}

func TestMarkPaidLosingToSameSessionIsAlreadyApplied(t *testing.T) {
	m, store, logs := newRacingManager(t)
	ctx := context.Background()
	order, err := m.Create(ctx, []data.Item{item("c1", "10", 1)}, Customer{})
	require.NoError(t, err)
	store.race = payIn(store, order.ID, "sess_A")

	_, outcome, err := m.MarkPaid(ctx, order.ID, Payment{SessionID: "sess_A", AmountPaid: decimal.NewFromInt(10), Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, outcome)
	assert.Equal(t, 1, store.UpdateCount(order.ID))
	assert.NotContains(t, logs.String(), "duplicate payment detected")
}

func TestMarkPaidLosingToFailureIsRejected(t *testing.T) {
	m, store, _ := newRacingManager(t)
	ctx := context.Background()
	order, err := m.Create(ctx, []data.Item{item("c1", "10", 1)}, Customer{})
	require.NoError(t, err)
	store.race = func() {
		reason := "card declined"
		if _, err := store.MemStore.Update(ctx, order.ID, data.StatusFailed, data.Patch{ErrorMessage: &reason}); err != nil {
			panic(err)
		}
	}

	got, outcome, err := m.MarkPaid(ctx, order.ID, Payment{SessionID: "sess_A", AmountPaid: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, Rejected, outcome)
	assert.Equal(t, data.StatusFailed, got.Status)
}

func TestMarkPaidWarnsWhenReplacingAttachedSession(t *testing.T) {
	m, _, logs := newTestManager(t)
	ctx := context.Background()
	order, err := m.Create(ctx, []data.Item{item("c1", "10", 1)}, Customer{})
	require.NoError(t, err)
	_, err = m.AttachSession(ctx, order.ID, "cs_A", "")
	require.NoError(t, err)

	got, outcome, err := m.MarkPaid(ctx, order.ID, Payment{SessionID: "cs_B", AmountPaid: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, "cs_B", got.SessionID())
	assert.Contains(t, logs.String(), "replacing attached checkout session")
	assert.Contains(t, logs.String(), "attached_session_id=cs_A")
	assert.Contains(t, logs.String(), "incoming_session_id=cs_B")
}
