package checkout

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-orders/internal/data"
	"storefront-orders/internal/data/datatest"
	"storefront-orders/internal/lifecycle"
	"storefront-orders/internal/payment"
	"storefront-orders/internal/payment/paymenttest"
)

type fixture struct {
	orch     *Orchestrator
	store    *datatest.MemStore
	provider *paymenttest.Provider
	logs     *syncBuffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	store := datatest.NewMemStore()
	provider := paymenttest.NewProvider()
	if opts.SiteURL == "" {
		opts.SiteURL = "https://school.example"
		opts.SuccessPath = "/{locale}/checkout/success?session_id={CHECKOUT_SESSION_ID}"
		opts.CancelPath = "/{locale}/checkout/cancel"
	}
	orch := New(lifecycle.NewManager(store, logger), store, provider, opts, logger)
	return &fixture{orch: orch, store: store, provider: provider, logs: logs}
}

func course(qty int) data.Item {
	return data.Item{ID: "c1", Name: "Beginner course", Price: decimal.RequireFromString("49.99"), Quantity: qty}
}

func TestCreateCheckoutAnonymousCart(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	res, err := f.orch.CreateCheckout(ctx, Request{Items: []data.Item{course(2)}, Locale: "fr"})
	require.NoError(t, err)
	f.orch.Wait()

	assert.NotEmpty(t, res.SessionID)
	assert.NotEmpty(t, res.RedirectURL)
	assert.False(t, res.Reused)

	order, err := f.store.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, data.StatusPending, order.Status)
	assert.Equal(t, "99.98", order.TotalAmount.StringFixed(2))
	assert.Equal(t, res.SessionID, order.SessionID())

	require.Len(t, f.provider.Created, 1)
	params := f.provider.Created[0]
	assert.Equal(t, res.OrderID, params.Metadata[payment.MetadataOrderID])
	assert.Equal(t, res.OrderID, params.ClientReference)
	assert.Equal(t, IdempotencyKey(order), params.IdempotencyKey)
	assert.Equal(t, "usd", params.Currency)
	assert.Empty(t, params.CustomerEmail)
	require.Len(t, params.LineItems, 1)
	assert.EqualValues(t, 4999, params.LineItems[0].UnitAmount)
	assert.EqualValues(t, 2, params.LineItems[0].Quantity)
	assert.Equal(t, "https://school.example/fr/checkout/success?session_id={CHECKOUT_SESSION_ID}", params.SuccessURL)
	assert.Equal(t, "https://school.example/fr/checkout/cancel", params.CancelURL)
}

func TestCreateCheckoutFallsBackToDefaultLocale(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.orch.CreateCheckout(context.Background(), Request{Items: []data.Item{course(1)}, Locale: "../../evil"})
	require.NoError(t, err)
	f.orch.Wait()

	require.Len(t, f.provider.Created, 1)
	assert.Equal(t, "https://school.example/en/checkout/cancel", f.provider.Created[0].CancelURL)
}

func TestCreateCheckoutReusesOpenSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	req := Request{
		Items:    []data.Item{course(2)},
		Customer: lifecycle.Customer{Email: "ada@example.com"},
	}

	first, err := f.orch.CreateCheckout(ctx, req)
	require.NoError(t, err)
	f.orch.Wait()

	second, err := f.orch.CreateCheckout(ctx, req)
	require.NoError(t, err)
	f.orch.Wait()

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.RedirectURL, second.RedirectURL)
	assert.True(t, second.Reused)
	assert.Equal(t, 1, f.provider.CreateCalls())
	assert.Equal(t, 1, f.store.Len())
}

func TestCreateCheckoutSkipsExpiredSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	req := Request{
		Items:    []data.Item{course(1)},
		Customer: lifecycle.Customer{Email: "ada@example.com"},
	}

	first, err := f.orch.CreateCheckout(ctx, req)
	require.NoError(t, err)
	f.orch.Wait()
	f.provider.SetStatus(first.SessionID, payment.SessionExpired)

	second, err := f.orch.CreateCheckout(ctx, req)
	require.NoError(t, err)
	f.orch.Wait()

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.OrderID, second.OrderID)
	assert.Equal(t, 2, f.provider.CreateCalls())
}

func TestCreateCheckoutDifferentCartIsNotReused(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	customer := lifecycle.Customer{Email: "ada@example.com"}

	first, err := f.orch.CreateCheckout(ctx, Request{Items: []data.Item{course(1)}, Customer: customer})
	require.NoError(t, err)
	f.orch.Wait()
	second, err := f.orch.CreateCheckout(ctx, Request{Items: []data.Item{course(2)}, Customer: customer})
	require.NoError(t, err)
	f.orch.Wait()

	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestCreateCheckoutProviderTimeoutFailsOrder(t *testing.T) {
	f := newFixture(t, Options{ProviderTimeout: 20 * time.Millisecond})
	f.provider.CreateFunc = func(ctx context.Context, _ payment.SessionParams) (*payment.Session, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ctx := context.Background()

	_, err := f.orch.CreateCheckout(ctx, Request{Items: []data.Item{course(1)}})
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrProvider)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Equal(t, 1, f.store.Len())
	orders, err := f.store.ListByEmail(ctx, "")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, data.StatusFailed, orders[0].Status)
	assert.Contains(t, orders[0].ErrorMessage, "deadline exceeded")
	assert.Nil(t, orders[0].StripeSessionID)
}

func TestCreateCheckoutInvalidCart(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.orch.CreateCheckout(context.Background(), Request{Items: []data.Item{{ID: "c1", Name: "x", Price: decimal.Zero, Quantity: 1}}})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidCart)
	assert.Zero(t, f.store.Len())
	assert.Zero(t, f.provider.CreateCalls())
}

func TestCreateCheckoutAttachFailureIsLogged(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.UpdateErr = func(string, data.Status, data.Patch) error {
		return errors.New("database is gone")
	}

	res, err := f.orch.CreateCheckout(context.Background(), Request{Items: []data.Item{course(1)}})
	require.NoError(t, err)
	f.orch.Wait()

	assert.NotEmpty(t, res.SessionID)
	assert.Contains(t, f.logs.String(), "could not attach session to order")
}

func TestIdempotencyKeyIsStablePerOrder(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	a := &data.Order{ID: "o-1", CreatedAt: created}
	b := &data.Order{ID: "o-2", CreatedAt: created}

	assert.Equal(t, IdempotencyKey(a), IdempotencyKey(&data.Order{ID: "o-1", CreatedAt: created}))
	assert.NotEqual(t, IdempotencyKey(a), IdempotencyKey(b))
}
