package data

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// seedNamespace keeps demo order ids stable across runs.
var seedNamespace = uuid.MustParse("5b0c1f52-2f7e-4b8e-9c53-6a3f0d1d7e11")

// SeedConfig controls how many demo orders are inserted for local development.
type SeedConfig struct {
	Orders    int
	BatchSize int
}

// EnsureSchema applies the required database schema.
func EnsureSchema(db *gorm.DB) error {
	return db.AutoMigrate(&Order{})
}

// SeedDemoOrders populates the database with deterministic demo orders. Runs
// are additive up to cfg.Orders.
func SeedDemoOrders(ctx context.Context, db *gorm.DB, cfg SeedConfig) (int, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	var existing int64
	if err := db.WithContext(ctx).Model(&Order{}).Count(&existing).Error; err != nil {
		return 0, err
	}
	if int(existing) >= cfg.Orders {
		return 0, nil
	}

	toCreate := cfg.Orders - int(existing)
	batch := make([]Order, 0, cfg.BatchSize)
	now := time.Now().UTC().Truncate(time.Millisecond)
	rnd := rand.New(rand.NewSource(42))
	start := int(existing)

	for i := 0; i < toCreate; i++ {
		batch = append(batch, buildDemoOrder(start+i, rnd, now))

		if len(batch) == cfg.BatchSize || i == toCreate-1 {
			if err := db.WithContext(ctx).Create(&batch).Error; err != nil {
				return 0, err
			}
			batch = batch[:0]
		}
	}
	return toCreate, nil
}

func buildDemoOrder(globalIdx int, rnd *rand.Rand, now time.Time) Order {
	created := now.Add(-time.Duration(rnd.Intn(90*24)+1) * time.Hour)
	items := randomItems(rnd)
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}

	order := Order{
		ID:            uuid.NewSHA1(seedNamespace, []byte(fmt.Sprintf("demo-%d", globalIdx))).String(),
		Status:        randomStatus(rnd),
		Items:         items,
		CustomerEmail: fmt.Sprintf("customer%03d@example.com", rnd.Intn(200)),
		CustomerName:  fmt.Sprintf("Customer %06d", globalIdx),
		TotalAmount:   total.Round(2),
		CreatedAt:     created,
		UpdatedAt:     created,
	}

	session := fmt.Sprintf("cs_test_demo_%06d", globalIdx)
	order.StripeSessionID = &session

	switch order.Status {
	case StatusPaid:
		paid := created.Add(time.Duration(rnd.Intn(30)+1) * time.Minute)
		intent := fmt.Sprintf("pi_test_demo_%06d", globalIdx)
		order.StripePaymentIntentID = &intent
		order.AmountPaid = order.TotalAmount
		order.Currency = "usd"
		order.PaidAt = &paid
		order.UpdatedAt = paid
		order.Shipping = ShippingAddress{
			Name:       order.CustomerName,
			Line1:      fmt.Sprintf("%d Market Street", rnd.Intn(900)+100),
			City:       randomChoice(cities, rnd),
			PostalCode: fmt.Sprintf("%05d", rnd.Intn(99999)),
			Country:    "US",
		}
	case StatusFailed:
		order.ErrorMessage = randomChoice(failureMessages, rnd)
	}
	return order
}

var (
	cities          = []string{"Portland", "Austin", "Denver", "Raleigh"}
	failureMessages = []string{
		"Your card was declined.",
		"Your card has insufficient funds.",
		"The payment provider did not respond in time.",
	}
	catalog = []Item{
		{ID: "c1", Name: "Beginner course", Price: decimal.RequireFromString("49.99")},
		{ID: "c2", Name: "Advanced course", Price: decimal.RequireFromString("129.00")},
		{ID: "w1", Name: "Weekend workshop", Price: decimal.RequireFromString("249.50")},
		{ID: "b1", Name: "Workbook", Price: decimal.RequireFromString("19.95")},
	}
)

func randomItems(rnd *rand.Rand) []Item {
	n := rnd.Intn(2) + 1
	picked := rnd.Perm(len(catalog))[:n]
	items := make([]Item, 0, n)
	for _, idx := range picked {
		it := catalog[idx]
		it.Quantity = rnd.Intn(3) + 1
		items = append(items, it)
	}
	return items
}

func randomChoice(items []string, rnd *rand.Rand) string {
	return items[rnd.Intn(len(items))]
}

func randomStatus(rnd *rand.Rand) Status {
	weights := []struct {
		status Status
		weight int
	}{
		{StatusPending, 15},
		{StatusPaid, 70},
		{StatusFailed, 15},
	}
	total := 0
	for _, w := range weights {
		total += w.weight
	}
	n := rnd.Intn(total)
	for _, w := range weights {
		n -= w.weight
		if n < 0 {
			return w.status
		}
	}
	return StatusPending
}
