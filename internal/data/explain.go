package data

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

// QueryCheck is one of the store's lookup queries, run with sample arguments
// so its plan can be inspected.
type QueryCheck struct {
	Name        string
	Description string
	Query       string
	Args        []interface{}
}

// QueryCheckResult captures timing and explain output for a check.
type QueryCheckResult struct {
	Name        string
	Description string
	Duration    time.Duration
	RowCount    int64
	Explain     []string
	Err         error
}

// StoreQueryChecks lists the lookups GormStore issues, parameterised with
// values taken from sample.
func StoreQueryChecks(sample Order, now time.Time) []QueryCheck {
	return []QueryCheck{
		{
			Name:        "by-id",
			Description: "Primary key lookup used by Get and every Update.",
			Query:       "SELECT * FROM orders WHERE id = ? LIMIT 1",
			Args:        []interface{}{sample.ID},
		},
		{
			Name:        "by-session",
			Description: "Webhook fallback when metadata carries no order id; must hit the unique session index.",
			Query:       "SELECT * FROM orders WHERE stripe_session_id = ? LIMIT 1",
			Args:        []interface{}{sample.SessionID()},
		},
		{
			Name:        "by-payment-intent",
			Description: "Payment intent events without metadata.",
			Query:       "SELECT * FROM orders WHERE stripe_payment_intent_id = ? LIMIT 1",
			Args:        []interface{}{sample.PaymentIntentID()},
		},
		{
			Name:        "pending-duplicate",
			Description: "Double-submit guard; should use idx_orders_pending_lookup.",
			Query:       "SELECT * FROM orders WHERE customer_email = ? AND status = ? AND created_at >= ? ORDER BY created_at DESC",
			Args:        []interface{}{sample.CustomerEmail, StatusPending, now.Add(-DuplicateWindow)},
		},
		{
			Name:        "by-email",
			Description: "Customer order history, newest first.",
			Query:       "SELECT * FROM orders WHERE customer_email = ? ORDER BY created_at DESC, id DESC",
			Args:        []interface{}{sample.CustomerEmail},
		},
	}
}

// RunQueryChecks picks the most recent order as a sample and executes every
// store lookup against it, collecting EXPLAIN output.
func RunQueryChecks(ctx context.Context, db *gorm.DB) ([]QueryCheckResult, error) {
	var sample Order
	if err := db.WithContext(ctx).Order("created_at DESC").Take(&sample).Error; err != nil {
		return nil, fmt.Errorf("pick sample order: %w", err)
	}

	checks := StoreQueryChecks(sample, time.Now().UTC())
	results := make([]QueryCheckResult, 0, len(checks))
	for _, qc := range checks {
		res := QueryCheckResult{Name: qc.Name, Description: qc.Description}

		start := time.Now()
		rows, err := db.WithContext(ctx).Raw(qc.Query, qc.Args...).Rows()
		if err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}

		var count int64
		for rows.Next() {
			count++
		}
		err = rows.Err()
		rows.Close()
		res.Duration = time.Since(start)
		if err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}
		res.RowCount = count

		explain, err := explainQuery(ctx, db, qc.Query, qc.Args...)
		if err == nil {
			res.Explain = explain
		} else {
			res.Explain = []string{fmt.Sprintf("failed to collect EXPLAIN: %v", err)}
		}

		results = append(results, res)
	}

	return results, nil
}

func explainQuery(ctx context.Context, db *gorm.DB, query string, args ...interface{}) ([]string, error) {
	lines, err := fetchExplain(ctx, db, "EXPLAIN ANALYZE "+query, args...)
	if err == nil {
		return lines, nil
	}
	return fetchExplain(ctx, db, "EXPLAIN "+query, args...)
}

func fetchExplain(ctx context.Context, db *gorm.DB, sql string, args ...interface{}) ([]string, error) {
	var rows []map[string]interface{}
	if err := db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}

	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lineParts := make([]string, 0, len(row))
		for _, k := range keys {
			lineParts = append(lineParts, fmt.Sprintf("%s=%v", k, row[k]))
		}
		lines = append(lines, strings.Join(lineParts, " "))
	}
	return lines, nil
}
