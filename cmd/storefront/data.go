package main

import (
	"context"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"storefront-orders/internal/data"
	"storefront-orders/internal/db"
)

var (
	seedOrders   int
	seedBatch    int
	ordersEmail  string
	explainPlans bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the orders table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, logger, gdb, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close(gdb)

		if err := data.EnsureSchema(gdb); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
		logger.Info("schema up to date")
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert deterministic demo orders",
	Long: `Insert demo orders across all statuses for local development.

Seeding is additive up to --orders; re-running with the same value is a no-op.

Examples:
  storefront seed
  storefront seed --orders 5000 --batch 500`,
	RunE: runSeed,
}

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "List a customer's orders, newest first",
	RunE:  runOrders,
}

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Time and EXPLAIN every order store lookup",
	RunE:  runExplain,
}

func init() {
	seedCmd.Flags().IntVar(&seedOrders, "orders", 200, "target number of orders to store")
	seedCmd.Flags().IntVar(&seedBatch, "batch", 100, "batch size for bulk inserts")

	ordersCmd.Flags().StringVar(&ordersEmail, "email", "", "customer email (required)")
	_ = ordersCmd.MarkFlagRequired("email")

	explainCmd.Flags().BoolVar(&explainPlans, "plan", true, "print EXPLAIN output for each query")
}

func runSeed(cmd *cobra.Command, _ []string) error {
	_, logger, gdb, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	if err := data.EnsureSchema(gdb); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	start := time.Now()
	inserted, err := data.SeedDemoOrders(cmd.Context(), gdb, data.SeedConfig{
		Orders:    seedOrders,
		BatchSize: seedBatch,
	})
	if err != nil {
		return fmt.Errorf("failed to seed orders: %w", err)
	}
	logger.Info("demo orders ready",
		"inserted", inserted,
		"target", seedOrders,
		"took", time.Since(start))
	return nil
}

func runOrders(cmd *cobra.Command, _ []string) error {
	_, _, gdb, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	orders, err := data.NewGormStore(gdb).ListByEmail(ctx, ordersEmail)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Printf("no orders for %s\n", ordersEmail)
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Order", "Status", "Total", "Paid", "Currency", "Session", "Created")
	for _, o := range orders {
		if err := table.Append(
			o.ID,
			string(o.Status),
			o.TotalAmount.StringFixed(2),
			o.AmountPaid.StringFixed(2),
			o.Currency,
			o.SessionID(),
			o.CreatedAt.Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func runExplain(cmd *cobra.Command, _ []string) error {
	_, logger, gdb, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	results, err := data.RunQueryChecks(cmd.Context(), gdb)
	if err != nil {
		return err
	}

	if explainPlans {
		for _, res := range results {
			if res.Err != nil {
				logger.Warn("skipped explain", "query", res.Name, "error", res.Err)
				continue
			}
			fmt.Printf("[%s] %s\n", res.Name, res.Description)
			for _, line := range res.Explain {
				fmt.Printf("  %s\n", line)
			}
		}
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Query", "Description", "Duration", "Rows", "Status")
	for _, res := range results {
		status := "OK"
		if res.Err != nil {
			status = "ERR: " + res.Err.Error()
		}
		if err := table.Append(
			res.Name,
			truncateText(res.Description, 48),
			res.Duration.String(),
			fmt.Sprint(res.RowCount),
			status,
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func truncateText(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
