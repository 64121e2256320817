// Command trailctl is the operator tool: inspect positions and orders,
// cancel stray orders, force bookkeeping closes and manage schema
// migrations without stopping a live bot for read-only work.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"

	"trailbot/config"
	"trailbot/internal/adapters/binanceclient"
	"trailbot/internal/adapters/logger"
	"trailbot/internal/adapters/sqlite"
	"trailbot/internal/domain"
	"trailbot/internal/engine"
	"trailbot/internal/ports"
)

func main() {
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "trailctl",
		Usage: "Operate and inspect the trailing-stop trading bot",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Usage: "Path to the SQLite database",
				Value: envOr("DB_PATH", "./data/trailbot.db"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "positions",
				Usage: "Inspect positions",
				Commands: []*cli.Command{
					{Name: "list", Usage: "List all positions", Action: positionsList},
					{Name: "show", Usage: "Show one position: show <position_id>", Action: positionsShow},
				},
			},
			{
				Name:  "orders",
				Usage: "Inspect orders",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List orders for a position",
						Flags:  []cli.Flag{&cli.StringFlag{Name: "position", Usage: "Position ID", Required: true}},
						Action: ordersList,
					},
				},
			},
			{
				Name:  "trades",
				Usage: "Trade statistics",
				Commands: []*cli.Command{
					{Name: "summary", Usage: "Summarize closed trades", Action: tradesSummary},
				},
			},
			{
				Name:  "cancel",
				Usage: "Cancel an order at the venue and in the database: cancel <order_id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "skip-venue", Usage: "Only mark the order cancelled locally"},
				},
				Action: cancelOrder,
			},
			{
				Name:   "force-exit",
				Usage:  "Bookkeeping close at an operator-supplied price: force-exit <position_id> <price>",
				Action: forceExit,
			},
			{
				Name:  "migrate",
				Usage: "Manage the database schema",
				Commands: []*cli.Command{
					{Name: "up", Usage: "Apply pending migrations", Action: migrateUp},
					{Name: "down", Usage: "Roll back the last migration", Action: migrateDown},
					{Name: "status", Usage: "Show the current schema version", Action: migrateStatus},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// openStore opens the database; NewStore applies pending migrations.
func openStore(cmd *cli.Command) (*sqlite.Store, error) {
	return sqlite.NewStore(sqlite.Config{
		DBPath: cmd.String("db"),
		Logger: logger.NewStdLogger(logger.LevelWarn),
	})
}

// openExchange builds a venue client from the full configuration. Only
// commands that touch the venue need it.
func openExchange() (*binanceclient.Client, *config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	client, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     logger.NewStdLogger(logger.LevelWarn),
		Symbols:    cfg.Symbols(),
	})
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

func positionsList(ctx context.Context, cmd *cli.Command) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := store.ListPositions(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%-38s %-10s %-14s %-12s %-12s %s\n", "ID", "PRODUCT", "STATUS", "ENTRY", "QTY", "STOP")
	for _, id := range ids {
		pos, err := store.LoadPosition(ctx, id)
		if err != nil {
			return err
		}
		stop := "-"
		if pos.StopTrigger != nil {
			stop = pos.StopTrigger.String()
		}
		flag := ""
		if pos.Inconsistent {
			flag = " [QUARANTINED]"
		}
		fmt.Printf("%-38s %-10s %-14s %-12s %-12s %s%s\n",
			pos.ID, pos.ProductID, pos.Status, pos.EntryPrice, pos.QtyFilled, stop, flag)
	}
	return nil
}

func positionsShow(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: positions show <position_id>")
	}
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	pos, err := store.LoadPosition(ctx, id)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("position %s not found", id)
	}
	fmt.Printf("ID:            %s\n", pos.ID)
	fmt.Printf("Product:       %s\n", pos.ProductID)
	fmt.Printf("Status:        %s\n", pos.Status)
	fmt.Printf("Inconsistent:  %v\n", pos.Inconsistent)
	fmt.Printf("Entry price:   %s\n", pos.EntryPrice)
	fmt.Printf("Qty filled:    %s\n", pos.QtyFilled)
	fmt.Printf("Highest price: %s\n", pos.HighestPrice)
	if pos.StopTrigger != nil {
		fmt.Printf("Stop trigger:  %s\n", pos.StopTrigger)
		fmt.Printf("Stop limit:    %s\n", pos.StopLimit)
	}
	if pos.StopOrderID != "" {
		fmt.Printf("Stop order:    %s\n", pos.StopOrderID)
	}
	fmt.Printf("Realized P&L:  %s\n", pos.RealizedPnL)
	fmt.Printf("Created:       %s\n", pos.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:       %s\n", pos.UpdatedAt.Format(time.RFC3339))
	return nil
}

func ordersList(ctx context.Context, cmd *cli.Command) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	orders, err := store.ListOrders(ctx, cmd.String("position"))
	if err != nil {
		return err
	}
	fmt.Printf("%-38s %-12s %-11s %-16s %-12s %-12s %s\n",
		"CLIENT ID", "VENUE ID", "KIND", "STATE", "PRICE", "QTY", "FILLED")
	for _, o := range orders {
		venueID := o.OrderID
		if venueID == "" {
			venueID = "-"
		}
		fmt.Printf("%-38s %-12s %-11s %-16s %-12s %-12s %s\n",
			o.ClientOrderID, venueID, o.Kind, o.State, o.Price, o.Qty, o.FilledQty)
	}
	return nil
}

func tradesSummary(ctx context.Context, cmd *cli.Command) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := store.ListPositions(ctx)
	if err != nil {
		return err
	}
	var closed, wins int
	total := decimal.Zero
	for _, id := range ids {
		pos, err := store.LoadPosition(ctx, id)
		if err != nil {
			return err
		}
		if !pos.Status.IsTerminal() {
			continue
		}
		// Entries that expired or were rejected never traded.
		if pos.EntryPrice.IsZero() && pos.RealizedPnL.IsZero() {
			continue
		}
		closed++
		total = total.Add(pos.RealizedPnL)
		if pos.RealizedPnL.IsPositive() {
			wins++
		}
	}
	fmt.Printf("Closed trades:  %d\n", closed)
	fmt.Printf("Wins:           %d\n", wins)
	fmt.Printf("Losses:         %d\n", closed-wins)
	fmt.Printf("Realized P&L:   %s\n", total)
	if closed > 0 {
		winRate := decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(closed)))
		fmt.Printf("Win rate:       %s\n", winRate.Round(4))
	}
	return nil
}

func cancelOrder(ctx context.Context, cmd *cli.Command) error {
	orderID := cmd.Args().First()
	if orderID == "" {
		return fmt.Errorf("usage: cancel <order_id>")
	}
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	order, err := store.LoadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("order %s not found", orderID)
	}
	if order.State.IsTerminal() {
		return fmt.Errorf("order %s is already %s", orderID, order.State)
	}

	if !cmd.Bool("skip-venue") {
		exchange, _, err := openExchange()
		if err != nil {
			return fmt.Errorf("venue client unavailable (use --skip-venue for a local-only cancel): %w", err)
		}
		if err := exchange.CancelOrder(ctx, order.ProductID, order.OrderID); err != nil {
			if !isOrderGone(err) {
				return fmt.Errorf("venue cancel failed: %w", err)
			}
			fmt.Printf("Venue no longer knows order %s, cancelling locally\n", orderID)
		}
	}

	if err := order.Transition(domain.OrderCancelled, time.Now().UTC()); err != nil {
		return err
	}
	if err := store.SaveOrder(ctx, order); err != nil {
		return err
	}
	fmt.Printf("Order %s cancelled\n", orderID)
	return nil
}

func isOrderGone(err error) bool {
	return errors.Is(err, ports.ErrOrderNotFound)
}

func forceExit(ctx context.Context, cmd *cli.Command) error {
	positionID := cmd.Args().First()
	priceStr := cmd.Args().Get(1)
	if positionID == "" || priceStr == "" {
		return fmt.Errorf("usage: force-exit <position_id> <price>")
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", priceStr, err)
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	pos, err := store.LoadPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("position %s not found", positionID)
	}

	exchange, cfg, err := openExchange()
	if err != nil {
		return err
	}
	pair, ok := cfg.Pair(pos.ProductID)
	if !ok {
		return fmt.Errorf("no pair configuration for %s", pos.ProductID)
	}

	eng, err := engine.New(engine.Config{
		Pair: engine.PairConfig{
			ProductID:             pair.ProductID,
			TrailPct:              pair.TrailPct,
			StopLimitBufferPct:    pair.StopLimitBufferPct,
			MinRatchet:            pair.MinRatchet,
			StopEscalationStepPct: pair.StopEscalationStepPct,
			MaxEntryWaitCandles:   pair.MaxEntryWaitCandles,
			StopTimeout:           pair.StopTimeout,
		},
		Logger:   logger.NewStdLogger(logger.LevelWarn),
		Exchange: exchange,
		Store:    store,
	})
	if err != nil {
		return err
	}
	if err := eng.ForceExit(ctx, positionID, price); err != nil {
		return err
	}
	pos, err = store.LoadPosition(ctx, positionID)
	if err != nil {
		return err
	}
	fmt.Printf("Position %s force-exited at %s, realized P&L %s\n", positionID, price, pos.RealizedPnL)
	return nil
}

func migrateUp(ctx context.Context, cmd *cli.Command) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Schema is at version %d\n", version)
	return nil
}

func migrateDown(ctx context.Context, cmd *cli.Command) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	version, err := store.RollbackLast(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Rolled back to version %d\n", version)
	return nil
}

func migrateStatus(ctx context.Context, cmd *cli.Command) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Schema version: %d\n", version)
	return nil
}
