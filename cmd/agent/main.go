// The agent runs the price engine as its own process against the shared
// PostgreSQL store. With -manual it becomes an operator console instead:
// list shares and override prices by hand.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sharespace/exchange-engine/internal/config"
	"github.com/sharespace/exchange-engine/internal/engine"
	"github.com/sharespace/exchange-engine/internal/store"
)

func main() {
	manual := flag.Bool("manual", false, "run the operator console instead of the price engine")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required: the agent prices a shared market, not a private one")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("unable to reach store", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	st := store.NewPostgresStore(ctx, pool)

	if *manual {
		runConsole(ctx, st)
		return
	}

	eng := engine.New(st, engine.Options{
		Interval:   cfg.TickInterval,
		NoiseEvery: cfg.NoiseEvery,
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	eng.Run(ctx)
}

// runConsole reads operator commands from stdin: "list" prints every
// share with its price, "<share> <price>" overrides a price.
func runConsole(ctx context.Context, st store.Store) {
	fmt.Println(`Type "list" to list all shares, or "<share> <price>" to set a price.`)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "list":
			shares, err := st.ListShares(ctx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, s := range shares {
				fmt.Printf("%s\t%s\n", s.Name, s.Price.String())
			}
		default:
			if err := setPrice(ctx, st, line); err != nil {
				fmt.Println("error:", err)
			}
		}
	}
}

// setPrice parses "<share> <price>" and writes the override in one
// transaction.
func setPrice(ctx context.Context, st store.Store, line string) error {
	parts := strings.Fields(line)
	if len(parts) != 2 {
		return fmt.Errorf("want \"<share> <price>\", got %q", line)
	}
	price, err := decimal.NewFromString(parts[1])
	if err != nil || !price.IsPositive() {
		return fmt.Errorf("bad price %q", parts[1])
	}

	tx, err := st.Begin(ctx)
	if err != nil {
		return err
	}
	share, err := tx.GetShare(ctx, parts[0])
	if err != nil {
		tx.Rollback(ctx)
		return err
	}
	share.Price = price
	if err := tx.PutShare(ctx, share); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
