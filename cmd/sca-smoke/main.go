package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"qazna.org/xs2a/internal/app"
	"qazna.org/xs2a/internal/config"
	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/obs"
	"qazna.org/xs2a/internal/store"
)

func main() {
	amount := flag.Int64("amount", 12500, "payment amount in minor units")
	currency := flag.String("currency", "EUR", "payment currency")
	usePg := flag.Bool("pg", false, "use XS2A_PG_DSN instead of an in-memory store")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fail(err)
	}
	obs.SetLogger(obs.NewLogger(os.Stderr, cfg.LogLevel, "text"))
	// The flow reads TANs from the in-process bank.
	cfg.SpiGRPCAddr = ""

	var opts []app.Option
	if !*usePg {
		opts = append(opts, app.WithStore(store.NewMemory()))
	}
	core, err := app.New(cfg, opts...)
	if err != nil {
		fail(err)
	}
	defer core.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rep, err := core.SmokeEmbeddedPayment(ctx, domain.Money{Currency: *currency, Amount: *amount})
	for _, evt := range rep.Events {
		fmt.Printf("  %-13s %-4s %s: %s -> %s\n", evt.Kind, evt.ObjectType, evt.ID, evt.From, evt.To)
	}
	if err != nil {
		fail(err)
	}
	fmt.Printf("sca smoke test passed: payment=%s authorisation=%s status=%s\n",
		rep.PaymentID, rep.AuthorisationID, rep.TransactionStatus)
}

func fail(err error) {
	obs.Logger().Error("sca smoke test failed", "error", err)
	os.Exit(1)
}
