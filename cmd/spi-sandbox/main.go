package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"qazna.org/xs2a/internal/app"
	"qazna.org/xs2a/internal/config"
	"qazna.org/xs2a/internal/obs"
	"qazna.org/xs2a/internal/spi/remote"
	"qazna.org/xs2a/internal/spi/sandbox"
)

func main() {
	addr := flag.String("addr", ":9191", "gRPC listen address")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Error("load config", "error", err)
		os.Exit(1)
	}
	obs.SetLogger(obs.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat))
	log := obs.Logger()

	bank := sandbox.New()
	if err := app.SeedSandbox(bank); err != nil {
		log.Error("seed sandbox", "error", err)
		os.Exit(1)
	}

	svc := remote.NewServer()
	remote.Route(svc, remote.KindPayments, bank.Payments())
	remote.Route(svc, remote.KindCancellations, bank.Cancellations())
	remote.Route(svc, remote.KindAIS, bank.Consents())
	remote.Route(svc, remote.KindPIIS, bank.Consents())

	g := grpc.NewServer()
	svc.Register(g)

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Error("listen", "addr", *addr, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info("stopping sandbox bank")
		g.GracefulStop()
	}()

	log.Info("sandbox bank listening", "addr", lis.Addr().String(), "password", app.DemoPassword,
		"psus", []string{app.DemoSingle, app.DemoMulti, app.DemoDecoupled, app.DemoExempt})
	if err := g.Serve(lis); err != nil {
		log.Error("serve", "error", err)
		os.Exit(1)
	}
}
