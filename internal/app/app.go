// Package app assembles the authorisation core from configuration: store,
// banking backend, lifecycle managers and one orchestrator per object type.
package app

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"qazna.org/xs2a/internal/ais"
	"qazna.org/xs2a/internal/authorisation"
	"qazna.org/xs2a/internal/config"
	"qazna.org/xs2a/internal/confirm"
	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/events"
	"qazna.org/xs2a/internal/httpapi"
	"qazna.org/xs2a/internal/lifecycle"
	"qazna.org/xs2a/internal/obs"
	"qazna.org/xs2a/internal/piis"
	"qazna.org/xs2a/internal/pis"
	"qazna.org/xs2a/internal/redirect"
	"qazna.org/xs2a/internal/spi"
	"qazna.org/xs2a/internal/spi/remote"
	"qazna.org/xs2a/internal/spi/sandbox"
	"qazna.org/xs2a/internal/stage"
	"qazna.org/xs2a/internal/store"
	"qazna.org/xs2a/internal/store/pg"
)

// Sandbox PSUs registered when no remote bank is configured.
const (
	DemoPassword  = "12345"
	DemoSingle    = "psu-single"
	DemoMulti     = "psu-multi"
	DemoDecoupled = "psu-decoupled"
	DemoExempt    = "psu-exempt"
)

// App is a fully wired core.
type App struct {
	Config   config.Config
	Store    store.Store
	Bus      *events.Bus
	Bank     *sandbox.Bank
	Payments *lifecycle.Payments
	Consents *lifecycle.Consents
	PIS      *authorisation.Orchestrator[domain.Payment]
	AIS      *authorisation.Orchestrator[domain.Consent]
	PIIS     *authorisation.Orchestrator[domain.Consent]
	Signer   *redirect.Signer

	closers []func() error
}

type buildOptions struct {
	store store.Store
	bank  *sandbox.Bank
	now   func() time.Time
}

// Option overrides part of the assembly.
type Option func(*buildOptions)

// WithStore uses st instead of opening one from configuration.
func WithStore(st store.Store) Option {
	return func(o *buildOptions) { o.store = st }
}

// WithBank uses b as the in-process bank. Ignored when a remote bank is set.
func WithBank(b *sandbox.Bank) Option {
	return func(o *buildOptions) { o.bank = b }
}

// WithClock replaces time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(o *buildOptions) { o.now = now }
}

type backends struct {
	payments      spi.Backend[domain.Payment]
	cancellations spi.Backend[domain.Payment]
	ais           spi.Backend[domain.Consent]
	piis          spi.Backend[domain.Consent]
}

// New builds the core described by cfg.
func New(cfg config.Config, opts ...Option) (*App, error) {
	o := buildOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	now := o.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	a := &App{Config: cfg, Bus: events.New()}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	if err := a.openStore(o.store); err != nil {
		return nil, err
	}
	be, err := a.openBackends(o.bank, now)
	if err != nil {
		return nil, err
	}

	var links stage.LinkIssuer
	var verifierOpts []authorisation.Option
	if cfg.RedirectBaseURL != "" {
		a.Signer, err = redirect.NewSigner([]byte(cfg.RedirectSecret), cfg.RedirectBaseURL, cfg.RedirectTTL, redirect.WithClock(now))
		if err != nil {
			return nil, fmt.Errorf("redirect signer: %w", err)
		}
		links = a.Signer
		verifierOpts = append(verifierOpts, authorisation.WithRedirectVerifier(a.Signer))
	}

	lcOpts := []lifecycle.Option{lifecycle.WithBus(a.Bus), lifecycle.WithClock(now)}
	a.Payments = lifecycle.NewPayments(a.Store, lcOpts...)
	a.Consents = lifecycle.NewConsents(a.Store, lcOpts...)

	options := stage.Options{
		ConfirmationMandated: cfg.ConfirmationMandated,
		CodeTTL:              cfg.CodeTTL,
		AllowDecoupled:       true,
	}
	policy := confirm.Policy(cfg.ConfirmationCheck)

	pisCap, err := pis.New(pis.Deps{
		Payments:     a.Payments,
		Initiation:   be.payments,
		Cancellation: be.cancellations,
		Policy:       policy,
		Options:      options,
		Links:        links,
		Now:          now,
	})
	if err != nil {
		return nil, err
	}
	aisCap, err := ais.New(ais.Deps{
		Consents: a.Consents,
		Backend:  be.ais,
		Policy:   policy,
		Options:  options,
		Links:    links,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	piisCap, err := piis.New(ais.Deps{
		Consents: a.Consents,
		Backend:  be.piis,
		Policy:   policy,
		Options:  options,
		Links:    links,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}

	orchOpts := append([]authorisation.Option{
		authorisation.WithTTL(cfg.AuthorisationTTL),
		authorisation.WithBus(a.Bus),
		authorisation.WithClock(now),
	}, verifierOpts...)
	a.PIS = authorisation.New[domain.Payment](a.Store, pisCap, orchOpts...)
	a.AIS = authorisation.New[domain.Consent](a.Store, aisCap, orchOpts...)
	a.PIIS = authorisation.New[domain.Consent](a.Store, piisCap, orchOpts...)

	obs.Logger().Info("authorisation core assembled",
		"pis_stages", len(pisCap.Keys()),
		"ais_stages", len(aisCap.Keys()),
		"piis_stages", len(piisCap.Keys()),
		"redirect", a.Signer != nil,
		"remote_bank", cfg.SpiGRPCAddr != "",
	)
	ok = true
	return a, nil
}

func (a *App) openStore(st store.Store) error {
	switch {
	case st != nil:
		a.Store = st
	case a.Config.PgDSN != "":
		pgs, err := pg.Open(a.Config.PgDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.Store = pgs
		a.closers = append(a.closers, pgs.Close)
	default:
		obs.Logger().Warn("XS2A_PG_DSN not set, using in-memory store")
		a.Store = store.NewMemory()
	}
	return nil
}

func (a *App) openBackends(bank *sandbox.Bank, now func() time.Time) (backends, error) {
	cfg := a.Config
	var be backends
	if cfg.SpiGRPCAddr != "" {
		client, err := remote.Dial(cfg.SpiGRPCAddr, rate.NewLimiter(rate.Limit(cfg.SpiRate), cfg.SpiBurst))
		if err != nil {
			return be, fmt.Errorf("dial bank at %s: %w", cfg.SpiGRPCAddr, err)
		}
		a.closers = append(a.closers, client.Close)
		be = backends{
			payments:      remote.NewBackend[domain.Payment](client, remote.KindPayments),
			cancellations: remote.NewBackend[domain.Payment](client, remote.KindCancellations),
			ais:           remote.NewBackend[domain.Consent](client, remote.KindAIS),
			piis:          remote.NewBackend[domain.Consent](client, remote.KindPIIS),
		}
	} else {
		if bank == nil {
			bank = sandbox.New(sandbox.WithClock(now))
			if err := SeedSandbox(bank); err != nil {
				return be, err
			}
		}
		a.Bank = bank
		be = backends{
			payments:      bank.Payments(),
			cancellations: bank.Cancellations(),
			ais:           bank.Consents(),
			piis:          bank.Consents(),
		}
	}
	label := "sandbox"
	if cfg.SpiGRPCAddr != "" {
		label = "remote"
	}
	timeout := cfg.SpiTimeout
	return backends{
		payments:      spi.Instrument(label+"_payments", be.payments, timeout),
		cancellations: spi.Instrument(label+"_cancellations", be.cancellations, timeout),
		ais:           spi.Instrument(label+"_ais", be.ais, timeout),
		piis:          spi.Instrument(label+"_piis", be.piis, timeout),
	}, nil
}

// SeedSandbox registers the demo PSUs.
func SeedSandbox(b *sandbox.Bank) error {
	return errors.Join(
		b.RegisterPsu(DemoSingle, DemoPassword, false, sandbox.MethodSMS),
		b.RegisterPsu(DemoMulti, DemoPassword, false, sandbox.MethodSMS, sandbox.MethodChipTAN, sandbox.MethodApp),
		b.RegisterPsu(DemoDecoupled, DemoPassword, false, sandbox.MethodApp),
		b.RegisterPsu(DemoExempt, DemoPassword, true),
	)
}

// ReadyProbe checks the store when it can be pinged.
func (a *App) ReadyProbe() httpapi.ReadyProbe {
	if p, ok := a.Store.(httpapi.Pinger); ok {
		return httpapi.ReadyProbe{Store: p}
	}
	return httpapi.ReadyProbe{}
}

// Close releases the store and the bank connection.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
