// Package pis adapts payment initiation to the authorisation orchestrator.
// Payments carry two independent flows, initiation and cancellation, each
// talking to its own backend.
package pis

import (
	"context"
	"fmt"
	"time"

	"qazna.org/xs2a/internal/authorisation"
	"qazna.org/xs2a/internal/confirm"
	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/lifecycle"
	"qazna.org/xs2a/internal/spi"
	"qazna.org/xs2a/internal/stage"
	"qazna.org/xs2a/internal/store"
)

// Deps wires a Capability.
type Deps struct {
	Payments     *lifecycle.Payments
	Initiation   spi.Backend[domain.Payment]
	Cancellation spi.Backend[domain.Payment]
	Policy       confirm.Policy
	Options      stage.Options
	// Links enables the redirect approach when set.
	Links stage.LinkIssuer
	Now   func() time.Time
}

// Capability implements authorisation.Capability for payments.
type Capability struct {
	payments *lifecycle.Payments
	registry *stage.Registry[domain.Payment]
}

var _ authorisation.Capability[domain.Payment] = (*Capability)(nil)

// New builds the payment registry for both directions.
func New(d Deps) (*Capability, error) {
	if d.Payments == nil || d.Initiation == nil || d.Cancellation == nil {
		return nil, fmt.Errorf("pis: payments and both backends are required")
	}
	b := stage.NewBuilder[domain.Payment](domain.ObjectPIS)
	for _, flow := range []struct {
		dir     stage.Direction
		backend spi.Backend[domain.Payment]
	}{
		{stage.Initiation, d.Initiation},
		{stage.Cancellation, d.Cancellation},
	} {
		v, err := confirm.New(d.Policy, flow.backend)
		if err != nil {
			return nil, fmt.Errorf("pis: %w", err)
		}
		h := &stage.Handlers[domain.Payment]{
			Backend:   flow.backend,
			Validator: v,
			Links:     d.Links,
			Options:   d.Options,
			Now:       d.Now,
		}
		h.RegisterAll(b, flow.dir)
	}
	reg, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("pis: %w", err)
	}
	return &Capability{payments: d.Payments, registry: reg}, nil
}

func (c *Capability) ObjectType() domain.ObjectType { return domain.ObjectPIS }

func (c *Capability) Supports(t domain.AuthorisationType) bool {
	return t == domain.AuthorisationPisCreation || t == domain.AuthorisationPisCancellation
}

func (c *Capability) ResolveStage(t domain.AuthorisationType, approach domain.ScaApproach, status domain.ScaStatus) (stage.Handler[domain.Payment], error) {
	return c.registry.Resolve(t, approach, status)
}

// Keys lists the registered handler keys.
func (c *Capability) Keys() []stage.Key { return c.registry.Keys() }

func (c *Capability) LoadParent(ctx context.Context, id string) (authorisation.Parent[domain.Payment], error) {
	p, err := c.payments.Get(ctx, id)
	if err != nil {
		return authorisation.Parent[domain.Payment]{}, err
	}
	return authorisation.Parent[domain.Payment]{
		Object:    p,
		TppID:     p.TppID,
		Psus:      p.Psus,
		Finalised: p.TransactionStatus.IsFinalised(),
	}, nil
}

func (c *Capability) SaveParent(ctx context.Context, tx store.Tx, a domain.Authorisation, out stage.Outcome) (func(context.Context), error) {
	changes, err := c.payments.ApplyAuthorisation(ctx, tx, a, out.TransactionStatus)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) { c.payments.Publish(ctx, changes) }, nil
}
