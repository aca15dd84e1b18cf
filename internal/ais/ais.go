// Package ais adapts consents to the authorisation orchestrator. The same
// capability serves account-information and funds-confirmation consents;
// each instance is bound to one consent type.
package ais

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
	Consents *lifecycle.Consents
	Backend  spi.Backend[domain.Consent]
	Policy   confirm.Policy
	Options  stage.Options
	Links    stage.LinkIssuer
	Now      func() time.Time
}

// Capability implements authorisation.Capability for one consent type.
type Capability struct {
	consentType domain.ConsentType
	consents    *lifecycle.Consents
	registry    *stage.Registry[domain.Consent]
}

var _ authorisation.Capability[domain.Consent] = (*Capability)(nil)

// New serves AIS consents.
func New(d Deps) (*Capability, error) {
	return NewFor(domain.ConsentAIS, d)
}

// NewFor serves consents of type t.
func NewFor(t domain.ConsentType, d Deps) (*Capability, error) {
	if d.Consents == nil || d.Backend == nil {
		return nil, fmt.Errorf("%s: consents and backend are required", t)
	}
	v, err := confirm.New(d.Policy, d.Backend)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t, err)
	}
	h := &stage.Handlers[domain.Consent]{
		Backend:   d.Backend,
		Validator: v,
		Links:     d.Links,
		Options:   d.Options,
		Now:       d.Now,
	}
	reg, err := h.RegisterAll(stage.NewBuilder[domain.Consent](t.ObjectType()), stage.Initiation).Build()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t, err)
	}
	return &Capability{consentType: t, consents: d.Consents, registry: reg}, nil
}

func (c *Capability) ObjectType() domain.ObjectType { return c.consentType.ObjectType() }

func (c *Capability) Supports(t domain.AuthorisationType) bool {
	return t == domain.AuthorisationConsent
}

func (c *Capability) ResolveStage(t domain.AuthorisationType, approach domain.ScaApproach, status domain.ScaStatus) (stage.Handler[domain.Consent], error) {
	return c.registry.Resolve(t, approach, status)
}

// Keys lists the registered handler keys.
func (c *Capability) Keys() []stage.Key { return c.registry.Keys() }

// LoadParent reads the consent through the lifecycle manager so that an
// outdated consent is expired before anyone acts on it.
func (c *Capability) LoadParent(ctx context.Context, id string) (authorisation.Parent[domain.Consent], error) {
	cons, err := c.consents.Get(ctx, id)
	if err != nil {
		return authorisation.Parent[domain.Consent]{}, err
	}
	if cons.Type != c.consentType {
		return authorisation.Parent[domain.Consent]{}, store.ErrNotFound
	}
	parent := authorisation.Parent[domain.Consent]{
		Object:    cons,
		TppID:     cons.TppID,
		Psus:      cons.Psus,
		Finalised: cons.Status.IsFinalised(),
	}
	if cons.Status == domain.ConsentExpired {
		parent.FinalisedCode = domain.CodeConsentExpired
	}
	return parent, nil
}

func (c *Capability) SaveParent(ctx context.Context, tx store.Tx, a domain.Authorisation, out stage.Outcome) (func(context.Context), error) {
	changes, err := c.consents.ApplyAuthorisation(ctx, tx, a)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) { c.consents.Publish(ctx, changes) }, nil
}
