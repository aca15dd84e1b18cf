// Package lifecycle owns the business status of consents and payments. It is
// a separate, simpler state machine than the SCA one: an object moves from
// RECEIVED to a final status and never leaves it.
//
// Mutations made inside a caller's transaction are collected in a Changes
// value and published once the transaction committed.
package lifecycle

import (
	"context"
	"time"

	"qazna.org/xs2a/internal/audit"
	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/events"
	"qazna.org/xs2a/internal/obs"
	"qazna.org/xs2a/internal/store"
)

// Option configures a manager.
type Option func(*base)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		if now != nil {
			b.now = now
		}
	}
}

// WithBus publishes every committed status change on bus.
func WithBus(bus *events.Bus) Option {
	return func(b *base) { b.bus = bus }
}

type base struct {
	store store.Store
	now   func() time.Time
	bus   *events.Bus
}

func newBase(st store.Store, opts []Option) base {
	b := base{store: st, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

type change struct {
	evt    events.StatusChanged
	reason string
}

// Changes holds status changes made inside a transaction that is not yet
// committed. The zero value is ready to use.
type Changes struct {
	items []change
}

func (c *Changes) add(kind events.Kind, objectType domain.ObjectType, id, from, to, reason string, at time.Time) {
	c.items = append(c.items, change{
		evt: events.StatusChanged{
			Kind:       kind,
			ObjectType: objectType,
			ID:         id,
			From:       from,
			To:         to,
			Timestamp:  at,
		},
		reason: reason,
	})
}

// Len is the number of recorded changes.
func (c *Changes) Len() int {
	if c == nil {
		return 0
	}
	return len(c.items)
}

// Publish reports committed changes to metrics, the audit trail and the bus.
func (b *base) Publish(ctx context.Context, ch *Changes) {
	if ch == nil {
		return
	}
	for _, it := range ch.items {
		if it.evt.Kind == events.KindConsent {
			obs.ObserveConsentStatus(it.evt.To, it.reason)
		}
		obs.Logger().Info("status changed",
			"kind", it.evt.Kind,
			"id", it.evt.ID,
			"from", it.evt.From,
			"to", it.evt.To,
			"reason", it.reason,
		)
		_ = audit.LogEvent(ctx, string(it.evt.Kind)+".status_changed", map[string]any{
			"id":     it.evt.ID,
			"from":   it.evt.From,
			"to":     it.evt.To,
			"reason": it.reason,
		})
		b.bus.Publish(it.evt)
	}
	ch.items = nil
}

// allAuthorised reports whether every PSU in psus owns a finalised or exempted
// authorisation of typ on parentID.
func allAuthorised(ctx context.Context, tx store.Tx, parentID string, typ domain.AuthorisationType, psus []domain.PsuIdData) (bool, error) {
	auths, err := tx.ListAuthorisations(ctx, parentID, typ)
	if err != nil {
		return false, err
	}
	for _, p := range psus {
		if p.IsEmpty() {
			continue
		}
		done := false
		for _, a := range auths {
			if (a.ScaStatus == domain.ScaFinalised || a.ScaStatus == domain.ScaExempted) && a.Psu.ContentEquals(p) {
				done = true
				break
			}
		}
		if !done {
			return false, nil
		}
	}
	return true, nil
}
