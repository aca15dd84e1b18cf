package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/events"
	"qazna.org/xs2a/internal/ids"
	"qazna.org/xs2a/internal/psu"
	"qazna.org/xs2a/internal/store"
)

const (
	reasonExpiredOnRead = "expired_on_read"
	reasonSuperseded    = "superseded"
	reasonAuthorisation = "authorisation"
	reasonRequested     = "requested"
)

// Consents manages AIS and PIIS consents.
type Consents struct {
	base
}

// NewConsents creates a consent manager on st.
func NewConsents(st store.Store, opts ...Option) *Consents {
	return &Consents{base: newBase(st, opts)}
}

// Create stores a new consent in RECEIVED. The PSU list is de-duplicated and
// more than one PSU requires multilevel SCA.
func (m *Consents) Create(ctx context.Context, c domain.Consent) (domain.Consent, error) {
	if c.Type == "" {
		c.Type = domain.ConsentAIS
	}
	if c.ID == "" {
		c.ID = ids.NewExternal()
	}
	now := m.now()
	var list []domain.PsuIdData
	for _, p := range c.Psus {
		list, _, _ = psu.Reconcile(list, p)
	}
	c.Psus = list
	c.MultilevelScaRequired = c.MultilevelScaRequired || len(list) > 1
	c.Status = domain.ConsentReceived
	c.CreatedAt = now
	c.StatusChangedAt = now
	c.Version = 0

	err := m.store.InTx(ctx, func(tx store.Tx) error {
		return tx.CreateConsent(ctx, c)
	})
	if err != nil {
		return domain.Consent{}, fmt.Errorf("create consent: %w", err)
	}
	c.Version = 1
	return c, nil
}

// Get returns the consent, expiring it first when its validity ended. The
// caller always sees the expired projection.
func (m *Consents) Get(ctx context.Context, id string) (domain.Consent, error) {
	c, err := m.store.GetConsent(ctx, id)
	if err != nil {
		return domain.Consent{}, err
	}
	if !c.IsExpiredAt(m.now()) {
		return c, nil
	}

	var (
		out     domain.Consent
		changes Changes
	)
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		changes = Changes{}
		cur, err := tx.GetConsent(ctx, id)
		if err != nil {
			return err
		}
		if !cur.IsExpiredAt(m.now()) {
			out = cur
			return nil
		}
		out, err = m.transition(ctx, tx, cur, domain.ConsentExpired, reasonExpiredOnRead, &changes)
		return err
	})
	if errors.Is(err, store.ErrConflict) {
		// Someone else changed it meanwhile; their write wins.
		return m.store.GetConsent(ctx, id)
	}
	if err != nil {
		return domain.Consent{}, err
	}
	m.Publish(ctx, &changes)
	return out, nil
}

// ChangeStatus moves the consent to status. It reports false without error
// when the consent is missing, finalised or already in status.
func (m *Consents) ChangeStatus(ctx context.Context, id string, status domain.ConsentStatus) (bool, error) {
	var (
		changed bool
		changes Changes
	)
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		changed, changes = false, Changes{}
		c, err := tx.GetConsent(ctx, id)
		if err != nil {
			return err
		}
		if c.Status.IsFinalised() || c.Status == status {
			return nil
		}
		if _, err := m.transition(ctx, tx, c, status, reasonRequested, &changes); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.Publish(ctx, &changes)
	return changed, nil
}

// FindAndTerminateOldConsents terminates the other active consents sharing the
// scope of newID. It returns the number of consents terminated.
func (m *Consents) FindAndTerminateOldConsents(ctx context.Context, newID string) (int, error) {
	var (
		n       int
		changes Changes
	)
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		n, changes = 0, Changes{}
		c, err := tx.GetConsent(ctx, newID)
		if err != nil {
			return err
		}
		if c.Status.IsFinalised() {
			return nil
		}
		n, err = m.terminateOld(ctx, tx, c, &changes)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	m.Publish(ctx, &changes)
	return n, nil
}

// UpdateAccountAccess replaces the access scope of a consent that is not
// finalised.
func (m *Consents) UpdateAccountAccess(ctx context.Context, id string, access domain.AccountAccess) (bool, error) {
	return m.mutate(ctx, id, func(c *domain.Consent) bool {
		c.Access = access
		return true
	})
}

// UpdateMultilevelScaRequired raises the multilevel flag. The flag is never
// reset once set.
func (m *Consents) UpdateMultilevelScaRequired(ctx context.Context, id string, required bool) (bool, error) {
	return m.mutate(ctx, id, func(c *domain.Consent) bool {
		if !required || c.MultilevelScaRequired {
			return false
		}
		c.MultilevelScaRequired = true
		return true
	})
}

func (m *Consents) mutate(ctx context.Context, id string, fn func(c *domain.Consent) bool) (bool, error) {
	var changed bool
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		changed = false
		c, err := tx.GetConsent(ctx, id)
		if err != nil {
			return err
		}
		if c.Status.IsFinalised() || !fn(&c) {
			return nil
		}
		if _, err := tx.SaveConsent(ctx, c); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return changed, nil
}

// RecordUsage counts one access made under the consent. The daily counter
// resets on a new calendar day; an exhausted counter yields ACCESS_EXCEEDED
// and changes nothing.
func (m *Consents) RecordUsage(ctx context.Context, id string) (domain.Consent, []domain.MessageError, error) {
	c, err := m.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Consent{}, []domain.MessageError{domain.NewMessageError(domain.CodeResourceUnknown, "consent %s not found", id)}, nil
	}
	if err != nil {
		return domain.Consent{}, nil, err
	}
	switch {
	case c.Status == domain.ConsentExpired:
		return c, []domain.MessageError{domain.NewMessageError(domain.CodeConsentExpired, "consent %s expired", id)}, nil
	case c.Status != domain.ConsentValid:
		return c, []domain.MessageError{domain.NewMessageError(domain.CodeStatusInvalid, "consent %s is %s", id, c.Status)}, nil
	}

	var msgs []domain.MessageError
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		msgs = nil
		cur, err := tx.GetConsent(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != domain.ConsentValid {
			msgs = []domain.MessageError{domain.NewMessageError(domain.CodeStatusInvalid, "consent %s is %s", id, cur.Status)}
			c = cur
			return nil
		}
		now := m.now()
		if !sameDay(cur.UsageDate, now) {
			cur.UsageCount = 0
		}
		if cur.FrequencyPerDay > 0 && cur.UsageCount >= cur.FrequencyPerDay {
			msgs = []domain.MessageError{domain.NewMessageError(domain.CodeAccessExceeded, "daily access limit of %d reached", cur.FrequencyPerDay)}
			c = cur
			return nil
		}
		cur.UsageCount++
		cur.TotalUsage++
		cur.UsageDate = now
		c, err = tx.SaveConsent(ctx, cur)
		return err
	})
	if err != nil {
		return domain.Consent{}, nil, err
	}
	return c, msgs, nil
}

// ApplyAuthorisation folds the result of an authorisation step into its
// consent. It runs inside the caller's transaction; publish the returned
// changes after commit.
func (m *Consents) ApplyAuthorisation(ctx context.Context, tx store.Tx, a domain.Authorisation) (*Changes, error) {
	changes := &Changes{}
	c, err := tx.GetConsent(ctx, a.ParentID)
	if err != nil {
		return nil, err
	}
	if c.Status.IsFinalised() {
		return changes, nil
	}

	dirty := false
	// Only PSUs that authenticated join the consent.
	if a.ScaStatus.IsAuthenticated() {
		if list, _, added := psu.Reconcile(c.Psus, a.Psu); added {
			c.Psus = list
			dirty = true
		}
	}
	if len(c.Psus) > 1 && !c.MultilevelScaRequired {
		c.MultilevelScaRequired = true
		dirty = true
	}

	target := c.Status
	switch a.ScaStatus {
	case domain.ScaFailed:
		target = domain.ConsentRejected
	case domain.ScaFinalised, domain.ScaExempted:
		target = domain.ConsentValid
		if c.MultilevelScaRequired {
			done, err := allAuthorised(ctx, tx, c.ID, domain.AuthorisationConsent, c.Psus)
			if err != nil {
				return nil, err
			}
			if !done {
				target = domain.ConsentPartiallyAuthorised
			}
		}
	}

	if target != c.Status {
		_, err = m.transition(ctx, tx, c, target, reasonAuthorisation, changes)
		return changes, err
	}
	if dirty {
		_, err = tx.SaveConsent(ctx, c)
	}
	return changes, err
}

// transition writes the new status. Becoming VALID terminates older consents
// of the same scope within the same transaction.
func (m *Consents) transition(ctx context.Context, tx store.Tx, c domain.Consent, to domain.ConsentStatus, reason string, changes *Changes) (domain.Consent, error) {
	from := c.Status
	now := m.now()
	c.Status = to
	c.StatusChangedAt = now
	saved, err := tx.SaveConsent(ctx, c)
	if err != nil {
		return domain.Consent{}, fmt.Errorf("consent %s %s -> %s: %w", c.ID, from, to, err)
	}
	changes.add(events.KindConsent, c.Type.ObjectType(), c.ID, string(from), string(to), reason, now)
	if to == domain.ConsentValid {
		if _, err := m.terminateOld(ctx, tx, saved, changes); err != nil {
			return domain.Consent{}, err
		}
	}
	return saved, nil
}

// terminateOld enforces one active recurring consent per scope: same TPP,
// instance, consent type and PSU set.
func (m *Consents) terminateOld(ctx context.Context, tx store.Tx, c domain.Consent, changes *Changes) (int, error) {
	if !c.Recurring || len(c.Psus) == 0 {
		return 0, nil
	}
	olds, err := tx.FindConsents(ctx, store.ConsentQuery{
		TppID:      c.TppID,
		InstanceID: c.InstanceID,
		Type:       c.Type,
		ExcludeID:  c.ID,
		OnlyActive: true,
	})
	if err != nil {
		return 0, fmt.Errorf("find old consents: %w", err)
	}
	n := 0
	now := m.now()
	for _, old := range olds {
		if old.Status.IsFinalised() || !psu.SameSet(old.Psus, c.Psus) {
			continue
		}
		from := old.Status
		old.Status = domain.ConsentTerminatedByAspsp
		old.StatusChangedAt = now
		if _, err := tx.SaveConsent(ctx, old); err != nil {
			return n, fmt.Errorf("terminate consent %s: %w", old.ID, err)
		}
		changes.add(events.KindConsent, old.Type.ObjectType(), old.ID, string(from), string(old.Status), reasonSuperseded, now)
		n++
	}
	return n, nil
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
