package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/events"
	"qazna.org/xs2a/internal/ids"
	"qazna.org/xs2a/internal/psu"
	"qazna.org/xs2a/internal/store"
)

// Payments manages the transaction status of payment initiations.
type Payments struct {
	base
}

// NewPayments creates a payment manager on st.
func NewPayments(st store.Store, opts ...Option) *Payments {
	return &Payments{base: newBase(st, opts)}
}

// Create stores a new payment in RCVD unless a status was supplied.
func (m *Payments) Create(ctx context.Context, p domain.Payment) (domain.Payment, error) {
	if p.ID == "" {
		p.ID = ids.NewExternal()
	}
	if p.Type == "" {
		p.Type = domain.PaymentSingle
	}
	if p.TransactionStatus == "" {
		p.TransactionStatus = domain.TxReceived
	}
	now := m.now()
	var list []domain.PsuIdData
	for _, x := range p.Psus {
		list, _, _ = psu.Reconcile(list, x)
	}
	p.Psus = list
	p.MultilevelScaRequired = p.MultilevelScaRequired || len(list) > 1
	p.CreatedAt = now
	p.StatusChangedAt = now
	p.Version = 0

	err := m.store.InTx(ctx, func(tx store.Tx) error {
		return tx.CreatePayment(ctx, p)
	})
	if err != nil {
		return domain.Payment{}, fmt.Errorf("create payment: %w", err)
	}
	p.Version = 1
	return p, nil
}

// Get returns the payment.
func (m *Payments) Get(ctx context.Context, id string) (domain.Payment, error) {
	return m.store.GetPayment(ctx, id)
}

// UpdateTransactionStatus sets status unless the payment is missing or its
// current status is terminal; both report false without error.
func (m *Payments) UpdateTransactionStatus(ctx context.Context, id string, status domain.TransactionStatus) (bool, error) {
	var (
		changed bool
		changes Changes
	)
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		changed, changes = false, Changes{}
		p, err := tx.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if p.TransactionStatus.IsFinalised() || p.TransactionStatus == status {
			return nil
		}
		if err := m.setStatus(ctx, tx, p, status, reasonRequested, &changes); err != nil {
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

// ApplyAuthorisation folds the result of an authorisation step into its
// payment. txStatus is what the bank reported for the step, empty when it
// reported nothing. Runs inside the caller's transaction.
func (m *Payments) ApplyAuthorisation(ctx context.Context, tx store.Tx, a domain.Authorisation, txStatus domain.TransactionStatus) (*Changes, error) {
	changes := &Changes{}
	p, err := tx.GetPayment(ctx, a.ParentID)
	if err != nil {
		return nil, err
	}
	if p.TransactionStatus.IsFinalised() {
		return changes, nil
	}

	dirty := false
	target := p.TransactionStatus
	finalised := a.ScaStatus == domain.ScaFinalised || a.ScaStatus == domain.ScaExempted

	if a.Type == domain.AuthorisationPisCancellation {
		if finalised {
			target = domain.TxCancelled
			if txStatus != "" {
				target = txStatus
			}
		} else if txStatus != "" {
			target = txStatus
		}
	} else {
		if a.ScaStatus.IsAuthenticated() {
			if list, _, added := psu.Reconcile(p.Psus, a.Psu); added {
				p.Psus = list
				dirty = true
			}
		}
		if len(p.Psus) > 1 && !p.MultilevelScaRequired {
			p.MultilevelScaRequired = true
			dirty = true
		}
		if txStatus != "" {
			target = txStatus
		}
		if finalised && p.MultilevelScaRequired && target != domain.TxRejected {
			done, err := allAuthorised(ctx, tx, p.ID, domain.AuthorisationPisCreation, p.Psus)
			if err != nil {
				return nil, err
			}
			if !done {
				target = domain.TxPartiallyAccepted
			}
		}
	}

	if target != p.TransactionStatus {
		return changes, m.setStatus(ctx, tx, p, target, reasonAuthorisation, changes)
	}
	if dirty {
		_, err = tx.SavePayment(ctx, p)
	}
	return changes, err
}

func (m *Payments) setStatus(ctx context.Context, tx store.Tx, p domain.Payment, to domain.TransactionStatus, reason string, changes *Changes) error {
	from := p.TransactionStatus
	now := m.now()
	p.TransactionStatus = to
	p.StatusChangedAt = now
	if _, err := tx.SavePayment(ctx, p); err != nil {
		return fmt.Errorf("payment %s %s -> %s: %w", p.ID, from, to, err)
	}
	changes.add(events.KindPayment, domain.ObjectPIS, p.ID, string(from), string(to), reason, now)
	return nil
}
