// Package store is the persistence boundary of the authorisation core. It knows
// nothing about SCA rules; it only stores authorisations and their parent
// objects and refuses writes based on stale reads.
package store

import (
	"context"
	"errors"

	"qazna.org/xs2a/internal/domain"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: state changed concurrently")
	ErrExists   = errors.New("store: already exists")
)

// ConsentQuery selects consents sharing a scope with another consent.
type ConsentQuery struct {
	TppID      string
	InstanceID string
	Type       domain.ConsentType
	ExcludeID  string
	// OnlyActive skips consents whose status is finalised.
	OnlyActive bool
}

// Reader holds the read paths available outside a transaction.
type Reader interface {
	GetAuthorisation(ctx context.Context, id string) (domain.Authorisation, error)
	ListAuthorisations(ctx context.Context, parentID string, typ domain.AuthorisationType) ([]domain.Authorisation, error)
	GetConsent(ctx context.Context, id string) (domain.Consent, error)
	FindConsents(ctx context.Context, q ConsentQuery) ([]domain.Consent, error)
	GetPayment(ctx context.Context, id string) (domain.Payment, error)
}

// Tx is one unit of work. All Save methods are conditional: they fail with
// ErrConflict when the stored row no longer matches what the caller read.
type Tx interface {
	Reader

	CreateAuthorisation(ctx context.Context, a domain.Authorisation) error
	// SaveAuthorisation writes a only if the stored status equals expected and
	// the stored version equals a.Version. It returns the row as written.
	SaveAuthorisation(ctx context.Context, a domain.Authorisation, expected domain.ScaStatus) (domain.Authorisation, error)

	CreateConsent(ctx context.Context, c domain.Consent) error
	SaveConsent(ctx context.Context, c domain.Consent) (domain.Consent, error)

	CreatePayment(ctx context.Context, p domain.Payment) error
	SavePayment(ctx context.Context, p domain.Payment) (domain.Payment, error)
}

// Store is implemented by Memory and pg.Store.
type Store interface {
	Reader
	// InTx runs fn in a single transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
