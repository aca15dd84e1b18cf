// Package stage holds the authorisation state machine: a registry that maps
// (direction, approach, status) to a handler, the handlers themselves and the
// table of allowed transitions.
//
// Handlers never touch storage. They read the request, call the bank and
// return an Outcome which the orchestrator persists.
package stage

import (
	"context"
	"time"

	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/spi"
)

// ExternalResult is reported by the bank after SCA ran outside the core,
// either in online banking (redirect) or in the PSU's app (decoupled).
type ExternalResult struct {
	Success           bool
	ConfirmationCode  string
	TransactionStatus domain.TransactionStatus
}

// Update is the data a TPP (or the bank callback) submits for one step.
type Update struct {
	Psu                    domain.PsuIdData
	Password               string
	AuthenticationMethodID string
	// ScaAuthenticationData carries the TAN entered by the PSU.
	ScaAuthenticationData string
	// ConfirmationCode closes an UNCONFIRMED authorisation.
	ConfirmationCode string
	External         *ExternalResult
}

// Request is everything a handler sees.
type Request[T any] struct {
	Authorisation domain.Authorisation
	Parent        T
	ParentPsus    []domain.PsuIdData
	Update        Update
	Context       spi.Context
}

// Outcome is the result of one step. Zero fields mean "unchanged".
type Outcome struct {
	ScaStatus          domain.ScaStatus
	ScaApproach        domain.ScaApproach
	Psu                domain.PsuIdData
	ChosenMethod       *domain.AuthenticationObject
	AvailableMethods   []domain.AuthenticationObject
	Challenge          *domain.ChallengeData
	AuthenticationData string
	CodeExpiresAt      time.Time
	PsuMessage         string
	RedirectURL        string
	TransactionStatus  domain.TransactionStatus
	CurrencyConversion string
	Errors             []domain.MessageError
}

// Failed reports whether the step produced business errors.
func (o Outcome) Failed() bool { return len(o.Errors) > 0 }

// Handler runs one step of the state machine.
type Handler[T any] interface {
	Handle(ctx context.Context, req Request[T]) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[T any] func(ctx context.Context, req Request[T]) Outcome

func (f HandlerFunc[T]) Handle(ctx context.Context, req Request[T]) Outcome { return f(ctx, req) }

// LinkIssuer builds the online-banking link for the redirect approach.
type LinkIssuer interface {
	Link(a domain.Authorisation) (string, time.Time, error)
}

// Options tune handler behaviour.
type Options struct {
	// ConfirmationMandated makes redirect completion stop at UNCONFIRMED.
	ConfirmationMandated bool
	// CodeTTL bounds how long a dispatched TAN is accepted.
	CodeTTL time.Duration
	// AllowDecoupled registers decoupled handlers and permits switching to
	// the decoupled flow when the PSU picks a decoupled method.
	AllowDecoupled bool
}

// pinned keeps the authorisation where it is and reports errs.
func pinned(status domain.ScaStatus, errs ...domain.MessageError) Outcome {
	return Outcome{ScaStatus: status, Errors: errs}
}

func failed(errs ...domain.MessageError) Outcome {
	return Outcome{ScaStatus: domain.ScaFailed, Errors: errs}
}

func backendFailure(err error) domain.MessageError {
	return spi.AsError(err).Message()
}
