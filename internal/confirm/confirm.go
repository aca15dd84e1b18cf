// Package confirm validates the confirmation code that closes an
// authorisation. Two policies exist: the core compares the code itself and
// tells the bank the outcome, or the bank validates it.
package confirm

import (
	"context"
	"crypto/subtle"
	"fmt"

	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/spi"
)

// Policy selects who checks codes.
type Policy string

const (
	PolicyLocal   Policy = "local"
	PolicyBackend Policy = "backend"
)

// Result is folded into the authorisation update. An empty TransactionStatus
// leaves the payment untouched.
type Result struct {
	Valid              bool
	ScaStatus          domain.ScaStatus
	TransactionStatus  domain.TransactionStatus
	CurrencyConversion string
	Errors             []domain.MessageError
}

// Validator checks one submitted code against one authorisation.
type Validator[T any] interface {
	Validate(ctx context.Context, sc spi.Context, a domain.Authorisation, code string, obj T) Result
}

// New returns the validator for policy.
func New[T any](policy Policy, backend spi.Backend[T]) (Validator[T], error) {
	switch policy {
	case PolicyLocal, "":
		return Local[T]{Backend: backend}, nil
	case PolicyBackend:
		return Remote[T]{Backend: backend}, nil
	}
	return nil, fmt.Errorf("confirm: unknown policy %q", policy)
}

// Local compares the code with the authentication data stored on the
// authorisation, then notifies the bank. The bank must learn the outcome
// before the final status is known.
type Local[T any] struct {
	Backend spi.Backend[T]
}

func (v Local[T]) Validate(ctx context.Context, sc spi.Context, a domain.Authorisation, code string, obj T) Result {
	valid := a.AuthenticationData != "" &&
		subtle.ConstantTimeCompare([]byte(a.AuthenticationData), []byte(code)) == 1

	res, err := v.Backend.NotifyConfirmationCodeOutcome(ctx, sc, valid, obj)
	if err != nil {
		// The bank did not learn the outcome; keep everything as it was.
		return Result{ScaStatus: a.ScaStatus, Errors: []domain.MessageError{spi.AsError(err).Message()}}
	}
	if !valid {
		return Result{
			ScaStatus: domain.ScaFailed,
			Errors:    []domain.MessageError{domain.NewMessageError(domain.CodeScaInvalid, "confirmation code does not match")},
		}
	}
	return Result{
		Valid:              true,
		ScaStatus:          domain.ScaFinalised,
		TransactionStatus:  res.TransactionStatus,
		CurrencyConversion: res.CurrencyConversion,
	}
}

// Remote forwards the code to the bank, which answers with validity and the
// resulting transaction status in one call. A failed call means the side
// effect never happened, so the payment is rejected.
type Remote[T any] struct {
	Backend spi.Backend[T]
}

func (v Remote[T]) Validate(ctx context.Context, sc spi.Context, a domain.Authorisation, code string, obj T) Result {
	res, err := v.Backend.ValidateConfirmationCode(ctx, sc, code, obj)
	if err != nil {
		return Result{
			ScaStatus:         domain.ScaFailed,
			TransactionStatus: domain.TxRejected,
			Errors:            []domain.MessageError{spi.AsError(err).Message()},
		}
	}
	if !res.Valid {
		return Result{
			ScaStatus:         domain.ScaFailed,
			TransactionStatus: res.TransactionStatus,
			Errors:            []domain.MessageError{domain.NewMessageError(domain.CodeScaInvalid, "confirmation code rejected by the bank")},
		}
	}
	return Result{
		Valid:              true,
		ScaStatus:          domain.ScaFinalised,
		TransactionStatus:  res.TransactionStatus,
		CurrencyConversion: res.CurrencyConversion,
	}
}
