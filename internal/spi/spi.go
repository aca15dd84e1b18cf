// Package spi is the contract between the authorisation core and the bank's
// own systems. The core never talks to a bank directly; it calls a Backend for
// the business object it authorises.
package spi

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"qazna.org/xs2a/internal/domain"
)

// ErrBackend matches every error returned by a Backend.
var ErrBackend = errors.New("spi: backend failure")

// Context travels with every backend call.
type Context struct {
	RequestID         uuid.UUID                `json:"request_id"`
	Psu               domain.PsuIdData         `json:"psu"`
	TppID             string                   `json:"tpp_id"`
	AuthorisationID   string                   `json:"authorisation_id"`
	AuthorisationType domain.AuthorisationType `json:"authorisation_type"`
	// ForceDecoupled asks the bank to run the decoupled flow for this one
	// request. It never outlives the request.
	ForceDecoupled bool `json:"force_decoupled,omitempty"`
}

// Error is a backend failure carrying the reason code the bank supplied.
type Error struct {
	Code domain.MessageErrorCode
	Text string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Text != "" {
		msg += ": " + e.Text
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrBackend }

// Message converts the failure into the value reported to the TPP.
func (e *Error) Message() domain.MessageError {
	return domain.MessageError{Code: e.Code, Text: e.Text}
}

// Fail builds a backend error with a reason code.
func Fail(code domain.MessageErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Text: fmt.Sprintf(format, args...)}
}

// AsError normalises any error returned by a backend into *Error. Errors
// without a reason code become INTERNAL_SERVER_ERROR.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: domain.CodeInternalServerError, Text: "backend call failed", Err: err}
}

// AuthResult is the outcome of checking PSU credentials.
type AuthResult struct {
	Authenticated bool   `json:"authenticated"`
	ScaExempted   bool   `json:"sca_exempted"`
	PsuMessage    string `json:"psu_message,omitempty"`
}

// CodeResult describes a challenge dispatched to the PSU.
type CodeResult struct {
	Method    domain.AuthenticationObject `json:"method"`
	Challenge *domain.ChallengeData       `json:"challenge,omitempty"`
	// AuthenticationData is the value the bank expects back when the core
	// checks confirmation codes locally.
	AuthenticationData string `json:"authentication_data,omitempty"`
	PsuMessage         string `json:"psu_message,omitempty"`
}

// DecoupledResult is the bank's answer to a decoupled start.
type DecoupledResult struct {
	ScaStatus          domain.ScaStatus `json:"sca_status"`
	PsuMessage         string           `json:"psu_message,omitempty"`
	CurrencyConversion string           `json:"currency_conversion,omitempty"`
}

// ExecutionResult is returned after the bank executed the object without
// further SCA.
type ExecutionResult struct {
	TransactionStatus domain.TransactionStatus `json:"transaction_status,omitempty"`
	PsuMessage        string                   `json:"psu_message,omitempty"`
}

// ConfirmationResult is the outcome of a confirmation code check.
type ConfirmationResult struct {
	Valid              bool                     `json:"valid"`
	ScaStatus          domain.ScaStatus         `json:"sca_status,omitempty"`
	TransactionStatus  domain.TransactionStatus `json:"transaction_status,omitempty"`
	CurrencyConversion string                   `json:"currency_conversion,omitempty"`
}

// Backend is implemented by the bank once per business object: payment
// initiation, payment cancellation and each consent type.
type Backend[T any] interface {
	AuthenticatePsu(ctx context.Context, sc Context, psu domain.PsuIdData, password string, obj T) (AuthResult, error)
	ListScaMethods(ctx context.Context, sc Context, obj T) ([]domain.AuthenticationObject, error)
	RequestAuthorisationCode(ctx context.Context, sc Context, methodID string, obj T) (CodeResult, error)
	StartDecoupled(ctx context.Context, sc Context, authorisationID, methodID string, obj T) (DecoupledResult, error)
	ExecuteWithoutSca(ctx context.Context, sc Context, obj T) (ExecutionResult, error)
	// ValidateConfirmationCode is used when the bank owns code validation.
	ValidateConfirmationCode(ctx context.Context, sc Context, code string, obj T) (ConfirmationResult, error)
	// NotifyConfirmationCodeOutcome tells the bank about a locally checked code.
	NotifyConfirmationCodeOutcome(ctx context.Context, sc Context, valid bool, obj T) (ConfirmationResult, error)
}
