package spi

import (
	"context"
	"errors"
	"time"

	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/obs"
)

// Instrumented decorates a Backend with a per-call deadline, latency metrics
// and failure logging. Every error it returns is an *Error; a call that ran
// out of time is a failure, never a guessed success.
type Instrumented[T any] struct {
	name    string
	next    Backend[T]
	timeout time.Duration
}

var _ Backend[struct{}] = (*Instrumented[struct{}])(nil)

// Instrument wraps next. A non-positive timeout leaves deadlines to the caller.
func Instrument[T any](name string, next Backend[T], timeout time.Duration) *Instrumented[T] {
	return &Instrumented[T]{name: name, next: next, timeout: timeout}
}

func call[R any](ctx context.Context, b interface {
	label() string
	deadline() time.Duration
}, sc Context, method string, fn func(context.Context) (R, error)) (R, error) {
	if d := b.deadline(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	start := time.Now()
	res, err := fn(ctx)
	obs.ObserveBackendCall(b.label(), method, err, time.Since(start))
	if err == nil {
		return res, nil
	}

	var zero R
	var be *Error
	switch {
	case errors.As(err, &be):
	case errors.Is(err, context.DeadlineExceeded):
		be = &Error{Code: domain.CodeInternalServerError, Text: "backend timeout", Err: err}
	default:
		be = AsError(err)
	}
	obs.Logger().Warn("backend call failed",
		"backend", b.label(),
		"method", method,
		"code", string(be.Code),
		"authorisation_id", sc.AuthorisationID,
		"request_id", sc.RequestID.String(),
		"error", err,
	)
	return zero, be
}

func (b *Instrumented[T]) label() string           { return b.name }
func (b *Instrumented[T]) deadline() time.Duration { return b.timeout }

func (b *Instrumented[T]) AuthenticatePsu(ctx context.Context, sc Context, psu domain.PsuIdData, password string, obj T) (AuthResult, error) {
	return call(ctx, b, sc, "AuthenticatePsu", func(ctx context.Context) (AuthResult, error) {
		return b.next.AuthenticatePsu(ctx, sc, psu, password, obj)
	})
}

func (b *Instrumented[T]) ListScaMethods(ctx context.Context, sc Context, obj T) ([]domain.AuthenticationObject, error) {
	return call(ctx, b, sc, "ListScaMethods", func(ctx context.Context) ([]domain.AuthenticationObject, error) {
		return b.next.ListScaMethods(ctx, sc, obj)
	})
}

func (b *Instrumented[T]) RequestAuthorisationCode(ctx context.Context, sc Context, methodID string, obj T) (CodeResult, error) {
	return call(ctx, b, sc, "RequestAuthorisationCode", func(ctx context.Context) (CodeResult, error) {
		return b.next.RequestAuthorisationCode(ctx, sc, methodID, obj)
	})
}

func (b *Instrumented[T]) StartDecoupled(ctx context.Context, sc Context, authorisationID, methodID string, obj T) (DecoupledResult, error) {
	return call(ctx, b, sc, "StartDecoupled", func(ctx context.Context) (DecoupledResult, error) {
		return b.next.StartDecoupled(ctx, sc, authorisationID, methodID, obj)
	})
}

func (b *Instrumented[T]) ExecuteWithoutSca(ctx context.Context, sc Context, obj T) (ExecutionResult, error) {
	return call(ctx, b, sc, "ExecuteWithoutSca", func(ctx context.Context) (ExecutionResult, error) {
		return b.next.ExecuteWithoutSca(ctx, sc, obj)
	})
}

func (b *Instrumented[T]) ValidateConfirmationCode(ctx context.Context, sc Context, code string, obj T) (ConfirmationResult, error) {
	return call(ctx, b, sc, "ValidateConfirmationCode", func(ctx context.Context) (ConfirmationResult, error) {
		return b.next.ValidateConfirmationCode(ctx, sc, code, obj)
	})
}

func (b *Instrumented[T]) NotifyConfirmationCodeOutcome(ctx context.Context, sc Context, valid bool, obj T) (ConfirmationResult, error) {
	return call(ctx, b, sc, "NotifyConfirmationCodeOutcome", func(ctx context.Context) (ConfirmationResult, error) {
		return b.next.NotifyConfirmationCodeOutcome(ctx, sc, valid, obj)
	})
}
