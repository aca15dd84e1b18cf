package stage

import (
	"context"
	"time"

	"qazna.org/xs2a/internal/confirm"
	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/psu"
	"qazna.org/xs2a/internal/spi"
)

// Handlers implements every step for one business object and one direction.
// PIS builds two of them, one per backend; consents build one.
type Handlers[T any] struct {
	Backend   spi.Backend[T]
	Validator confirm.Validator[T]
	// Links is required for the redirect approach; nil disables it.
	Links   LinkIssuer
	Options Options
	Now     func() time.Time
}

func (h *Handlers[T]) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

// RegisterAll adds the handlers of every enabled approach under dir.
func (h *Handlers[T]) RegisterAll(b *Builder[T], dir Direction) *Builder[T] {
	key := func(a domain.ScaApproach, s domain.ScaStatus) Key {
		return Key{Direction: dir, Approach: a, Status: s}
	}

	b.Register(key(domain.ApproachEmbedded, domain.ScaReceived), HandlerFunc[T](h.embeddedReceived)).
		Register(key(domain.ApproachEmbedded, domain.ScaPsuIdentified), HandlerFunc[T](h.embeddedIdentified)).
		Register(key(domain.ApproachEmbedded, domain.ScaPsuAuthenticated), HandlerFunc[T](h.methodChosen)).
		Register(key(domain.ApproachEmbedded, domain.ScaMethodSelected), HandlerFunc[T](h.tanSubmitted)).
		Register(key(domain.ApproachEmbedded, domain.ScaUnconfirmed), HandlerFunc[T](h.confirmationSubmitted))

	if h.Options.AllowDecoupled {
		b.Register(key(domain.ApproachDecoupled, domain.ScaReceived), HandlerFunc[T](h.decoupledReceived)).
			Register(key(domain.ApproachDecoupled, domain.ScaPsuIdentified), HandlerFunc[T](h.decoupledIdentified)).
			Register(key(domain.ApproachDecoupled, domain.ScaPsuAuthenticated), HandlerFunc[T](h.methodChosen)).
			Register(key(domain.ApproachDecoupled, domain.ScaMethodSelected), HandlerFunc[T](h.decoupledPending)).
			Register(key(domain.ApproachDecoupled, domain.ScaUnconfirmed), HandlerFunc[T](h.confirmationSubmitted))
	}

	if h.Links != nil {
		b.Register(key(domain.ApproachRedirect, domain.ScaReceived), HandlerFunc[T](h.redirectReceived)).
			Register(key(domain.ApproachRedirect, domain.ScaUnconfirmed), HandlerFunc[T](h.confirmationSubmitted))
	}
	return b
}

// embeddedReceived either records the PSU identification or authenticates the
// PSU and continues with method selection.
func (h *Handlers[T]) embeddedReceived(ctx context.Context, req Request[T]) Outcome {
	if req.Update.Password == "" {
		return h.identify(req)
	}
	auth, ok := h.authenticate(ctx, req)
	if !ok {
		return auth
	}
	if auth.ScaStatus == domain.ScaExempted {
		return h.execute(ctx, req, domain.ScaExempted)
	}
	return h.selectMethod(ctx, req)
}

func (h *Handlers[T]) embeddedIdentified(ctx context.Context, req Request[T]) Outcome {
	if out, ok := h.verifyIdentified(req); !ok {
		return out
	}
	return h.embeddedReceived(ctx, req)
}

func (h *Handlers[T]) decoupledReceived(ctx context.Context, req Request[T]) Outcome {
	if req.Update.Password == "" {
		return h.identify(req)
	}
	auth, ok := h.authenticate(ctx, req)
	if !ok {
		return auth
	}
	if auth.ScaStatus == domain.ScaExempted {
		return h.execute(ctx, req, domain.ScaExempted)
	}
	return h.delegate(ctx, req, req.Update.AuthenticationMethodID, nil, false)
}

func (h *Handlers[T]) decoupledIdentified(ctx context.Context, req Request[T]) Outcome {
	if out, ok := h.verifyIdentified(req); !ok {
		return out
	}
	return h.decoupledReceived(ctx, req)
}

// methodChosen consumes the method picked from the list offered at
// PSUAUTHENTICATED.
func (h *Handlers[T]) methodChosen(ctx context.Context, req Request[T]) Outcome {
	current := req.Authorisation.ScaStatus
	id := req.Update.AuthenticationMethodID
	if id == "" {
		return pinned(current, domain.NewMessageError(domain.CodeFormatError, "authentication method id is missing"))
	}
	methods, err := h.Backend.ListScaMethods(ctx, req.Context, req.Parent)
	if err != nil {
		return pinned(current, backendFailure(err))
	}
	for _, m := range methods {
		if m.AuthenticationMethodID != id {
			continue
		}
		if m.Decoupled {
			return h.switchToDecoupled(ctx, req, m)
		}
		return h.requestCode(ctx, req, m)
	}
	return pinned(current, domain.NewMessageError(domain.CodeScaMethodUnknown, "authentication method %q is not offered", id))
}

// tanSubmitted checks the TAN for the challenge sent at SCAMETHODSELECTED. A
// wrong TAN ends the authorisation.
func (h *Handlers[T]) tanSubmitted(ctx context.Context, req Request[T]) Outcome {
	tan := req.Update.ScaAuthenticationData
	if tan == "" {
		return pinned(req.Authorisation.ScaStatus, domain.NewMessageError(domain.CodeFormatError, "SCA authentication data is missing"))
	}
	return h.validate(ctx, req, tan)
}

func (h *Handlers[T]) confirmationSubmitted(ctx context.Context, req Request[T]) Outcome {
	code := req.Update.ConfirmationCode
	if code == "" {
		return pinned(req.Authorisation.ScaStatus, domain.NewMessageError(domain.CodeFormatError, "confirmation code is missing"))
	}
	return h.validate(ctx, req, code)
}

// decoupledPending waits for the bank to report the outcome of the SCA run in
// the PSU's app.
func (h *Handlers[T]) decoupledPending(ctx context.Context, req Request[T]) Outcome {
	if req.Update.External != nil {
		return h.completeExternal(req, *req.Update.External)
	}
	return pinned(req.Authorisation.ScaStatus, domain.NewMessageError(domain.CodeStatusInvalid, "decoupled SCA is pending confirmation in the banking app"))
}

func (h *Handlers[T]) redirectReceived(ctx context.Context, req Request[T]) Outcome {
	if req.Update.External != nil {
		return h.completeExternal(req, *req.Update.External)
	}
	link, _, err := h.Links.Link(req.Authorisation)
	if err != nil {
		return pinned(req.Authorisation.ScaStatus, domain.NewMessageError(domain.CodeInternalServerError, "redirect link unavailable"))
	}
	return Outcome{ScaStatus: domain.ScaReceived, ScaApproach: domain.ApproachRedirect, RedirectURL: link}
}

func (h *Handlers[T]) identify(req Request[T]) Outcome {
	if req.Context.Psu.IsEmpty() {
		return pinned(req.Authorisation.ScaStatus, domain.NewMessageError(domain.CodeFormatError, "PSU identification is missing"))
	}
	return Outcome{ScaStatus: domain.ScaPsuIdentified, Psu: req.Context.Psu}
}

// verifyIdentified checks the identified PSU belongs to the object and that a
// credential was supplied this time.
func (h *Handlers[T]) verifyIdentified(req Request[T]) (Outcome, bool) {
	if !psu.Verify(req.ParentPsus, req.Context.Psu) {
		return failed(domain.NewMessageError(domain.CodePsuCredentialsInvalid, "PSU is not associated with the object")), false
	}
	if req.Update.Password == "" {
		return pinned(req.Authorisation.ScaStatus, domain.NewMessageError(domain.CodeFormatError, "PSU password is missing")), false
	}
	return Outcome{}, true
}

// authenticate returns ok=false with the final outcome when the PSU could not
// be authenticated. On success the outcome status is EXEMPTED when the bank
// waived SCA.
func (h *Handlers[T]) authenticate(ctx context.Context, req Request[T]) (Outcome, bool) {
	res, err := h.Backend.AuthenticatePsu(ctx, req.Context, req.Context.Psu, req.Update.Password, req.Parent)
	if err != nil {
		msg := backendFailure(err)
		if msg.Code == domain.CodePsuCredentialsInvalid {
			return failed(msg), false
		}
		return pinned(req.Authorisation.ScaStatus, msg), false
	}
	if !res.Authenticated {
		return failed(domain.NewMessageError(domain.CodePsuCredentialsInvalid, "PSU authentication failed")), false
	}
	if res.ScaExempted {
		return Outcome{ScaStatus: domain.ScaExempted}, true
	}
	return Outcome{ScaStatus: domain.ScaPsuAuthenticated}, true
}

func (h *Handlers[T]) selectMethod(ctx context.Context, req Request[T]) Outcome {
	methods, err := h.Backend.ListScaMethods(ctx, req.Context, req.Parent)
	if err != nil {
		return h.withPsu(req, pinned(req.Authorisation.ScaStatus, backendFailure(err)))
	}
	switch len(methods) {
	case 0:
		return h.execute(ctx, req, domain.ScaFinalised)
	case 1:
		if methods[0].Decoupled {
			return h.switchToDecoupled(ctx, req, methods[0])
		}
		return h.requestCode(ctx, req, methods[0])
	}
	return h.withPsu(req, Outcome{ScaStatus: domain.ScaPsuAuthenticated, AvailableMethods: methods})
}

// execute runs the object at the bank without further SCA and ends the
// authorisation with status.
func (h *Handlers[T]) execute(ctx context.Context, req Request[T], status domain.ScaStatus) Outcome {
	res, err := h.Backend.ExecuteWithoutSca(ctx, req.Context, req.Parent)
	if err != nil {
		return h.withPsu(req, pinned(req.Authorisation.ScaStatus, backendFailure(err)))
	}
	return h.withPsu(req, Outcome{
		ScaStatus:         status,
		TransactionStatus: res.TransactionStatus,
		PsuMessage:        res.PsuMessage,
	})
}

func (h *Handlers[T]) requestCode(ctx context.Context, req Request[T], method domain.AuthenticationObject) Outcome {
	res, err := h.Backend.RequestAuthorisationCode(ctx, req.Context, method.AuthenticationMethodID, req.Parent)
	if err != nil {
		return h.withPsu(req, pinned(req.Authorisation.ScaStatus, backendFailure(err)))
	}
	chosen := res.Method
	if chosen.AuthenticationMethodID == "" {
		chosen = method
	}
	out := Outcome{
		ScaStatus:          domain.ScaMethodSelected,
		ChosenMethod:       &chosen,
		Challenge:          res.Challenge,
		AuthenticationData: res.AuthenticationData,
		PsuMessage:         res.PsuMessage,
	}
	if h.Options.CodeTTL > 0 {
		out.CodeExpiresAt = h.now().Add(h.Options.CodeTTL)
	}
	return h.withPsu(req, out)
}

// switchToDecoupled moves an embedded authorisation onto the decoupled flow
// because the PSU's method only works in the banking app.
func (h *Handlers[T]) switchToDecoupled(ctx context.Context, req Request[T], method domain.AuthenticationObject) Outcome {
	if !h.Options.AllowDecoupled {
		return h.withPsu(req, pinned(req.Authorisation.ScaStatus,
			domain.NewMessageError(domain.CodeScaMethodUnknown, "decoupled method %q is not supported here", method.AuthenticationMethodID)))
	}
	return h.delegate(ctx, req, method.AuthenticationMethodID, &method, true)
}

// delegate starts the decoupled flow at the bank. The force flag only lives
// in this request's context.
func (h *Handlers[T]) delegate(ctx context.Context, req Request[T], methodID string, method *domain.AuthenticationObject, force bool) Outcome {
	sc := req.Context
	sc.ForceDecoupled = force
	res, err := h.Backend.StartDecoupled(ctx, sc, req.Authorisation.ID, methodID, req.Parent)
	if err != nil {
		return h.withPsu(req, pinned(req.Authorisation.ScaStatus, backendFailure(err)))
	}
	status := res.ScaStatus
	switch status {
	case domain.ScaMethodSelected, domain.ScaExempted, domain.ScaFailed:
	default:
		status = domain.ScaMethodSelected
	}
	return h.withPsu(req, Outcome{
		ScaStatus:          status,
		ScaApproach:        domain.ApproachDecoupled,
		ChosenMethod:       method,
		PsuMessage:         res.PsuMessage,
		CurrencyConversion: res.CurrencyConversion,
	})
}

func (h *Handlers[T]) validate(ctx context.Context, req Request[T], code string) Outcome {
	res := h.Validator.Validate(ctx, req.Context, req.Authorisation, code, req.Parent)
	return Outcome{
		ScaStatus:          res.ScaStatus,
		TransactionStatus:  res.TransactionStatus,
		CurrencyConversion: res.CurrencyConversion,
		Errors:             res.Errors,
	}
}

// completeExternal folds the bank's report about SCA done outside the core.
func (h *Handlers[T]) completeExternal(req Request[T], ext ExternalResult) Outcome {
	if !ext.Success {
		out := failed(domain.NewMessageError(domain.CodeScaInvalid, "SCA was not completed"))
		out.TransactionStatus = ext.TransactionStatus
		return out
	}
	if h.Options.ConfirmationMandated {
		if ext.ConfirmationCode == "" {
			return pinned(req.Authorisation.ScaStatus, domain.NewMessageError(domain.CodeFormatError, "confirmation code is missing"))
		}
		return Outcome{ScaStatus: domain.ScaUnconfirmed, AuthenticationData: ext.ConfirmationCode}
	}
	return Outcome{ScaStatus: domain.ScaFinalised, TransactionStatus: ext.TransactionStatus}
}

// withPsu binds the PSU of this request to the authorisation.
func (h *Handlers[T]) withPsu(req Request[T], out Outcome) Outcome {
	if out.Psu.IsEmpty() && !req.Update.Psu.IsEmpty() {
		out.Psu = req.Update.Psu
	}
	return out
}
