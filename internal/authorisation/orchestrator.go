// Package authorisation is the entry point for SCA requests. An Orchestrator
// loads the authorisation and its parent, rejects requests against finalised
// state, runs the stage handler picked by the registry and persists the
// result with a conditional write.
//
// Backend calls happen between two transactions: state is read, the
// transaction is released, the bank is called and a second transaction writes
// the outcome only if nothing changed meanwhile.
package authorisation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qazna.org/xs2a/internal/audit"
	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/events"
	"qazna.org/xs2a/internal/ids"
	"qazna.org/xs2a/internal/obs"
	"qazna.org/xs2a/internal/redirect"
	"qazna.org/xs2a/internal/spi"
	"qazna.org/xs2a/internal/stage"
	"qazna.org/xs2a/internal/store"
)

// ErrConcurrentUpdate is returned when another request changed the
// authorisation between read and write. The caller may retry.
var ErrConcurrentUpdate = errors.New("authorisation: state changed concurrently")

// Parent is the business object behind an authorisation as seen by the
// orchestrator.
type Parent[T any] struct {
	Object T
	TppID  string
	Psus   []domain.PsuIdData
	// Finalised objects accept no further authorisation steps.
	Finalised     bool
	FinalisedCode domain.MessageErrorCode
}

// Capability adapts one business object type to the orchestrator.
type Capability[T any] interface {
	ObjectType() domain.ObjectType
	Supports(t domain.AuthorisationType) bool
	ResolveStage(t domain.AuthorisationType, approach domain.ScaApproach, status domain.ScaStatus) (stage.Handler[T], error)
	// LoadParent returns store.ErrNotFound for unknown ids.
	LoadParent(ctx context.Context, id string) (Parent[T], error)
	// SaveParent folds the step into the parent inside tx. The returned
	// function, when not nil, runs after commit.
	SaveParent(ctx context.Context, tx store.Tx, a domain.Authorisation, out stage.Outcome) (func(context.Context), error)
}

// TokenVerifier parses redirect tokens.
type TokenVerifier interface {
	Parse(token string) (*redirect.Claims, error)
}

// CreateRequest starts a new authorisation.
type CreateRequest struct {
	ParentID       string
	Type           domain.AuthorisationType
	Psu            domain.PsuIdData
	Approach       domain.ScaApproach
	TppID          string
	RedirectURI    string
	NokRedirectURI string
}

// CreateResult is returned by Create.
type CreateResult struct {
	AuthorisationID string
	ScaStatus       domain.ScaStatus
	ScaApproach     domain.ScaApproach
	RedirectURL     string
	Errors          []domain.MessageError
}

// UpdateResult is returned by Update and the completion callbacks.
type UpdateResult struct {
	AuthorisationID    string
	ScaStatus          domain.ScaStatus
	ScaApproach        domain.ScaApproach
	Psu                domain.PsuIdData
	ChosenMethod       *domain.AuthenticationObject
	AvailableMethods   []domain.AuthenticationObject
	Challenge          *domain.ChallengeData
	PsuMessage         string
	RedirectURL        string
	TransactionStatus  domain.TransactionStatus
	CurrencyConversion string
	Errors             []domain.MessageError
}

func (r UpdateResult) fail(errs ...domain.MessageError) UpdateResult {
	r.Errors = append(r.Errors, errs...)
	return r
}

// StatusResult is returned by GetStatus.
type StatusResult struct {
	ScaStatus   domain.ScaStatus
	ScaApproach domain.ScaApproach
	Errors      []domain.MessageError
}

type settings struct {
	ttl      time.Duration
	bus      *events.Bus
	now      func() time.Time
	verifier TokenVerifier
}

// Option configures an Orchestrator.
type Option func(*settings)

// WithTTL bounds how long an authorisation may stay open.
func WithTTL(d time.Duration) Option {
	return func(s *settings) { s.ttl = d }
}

// WithBus publishes every persisted transition.
func WithBus(bus *events.Bus) Option {
	return func(s *settings) { s.bus = bus }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRedirectVerifier enables CompleteRedirect.
func WithRedirectVerifier(v TokenVerifier) Option {
	return func(s *settings) { s.verifier = v }
}

// Orchestrator drives authorisations of one object type.
type Orchestrator[T any] struct {
	store store.Store
	cap   Capability[T]
	settings
}

// New creates an orchestrator.
func New[T any](st store.Store, capability Capability[T], opts ...Option) *Orchestrator[T] {
	s := settings{ttl: 15 * time.Minute, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&s)
	}
	return &Orchestrator[T]{store: st, cap: capability, settings: s}
}

// ObjectType is the object type this orchestrator serves.
func (o *Orchestrator[T]) ObjectType() domain.ObjectType { return o.cap.ObjectType() }

// Create starts an authorisation in RECEIVED. Under the redirect approach the
// result carries the online-banking link.
func (o *Orchestrator[T]) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if req.Approach == "" {
		req.Approach = domain.ApproachEmbedded
	}
	switch {
	case !o.cap.Supports(req.Type):
		return CreateResult{Errors: msgs(domain.CodeServiceInvalid, "authorisation type %s is not supported for %s", req.Type, o.cap.ObjectType())}, nil
	case !req.Approach.Valid():
		return CreateResult{Errors: msgs(domain.CodeFormatError, "unknown SCA approach %q", req.Approach)}, nil
	}
	if _, err := o.cap.ResolveStage(req.Type, req.Approach, domain.ScaReceived); err != nil {
		return CreateResult{Errors: msgs(domain.CodeServiceInvalid, "SCA approach %s is not offered for %s", req.Approach, o.cap.ObjectType())}, nil
	}

	parent, errs, err := o.loadParent(ctx, req.ParentID)
	if err != nil || len(errs) > 0 {
		return CreateResult{Errors: errs}, err
	}
	if req.TppID != "" && parent.TppID != "" && req.TppID != parent.TppID {
		return CreateResult{Errors: msgs(domain.CodeResourceUnknown, "%s %s not found", o.cap.ObjectType(), req.ParentID)}, nil
	}

	now := o.now()
	a := domain.Authorisation{
		ID:             ids.New(),
		ParentID:       req.ParentID,
		Type:           req.Type,
		ObjectType:     o.cap.ObjectType(),
		ScaStatus:      domain.ScaReceived,
		ScaApproach:    req.Approach,
		Psu:            req.Psu,
		RedirectURI:    req.RedirectURI,
		NokRedirectURI: req.NokRedirectURI,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if o.ttl > 0 {
		a.ExpiresAt = now.Add(o.ttl)
	}

	var after func(context.Context)
	err = o.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateAuthorisation(ctx, a); err != nil {
			return err
		}
		a.Version = 1
		var err error
		after, err = o.cap.SaveParent(ctx, tx, a, stage.Outcome{ScaStatus: domain.ScaReceived, Psu: req.Psu})
		return err
	})
	if errors.Is(err, store.ErrConflict) {
		return CreateResult{}, ErrConcurrentUpdate
	}
	if err != nil {
		return CreateResult{}, fmt.Errorf("create authorisation: %w", err)
	}
	if after != nil {
		after(ctx)
	}
	o.published(ctx, a, "", "authorisation.created")

	res := CreateResult{AuthorisationID: a.ID, ScaStatus: a.ScaStatus, ScaApproach: a.ScaApproach}
	if a.ScaApproach == domain.ApproachRedirect {
		h, err := o.cap.ResolveStage(a.Type, a.ScaApproach, a.ScaStatus)
		if err != nil {
			return res, o.dispatchFailed(ctx, a, err)
		}
		out := h.Handle(ctx, stage.Request[T]{
			Authorisation: a,
			Parent:        parent.Object,
			ParentPsus:    parent.Psus,
			Context:       o.spiContext(ctx, a, stage.Update{}, parent),
		})
		res.RedirectURL = out.RedirectURL
		res.Errors = append(res.Errors, out.Errors...)
	}
	return res, nil
}

// Update runs one step of the authorisation with data submitted by the TPP.
func (o *Orchestrator[T]) Update(ctx context.Context, id string, upd stage.Update) (UpdateResult, error) {
	upd.External = nil
	return o.update(ctx, id, upd)
}

// CompleteRedirect records the outcome of SCA done in online banking. The
// token is the one embedded in the redirect link.
func (o *Orchestrator[T]) CompleteRedirect(ctx context.Context, token string, ext stage.ExternalResult) (UpdateResult, error) {
	if o.verifier == nil {
		return UpdateResult{Errors: msgs(domain.CodeServiceInvalid, "redirect approach is not enabled")}, nil
	}
	claims, err := o.verifier.Parse(token)
	if err != nil {
		return UpdateResult{Errors: msgs(domain.CodeScaInvalid, "redirect token rejected")}, nil
	}
	id := claims.Subject
	if domain.ObjectType(claims.ObjectType) != o.cap.ObjectType() {
		return UpdateResult{AuthorisationID: id, Errors: msgs(domain.CodeResourceUnknown, "authorisation %s not found", id)}, nil
	}
	a, err := o.store.GetAuthorisation(ctx, id)
	if err == nil && a.ParentID != claims.ParentID {
		return UpdateResult{AuthorisationID: id, Errors: msgs(domain.CodeScaInvalid, "redirect token does not match the authorisation")}, nil
	}
	return o.update(ctx, id, stage.Update{External: &ext})
}

// CompleteDecoupled records the outcome of SCA done in the PSU's banking app.
func (o *Orchestrator[T]) CompleteDecoupled(ctx context.Context, id string, ext stage.ExternalResult) (UpdateResult, error) {
	return o.update(ctx, id, stage.Update{External: &ext})
}

// GetStatus reports the SCA status of an authorisation.
func (o *Orchestrator[T]) GetStatus(ctx context.Context, id string) (StatusResult, error) {
	a, err := o.store.GetAuthorisation(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && a.ObjectType != o.cap.ObjectType()) {
		return StatusResult{Errors: msgs(domain.CodeResourceUnknown, "authorisation %s not found", id)}, nil
	}
	if err != nil {
		return StatusResult{}, fmt.Errorf("get authorisation: %w", err)
	}
	return StatusResult{ScaStatus: a.ScaStatus, ScaApproach: a.ScaApproach}, nil
}

// ListAuthorisationIDs lists the authorisations of typ on a parent in
// creation order.
func (o *Orchestrator[T]) ListAuthorisationIDs(ctx context.Context, parentID string, typ domain.AuthorisationType) ([]string, error) {
	auths, err := o.store.ListAuthorisations(ctx, parentID, typ)
	if err != nil {
		return nil, fmt.Errorf("list authorisations: %w", err)
	}
	out := make([]string, 0, len(auths))
	for _, a := range auths {
		if a.ObjectType == o.cap.ObjectType() {
			out = append(out, a.ID)
		}
	}
	return out, nil
}

func (o *Orchestrator[T]) update(ctx context.Context, id string, upd stage.Update) (UpdateResult, error) {
	a, err := o.store.GetAuthorisation(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && a.ObjectType != o.cap.ObjectType()) {
		return UpdateResult{AuthorisationID: id}.fail(domain.NewMessageError(domain.CodeResourceUnknown, "authorisation %s not found", id)), nil
	}
	if err != nil {
		return UpdateResult{}, fmt.Errorf("get authorisation: %w", err)
	}
	res := UpdateResult{AuthorisationID: a.ID, ScaStatus: a.ScaStatus, ScaApproach: a.ScaApproach, Psu: a.Psu}

	switch {
	case upd.ConfirmationCode != "" && a.ScaStatus != domain.ScaUnconfirmed:
		return res.fail(domain.NewMessageError(domain.CodeScaInvalid, "confirmation code is not expected in status %s", a.ScaStatus)), nil
	case upd.ScaAuthenticationData != "" && a.IsFinalised():
		return res.fail(domain.NewMessageError(domain.CodeScaInvalid, "authorisation %s is already %s", a.ID, a.ScaStatus)), nil
	case a.IsFinalised():
		return res.fail(domain.NewMessageError(domain.CodeStatusInvalid, "authorisation %s is already %s", a.ID, a.ScaStatus)), nil
	case !upd.Psu.IsEmpty() && !a.Psu.IsEmpty() && !a.Psu.ContentEquals(upd.Psu):
		return res.fail(domain.NewMessageError(domain.CodePsuCredentialsInvalid, "PSU does not match the authorisation")), nil
	case upd.External != nil && a.ScaApproach != domain.ApproachRedirect && a.ScaApproach != domain.ApproachDecoupled:
		return res.fail(domain.NewMessageError(domain.CodeServiceInvalid, "%s authorisations are not completed by the bank", a.ScaApproach)), nil
	}

	now := o.now()
	if a.IsExpired(now) || a.CodeExpired(now) {
		out := stage.Outcome{
			ScaStatus: domain.ScaFailed,
			Errors:    msgs(domain.CodeScaInvalid, "authorisation %s expired", a.ID),
		}
		return o.commit(ctx, a, out, res)
	}

	parent, errs, err := o.loadParent(ctx, a.ParentID)
	if err != nil || len(errs) > 0 {
		return res.fail(errs...), err
	}

	h, err := o.cap.ResolveStage(a.Type, a.ScaApproach, a.ScaStatus)
	if err != nil {
		return res, o.dispatchFailed(ctx, a, err)
	}
	out := h.Handle(ctx, stage.Request[T]{
		Authorisation: a,
		Parent:        parent.Object,
		ParentPsus:    parent.Psus,
		Update:        upd,
		Context:       o.spiContext(ctx, a, upd, parent),
	})
	if err := stage.CheckTransition(a.ScaStatus, out.ScaStatus); err != nil {
		return res, o.dispatchFailed(ctx, a, err)
	}
	return o.commit(ctx, a, out, res)
}

// commit persists out on top of a. Nothing is written when the step changed
// nothing.
func (o *Orchestrator[T]) commit(ctx context.Context, a domain.Authorisation, out stage.Outcome, res UpdateResult) (UpdateResult, error) {
	next := merge(a, out)
	res.ScaStatus = next.ScaStatus
	res.ScaApproach = next.ScaApproach
	res.Psu = next.Psu
	res.ChosenMethod = out.ChosenMethod
	res.AvailableMethods = out.AvailableMethods
	res.Challenge = out.Challenge
	res.PsuMessage = out.PsuMessage
	res.RedirectURL = out.RedirectURL
	res.TransactionStatus = out.TransactionStatus
	res.CurrencyConversion = out.CurrencyConversion
	res.Errors = append(res.Errors, out.Errors...)

	if next == a && out.TransactionStatus == "" {
		return res, nil
	}
	next.UpdatedAt = o.now()

	var (
		saved domain.Authorisation
		after func(context.Context)
	)
	err := o.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		saved, err = tx.SaveAuthorisation(ctx, next, a.ScaStatus)
		if err != nil {
			return err
		}
		after, err = o.cap.SaveParent(ctx, tx, saved, out)
		return err
	})
	if errors.Is(err, store.ErrConflict) {
		obs.Logger().Warn("authorisation changed concurrently",
			"authorisation_id", a.ID,
			"object_type", a.ObjectType,
			"expected_status", a.ScaStatus,
		)
		return res, ErrConcurrentUpdate
	}
	if err != nil {
		return res, fmt.Errorf("save authorisation %s: %w", a.ID, err)
	}
	if after != nil {
		after(ctx)
	}
	if saved.ScaStatus != a.ScaStatus {
		obs.ObserveTransition(string(saved.ObjectType), string(a.ScaStatus), string(saved.ScaStatus))
		obs.Logger().Info("authorisation transition",
			"authorisation_id", saved.ID,
			"object_type", saved.ObjectType,
			"from", a.ScaStatus,
			"to", saved.ScaStatus,
		)
		o.published(ctx, saved, a.ScaStatus, "authorisation.status_changed")
	}
	return res, nil
}

// merge applies the non-zero parts of out. Authentication data never
// survives a terminal status.
func merge(a domain.Authorisation, out stage.Outcome) domain.Authorisation {
	n := a
	if out.ScaStatus != "" {
		n.ScaStatus = out.ScaStatus
	}
	if out.ScaApproach != "" {
		n.ScaApproach = out.ScaApproach
	}
	if n.Psu.IsEmpty() && !out.Psu.IsEmpty() {
		n.Psu = out.Psu
	}
	if out.ChosenMethod != nil {
		n.AuthenticationMethodID = out.ChosenMethod.AuthenticationMethodID
	}
	if out.AuthenticationData != "" {
		n.AuthenticationData = out.AuthenticationData
		n.CodeExpiresAt = out.CodeExpiresAt
	}
	if n.ScaStatus.IsFinalised() {
		n.AuthenticationData = ""
		n.CodeExpiresAt = time.Time{}
	}
	return n
}

func (o *Orchestrator[T]) loadParent(ctx context.Context, id string) (Parent[T], []domain.MessageError, error) {
	parent, err := o.cap.LoadParent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return parent, msgs(domain.CodeResourceUnknown, "%s %s not found", o.cap.ObjectType(), id), nil
	}
	if err != nil {
		return parent, nil, fmt.Errorf("load %s %s: %w", o.cap.ObjectType(), id, err)
	}
	if parent.Finalised {
		code := parent.FinalisedCode
		if code == "" {
			code = domain.CodeStatusInvalid
		}
		return parent, msgs(code, "%s %s is finalised", o.cap.ObjectType(), id), nil
	}
	return parent, nil, nil
}

func (o *Orchestrator[T]) spiContext(ctx context.Context, a domain.Authorisation, upd stage.Update, parent Parent[T]) spi.Context {
	requestID, err := uuid.Parse(audit.RequestIDFromContext(ctx))
	if err != nil {
		requestID = ids.NewRequestID()
	}
	p := upd.Psu
	if p.IsEmpty() {
		p = a.Psu
	}
	tpp := audit.TppIDFromContext(ctx)
	if tpp == "" {
		tpp = parent.TppID
	}
	return spi.Context{
		RequestID:         requestID,
		Psu:               p,
		TppID:             tpp,
		AuthorisationID:   a.ID,
		AuthorisationType: a.Type,
	}
}

func (o *Orchestrator[T]) dispatchFailed(ctx context.Context, a domain.Authorisation, err error) error {
	key := stage.Key{Direction: stage.DirectionOf(a.Type), Approach: a.ScaApproach, Status: a.ScaStatus}
	obs.ObserveDispatchError(string(o.cap.ObjectType()), key.String())
	obs.Logger().ErrorContext(ctx, "authorisation dispatch failed",
		"authorisation_id", a.ID,
		"object_type", o.cap.ObjectType(),
		"key", key.String(),
		"err", err,
	)
	return fmt.Errorf("authorisation %s: %w", a.ID, err)
}

func (o *Orchestrator[T]) published(ctx context.Context, a domain.Authorisation, from domain.ScaStatus, event string) {
	_ = audit.LogEvent(ctx, event, map[string]any{
		"authorisation_id": a.ID,
		"parent_id":        a.ParentID,
		"object_type":      string(a.ObjectType),
		"type":             string(a.Type),
		"from":             string(from),
		"to":               string(a.ScaStatus),
	})
	o.bus.Publish(events.StatusChanged{
		Kind:       events.KindAuthorisation,
		ObjectType: a.ObjectType,
		ID:         a.ID,
		ParentID:   a.ParentID,
		From:       string(from),
		To:         string(a.ScaStatus),
		Timestamp:  a.UpdatedAt,
	})
}

func msgs(code domain.MessageErrorCode, format string, args ...any) []domain.MessageError {
	return []domain.MessageError{domain.NewMessageError(code, format, args...)}
}
