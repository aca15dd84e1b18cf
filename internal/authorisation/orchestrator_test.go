package authorisation_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qazna.org/xs2a/internal/ais"
	"qazna.org/xs2a/internal/authorisation"
	"qazna.org/xs2a/internal/confirm"
	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/events"
	"qazna.org/xs2a/internal/lifecycle"
	"qazna.org/xs2a/internal/pis"
	"qazna.org/xs2a/internal/piis"
	"qazna.org/xs2a/internal/redirect"
	"qazna.org/xs2a/internal/spi"
	"qazna.org/xs2a/internal/spi/sandbox"
	"qazna.org/xs2a/internal/stage"
	"qazna.org/xs2a/internal/store"
)

// counting wraps a backend and counts calls.
type counting[T any] struct {
	spi.Backend[T]
	calls atomic.Int64
}

func (c *counting[T]) AuthenticatePsu(ctx context.Context, sc spi.Context, p domain.PsuIdData, pw string, obj T) (spi.AuthResult, error) {
	c.calls.Add(1)
	return c.Backend.AuthenticatePsu(ctx, sc, p, pw, obj)
}

func (c *counting[T]) ListScaMethods(ctx context.Context, sc spi.Context, obj T) ([]domain.AuthenticationObject, error) {
	c.calls.Add(1)
	return c.Backend.ListScaMethods(ctx, sc, obj)
}

func (c *counting[T]) RequestAuthorisationCode(ctx context.Context, sc spi.Context, methodID string, obj T) (spi.CodeResult, error) {
	c.calls.Add(1)
	return c.Backend.RequestAuthorisationCode(ctx, sc, methodID, obj)
}

func (c *counting[T]) StartDecoupled(ctx context.Context, sc spi.Context, authID, methodID string, obj T) (spi.DecoupledResult, error) {
	c.calls.Add(1)
	return c.Backend.StartDecoupled(ctx, sc, authID, methodID, obj)
}

func (c *counting[T]) ExecuteWithoutSca(ctx context.Context, sc spi.Context, obj T) (spi.ExecutionResult, error) {
	c.calls.Add(1)
	return c.Backend.ExecuteWithoutSca(ctx, sc, obj)
}

func (c *counting[T]) ValidateConfirmationCode(ctx context.Context, sc spi.Context, code string, obj T) (spi.ConfirmationResult, error) {
	c.calls.Add(1)
	return c.Backend.ValidateConfirmationCode(ctx, sc, code, obj)
}

func (c *counting[T]) NotifyConfirmationCodeOutcome(ctx context.Context, sc spi.Context, valid bool, obj T) (spi.ConfirmationResult, error) {
	c.calls.Add(1)
	return c.Backend.NotifyConfirmationCodeOutcome(ctx, sc, valid, obj)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	st       *store.Memory
	bank     *sandbox.Bank
	clock    *clock
	bus      *events.Bus
	payments *lifecycle.Payments
	consents *lifecycle.Consents
	backend  *counting[domain.Payment]
	pis      *authorisation.Orchestrator[domain.Payment]
	ais      *authorisation.Orchestrator[domain.Consent]
	piis     *authorisation.Orchestrator[domain.Consent]
}

func newEnv(t *testing.T, opts stage.Options) *env {
	t.Helper()
	clk := &clock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	bus := events.New()
	bank := sandbox.New(sandbox.WithClock(clk.now))
	require.NoError(t, bank.RegisterPsu("zero", "pw", false))
	require.NoError(t, bank.RegisterPsu("zero2", "pw", false))
	require.NoError(t, bank.RegisterPsu("single", "pw", false, sandbox.MethodSMS))
	require.NoError(t, bank.RegisterPsu("multi", "pw", false, sandbox.MethodSMS, sandbox.MethodChipTAN))
	require.NoError(t, bank.RegisterPsu("mixed", "pw", false, sandbox.MethodSMS, sandbox.MethodApp))

	signer, err := redirect.NewSigner([]byte("test-secret"), "https://bank.example/sca", 10*time.Minute, redirect.WithClock(clk.now))
	require.NoError(t, err)

	payments := lifecycle.NewPayments(st, lifecycle.WithClock(clk.now), lifecycle.WithBus(bus))
	consents := lifecycle.NewConsents(st, lifecycle.WithClock(clk.now), lifecycle.WithBus(bus))
	backend := &counting[domain.Payment]{Backend: bank.Payments()}

	opts.CodeTTL = 5 * time.Minute
	pisCap, err := pis.New(pis.Deps{
		Payments:     payments,
		Initiation:   backend,
		Cancellation: bank.Cancellations(),
		Policy:       confirm.PolicyLocal,
		Options:      opts,
		Links:        signer,
		Now:          clk.now,
	})
	require.NoError(t, err)
	consentDeps := ais.Deps{Consents: consents, Backend: bank.Consents(), Policy: confirm.PolicyLocal, Options: opts, Links: signer, Now: clk.now}
	aisCap, err := ais.New(consentDeps)
	require.NoError(t, err)
	piisCap, err := piis.New(consentDeps)
	require.NoError(t, err)

	common := []authorisation.Option{
		authorisation.WithClock(clk.now),
		authorisation.WithBus(bus),
		authorisation.WithTTL(15 * time.Minute),
		authorisation.WithRedirectVerifier(signer),
	}
	return &env{
		st: st, bank: bank, clock: clk, bus: bus,
		payments: payments, consents: consents, backend: backend,
		pis:  authorisation.New[domain.Payment](st, pisCap, common...),
		ais:  authorisation.New[domain.Consent](st, aisCap, common...),
		piis: authorisation.New[domain.Consent](st, piisCap, common...),
	}
}

func (e *env) payment(t *testing.T, psus ...domain.PsuIdData) domain.Payment {
	t.Helper()
	p, err := e.payments.Create(context.Background(), domain.Payment{
		TppID: "tpp-1", Psus: psus, DebtorIBAN: "DE02120300000000202051", CreditorIBAN: "DE89370400440532013000",
		CreditorName: "Merchant", Amount: domain.Money{Currency: "EUR", Amount: 4200},
	})
	require.NoError(t, err)
	return p
}

func (e *env) start(t *testing.T, p domain.Payment, approach domain.ScaApproach) string {
	t.Helper()
	res, err := e.pis.Create(context.Background(), authorisation.CreateRequest{
		ParentID: p.ID, Type: domain.AuthorisationPisCreation, Approach: approach, TppID: "tpp-1",
	})
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	assert.Equal(t, domain.ScaReceived, res.ScaStatus)
	return res.AuthorisationID
}

func login(id string) stage.Update {
	return stage.Update{Psu: domain.PsuIdData{ID: id}, Password: "pw"}
}

func (e *env) txStatus(t *testing.T, id string) domain.TransactionStatus {
	t.Helper()
	p, err := e.payments.Get(context.Background(), id)
	require.NoError(t, err)
	return p.TransactionStatus
}

func TestZeroMethodsFinaliseImmediately(t *testing.T) {
	e := newEnv(t, stage.Options{})
	p := e.payment(t)
	id := e.start(t, p, domain.ApproachEmbedded)

	res, err := e.pis.Update(context.Background(), id, login("zero"))
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, domain.ScaFinalised, res.ScaStatus)
	assert.Nil(t, res.Challenge)
	assert.Empty(t, res.AvailableMethods)
	assert.Equal(t, domain.TxAccepted, e.txStatus(t, p.ID))

	stored, err := e.payments.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.PsuIdData{{ID: "zero"}}, stored.Psus)
}

func TestSingleMethodSendsChallenge(t *testing.T) {
	e := newEnv(t, stage.Options{})
	id := e.start(t, e.payment(t), domain.ApproachEmbedded)

	res, err := e.pis.Update(context.Background(), id, login("single"))
	require.NoError(t, err)
	assert.Equal(t, domain.ScaMethodSelected, res.ScaStatus)
	assert.NotNil(t, res.Challenge)
	assert.Empty(t, res.AvailableMethods)

	a, err := e.st.GetAuthorisation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "sms", a.AuthenticationMethodID)
	assert.Equal(t, "single", a.Psu.ID)
	assert.Equal(t, e.clock.now().Add(5*time.Minute), a.CodeExpiresAt)
}

func TestTwoMethodsNeedSelection(t *testing.T) {
	e := newEnv(t, stage.Options{})
	id := e.start(t, e.payment(t), domain.ApproachEmbedded)

	res, err := e.pis.Update(context.Background(), id, login("multi"))
	require.NoError(t, err)
	assert.Equal(t, domain.ScaPsuAuthenticated, res.ScaStatus)
	require.Len(t, res.AvailableMethods, 2)

	res, err = e.pis.Update(context.Background(), id, stage.Update{AuthenticationMethodID: "chiptan"})
	require.NoError(t, err)
	assert.Equal(t, domain.ScaMethodSelected, res.ScaStatus)
	require.NotNil(t, res.ChosenMethod)
	assert.Equal(t, "chiptan", res.ChosenMethod.AuthenticationMethodID)
}

func TestConfirmationWithCorrectCode(t *testing.T) {
	e := newEnv(t, stage.Options{})
	p := e.payment(t)
	id := e.start(t, p, domain.ApproachEmbedded)
	_, err := e.pis.Update(context.Background(), id, login("single"))
	require.NoError(t, err)
	tan, ok := e.bank.CurrentCode(id)
	require.True(t, ok)

	res, err := e.pis.Update(context.Background(), id, stage.Update{ScaAuthenticationData: tan})
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, domain.ScaFinalised, res.ScaStatus)
	assert.Equal(t, domain.TxAccepted, e.txStatus(t, p.ID))

	a, err := e.st.GetAuthorisation(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, a.AuthenticationData, "the TAN is dropped once finalised")

	// The same code again fails without reaching the bank.
	before := e.backend.calls.Load()
	res, err = e.pis.Update(context.Background(), id, stage.Update{ScaAuthenticationData: tan})
	require.NoError(t, err)
	assert.True(t, domain.HasCode(res.Errors, domain.CodeScaInvalid))
	assert.Equal(t, before, e.backend.calls.Load())
}

func TestConfirmationWithWrongCode(t *testing.T) {
	e := newEnv(t, stage.Options{})
	p := e.payment(t)
	id := e.start(t, p, domain.ApproachEmbedded)
	_, err := e.pis.Update(context.Background(), id, login("single"))
	require.NoError(t, err)

	res, err := e.pis.Update(context.Background(), id, stage.Update{ScaAuthenticationData: "not-the-tan"})
	require.NoError(t, err)
	assert.Equal(t, domain.ScaFailed, res.ScaStatus)
	assert.True(t, domain.HasCode(res.Errors, domain.CodeScaInvalid))
	assert.Equal(t, domain.TxReceived, e.txStatus(t, p.ID))
}

func TestFinalisedAuthorisationIsImmutable(t *testing.T) {
	e := newEnv(t, stage.Options{})
	id := e.start(t, e.payment(t), domain.ApproachEmbedded)
	_, err := e.pis.Update(context.Background(), id, login("zero"))
	require.NoError(t, err)

	before, err := e.st.GetAuthorisation(context.Background(), id)
	require.NoError(t, err)
	calls := e.backend.calls.Load()

	for _, upd := range []stage.Update{
		login("zero"),
		{AuthenticationMethodID: "sms"},
		{ConfirmationCode: "123456"},
		{},
	} {
		res, err := e.pis.Update(context.Background(), id, upd)
		require.NoError(t, err)
		require.NotEmpty(t, res.Errors)
		assert.Equal(t, domain.ScaFinalised, res.ScaStatus)
	}

	after, err := e.st.GetAuthorisation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, calls, e.backend.calls.Load())
}

func TestConcurrentCodeSubmissionSucceedsOnce(t *testing.T) {
	e := newEnv(t, stage.Options{})
	id := e.start(t, e.payment(t), domain.ApproachEmbedded)
	_, err := e.pis.Update(context.Background(), id, login("single"))
	require.NoError(t, err)
	tan, _ := e.bank.CurrentCode(id)

	var (
		wg        sync.WaitGroup
		successes atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.pis.Update(context.Background(), id, stage.Update{ScaAuthenticationData: tan})
			if err != nil {
				assert.ErrorIs(t, err, authorisation.ErrConcurrentUpdate)
				return
			}
			if len(res.Errors) == 0 && res.ScaStatus == domain.ScaFinalised {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), successes.Load())
}

func TestPsuMismatchIsRejected(t *testing.T) {
	e := newEnv(t, stage.Options{})
	id := e.start(t, e.payment(t), domain.ApproachEmbedded)
	_, err := e.pis.Update(context.Background(), id, login("multi"))
	require.NoError(t, err)

	res, err := e.pis.Update(context.Background(), id, stage.Update{Psu: domain.PsuIdData{ID: "single"}, AuthenticationMethodID: "sms"})
	require.NoError(t, err)
	assert.True(t, domain.HasCode(res.Errors, domain.CodePsuCredentialsInvalid))
	assert.Equal(t, domain.ScaPsuAuthenticated, res.ScaStatus)
}

func TestIdentifiedPsuMustBeListedOnPayment(t *testing.T) {
	e := newEnv(t, stage.Options{})
	ctx := context.Background()
	p := e.payment(t, domain.PsuIdData{ID: "single"})

	id := e.start(t, p, domain.ApproachEmbedded)
	res, err := e.pis.Update(ctx, id, stage.Update{Psu: domain.PsuIdData{ID: "zero"}})
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	assert.Equal(t, domain.ScaPsuIdentified, res.ScaStatus)

	stored, err := e.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.PsuIdData{{ID: "single"}}, stored.Psus, "identification alone does not add a PSU")
	assert.False(t, stored.MultilevelScaRequired)

	res, err = e.pis.Update(ctx, id, login("zero"))
	require.NoError(t, err)
	assert.Equal(t, domain.ScaFailed, res.ScaStatus)
	assert.True(t, domain.HasCode(res.Errors, domain.CodePsuCredentialsInvalid))

	stored, err = e.payments.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.PsuIdData{{ID: "single"}}, stored.Psus)
	assert.False(t, stored.MultilevelScaRequired)
	assert.Equal(t, domain.TxReceived, stored.TransactionStatus)

	id = e.start(t, p, domain.ApproachEmbedded)
	res, err = e.pis.Update(ctx, id, stage.Update{Psu: domain.PsuIdData{ID: "single"}})
	require.NoError(t, err)
	assert.Equal(t, domain.ScaPsuIdentified, res.ScaStatus)
	res, err = e.pis.Update(ctx, id, login("single"))
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	assert.Equal(t, domain.ScaMethodSelected, res.ScaStatus)
}

func TestExpiredAuthorisationFails(t *testing.T) {
	e := newEnv(t, stage.Options{})
	id := e.start(t, e.payment(t), domain.ApproachEmbedded)
	e.clock.advance(16 * time.Minute)

	res, err := e.pis.Update(context.Background(), id, login("single"))
	require.NoError(t, err)
	assert.Equal(t, domain.ScaFailed, res.ScaStatus)
	assert.True(t, domain.HasCode(res.Errors, domain.CodeScaInvalid))

	st, err := e.pis.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.ScaFailed, st.ScaStatus)
}

func TestStaleTanFails(t *testing.T) {
	e := newEnv(t, stage.Options{})
	id := e.start(t, e.payment(t), domain.ApproachEmbedded)
	_, err := e.pis.Update(context.Background(), id, login("single"))
	require.NoError(t, err)
	tan, _ := e.bank.CurrentCode(id)
	e.clock.advance(6 * time.Minute)

	res, err := e.pis.Update(context.Background(), id, stage.Update{ScaAuthenticationData: tan})
	require.NoError(t, err)
	assert.Equal(t, domain.ScaFailed, res.ScaStatus)
}

func TestUnknownAuthorisation(t *testing.T) {
	e := newEnv(t, stage.Options{})
	res, err := e.pis.Update(context.Background(), "nope", login("zero"))
	require.NoError(t, err)
	assert.True(t, domain.HasCode(res.Errors, domain.CodeResourceUnknown))

	st, err := e.pis.GetStatus(context.Background(), "nope")
	require.NoError(t, err)
	assert.True(t, domain.HasCode(st.Errors, domain.CodeResourceUnknown))

	cr, err := e.pis.Create(context.Background(), authorisation.CreateRequest{ParentID: "nope", Type: domain.AuthorisationPisCreation})
	require.NoError(t, err)
	assert.True(t, domain.HasCode(cr.Errors, domain.CodeResourceUnknown))

	cr, err = e.pis.Create(context.Background(), authorisation.CreateRequest{ParentID: "nope", Type: domain.AuthorisationConsent})
	require.NoError(t, err)
	assert.True(t, domain.HasCode(cr.Errors, domain.CodeServiceInvalid))
}

func TestAuthorisationOfOtherObjectTypeIsHidden(t *testing.T) {
	e := newEnv(t, stage.Options{})
	id := e.start(t, e.payment(t), domain.ApproachEmbedded)
	res, err := e.ais.Update(context.Background(), id, login("zero"))
	require.NoError(t, err)
	assert.True(t, domain.HasCode(res.Errors, domain.CodeResourceUnknown))
}

func TestCancellation(t *testing.T) {
	e := newEnv(t, stage.Options{})
	p := e.payment(t)
	id := e.start(t, p, domain.ApproachEmbedded)
	_, err := e.pis.Update(context.Background(), id, login("zero"))
	require.NoError(t, err)
	require.Equal(t, domain.TxAccepted, e.txStatus(t, p.ID))

	cr, err := e.pis.Create(context.Background(), authorisation.CreateRequest{
		ParentID: p.ID, Type: domain.AuthorisationPisCancellation, Approach: domain.ApproachEmbedded,
	})
	require.NoError(t, err)
	require.Empty(t, cr.Errors)

	res, err := e.pis.Update(context.Background(), cr.AuthorisationID, login("zero"))
	require.NoError(t, err)
	assert.Equal(t, domain.ScaFinalised, res.ScaStatus)
	assert.Equal(t, domain.TxCancelled, e.txStatus(t, p.ID))

	ids, err := e.pis.ListAuthorisationIDs(context.Background(), p.ID, domain.AuthorisationPisCancellation)
	require.NoError(t, err)
	assert.Equal(t, []string{cr.AuthorisationID}, ids)

	// A cancelled payment takes no further authorisations.
	cr, err = e.pis.Create(context.Background(), authorisation.CreateRequest{ParentID: p.ID, Type: domain.AuthorisationPisCreation})
	require.NoError(t, err)
	assert.True(t, domain.HasCode(cr.Errors, domain.CodeStatusInvalid))
}

func TestDecoupledMethodCompletedByBank(t *testing.T) {
	e := newEnv(t, stage.Options{AllowDecoupled: true})
	p := e.payment(t)
	id := e.start(t, p, domain.ApproachEmbedded)
	_, err := e.pis.Update(context.Background(), id, login("mixed"))
	require.NoError(t, err)

	res, err := e.pis.Update(context.Background(), id, stage.Update{AuthenticationMethodID: "app"})
	require.NoError(t, err)
	assert.Equal(t, domain.ScaMethodSelected, res.ScaStatus)
	assert.Equal(t, domain.ApproachDecoupled, res.ScaApproach)
	assert.NotEmpty(t, res.PsuMessage)

	res, err = e.pis.Update(context.Background(), id, stage.Update{ScaAuthenticationData: "123456"})
	require.NoError(t, err)
	assert.True(t, domain.HasCode(res.Errors, domain.CodeStatusInvalid))

	res, err = e.pis.CompleteDecoupled(context.Background(), id, stage.ExternalResult{Success: true, TransactionStatus: domain.TxAccepted})
	require.NoError(t, err)
	assert.Equal(t, domain.ScaFinalised, res.ScaStatus)
	assert.Equal(t, domain.TxAccepted, e.txStatus(t, p.ID))
}

func TestExternalResultOnEmbeddedIsRejected(t *testing.T) {
	e := newEnv(t, stage.Options{})
	id := e.start(t, e.payment(t), domain.ApproachEmbedded)
	res, err := e.pis.CompleteDecoupled(context.Background(), id, stage.ExternalResult{Success: true})
	require.NoError(t, err)
	assert.True(t, domain.HasCode(res.Errors, domain.CodeServiceInvalid))
}

func TestRedirectWithMandatedConfirmation(t *testing.T) {
	e := newEnv(t, stage.Options{ConfirmationMandated: true})
	p := e.payment(t)
	cr, err := e.pis.Create(context.Background(), authorisation.CreateRequest{
		ParentID: p.ID, Type: domain.AuthorisationPisCreation, Approach: domain.ApproachRedirect,
		Psu: domain.PsuIdData{ID: "single"},
	})
	require.NoError(t, err)
	require.Empty(t, cr.Errors)
	require.NotEmpty(t, cr.RedirectURL)

	u, err := url.Parse(cr.RedirectURL)
	require.NoError(t, err)
	token := u.Query().Get("token")

	res, err := e.pis.CompleteRedirect(context.Background(), "forged", stage.ExternalResult{Success: true})
	require.NoError(t, err)
	assert.True(t, domain.HasCode(res.Errors, domain.CodeScaInvalid))

	res, err = e.pis.CompleteRedirect(context.Background(), token, stage.ExternalResult{Success: true, ConfirmationCode: "c0de"})
	require.NoError(t, err)
	assert.Equal(t, domain.ScaUnconfirmed, res.ScaStatus)

	res, err = e.pis.Update(context.Background(), cr.AuthorisationID, stage.Update{ConfirmationCode: "c0de"})
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, domain.ScaFinalised, res.ScaStatus)
	assert.Equal(t, domain.TxAccepted, e.txStatus(t, p.ID))

	res, err = e.pis.Update(context.Background(), cr.AuthorisationID, stage.Update{ConfirmationCode: "c0de"})
	require.NoError(t, err)
	assert.True(t, domain.HasCode(res.Errors, domain.CodeScaInvalid))
}

func TestConfirmationCodeOutsideUnconfirmed(t *testing.T) {
	e := newEnv(t, stage.Options{})
	id := e.start(t, e.payment(t), domain.ApproachEmbedded)
	calls := e.backend.calls.Load()
	res, err := e.pis.Update(context.Background(), id, stage.Update{ConfirmationCode: "c0de"})
	require.NoError(t, err)
	assert.True(t, domain.HasCode(res.Errors, domain.CodeScaInvalid))
	assert.Equal(t, calls, e.backend.calls.Load())
}

func TestMultilevelConsent(t *testing.T) {
	e := newEnv(t, stage.Options{})
	ctx := context.Background()
	c, err := e.consents.Create(ctx, domain.Consent{
		TppID: "tpp-1", Recurring: true, Psus: []domain.PsuIdData{{ID: "zero"}, {ID: "zero2"}},
	})
	require.NoError(t, err)

	authorise := func(psuID string) {
		cr, err := e.ais.Create(ctx, authorisation.CreateRequest{ParentID: c.ID, Type: domain.AuthorisationConsent, Psu: domain.PsuIdData{ID: psuID}})
		require.NoError(t, err)
		require.Empty(t, cr.Errors)
		res, err := e.ais.Update(ctx, cr.AuthorisationID, stage.Update{Password: "pw"})
		require.NoError(t, err)
		require.Equal(t, domain.ScaFinalised, res.ScaStatus)
	}

	authorise("zero")
	got, err := e.consents.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConsentPartiallyAuthorised, got.Status)

	authorise("zero2")
	got, err = e.consents.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConsentValid, got.Status)

	ids, err := e.ais.ListAuthorisationIDs(ctx, c.ID, domain.AuthorisationConsent)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestExpiredConsentRefusesAuthorisation(t *testing.T) {
	e := newEnv(t, stage.Options{})
	ctx := context.Background()
	c, err := e.consents.Create(ctx, domain.Consent{TppID: "tpp-1", Recurring: true, ValidUntil: e.clock.now()})
	require.NoError(t, err)
	e.clock.advance(48 * time.Hour)

	cr, err := e.ais.Create(ctx, authorisation.CreateRequest{ParentID: c.ID, Type: domain.AuthorisationConsent})
	require.NoError(t, err)
	assert.True(t, domain.HasCode(cr.Errors, domain.CodeConsentExpired))
}

func TestPiisHasNoDecoupledApproach(t *testing.T) {
	e := newEnv(t, stage.Options{AllowDecoupled: true})
	ctx := context.Background()
	c, err := e.consents.Create(ctx, domain.Consent{Type: domain.ConsentPIIS, TppID: "tpp-1"})
	require.NoError(t, err)

	cr, err := e.piis.Create(ctx, authorisation.CreateRequest{ParentID: c.ID, Type: domain.AuthorisationConsent, Approach: domain.ApproachDecoupled})
	require.NoError(t, err)
	assert.True(t, domain.HasCode(cr.Errors, domain.CodeServiceInvalid))

	// AIS consents are invisible to the PIIS orchestrator and vice versa.
	cr, err = e.ais.Create(ctx, authorisation.CreateRequest{ParentID: c.ID, Type: domain.AuthorisationConsent})
	require.NoError(t, err)
	assert.True(t, domain.HasCode(cr.Errors, domain.CodeResourceUnknown))

	// An authorisation that somehow carries an unmapped key is a hard failure.
	rogue := domain.Authorisation{
		ID: "rogue", ParentID: c.ID, Type: domain.AuthorisationConsent, ObjectType: domain.ObjectPIIS,
		ScaStatus: domain.ScaReceived, ScaApproach: domain.ApproachDecoupled,
	}
	require.NoError(t, e.st.InTx(ctx, func(tx store.Tx) error { return tx.CreateAuthorisation(ctx, rogue) }))
	_, err = e.piis.Update(ctx, "rogue", login("zero"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, stage.ErrDispatch))
	var de *stage.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "INITIATION_DECOUPLED_RECEIVED", de.Key.String())
}

func TestTransitionsArePublished(t *testing.T) {
	e := newEnv(t, stage.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := e.bus.Subscribe(ctx)

	p := e.payment(t)
	id := e.start(t, p, domain.ApproachEmbedded)
	_, err := e.pis.Update(context.Background(), id, login("zero"))
	require.NoError(t, err)

	var seen []string
	timeout := time.After(time.Second)
	for len(seen) < 3 {
		select {
		case evt := <-sub:
			seen = append(seen, string(evt.Kind)+":"+evt.To)
		case <-timeout:
			t.Fatalf("got only %v", seen)
		}
	}
	assert.Equal(t, []string{
		"authorisation:RECEIVED",
		"payment:ACCP",
		"authorisation:FINALISED",
	}, seen)
}
